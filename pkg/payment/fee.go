package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Protocol fee parameters. Every paid call carries a fixed fee output to the
// protocol fee key. Changing the fee key requires a protocol version bump.
const (
	// FeeSats is the fixed per-call protocol fee.
	FeeSats int64 = 2

	// FeeKeyID tags fee derivations in challenge headers.
	FeeKeyID = "clawsats-fee-v1"

	// FeeDerivationSuffix salts the fee output's payment derivation.
	FeeDerivationSuffix = "clawsats-fee"

	// FeeIdentityKey is the hard-coded protocol fee recipient.
	FeeIdentityKey = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

	// feeIdentityKeySHA256 pins FeeIdentityKey against accidental edits.
	feeIdentityKeySHA256 = "d13c888cfd35d6ab67dc3f67edcc401833e6ae4eec20b254b1981b187946ed91"
)

// VerifyFeeKey checks the embedded fee key against its pinned hash. Called
// once at process startup; a mismatch means the binary was tampered with or
// miscompiled and the process must not serve paid calls.
func VerifyFeeKey() error {
	sum := sha256.Sum256([]byte(FeeIdentityKey))
	if hex.EncodeToString(sum[:]) != feeIdentityKeySHA256 {
		return fmt.Errorf("fee identity key does not match its pinned hash")
	}
	return nil
}
