package wallet

import (
	"context"
	"errors"
)

var (
	// ErrPaymentMismatch means the transaction output did not decrypt to a
	// valid payment for this wallet.
	ErrPaymentMismatch = errors.New("output is not a payment to this wallet")

	// ErrBadIdentityKey means a counterparty key failed to parse as a
	// compressed secp256k1 public key.
	ErrBadIdentityKey = errors.New("invalid identity key")
)

// ProtocolID scopes key derivation per BRC-43: a security level and a
// protocol name. ClawSats uses level 0 protocols throughout.
type ProtocolID struct {
	SecurityLevel int
	Protocol      string
}

// Protocol identifiers used across the node.
var (
	SharingProtocol = ProtocolID{SecurityLevel: 0, Protocol: "clawsats sharing"}
	ReceiptProtocol = ProtocolID{SecurityLevel: 0, Protocol: "clawsats-receipt"}
	MessageProtocol = ProtocolID{SecurityLevel: 0, Protocol: "clawsats message"}
)

// Key IDs paired with the protocols above.
const (
	SharingKeyID = "sharing-v1"
	ReceiptKeyID = "receipt-v1"
	MessageKeyID = "message-v1"
)

// Output is one output of a payment to build.
type Output struct {
	Satoshis int64
	Script   []byte
	Note     string
}

// BroadcastResult is the outcome of building and broadcasting a payment.
type BroadcastResult struct {
	RawTx []byte
	Txid  string
}

// InternalizeResult reports what a received payment was worth to this wallet.
type InternalizeResult struct {
	AcceptedSats int64
}

// Gateway is the narrow wallet contract the node programs against: signing,
// verification, payment-script derivation, payment construction, and payment
// acceptance. Implementations must be safe for concurrent use.
type Gateway interface {
	// IdentityKey returns this wallet's compressed public key in hex.
	IdentityKey() string

	// Sign signs data under the derived key for (protocolID, keyID,
	// counterparty). An empty counterparty signs to the shared "anyone" key
	// so any holder of the signer's identity key can verify.
	Sign(ctx context.Context, data []byte, protocolID ProtocolID, keyID, counterparty string) ([]byte, error)

	// Verify checks a signature made by counterparty over data under the
	// derived key for (protocolID, keyID).
	Verify(ctx context.Context, data, signature []byte, protocolID ProtocolID, keyID, counterparty string) (bool, error)

	// DerivePaymentScript computes the locking script paying the recipient
	// at the unique destination derived from the prefix/suffix salts.
	DerivePaymentScript(ctx context.Context, recipientIdentityKey, derivationPrefix, derivationSuffix string) ([]byte, error)

	// BuildAndBroadcastPayment assembles a transaction carrying outputs and
	// hands it to the broadcast backend when one is configured.
	BuildAndBroadcastPayment(ctx context.Context, outputs []Output, description string, labels []string) (*BroadcastResult, error)

	// InternalizePayment accepts an inbound payment: it fails with
	// ErrPaymentMismatch unless the output at outputIndex pays the script
	// this wallet derives from the given salts and sender.
	InternalizePayment(ctx context.Context, rawTx []byte, outputIndex int, derivationPrefix, derivationSuffix, senderIdentityKey, description string) (*InternalizeResult, error)
}
