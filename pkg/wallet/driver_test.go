package wallet

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeyA = "1111111111111111111111111111111111111111111111111111111111111111"
	testKeyB = "2222222222222222222222222222222222222222222222222222222222222222"
)

func newTestDriver(t *testing.T, keyHex string) *Driver {
	t.Helper()
	d, err := NewDriver(keyHex)
	require.NoError(t, err)
	return d
}

func TestNewDriverRejectsBadKeys(t *testing.T) {
	_, err := NewDriver("not-hex")
	assert.Error(t, err)

	_, err = NewDriver("abcd")
	assert.Error(t, err)

	_, err = NewDriver(strings.Repeat("00", 32))
	assert.Error(t, err, "zero key must be rejected")
}

func TestIdentityKeyIsCompressedHex(t *testing.T) {
	d := newTestDriver(t, testKeyA)
	key := d.IdentityKey()
	assert.Len(t, key, 66)
	assert.True(t, strings.HasPrefix(key, "02") || strings.HasPrefix(key, "03"),
		"compressed keys start 02 or 03, got %s", key[:2])
}

func TestSignVerifyBetweenParties(t *testing.T) {
	ctx := context.Background()
	alice := newTestDriver(t, testKeyA)
	bob := newTestDriver(t, testKeyB)

	data := []byte(`{"hello":"world"}`)

	// Alice signs for Bob; Bob verifies with Alice as counterparty.
	sig, err := alice.Sign(ctx, data, SharingProtocol, SharingKeyID, bob.IdentityKey())
	require.NoError(t, err)

	ok, err := bob.Verify(ctx, data, sig, SharingProtocol, SharingKeyID, alice.IdentityKey())
	require.NoError(t, err)
	assert.True(t, ok)

	// Tampered data fails.
	ok, err = bob.Verify(ctx, []byte(`{"hello":"worlD"}`), sig, SharingProtocol, SharingKeyID, alice.IdentityKey())
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong protocol fails.
	ok, err = bob.Verify(ctx, data, sig, ReceiptProtocol, ReceiptKeyID, alice.IdentityKey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAnyoneSignatureVerifiableByThirdParty(t *testing.T) {
	ctx := context.Background()
	provider := newTestDriver(t, testKeyA)
	stranger := newTestDriver(t, testKeyB)

	data := []byte("receipt body")
	sig, err := provider.Sign(ctx, data, ReceiptProtocol, ReceiptKeyID, "")
	require.NoError(t, err)

	ok, err := stranger.Verify(ctx, data, sig, ReceiptProtocol, ReceiptKeyID, provider.IdentityKey())
	require.NoError(t, err)
	assert.True(t, ok, "anyone-counterparty signatures must verify for third parties")
}

func TestVerifySelfSignedWithEmptyCounterparty(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t, testKeyA)

	data := []byte("note to self")
	sig, err := d.Sign(ctx, data, MessageProtocol, MessageKeyID, "")
	require.NoError(t, err)

	// Empty counterparty on verify means the signer is this wallet.
	ok, err := d.Verify(ctx, data, sig, MessageProtocol, MessageKeyID, "")
	require.NoError(t, err)
	assert.True(t, ok)

	// Same round trip when the signature was bound to our own key.
	sig, err = d.Sign(ctx, data, MessageProtocol, MessageKeyID, d.IdentityKey())
	require.NoError(t, err)
	ok, err = d.Verify(ctx, data, sig, MessageProtocol, MessageKeyID, "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t, testKeyA)

	ok, err := d.Verify(ctx, []byte("x"), []byte("not-a-der-signature"), SharingProtocol, SharingKeyID, d.IdentityKey())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.Verify(ctx, []byte("x"), nil, SharingProtocol, SharingKeyID, "zz")
	assert.ErrorIs(t, err, ErrBadIdentityKey)
}

func TestPaymentRoundTrip(t *testing.T) {
	ctx := context.Background()
	payer := newTestDriver(t, testKeyA)
	payee := newTestDriver(t, testKeyB)

	script, err := payer.DerivePaymentScript(ctx, payee.IdentityKey(), "prefix123", "suffix456")
	require.NoError(t, err)
	require.NotEmpty(t, script)

	built, err := payer.BuildAndBroadcastPayment(ctx, []Output{
		{Satoshis: 10, Script: script, Note: "capability payment"},
		{Satoshis: 2, Script: script, Note: "protocol fee"},
	}, "paid call", []string{"clawsats"})
	require.NoError(t, err)
	require.NotEmpty(t, built.RawTx)
	require.NotEmpty(t, built.Txid)

	res, err := payee.InternalizePayment(ctx, built.RawTx, 0, "prefix123", "suffix456", payer.IdentityKey(), "paid call")
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.AcceptedSats)
}

func TestInternalizeRejectsWrongDerivation(t *testing.T) {
	ctx := context.Background()
	payer := newTestDriver(t, testKeyA)
	payee := newTestDriver(t, testKeyB)

	script, err := payer.DerivePaymentScript(ctx, payee.IdentityKey(), "prefix123", "suffix456")
	require.NoError(t, err)
	built, err := payer.BuildAndBroadcastPayment(ctx, []Output{{Satoshis: 10, Script: script}}, "", nil)
	require.NoError(t, err)

	// Wrong salts: the derived script does not match.
	_, err = payee.InternalizePayment(ctx, built.RawTx, 0, "otherprefix", "suffix456", payer.IdentityKey(), "")
	assert.ErrorIs(t, err, ErrPaymentMismatch)

	// Output index out of range.
	_, err = payee.InternalizePayment(ctx, built.RawTx, 5, "prefix123", "suffix456", payer.IdentityKey(), "")
	assert.ErrorIs(t, err, ErrPaymentMismatch)

	// Wrong recipient: a third wallet cannot claim the output.
	other := newTestDriver(t, "3333333333333333333333333333333333333333333333333333333333333333")
	_, err = other.InternalizePayment(ctx, built.RawTx, 0, "prefix123", "suffix456", payer.IdentityKey(), "")
	assert.ErrorIs(t, err, ErrPaymentMismatch)
}

func TestKeystoreRoundTrip(t *testing.T) {
	enc, err := EncryptRootKey(testKeyA, "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, enc)

	dec, err := DecryptRootKey(enc, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyA, dec)

	_, err = DecryptRootKey(enc, "wrong")
	assert.Error(t, err)
}
