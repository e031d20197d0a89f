package wallet

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/BSVanon/ClawSats-sub000/pkg/log"
	"github.com/BSVanon/ClawSats-sub000/pkg/txparse"
)

// paymentInvoicePrefix is the BRC-29 payment derivation protocol.
const paymentInvoicePrefix = "2-3241645161d8-"

// broadcastTimeout caps the optional POST to the broadcast backend.
const broadcastTimeout = 30 * time.Second

// Driver is the bundled Gateway implementation over secp256k1. Key
// derivation follows the BRC-42 scheme: an ECDH shared secret between the
// two parties keys an HMAC over the protocol invoice number, and the result
// offsets the party's root key. Both sides compute the same shared secret,
// so the payer can derive the payee's destination and the payee can
// recognize it.
//
// Transaction funding is out of scope for the driver: BuildAndBroadcastPayment
// assembles the output side and a placeholder input, and POSTs the raw tx to
// the broadcast backend when one is configured. Peers validate payments with
// InternalizePayment against the derived script, not against the chain.
type Driver struct {
	priv *btcec.PrivateKey
	pub  *btcec.PublicKey

	broadcastURL string
	client       *http.Client
}

// NewDriver creates a driver from a 32-byte root secret in hex.
func NewDriver(rootKeyHex string) (*Driver, error) {
	raw, err := hex.DecodeString(rootKeyHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("root key must be 64 hex chars (32 bytes)")
	}
	priv, pub := btcec.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("root key is zero")
	}
	return &Driver{
		priv:   priv,
		pub:    pub,
		client: &http.Client{Timeout: broadcastTimeout},
	}, nil
}

// WithBroadcastURL configures an ARC-style endpoint raw transactions are
// POSTed to. Without one, built payments stay local.
func (d *Driver) WithBroadcastURL(url string) *Driver {
	d.broadcastURL = url
	return d
}

// IdentityKey returns the compressed public key in hex.
func (d *Driver) IdentityKey() string {
	return hex.EncodeToString(d.pub.SerializeCompressed())
}

// Sign implements Gateway.
func (d *Driver) Sign(ctx context.Context, data []byte, protocolID ProtocolID, keyID, counterparty string) ([]byte, error) {
	shared, err := d.sharedSecret(counterparty)
	if err != nil {
		return nil, err
	}
	child := deriveChildPriv(d.priv, shared, invoiceNumber(protocolID, keyID))
	digest := sha256.Sum256(data)
	sig := ecdsa.Sign(child, digest[:])
	return sig.Serialize(), nil
}

// Verify implements Gateway. counterparty is the signer's identity key; an
// empty counterparty means this wallet signed the data itself. The signer may
// have signed either to us specifically or to the shared "anyone" key; both
// derivations are checked.
func (d *Driver) Verify(ctx context.Context, data, signature []byte, protocolID ProtocolID, keyID, counterparty string) (bool, error) {
	signerPub := d.pub
	if counterparty != "" {
		var err error
		signerPub, err = parseIdentityKey(counterparty)
		if err != nil {
			return false, err
		}
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false, nil
	}

	digest := sha256.Sum256(data)
	invoice := invoiceNumber(protocolID, keyID)

	for _, shared := range [][]byte{
		ecdhSecret(d.priv, signerPub),
		ecdhSecret(anyonePriv(), signerPub),
	} {
		child := deriveChildPub(signerPub, shared, invoice)
		if sig.Verify(digest[:], child) {
			return true, nil
		}
	}
	return false, nil
}

// DerivePaymentScript implements Gateway: P2PKH to the recipient's derived
// payment key.
func (d *Driver) DerivePaymentScript(ctx context.Context, recipientIdentityKey, derivationPrefix, derivationSuffix string) ([]byte, error) {
	recipientPub, err := parseIdentityKey(recipientIdentityKey)
	if err != nil {
		return nil, err
	}
	shared := ecdhSecret(d.priv, recipientPub)
	child := deriveChildPub(recipientPub, shared, paymentInvoice(derivationPrefix, derivationSuffix))
	return p2pkhScript(child)
}

// BuildAndBroadcastPayment implements Gateway.
func (d *Driver) BuildAndBroadcastPayment(ctx context.Context, outputs []Output, description string, labels []string) (*BroadcastResult, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("payment needs at least one output")
	}

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	for _, out := range outputs {
		if out.Satoshis < 0 {
			return nil, fmt.Errorf("negative output amount %d", out.Satoshis)
		}
		tx.AddTxOut(wire.NewTxOut(out.Satoshis, out.Script))
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize payment: %w", err)
	}
	raw := buf.Bytes()
	txid := tx.TxHash().String()

	if d.broadcastURL != "" {
		if err := d.broadcast(ctx, raw); err != nil {
			return nil, fmt.Errorf("failed to broadcast payment: %w", err)
		}
	} else {
		log.WithComponent("wallet").Debug().Str("txid", txid).Msg("no broadcast backend configured, payment stays local")
	}

	return &BroadcastResult{RawTx: raw, Txid: txid}, nil
}

// InternalizePayment implements Gateway.
func (d *Driver) InternalizePayment(ctx context.Context, rawTx []byte, outputIndex int, derivationPrefix, derivationSuffix, senderIdentityKey, description string) (*InternalizeResult, error) {
	senderPub, err := parseIdentityKey(senderIdentityKey)
	if err != nil {
		return nil, err
	}
	tx, err := txparse.Parse(rawTx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payment transaction: %w", err)
	}
	if outputIndex < 0 || outputIndex >= len(tx.Outputs) {
		return nil, fmt.Errorf("%w: no output at index %d", ErrPaymentMismatch, outputIndex)
	}

	shared := ecdhSecret(d.priv, senderPub)
	child := deriveChildPub(d.pub, shared, paymentInvoice(derivationPrefix, derivationSuffix))
	expected, err := p2pkhScript(child)
	if err != nil {
		return nil, err
	}

	out := tx.Outputs[outputIndex]
	if !bytes.Equal(out.LockingScript, expected) {
		return nil, fmt.Errorf("%w: locking script does not match derivation", ErrPaymentMismatch)
	}
	return &InternalizeResult{AcceptedSats: int64(out.Satoshis)}, nil
}

func (d *Driver) broadcast(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.broadcastURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("broadcast backend returned %d", resp.StatusCode)
	}
	return nil
}

// sharedSecret returns the ECDH secret with the named counterparty. An empty
// counterparty selects the "anyone" key, so any holder of the signer's
// identity key can verify.
func (d *Driver) sharedSecret(counterparty string) ([]byte, error) {
	if counterparty == "" {
		return ecdhSecret(anyonePriv(), d.pub), nil
	}
	pub, err := parseIdentityKey(counterparty)
	if err != nil {
		return nil, err
	}
	return ecdhSecret(d.priv, pub), nil
}

// invoiceNumber renders the BRC-43 invoice string for a protocol/key pair.
func invoiceNumber(p ProtocolID, keyID string) string {
	return fmt.Sprintf("%d-%s-%s", p.SecurityLevel, p.Protocol, keyID)
}

func paymentInvoice(prefix, suffix string) string {
	return fmt.Sprintf("%s%s %s", paymentInvoicePrefix, prefix, suffix)
}

func parseIdentityKey(key string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != 33 {
		return nil, fmt.Errorf("%w: %q", ErrBadIdentityKey, log.Truncate(key, 16))
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadIdentityKey, err)
	}
	return pub, nil
}

// ecdhSecret computes the shared secret between a private and a public key.
func ecdhSecret(priv *btcec.PrivateKey, pub *btcec.PublicKey) []byte {
	return btcec.GenerateSharedSecret(priv, pub)
}

// anyonePriv is the conventional private key of 1, giving "anyone" signatures
// a well-known counterparty.
func anyonePriv() *btcec.PrivateKey {
	var one [32]byte
	one[31] = 1
	priv, _ := btcec.PrivKeyFromBytes(one[:])
	return priv
}

// keyOffset derives the scalar offset for an invoice under a shared secret.
func keyOffset(shared []byte, invoice string) *secp.ModNScalar {
	mac := hmac.New(sha256.New, shared)
	mac.Write([]byte(invoice))
	var offset secp.ModNScalar
	offset.SetByteSlice(mac.Sum(nil))
	return &offset
}

func deriveChildPriv(root *btcec.PrivateKey, shared []byte, invoice string) *btcec.PrivateKey {
	sum := new(secp.ModNScalar).Add2(&root.Key, keyOffset(shared, invoice))
	return secp.NewPrivateKey(sum)
}

func deriveChildPub(root *btcec.PublicKey, shared []byte, invoice string) *btcec.PublicKey {
	offsetPriv := secp.NewPrivateKey(keyOffset(shared, invoice))
	offsetPub := offsetPriv.PubKey()

	var p1, p2, sum secp.JacobianPoint
	root.AsJacobian(&p1)
	offsetPub.AsJacobian(&p2)
	secp.AddNonConst(&p1, &p2, &sum)
	sum.ToAffine()
	return secp.NewPublicKey(&sum.X, &sum.Y)
}

// p2pkhScript builds OP_DUP OP_HASH160 <h160> OP_EQUALVERIFY OP_CHECKSIG.
func p2pkhScript(pub *btcec.PublicKey) ([]byte, error) {
	h160 := btcutil.Hash160(pub.SerializeCompressed())
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(h160).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil, fmt.Errorf("failed to build locking script: %w", err)
	}
	return script, nil
}
