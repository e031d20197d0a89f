// Package invite builds, signs, and validates the peering artifacts:
// invitations, announcements, and discovery queries.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BSVanon/ClawSats-sub000/pkg/canonical"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

// Wire tags carried by signed artifacts so receivers can route them without
// guessing at the shape.
const (
	InvitationProtocol = "clawsats-sharing"
	AnnouncementType   = "clawsats-announcement"
	QueryType          = "clawsats-discovery-query"
	WireVersion        = "1.0"
)

// DefaultTTL is how long an invitation stays acceptable.
const DefaultTTL = 5 * time.Minute

// Protocol builds and signs invitations, announcements, and discovery
// queries for one node identity.
type Protocol struct {
	wallet   wallet.Gateway
	sender   types.PartyRef
	snapshot types.WalletSnapshot

	ttl time.Duration
	now func() time.Time
}

// New creates a Protocol for the given wallet and sender profile.
func New(w wallet.Gateway, sender types.PartyRef, snapshot types.WalletSnapshot) *Protocol {
	if sender.IdentityKey == "" {
		sender.IdentityKey = w.IdentityKey()
	}
	return &Protocol{
		wallet:   w,
		sender:   sender,
		snapshot: snapshot,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
}

// WithTTL overrides the invitation expiry window.
func (p *Protocol) WithTTL(d time.Duration) *Protocol {
	if d > 0 {
		p.ttl = d
	}
	return p
}

// CreateInvitation builds a signed invitation for the recipient. When the
// recipient identity key is known the signature is bound to it; otherwise it
// is made verifiable by anyone.
func (p *Protocol) CreateInvitation(ctx context.Context, recipient types.PartyRef) (*types.Invitation, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	now := p.now().UTC()

	inv := &types.Invitation{
		Protocol:  InvitationProtocol,
		Version:   WireVersion,
		ID:        uuid.NewString(),
		Nonce:     nonce,
		Sender:    p.sender,
		Recipient: recipient,
		Wallet:    p.snapshot,
		ExpiresAt: now.Add(p.ttl),
		Timestamp: now.Format(time.RFC3339),
	}

	counterparty := recipient.IdentityKey
	if counterparty == "" {
		counterparty = recipient.PublicKey
	}
	sig, err := p.sign(ctx, inv, counterparty)
	if err != nil {
		return nil, fmt.Errorf("failed to sign invitation: %w", err)
	}
	inv.Signature = sig
	return inv, nil
}

// CreateAnnouncement builds a signed broadcast of this node's capability
// listing. Announcements have no single recipient, so they sign to anyone.
func (p *Protocol) CreateAnnouncement(ctx context.Context, caps []types.AnnouncedCapability, network map[string]string) (*types.Announcement, error) {
	ann := &types.Announcement{
		Type:         AnnouncementType,
		Version:      WireVersion,
		ID:           uuid.NewString(),
		ClawID:       p.sender.ClawID,
		IdentityKey:  p.sender.IdentityKey,
		Capabilities: caps,
		Network:      network,
		Timestamp:    p.now().UTC().Format(time.RFC3339),
	}
	sig, err := p.sign(ctx, ann, "")
	if err != nil {
		return nil, fmt.Errorf("failed to sign announcement: %w", err)
	}
	ann.Signature = sig
	return ann, nil
}

// SignAnnouncement re-signs an announcement to the shared anyone key after
// the caller mutated signed fields, referredBy in particular.
func SignAnnouncement(ctx context.Context, w wallet.Gateway, ann types.Announcement) (*types.Announcement, error) {
	ann.Signature = ""
	payload, err := canonical.MarshalWithout(ann, "signature")
	if err != nil {
		return nil, err
	}
	sig, err := w.Sign(ctx, payload, wallet.SharingProtocol, wallet.SharingKeyID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to sign announcement: %w", err)
	}
	ann.Signature = base64.StdEncoding.EncodeToString(sig)
	return &ann, nil
}

// CreateDiscoveryQuery builds a signed request for peers advertising the
// given capability.
func (p *Protocol) CreateDiscoveryQuery(ctx context.Context, capability string) (*types.DiscoveryQuery, error) {
	q := &types.DiscoveryQuery{
		Type:        QueryType,
		Version:     WireVersion,
		ID:          uuid.NewString(),
		IdentityKey: p.sender.IdentityKey,
		Capability:  capability,
		Chain:       p.snapshot.Chain,
		Timestamp:   p.now().UTC().Format(time.RFC3339),
	}
	sig, err := p.sign(ctx, q, "")
	if err != nil {
		return nil, fmt.Errorf("failed to sign discovery query: %w", err)
	}
	q.Signature = sig
	return q, nil
}

func (p *Protocol) sign(ctx context.Context, record any, counterparty string) (string, error) {
	payload, err := canonical.MarshalWithout(record, "signature")
	if err != nil {
		return "", err
	}
	sig, err := p.wallet.Sign(ctx, payload, wallet.SharingProtocol, wallet.SharingKeyID, counterparty)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// ValidationError reports why an artifact failed structural validation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// ValidateInvitation runs the structural checks an invitation must pass
// before its signature is even considered. Nonce replay is the caller's
// concern; validation here is stateless.
func ValidateInvitation(inv *types.Invitation, now time.Time) error {
	switch {
	case inv == nil:
		return &ValidationError{Reason: "invitation is empty"}
	case inv.Protocol != InvitationProtocol:
		return &ValidationError{Reason: fmt.Sprintf("unknown protocol %q", inv.Protocol)}
	case inv.Sender.IdentityKey == "":
		return &ValidationError{Reason: "sender identity key missing"}
	case inv.Nonce == "":
		return &ValidationError{Reason: "nonce missing"}
	case inv.Wallet.Chain == "":
		return &ValidationError{Reason: "chain missing"}
	case !inv.ExpiresAt.IsZero() && now.After(inv.ExpiresAt):
		return &ValidationError{Reason: "invitation expired"}
	case inv.ExpiresAt.IsZero():
		return &ValidationError{Reason: "expiry missing"}
	}
	return nil
}

// VerifySignature checks a signed artifact against its embedded signature.
// raw must be the received JSON object as decoded maps, so unknown fields the
// sender included survive canonicalization. signerKey is the claimed signer
// identity.
func VerifySignature(ctx context.Context, w wallet.Gateway, raw map[string]any, signerKey string) error {
	sigB64, _ := raw["signature"].(string)
	if sigB64 == "" {
		return &ValidationError{Reason: "signature missing"}
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return &ValidationError{Reason: "signature is not base64"}
	}

	payload, err := canonical.MarshalWithout(raw, "signature")
	if err != nil {
		return fmt.Errorf("failed to canonicalize artifact: %w", err)
	}
	ok, err := w.Verify(ctx, payload, sig, wallet.SharingProtocol, wallet.SharingKeyID, signerKey)
	if err != nil {
		return fmt.Errorf("failed to verify signature: %w", err)
	}
	if !ok {
		return &ValidationError{Reason: "signature verification failed"}
	}
	return nil
}

// ValidAnnouncementKey reports whether an identity key looks like a
// compressed public key in hex.
func ValidAnnouncementKey(key string) bool {
	if len(key) != 66 {
		return false
	}
	if _, err := hex.DecodeString(key); err != nil {
		return false
	}
	return key[0] == '0' && (key[1] == '2' || key[1] == '3')
}

// randomNonce returns 128 bits of randomness, base64url encoded.
func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
