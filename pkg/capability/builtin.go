package capability

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/BSVanon/ClawSats-sub000/pkg/canonical"
	"github.com/BSVanon/ClawSats-sub000/pkg/nonce"
	"github.com/BSVanon/ClawSats-sub000/pkg/peers"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

// Deps carries the shared node state the built-in handlers close over.
type Deps struct {
	Peers      *peers.Registry
	ClawID     string
	Chain      string
	RelaySeen  *nonce.Cache // dedupe for broadcast_listing relays
	HTTPClient *http.Client // outbound client for fetch_url and relays
}

// RegisterBuiltins registers every built-in capability with its
// hard-configured price and tags. Must run before the HTTP server accepts
// traffic.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	if deps.RelaySeen == nil {
		deps.RelaySeen = nonce.NewCache(nonce.DefaultCapacity)
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	builtins := []Registration{
		{
			Capability: types.Capability{
				Name:        "echo",
				Description: "Echo a message back, signed by this node",
				PriceSats:   10,
				Tags:        []string{"utility", "test"},
			},
			Handler: echoHandler,
		},
		{
			Capability: types.Capability{
				Name:        "sign_message",
				Description: "Sign an arbitrary message with the node identity",
				PriceSats:   25,
				Tags:        []string{"crypto", "signing"},
			},
			Handler: signMessageHandler,
		},
		{
			Capability: types.Capability{
				Name:        "hash_commit",
				Description: "Produce a signed sha256 commitment over submitted data",
				PriceSats:   50,
				Tags:        []string{"crypto", "commitment"},
			},
			Handler: hashCommitHandler,
		},
		{
			Capability: types.Capability{
				Name:        "timestamp_attest",
				Description: "Attest that a hash existed at the current time",
				PriceSats:   25,
				Tags:        []string{"crypto", "timestamp"},
			},
			Handler: timestampAttestHandler,
		},
		{
			Capability: types.Capability{
				Name:        "verify_receipt",
				Description: "Verify a ClawSats payment receipt signature",
				PriceSats:   10,
				Tags:        []string{"crypto", "receipt"},
			},
			Handler: verifyReceiptHandler,
		},
		{
			Capability: types.Capability{
				Name:        "fetch_url",
				Description: "Fetch a public URL and return its hash-signed body",
				PriceSats:   100,
				Tags:        []string{"network", "fetch"},
			},
			Handler: fetchURLHandler(deps),
		},
		{
			Capability: types.Capability{
				Name:        "dns_resolve",
				Description: "Resolve DNS records for a public hostname",
				PriceSats:   50,
				Tags:        []string{"network", "dns"},
			},
			Handler: dnsResolveHandler,
		},
		{
			Capability: types.Capability{
				Name:        "peer_health_check",
				Description: "Probe a ClawSats peer's health endpoint",
				PriceSats:   25,
				Tags:        []string{"network", "peers"},
			},
			Handler: peerHealthHandler,
		},
		{
			Capability: types.Capability{
				Name:        "broadcast_listing",
				Description: "Relay a capability announcement to known peers",
				PriceSats:   100,
				Tags:        []string{"network", "relay"},
			},
			Handler: broadcastListingHandler(deps),
		},
	}

	for _, b := range builtins {
		if err := reg.Register(b); err != nil {
			return fmt.Errorf("failed to register builtin: %w", err)
		}
	}
	return nil
}

func echoHandler(ctx context.Context, params map[string]any, w wallet.Gateway) (any, error) {
	message, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}

	n, err := randomHex(4)
	if err != nil {
		return nil, err
	}
	sig, err := w.Sign(ctx, []byte(message+n), wallet.MessageProtocol, wallet.MessageKeyID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to sign echo: %w", err)
	}

	return map[string]any{
		"message":   message,
		"nonce":     n,
		"signedBy":  w.IdentityKey(),
		"signature": base64.StdEncoding.EncodeToString(sig),
	}, nil
}

func signMessageHandler(ctx context.Context, params map[string]any, w wallet.Gateway) (any, error) {
	message, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}

	sig, err := w.Sign(ctx, []byte(message), wallet.MessageProtocol, wallet.MessageKeyID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return map[string]any{
		"message":   message,
		"signedBy":  w.IdentityKey(),
		"protocol":  wallet.MessageProtocol.Protocol,
		"keyId":     wallet.MessageKeyID,
		"signature": base64.StdEncoding.EncodeToString(sig),
	}, nil
}

func hashCommitHandler(ctx context.Context, params map[string]any, w wallet.Gateway) (any, error) {
	data, err := stringParam(params, "data")
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(data))
	digest := hex.EncodeToString(sum[:])
	sig, err := w.Sign(ctx, sum[:], wallet.MessageProtocol, wallet.MessageKeyID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to sign commitment: %w", err)
	}
	return map[string]any{
		"sha256":    digest,
		"signedBy":  w.IdentityKey(),
		"signature": base64.StdEncoding.EncodeToString(sig),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func timestampAttestHandler(ctx context.Context, params map[string]any, w wallet.Gateway) (any, error) {
	hash, err := stringParam(params, "hash")
	if err != nil {
		return nil, err
	}
	if _, err := hex.DecodeString(hash); err != nil || len(hash) != 64 {
		return nil, fmt.Errorf("hash must be 64 hex chars")
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	payload, err := canonical.Marshal(map[string]any{"hash": hash, "timestamp": ts})
	if err != nil {
		return nil, err
	}
	sig, err := w.Sign(ctx, payload, wallet.MessageProtocol, wallet.MessageKeyID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to sign attestation: %w", err)
	}
	return map[string]any{
		"hash":      hash,
		"timestamp": ts,
		"signedBy":  w.IdentityKey(),
		"signature": base64.StdEncoding.EncodeToString(sig),
	}, nil
}

func verifyReceiptHandler(ctx context.Context, params map[string]any, w wallet.Gateway) (any, error) {
	receipt, ok := params["receipt"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("receipt object required")
	}
	provider, _ := receipt["provider"].(string)
	sigB64, _ := receipt["signature"].(string)
	if provider == "" || sigB64 == "" {
		return nil, fmt.Errorf("receipt is missing provider or signature")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("receipt signature is not base64")
	}

	payload, err := canonical.MarshalWithout(receipt, "signature")
	if err != nil {
		return nil, err
	}
	valid, err := w.Verify(ctx, payload, sig, wallet.ReceiptProtocol, wallet.ReceiptKeyID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to verify receipt: %w", err)
	}

	return map[string]any{
		"valid":     valid,
		"receiptId": receipt["id"],
		"provider":  provider,
	}, nil
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s parameter required", key)
	}
	return v, nil
}

func randomHex(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
