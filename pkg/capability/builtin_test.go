package capability

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BSVanon/ClawSats-sub000/pkg/canonical"
	"github.com/BSVanon/ClawSats-sub000/pkg/invite"
	"github.com/BSVanon/ClawSats-sub000/pkg/nonce"
	"github.com/BSVanon/ClawSats-sub000/pkg/peers"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

func testWallet(t *testing.T) *wallet.Driver {
	t.Helper()
	d, err := wallet.NewDriver("4444444444444444444444444444444444444444444444444444444444444444")
	require.NoError(t, err)
	return d
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	reg, err := peers.NewRegistry(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	return Deps{
		Peers:      reg,
		ClawID:     "claw-test",
		Chain:      "main",
		RelaySeen:  nonce.NewCache(100),
		HTTPClient: http.DefaultClient,
	}
}

func TestRegisterBuiltinsRegistersAll(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, testDeps(t)))

	for _, name := range []string{
		"echo", "sign_message", "hash_commit", "timestamp_attest",
		"broadcast_listing", "fetch_url", "dns_resolve", "verify_receipt",
		"peer_health_check",
	} {
		_, ok := r.Get(name)
		assert.True(t, ok, "builtin %s missing", name)
	}
}

func TestEchoHandler(t *testing.T) {
	w := testWallet(t)

	res, err := echoHandler(context.Background(), map[string]any{"message": "hi"}, w)
	require.NoError(t, err)

	m := res.(map[string]any)
	assert.Equal(t, "hi", m["message"])
	assert.Len(t, m["nonce"], 8, "nonce is 8 hex chars")
	assert.Equal(t, w.IdentityKey(), m["signedBy"])

	sig, err := base64.StdEncoding.DecodeString(m["signature"].(string))
	require.NoError(t, err)
	ok, err := w.Verify(context.Background(), []byte("hi"+m["nonce"].(string)), sig,
		wallet.MessageProtocol, wallet.MessageKeyID, w.IdentityKey())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEchoRequiresMessage(t *testing.T) {
	_, err := echoHandler(context.Background(), map[string]any{}, testWallet(t))
	assert.Error(t, err)
}

func TestTimestampAttestValidatesHash(t *testing.T) {
	w := testWallet(t)

	_, err := timestampAttestHandler(context.Background(), map[string]any{"hash": "zz"}, w)
	assert.Error(t, err)

	res, err := timestampAttestHandler(context.Background(), map[string]any{
		"hash": strings.Repeat("ab", 32),
	}, w)
	require.NoError(t, err)
	m := res.(map[string]any)
	assert.NotEmpty(t, m["timestamp"])
	assert.NotEmpty(t, m["signature"])
}

func TestVerifyReceiptHandler(t *testing.T) {
	ctx := context.Background()
	w := testWallet(t)

	receipt := map[string]any{
		"id":           "r-1",
		"capability":   "echo",
		"provider":     w.IdentityKey(),
		"satoshisPaid": 10,
		"feeSatoshis":  2,
		"resultHash":   strings.Repeat("00", 32),
		"timestamp":    "2026-01-01T00:00:00Z",
	}
	payload, err := canonical.MarshalWithout(receipt, "signature")
	require.NoError(t, err)
	sig, err := w.Sign(ctx, payload, wallet.ReceiptProtocol, wallet.ReceiptKeyID, "")
	require.NoError(t, err)
	receipt["signature"] = base64.StdEncoding.EncodeToString(sig)

	res, err := verifyReceiptHandler(ctx, map[string]any{"receipt": receipt}, w)
	require.NoError(t, err)
	assert.True(t, res.(map[string]any)["valid"].(bool))

	// Tamper with the paid amount: verification must fail.
	receipt["satoshisPaid"] = 9999
	res, err = verifyReceiptHandler(ctx, map[string]any{"receipt": receipt}, w)
	require.NoError(t, err)
	assert.False(t, res.(map[string]any)["valid"].(bool))
}

func TestFetchURLRejectsPrivateTargets(t *testing.T) {
	handler := fetchURLHandler(testDeps(t))

	for _, target := range []string{
		"http://localhost/x",
		"http://127.0.0.1:8080/x",
		"http://10.0.0.1/x",
		"http://192.168.1.1/x",
		"http://169.254.169.254/latest",
		"ftp://example.com/x",
	} {
		_, err := handler(context.Background(), map[string]any{"url": target}, testWallet(t))
		assert.Error(t, err, "target %s must be rejected", target)
	}
}

func TestFetchURLRejectsBadMethod(t *testing.T) {
	handler := fetchURLHandler(testDeps(t))
	_, err := handler(context.Background(), map[string]any{
		"url":    "http://example.com",
		"method": "POST",
	}, testWallet(t))
	assert.Error(t, err)
}

func TestDNSResolveRejectsBlockedNames(t *testing.T) {
	w := testWallet(t)
	for _, host := range []string{"localhost", "foo.local", "db.internal"} {
		_, err := dnsResolveHandler(context.Background(), map[string]any{"hostname": host}, w)
		assert.Error(t, err, "hostname %s must be blocked", host)
	}
}

func TestDNSResolveRejectsUnknownType(t *testing.T) {
	_, err := dnsResolveHandler(context.Background(), map[string]any{
		"hostname": "example.com",
		"type":     "ANY",
	}, testWallet(t))
	assert.Error(t, err)
}

func TestBroadcastListingHopLimit(t *testing.T) {
	handler := broadcastListingHandler(testDeps(t))

	_, err := handler(context.Background(), map[string]any{
		"manifest": map[string]any{"identityKey": "02aa", "id": "a-1"},
		"hopCount": float64(2),
	}, testWallet(t))
	assert.Error(t, err, "hop at limit must not relay")
}

func TestBroadcastListingRelaysAndTags(t *testing.T) {
	deps := testDeps(t)
	w := testWallet(t)

	var relayCount int32
	var gotManifest atomic.Value
	peerSrv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/wallet/announce", r.URL.Path)
		var manifest map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&manifest))
		gotManifest.Store(manifest)
		atomic.AddInt32(&relayCount, 1)
		rw.WriteHeader(http.StatusOK)
	}))
	defer peerSrv.Close()

	deps.Peers.Add(types.Peer{IdentityKey: "02bb", Endpoint: peerSrv.URL})
	handler := broadcastListingHandler(deps)

	res, err := handler(context.Background(), map[string]any{
		"manifest": map[string]any{"identityKey": "02aa", "id": "a-1"},
		"hopCount": float64(0),
	}, w)
	require.NoError(t, err)

	m := res.(map[string]any)
	assert.Equal(t, int64(1), m["hop"])
	assert.Len(t, m["notified"], 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&relayCount))

	relayed, ok := gotManifest.Load().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, w.IdentityKey(), relayed["referredBy"])

	// The relay re-signs what it forwards; a third party verifies the
	// forwarded copy against the relay's key.
	verifier, err := wallet.NewDriver("5151515151515151515151515151515151515151515151515151515151515151")
	require.NoError(t, err)
	require.NoError(t, invite.VerifySignature(context.Background(), verifier, relayed, w.IdentityKey()))

	// Same manifest again: deduped, no second relay.
	res, err = handler(context.Background(), map[string]any{
		"manifest": map[string]any{"identityKey": "02aa", "id": "a-1"},
		"hopCount": float64(0),
	}, w)
	require.NoError(t, err)
	assert.Equal(t, true, res.(map[string]any)["deduped"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&relayCount))
}
