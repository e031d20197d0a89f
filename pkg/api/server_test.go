package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BSVanon/ClawSats-sub000/pkg/brain"
	"github.com/BSVanon/ClawSats-sub000/pkg/canonical"
	"github.com/BSVanon/ClawSats-sub000/pkg/capability"
	"github.com/BSVanon/ClawSats-sub000/pkg/invite"
	"github.com/BSVanon/ClawSats-sub000/pkg/nonce"
	"github.com/BSVanon/ClawSats-sub000/pkg/payment"
	"github.com/BSVanon/ClawSats-sub000/pkg/peers"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

const (
	nodeKeyHex   = "8888888888888888888888888888888888888888888888888888888888888888"
	senderKeyHex = "9999999999999999999999999999999999999999999999999999999999999999"
)

type capturedReferral struct {
	identityKey string
	referrer    string
}

type fakeReferralRecorder struct {
	recorded []capturedReferral
}

func (f *fakeReferralRecorder) RecordReferrer(identityKey, referrerKey string) error {
	f.recorded = append(f.recorded, capturedReferral{identityKey, referrerKey})
	return nil
}

type apiFixture struct {
	server    *Server
	ts        *httptest.Server
	nodeW     *wallet.Driver
	senderW   *wallet.Driver
	senderInv *invite.Protocol
	peers     *peers.Registry
	referrals *fakeReferralRecorder
}

func newAPIFixture(t *testing.T, apiKey string) *apiFixture {
	t.Helper()

	nodeW, err := wallet.NewDriver(nodeKeyHex)
	require.NoError(t, err)
	senderW, err := wallet.NewDriver(senderKeyHex)
	require.NoError(t, err)

	dir := t.TempDir()
	reg, err := peers.NewRegistry(filepath.Join(dir, "peers.json"))
	require.NoError(t, err)

	caps := capability.NewRegistry()
	require.NoError(t, caps.Register(capability.Registration{
		Capability: types.Capability{Name: "echo", Description: "returns its params"},
		Handler: func(ctx context.Context, params map[string]any, w wallet.Gateway) (any, error) {
			return map[string]any{"echo": params}, nil
		},
	}))

	jobs, err := brain.NewStore(filepath.Join(dir, "jobs.json"))
	require.NoError(t, err)
	events := brain.NewEventLog(filepath.Join(dir, "events.jsonl"))

	cfg := &types.WalletConfig{
		ClawID:      "claw-node",
		IdentityKey: nodeW.IdentityKey(),
		Chain:       "main",
		Host:        "localhost",
		Port:        3321,
		APIKey:      apiKey,
		FeeSats:     2,
		Endpoint:    "https://node.example.com",
	}

	nodeRef := types.PartyRef{
		ClawID:      cfg.ClawID,
		IdentityKey: nodeW.IdentityKey(),
		Endpoint:    cfg.Endpoint,
	}
	invites := invite.New(nodeW, nodeRef, types.WalletSnapshot{Chain: "main"})

	referrals := &fakeReferralRecorder{}
	policy := brain.DefaultPolicy()
	router := brain.NewRouter(jobs, reg, payment.NewClient(nodeW), nil, events,
		func() types.Policy { return policy }, cfg.Endpoint)

	srv, err := NewServer(Deps{
		Config:     cfg,
		Wallet:     nodeW,
		Peers:      reg,
		Caps:       caps,
		Dispatcher: payment.NewDispatcher(caps, nodeW, reg, nil, nil),
		Invites:    invites,
		Nonces:     nonce.NewCache(1000),
		Jobs:       jobs,
		Router:     router,
		Events:     events,
		Referrals:  referrals,
		Policy:     func() types.Policy { return policy },
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	senderRef := types.PartyRef{
		ClawID:      "claw-sender",
		IdentityKey: senderW.IdentityKey(),
		Endpoint:    "https://sender.example.com",
	}
	senderInv := invite.New(senderW, senderRef, types.WalletSnapshot{
		Chain:        "main",
		Capabilities: []string{"echo"},
	})

	return &apiFixture{
		server:    srv,
		ts:        ts,
		nodeW:     nodeW,
		senderW:   senderW,
		senderInv: senderInv,
		peers:     reg,
		referrals: referrals,
	}
}

func postJSONBody(t *testing.T, url string, body any) (int, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	return resp.StatusCode, reply
}

func (f *apiFixture) freshInvitation(t *testing.T) *types.Invitation {
	t.Helper()
	inv, err := f.senderInv.CreateInvitation(context.Background(), types.PartyRef{
		IdentityKey: f.nodeW.IdentityKey(),
	})
	require.NoError(t, err)
	return inv
}

func TestInviteAcceptedThenReplayRejected(t *testing.T) {
	f := newAPIFixture(t, "")
	inv := f.freshInvitation(t)

	status, reply := postJSONBody(t, f.ts.URL+"/wallet/invite", inv)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, reply["accepted"])
	assert.NotNil(t, reply["announcement"])
	assert.Equal(t, float64(1), reply["peersKnown"])

	peer, ok := f.peers.Get(f.senderW.IdentityKey())
	require.True(t, ok)
	assert.Equal(t, 50, peer.Reputation)

	// Byte-identical resubmission trips the nonce cache.
	status, reply = postJSONBody(t, f.ts.URL+"/wallet/invite", inv)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, payment.CodeNonceReplay, reply["code"])
	assert.Contains(t, reply["error"], "replay")
}

func TestInviteRateLimitPerSender(t *testing.T) {
	f := newAPIFixture(t, "")

	for i := 0; i < inviteMax; i++ {
		status, _ := postJSONBody(t, f.ts.URL+"/wallet/invite", f.freshInvitation(t))
		require.Equal(t, http.StatusOK, status, "invite %d should be accepted", i+1)
	}

	status, reply := postJSONBody(t, f.ts.URL+"/wallet/invite", f.freshInvitation(t))
	require.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, payment.CodeRateLimited, reply["code"])
}

func TestInviteRejectsTamperedSignature(t *testing.T) {
	f := newAPIFixture(t, "")
	inv := f.freshInvitation(t)
	inv.Wallet.Capabilities = append(inv.Wallet.Capabilities, "injected")

	status, reply := postJSONBody(t, f.ts.URL+"/wallet/invite", inv)
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, payment.CodeInvalidSignature, reply["code"])
}

func TestAnnounceRegistersPeerAndRecordsReferrer(t *testing.T) {
	f := newAPIFixture(t, "")
	referrer := "02" + strings.Repeat("ab", 32)

	ann := types.Announcement{
		Type:        invite.AnnouncementType,
		Version:     invite.WireVersion,
		ID:          "ann-1",
		ClawID:      "claw-sender",
		IdentityKey: f.senderW.IdentityKey(),
		Capabilities: []types.AnnouncedCapability{
			{Name: "echo", Endpoint: "/call/echo", CostPerCall: 5},
		},
		Network:    map[string]string{"endpoint": "https://sender.example.com"},
		ReferredBy: referrer,
	}
	payload, err := canonical.MarshalWithout(ann, "signature")
	require.NoError(t, err)
	sig, err := f.senderW.Sign(context.Background(), payload, wallet.SharingProtocol, wallet.SharingKeyID, "")
	require.NoError(t, err)
	ann.Signature = base64.StdEncoding.EncodeToString(sig)

	status, reply := postJSONBody(t, f.ts.URL+"/wallet/announce", ann)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, reply["registered"])
	assert.Equal(t, true, reply["verified"])

	peer, ok := f.peers.Get(f.senderW.IdentityKey())
	require.True(t, ok)
	assert.Equal(t, 40, peer.Reputation)
	assert.Equal(t, []string{"echo"}, peer.Capabilities)

	require.Len(t, f.referrals.recorded, 1)
	assert.Equal(t, f.senderW.IdentityKey(), f.referrals.recorded[0].identityKey)
	assert.Equal(t, referrer, f.referrals.recorded[0].referrer)
}

func TestAnnounceRelayedByIntroducerAccepted(t *testing.T) {
	f := newAPIFixture(t, "")

	subjectW, err := wallet.NewDriver("7777777777777777777777777777777777777777777777777777777777777777")
	require.NoError(t, err)

	// A relay forwards the subject's listing: referredBy carries the relay's
	// key and the relay's signature replaces the subject's.
	ann := types.Announcement{
		Type:        invite.AnnouncementType,
		Version:     invite.WireVersion,
		ID:          "ann-relayed-1",
		ClawID:      "claw-subject",
		IdentityKey: subjectW.IdentityKey(),
		Capabilities: []types.AnnouncedCapability{
			{Name: "echo", Endpoint: "/call/echo", CostPerCall: 5},
		},
		ReferredBy: f.senderW.IdentityKey(),
	}
	signed, err := invite.SignAnnouncement(context.Background(), f.senderW, ann)
	require.NoError(t, err)

	status, reply := postJSONBody(t, f.ts.URL+"/wallet/announce", signed)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, reply["registered"])

	peer, ok := f.peers.Get(subjectW.IdentityKey())
	require.True(t, ok)
	assert.Equal(t, []string{"echo"}, peer.Capabilities)

	require.Len(t, f.referrals.recorded, 1)
	assert.Equal(t, f.senderW.IdentityKey(), f.referrals.recorded[0].referrer)
}

func TestAnnounceRejectsForgedRelay(t *testing.T) {
	f := newAPIFixture(t, "")

	subjectW, err := wallet.NewDriver("7777777777777777777777777777777777777777777777777777777777777777")
	require.NoError(t, err)

	// referredBy claims a key that did not produce the signature.
	ann := types.Announcement{
		Type:        invite.AnnouncementType,
		Version:     invite.WireVersion,
		ID:          "ann-forged-1",
		IdentityKey: subjectW.IdentityKey(),
		ReferredBy:  "02" + strings.Repeat("ef", 32),
	}
	signed, err := invite.SignAnnouncement(context.Background(), f.senderW, ann)
	require.NoError(t, err)

	status, reply := postJSONBody(t, f.ts.URL+"/wallet/announce", signed)
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, payment.CodeInvalidSignature, reply["code"])
}

func TestAnnounceRejectsBadIdentityKey(t *testing.T) {
	f := newAPIFixture(t, "")
	status, _ := postJSONBody(t, f.ts.URL+"/wallet/announce", types.Announcement{
		Type:        invite.AnnouncementType,
		IdentityKey: "not-a-key",
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDiscoveryManifest(t *testing.T) {
	f := newAPIFixture(t, "")
	resp, err := http.Get(f.ts.URL + "/discovery")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var manifest map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&manifest))
	assert.Equal(t, DiscoveryProtocol, manifest["protocol"])
	assert.Equal(t, f.nodeW.IdentityKey(), manifest["identityKey"])
	assert.Contains(t, manifest["capabilities"], "echo")
	endpoints, ok := manifest["endpoints"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/wallet/invite", endpoints["invite"])
}

func TestAuthMiddlewareProtectsRPC(t *testing.T) {
	f := newAPIFixture(t, "sekrit")

	// RPC without a key is refused.
	status, reply := postJSONBody(t, f.ts.URL+"/", map[string]any{
		"jsonrpc": "2.0", "method": "getPublicKey", "id": 1,
	})
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, payment.CodeUnauthorized, reply["code"])

	// Health stays public.
	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Bearer key unlocks it.
	body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": "getPublicKey", "id": 1})
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rpcReply struct {
		Result map[string]any `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcReply))
	assert.Equal(t, f.nodeW.IdentityKey(), rpcReply.Result["publicKey"])
}

func TestAPIKeyGeneratedOnPublicBind(t *testing.T) {
	f := newAPIFixture(t, "")
	assert.Empty(t, f.server.APIKey())

	nodeW, err := wallet.NewDriver(nodeKeyHex)
	require.NoError(t, err)
	exposed, err := NewServer(Deps{
		Config: &types.WalletConfig{Host: "0.0.0.0", Port: 3321},
		Wallet: nodeW,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, exposed.APIKey())
}

func TestConfigRouteIsProtectedAndRedacted(t *testing.T) {
	f := newAPIFixture(t, "sekrit")
	f.server.deps.Config.RootKeyHex = strings.Repeat("11", 32)

	resp, err := http.Get(f.ts.URL + "/config")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/config", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Empty(t, cfg["rootKeyHex"])
	assert.Empty(t, cfg["apiKey"])
	assert.Equal(t, "claw-node", cfg["clawId"])
}

func TestRPCMethodNotFound(t *testing.T) {
	f := newAPIFixture(t, "")
	status, reply := postJSONBody(t, f.ts.URL+"/", map[string]any{
		"jsonrpc": "2.0", "method": "noSuchMethod", "id": 7,
	})
	require.Equal(t, http.StatusOK, status)
	errObj, ok := reply["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(rpcMethodNotFound), errObj["code"])
}

func TestRPCEnqueueAndListJobs(t *testing.T) {
	f := newAPIFixture(t, "")

	status, reply := postJSONBody(t, f.ts.URL+"/", map[string]any{
		"jsonrpc": "2.0",
		"method":  "enqueue",
		"id":      1,
		"params": map[string]any{
			"args": map[string]any{
				"capability": "dns_resolve",
				"params":     map[string]any{"hostname": "example.com"},
				"maxSats":    25,
			},
		},
	})
	require.Equal(t, http.StatusOK, status)
	job, ok := reply["result"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, job["id"])
	assert.Equal(t, "pending", job["status"])

	status, reply = postJSONBody(t, f.ts.URL+"/", map[string]any{
		"jsonrpc": "2.0", "method": "listJobs", "id": 2,
	})
	require.Equal(t, http.StatusOK, status)
	jobs, ok := reply["result"].([]any)
	require.True(t, ok)
	require.Len(t, jobs, 1)
}

func TestRPCSignVerifyRoundTrip(t *testing.T) {
	f := newAPIFixture(t, "")
	data := base64.StdEncoding.EncodeToString([]byte("rpc payload"))

	status, reply := postJSONBody(t, f.ts.URL+"/", map[string]any{
		"jsonrpc": "2.0",
		"method":  "sign",
		"id":      1,
		"params": map[string]any{
			"data":       data,
			"protocolId": []any{0, "clawsats message"},
			"keyId":      "message-v1",
		},
	})
	require.Equal(t, http.StatusOK, status)
	result, ok := reply["result"].(map[string]any)
	require.True(t, ok)
	sig, _ := result["signature"].(string)
	require.NotEmpty(t, sig)

	status, reply = postJSONBody(t, f.ts.URL+"/", map[string]any{
		"jsonrpc": "2.0",
		"method":  "verify",
		"id":      2,
		"params": map[string]any{
			"data":       data,
			"signature":  sig,
			"protocolId": []any{0, "clawsats message"},
			"keyId":      "message-v1",
		},
	})
	require.Equal(t, http.StatusOK, status)
	result, ok = reply["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["valid"])
}

func TestCallFreeTrialWithIdentity(t *testing.T) {
	f := newAPIFixture(t, "")
	payload, err := json.Marshal(map[string]any{"msg": "hi"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/call/echo", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(payment.HeaderIdentityKey, f.senderW.IdentityKey())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.Equal(t, true, reply["freeTrial"])
	result, ok := reply["result"].(map[string]any)
	require.True(t, ok)
	echoed, ok := result["echo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", echoed["msg"])
}

func TestCallWithoutIdentityGetsChallenge(t *testing.T) {
	f := newAPIFixture(t, "")
	status, reply := postJSONBody(t, f.ts.URL+"/call/echo", map[string]any{"msg": "hi"})
	require.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, payment.CodePaymentRequired, reply["code"])
}

func TestBodyLimitRejectsOversizedRequests(t *testing.T) {
	f := newAPIFixture(t, "")
	oversized := map[string]any{"blob": strings.Repeat("x", maxBodyBytes+1)}
	payload, err := json.Marshal(oversized)
	require.NoError(t, err)

	resp, err := http.Post(f.ts.URL+"/call/echo", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIsLoopbackHost(t *testing.T) {
	cases := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"", false},
		{"0.0.0.0", false},
		{"::", false},
		{"192.168.1.10", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isLoopbackHost(tc.host), "host %q", tc.host)
	}
}
