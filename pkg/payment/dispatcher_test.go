package payment

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BSVanon/ClawSats-sub000/pkg/canonical"
	"github.com/BSVanon/ClawSats-sub000/pkg/capability"
	"github.com/BSVanon/ClawSats-sub000/pkg/peers"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

const (
	providerKey = "5555555555555555555555555555555555555555555555555555555555555555"
	payerKey    = "6666666666666666666666666666666666666666666666666666666666666666"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *wallet.Driver) {
	t.Helper()
	provider, err := wallet.NewDriver(providerKey)
	require.NoError(t, err)

	reg, err := peers.NewRegistry(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)

	caps := capability.NewRegistry()
	require.NoError(t, caps.Register(capability.Registration{
		Capability: types.Capability{Name: "echo", PriceSats: 10},
		Handler: func(ctx context.Context, params map[string]any, w wallet.Gateway) (any, error) {
			msg, _ := params["message"].(string)
			if msg == "" {
				return nil, fmt.Errorf("message parameter required")
			}
			return map[string]any{"message": msg}, nil
		},
	}))

	return NewDispatcher(caps, provider, reg, nil, nil), provider
}

// makeProof builds a real payment from payer to provider and renders the
// x-bsv-payment header value.
func makeProof(t *testing.T, payer *wallet.Driver, providerIdentity, prefix string, sats, feeSats int64) string {
	t.Helper()
	ctx := context.Background()

	script, err := payer.DerivePaymentScript(ctx, providerIdentity, prefix, defaultDerivationSuffix)
	require.NoError(t, err)
	outputs := []wallet.Output{{Satoshis: sats, Script: script}}
	if feeSats > 0 {
		feeScript, err := payer.DerivePaymentScript(ctx, FeeIdentityKey, prefix, FeeDerivationSuffix)
		require.NoError(t, err)
		outputs = append(outputs, wallet.Output{Satoshis: feeSats, Script: feeScript})
	}
	built, err := payer.BuildAndBroadcastPayment(ctx, outputs, "test payment", nil)
	require.NoError(t, err)

	header, err := json.Marshal(map[string]string{
		"derivationPrefix": prefix,
		"derivationSuffix": defaultDerivationSuffix,
		"transaction":      base64.StdEncoding.EncodeToString(built.RawTx),
	})
	require.NoError(t, err)
	return string(header)
}

func TestVerifyFeeKey(t *testing.T) {
	assert.NoError(t, VerifyFeeKey())
}

func TestDispatchUnknownCapability(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), CallRequest{Capability: "nope"})
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, CodeUnknownCapability, resp.Body.(map[string]any)["code"])
}

func TestDispatchChallengeHeaders(t *testing.T) {
	d, provider := newTestDispatcher(t)

	resp := d.Dispatch(context.Background(), CallRequest{Capability: "echo"})
	require.Equal(t, http.StatusPaymentRequired, resp.Status)

	assert.Equal(t, PaymentVersion, resp.Headers[HeaderPaymentVersion])
	assert.Equal(t, "10", resp.Headers[HeaderSatoshisRequired])
	assert.NotEmpty(t, resp.Headers[HeaderDerivationPrefix])
	assert.Equal(t, provider.IdentityKey(), resp.Headers[HeaderIdentityKey])
	assert.Equal(t, "2", resp.Headers[HeaderFeeRequired])
	assert.Equal(t, FeeIdentityKey, resp.Headers[HeaderFeeIdentityKey])
	assert.Equal(t, CodePaymentRequired, resp.Body.(map[string]any)["code"])
}

func TestDispatchFreeTrialOncePerIdentity(t *testing.T) {
	d, _ := newTestDispatcher(t)
	payer, err := wallet.NewDriver(payerKey)
	require.NoError(t, err)

	req := CallRequest{
		Capability:     "echo",
		Params:         map[string]any{"message": "hi"},
		CallerIdentity: payer.IdentityKey(),
	}

	resp := d.Dispatch(context.Background(), req)
	require.Equal(t, http.StatusOK, resp.Status)
	body := resp.Body.(map[string]any)
	assert.Equal(t, true, body["freeTrial"])
	assert.Equal(t, int64(0), body["satoshisPaid"])

	// Trial consumed: the next unpaid call gets the challenge.
	resp = d.Dispatch(context.Background(), req)
	assert.Equal(t, http.StatusPaymentRequired, resp.Status)
}

func TestDispatchPaidCallHappyPath(t *testing.T) {
	d, provider := newTestDispatcher(t)
	payer, err := wallet.NewDriver(payerKey)
	require.NoError(t, err)

	proof := makeProof(t, payer, provider.IdentityKey(), "prefix-1", 10, FeeSats)
	resp := d.Dispatch(context.Background(), CallRequest{
		Capability:     "echo",
		Params:         map[string]any{"message": "paid hello"},
		CallerIdentity: payer.IdentityKey(),
		PaymentHeader:  proof,
	})
	require.Equal(t, http.StatusOK, resp.Status, "body: %v", resp.Body)

	body := resp.Body.(map[string]any)
	assert.Equal(t, int64(10), body["satoshisPaid"])
	assert.Equal(t, "10", resp.Headers[HeaderSatoshisPaid])

	receipt, ok := body["receipt"].(*types.Receipt)
	require.True(t, ok)
	assert.Equal(t, "echo", receipt.Capability)
	assert.Equal(t, provider.IdentityKey(), receipt.Provider)
	assert.Equal(t, payer.IdentityKey(), receipt.Requester)
	assert.Equal(t, int64(10), receipt.SatoshisPaid)
	assert.NotEmpty(t, receipt.Signature)

	// The result hash is reproducible from the result alone.
	resultJSON, err := canonical.Marshal(body["result"])
	require.NoError(t, err)
	sum := sha256.Sum256(resultJSON)
	assert.Equal(t, hex.EncodeToString(sum[:]), receipt.ResultHash)

	// The paying caller lands in the peer table at the lowest trust tier.
	p, ok := d.peers.Get(payer.IdentityKey())
	require.True(t, ok)
	assert.Equal(t, 10, p.Reputation)

	stats, callers := d.Stats()
	assert.Equal(t, int64(1), stats["echo"].PaidCalls)
	assert.Equal(t, int64(10), stats["echo"].SatoshisTaken)
	assert.Equal(t, 1, callers)
}

func TestDispatchRejectsReplayedPayment(t *testing.T) {
	d, provider := newTestDispatcher(t)
	payer, err := wallet.NewDriver(payerKey)
	require.NoError(t, err)

	proof := makeProof(t, payer, provider.IdentityKey(), "prefix-2", 10, FeeSats)
	req := CallRequest{
		Capability:     "echo",
		Params:         map[string]any{"message": "once"},
		CallerIdentity: payer.IdentityKey(),
		PaymentHeader:  proof,
	}

	resp := d.Dispatch(context.Background(), req)
	require.Equal(t, http.StatusOK, resp.Status)

	resp = d.Dispatch(context.Background(), req)
	assert.Equal(t, http.StatusPaymentRequired, resp.Status)
	assert.Equal(t, CodePaymentReplay, resp.Body.(map[string]any)["code"])
}

func TestDispatchRejectsUnderpayment(t *testing.T) {
	d, provider := newTestDispatcher(t)
	payer, err := wallet.NewDriver(payerKey)
	require.NoError(t, err)

	proof := makeProof(t, payer, provider.IdentityKey(), "prefix-3", 4, FeeSats)
	resp := d.Dispatch(context.Background(), CallRequest{
		Capability:     "echo",
		Params:         map[string]any{"message": "cheap"},
		CallerIdentity: payer.IdentityKey(),
		PaymentHeader:  proof,
	})
	assert.Equal(t, http.StatusPaymentRequired, resp.Status)
	assert.Equal(t, CodeUnderpayment, resp.Body.(map[string]any)["code"])
}

func TestDispatchRejectsMissingFeeOutput(t *testing.T) {
	d, provider := newTestDispatcher(t)
	payer, err := wallet.NewDriver(payerKey)
	require.NoError(t, err)

	proof := makeProof(t, payer, provider.IdentityKey(), "prefix-4", 10, 0)
	resp := d.Dispatch(context.Background(), CallRequest{
		Capability:     "echo",
		Params:         map[string]any{"message": "no fee"},
		CallerIdentity: payer.IdentityKey(),
		PaymentHeader:  proof,
	})
	assert.Equal(t, http.StatusPaymentRequired, resp.Status)
	assert.Equal(t, CodeMissingFee, resp.Body.(map[string]any)["code"])
}

func TestDispatchRejectsMalformedPayment(t *testing.T) {
	d, _ := newTestDispatcher(t)

	for name, header := range map[string]string{
		"not json":     "garbage",
		"empty object": "{}",
		"bad base64":   `{"derivationPrefix":"p","transaction":"!!!"}`,
	} {
		resp := d.Dispatch(context.Background(), CallRequest{
			Capability:     "echo",
			CallerIdentity: "02ab",
			PaymentHeader:  header,
		})
		assert.Equal(t, http.StatusBadRequest, resp.Status, name)
		assert.Equal(t, CodeMalformedPayment, resp.Body.(map[string]any)["code"], name)
	}
}

func TestDispatchPaymentToWrongProviderRejected(t *testing.T) {
	d, _ := newTestDispatcher(t)
	payer, err := wallet.NewDriver(payerKey)
	require.NoError(t, err)

	// Payment derived to the payer's own key, not the provider's.
	proof := makeProof(t, payer, payer.IdentityKey(), "prefix-5", 10, FeeSats)
	resp := d.Dispatch(context.Background(), CallRequest{
		Capability:     "echo",
		Params:         map[string]any{"message": "misdirected"},
		CallerIdentity: payer.IdentityKey(),
		PaymentHeader:  proof,
	})
	assert.Equal(t, http.StatusPaymentRequired, resp.Status)
	assert.Equal(t, CodePaymentInvalid, resp.Body.(map[string]any)["code"])
}

// mountDispatcher exposes a dispatcher over real HTTP framing so the client
// side can be exercised end to end.
func mountDispatcher(d *Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capName := r.URL.Path[len("/call/"):]
		var params map[string]any
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			json.Unmarshal(raw, &params)
		}
		resp := d.Dispatch(r.Context(), CallRequest{
			Capability:     capName,
			Params:         params,
			CallerIdentity: r.Header.Get(HeaderIdentityKey),
			PaymentHeader:  r.Header.Get(HeaderPayment),
		})
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		json.NewEncoder(w).Encode(resp.Body)
	})
}

func TestClientPaysChallengeEndToEnd(t *testing.T) {
	d, provider := newTestDispatcher(t)
	srv := httptest.NewServer(mountDispatcher(d))
	defer srv.Close()

	payer, err := wallet.NewDriver(payerKey)
	require.NoError(t, err)

	// Burn the payer's free trial so the client has to pay.
	client := NewClient(payer)
	first, err := client.Call(context.Background(), srv.URL, "echo", map[string]any{"message": "trial"}, 100)
	require.NoError(t, err)
	assert.True(t, first.FreeTrial)

	paid, err := client.Call(context.Background(), srv.URL, "echo", map[string]any{"message": "for money"}, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(10), paid.SatoshisPaid)
	assert.False(t, paid.FreeTrial)
	require.NotNil(t, paid.Receipt)
	assert.Equal(t, "echo", paid.Receipt["capability"])
	assert.Equal(t, provider.IdentityKey(), paid.Receipt["provider"])

	result := paid.Result.(map[string]any)
	assert.Equal(t, "for money", result["message"])
}

func TestClientRespectsBudget(t *testing.T) {
	d, _ := newTestDispatcher(t)
	srv := httptest.NewServer(mountDispatcher(d))
	defer srv.Close()

	payer, err := wallet.NewDriver(payerKey)
	require.NoError(t, err)
	client := NewClient(payer)

	// Free trial consumes the first call regardless of budget.
	_, err = client.Call(context.Background(), srv.URL, "echo", map[string]any{"message": "x"}, 5)
	require.NoError(t, err)

	// Price 10 + fee 2 exceeds a budget of 5.
	_, err = client.Call(context.Background(), srv.URL, "echo", map[string]any{"message": "x"}, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget")
}

func TestFIFOSetEviction(t *testing.T) {
	s := newFIFOSet(3)
	assert.True(t, s.Add("a"))
	assert.True(t, s.Add("b"))
	assert.True(t, s.Add("c"))
	assert.False(t, s.Add("a"), "duplicate is not new")

	// Capacity reached: inserting d evicts the oldest (a).
	assert.True(t, s.Add("d"))
	assert.Equal(t, 3, s.Len())
	assert.False(t, s.Contains("a"))
	assert.True(t, s.Contains("b"))
	assert.True(t, s.Contains("d"))
	assert.True(t, s.Add("a"), "evicted key can re-enter")
}
