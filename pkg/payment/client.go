package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BSVanon/ClawSats-sub000/pkg/log"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

// clientTimeout bounds one paid call end to end.
const clientTimeout = 30 * time.Second

// CallResult is the outcome of a client-side paid call.
type CallResult struct {
	Result       any            `json:"result"`
	SatoshisPaid int64          `json:"satoshisPaid"`
	FreeTrial    bool           `json:"freeTrial,omitempty"`
	Receipt      map[string]any `json:"receipt,omitempty"`
}

// Client drives the paid-call flow from the payer side: probe, receive the
// 402 challenge, build a payment with the fee output, retry with proof.
type Client struct {
	wallet wallet.Gateway
	http   *http.Client
}

// NewClient creates a paying HTTP client backed by the given wallet.
func NewClient(w wallet.Gateway) *Client {
	return &Client{
		wallet: w,
		http:   &http.Client{Timeout: clientTimeout},
	}
}

// WithHTTPClient swaps the underlying HTTP client, mainly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// Call invokes capability capName at endpoint, paying up to maxSats
// (capability price plus protocol fee). maxSats <= 0 means free-trial only.
func (c *Client) Call(ctx context.Context, endpoint, capName string, params map[string]any, maxSats int64) (*CallResult, error) {
	target, err := url.JoinPath(endpoint, "call", capName)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	resp, err := c.post(ctx, target, params, "")
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusOK {
		return resp.result()
	}
	if resp.status != http.StatusPaymentRequired {
		return nil, fmt.Errorf("call failed with status %d: %s", resp.status, resp.errorText())
	}

	required, err := strconv.ParseInt(resp.header(HeaderSatoshisRequired), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("challenge is missing %s", HeaderSatoshisRequired)
	}
	prefix := resp.header(HeaderDerivationPrefix)
	provider := resp.header(HeaderIdentityKey)
	if prefix == "" || provider == "" {
		return nil, fmt.Errorf("challenge is missing derivation prefix or provider key")
	}
	feeSats, _ := strconv.ParseInt(resp.header(HeaderFeeRequired), 10, 64)
	feeKey := resp.header(HeaderFeeIdentityKey)
	feeSuffix := resp.header(HeaderFeeSuffix)

	total := required + feeSats
	if maxSats <= 0 || total > maxSats {
		return nil, fmt.Errorf("capability costs %d sats (%d + %d fee), budget is %d",
			total, required, feeSats, maxSats)
	}

	proof, err := c.buildProof(ctx, provider, prefix, required, feeKey, feeSuffix, feeSats, capName)
	if err != nil {
		return nil, err
	}

	resp, err = c.post(ctx, target, params, proof)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, fmt.Errorf("paid call failed with status %d: %s", resp.status, resp.errorText())
	}
	return resp.result()
}

// buildProof assembles the payment transaction (provider output at index 0,
// fee output after it) and serializes the x-bsv-payment header value.
func (c *Client) buildProof(ctx context.Context, provider, prefix string, required int64, feeKey, feeSuffix string, feeSats int64, capName string) (string, error) {
	providerScript, err := c.wallet.DerivePaymentScript(ctx, provider, prefix, defaultDerivationSuffix)
	if err != nil {
		return "", fmt.Errorf("failed to derive payment script: %w", err)
	}
	outputs := []wallet.Output{
		{Satoshis: required, Script: providerScript, Note: "payment for " + capName},
	}

	if feeSats > 0 && feeKey != "" {
		if feeSuffix == "" {
			feeSuffix = FeeDerivationSuffix
		}
		feeScript, err := c.wallet.DerivePaymentScript(ctx, feeKey, prefix, feeSuffix)
		if err != nil {
			return "", fmt.Errorf("failed to derive fee script: %w", err)
		}
		outputs = append(outputs, wallet.Output{Satoshis: feeSats, Script: feeScript, Note: "protocol fee"})
	}

	built, err := c.wallet.BuildAndBroadcastPayment(ctx, outputs, "payment for "+capName, []string{"clawsats", capName})
	if err != nil {
		return "", fmt.Errorf("failed to build payment: %w", err)
	}
	log.WithCapability(capName).Debug().Str("txid", built.Txid).Int64("sats", required+feeSats).Msg("payment built")

	header, err := json.Marshal(map[string]string{
		"derivationPrefix": prefix,
		"derivationSuffix": defaultDerivationSuffix,
		"transaction":      base64.StdEncoding.EncodeToString(built.RawTx),
	})
	if err != nil {
		return "", err
	}
	return string(header), nil
}

type callResponse struct {
	status  int
	headers http.Header
	body    []byte
}

func (c *Client) post(ctx context.Context, target string, params map[string]any, paymentHeader string) (*callResponse, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdentityKey, c.wallet.IdentityKey())
	if paymentHeader != "" {
		req.Header.Set(HeaderPayment, paymentHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call transport failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &callResponse{status: resp.StatusCode, headers: resp.Header, body: body}, nil
}

func (r *callResponse) header(name string) string {
	return r.headers.Get(name)
}

func (r *callResponse) errorText() string {
	var parsed struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(r.body, &parsed); err == nil && parsed.Error != "" {
		if parsed.Code != "" {
			return parsed.Code + ": " + parsed.Error
		}
		return parsed.Error
	}
	return string(r.body)
}

func (r *callResponse) result() (*CallResult, error) {
	var out CallResult
	if err := json.Unmarshal(r.body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode call result: %w", err)
	}
	return &out, nil
}
