package payment

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/BSVanon/ClawSats-sub000/pkg/canonical"
	"github.com/BSVanon/ClawSats-sub000/pkg/capability"
	"github.com/BSVanon/ClawSats-sub000/pkg/log"
	"github.com/BSVanon/ClawSats-sub000/pkg/peers"
	"github.com/BSVanon/ClawSats-sub000/pkg/txparse"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

// Payment header names, shared by server and client.
const (
	HeaderPayment          = "x-bsv-payment"
	HeaderIdentityKey      = "x-bsv-identity-key"
	HeaderPaymentVersion   = "x-bsv-payment-version"
	HeaderSatoshisRequired = "x-bsv-payment-satoshis-required"
	HeaderDerivationPrefix = "x-bsv-payment-derivation-prefix"
	HeaderSatoshisPaid     = "x-bsv-payment-satoshis-paid"
	HeaderFeeRequired      = "x-clawsats-fee-satoshis-required"
	HeaderFeeKeyID         = "x-clawsats-fee-kid"
	HeaderFeeSuffix        = "x-clawsats-fee-derivation-suffix"
	HeaderFeeIdentityKey   = "x-clawsats-fee-identity-key"
)

// PaymentVersion is the x-bsv-payment protocol version this node speaks.
const PaymentVersion = "1.0"

// Bounded process-wide caches.
const (
	freeTrialLimit = 50000
	dedupeLimit    = 10000
)

// defaultDerivationSuffix is used when the payer omits one.
const defaultDerivationSuffix = "clawsats"

// ReceiptStore persists receipts for paid calls. Optional; a nil store
// disables persistence but not receipt issuance.
type ReceiptStore interface {
	SaveReceipt(receipt types.Receipt) error
}

// ReferralLedger tracks who introduced whom and their accrued credit.
type ReferralLedger interface {
	ReferrerOf(identityKey string) (string, bool)
	Credit(referrerKey string, sats int64) error
}

// CallRequest is one inbound /call/:cap request, already decoupled from the
// HTTP framing.
type CallRequest struct {
	Capability     string
	Params         map[string]any
	CallerIdentity string // x-bsv-identity-key header
	PaymentHeader  string // raw x-bsv-payment header value
}

// CallResponse is what the HTTP layer writes back.
type CallResponse struct {
	Status  int
	Headers map[string]string
	Body    any
}

// CapabilityStats is a per-capability call counter snapshot.
type CapabilityStats struct {
	Calls         int64 `json:"calls"`
	PaidCalls     int64 `json:"paidCalls"`
	SatoshisTaken int64 `json:"satoshisTaken"`
}

// Dispatcher runs the paid-call state machine: challenge, verify, dedupe,
// execute, receipt. One instance serves the whole process.
type Dispatcher struct {
	caps      *capability.Registry
	wallet    wallet.Gateway
	peers     *peers.Registry
	receipts  ReceiptStore
	referrals ReferralLedger

	mu            sync.Mutex
	freeTrialUsed *fifoSet
	dedupe        *fifoSet
	uniqueCallers map[string]struct{}
	callStats     map[string]*CapabilityStats
}

// NewDispatcher wires the dispatcher to its collaborators. receipts and
// referrals may be nil.
func NewDispatcher(caps *capability.Registry, w wallet.Gateway, reg *peers.Registry, receipts ReceiptStore, referrals ReferralLedger) *Dispatcher {
	return &Dispatcher{
		caps:          caps,
		wallet:        w,
		peers:         reg,
		receipts:      receipts,
		referrals:     referrals,
		freeTrialUsed: newFIFOSet(freeTrialLimit),
		dedupe:        newFIFOSet(dedupeLimit),
		uniqueCallers: make(map[string]struct{}),
		callStats:     make(map[string]*CapabilityStats),
	}
}

// Dispatch executes the state machine for one call.
func (d *Dispatcher) Dispatch(ctx context.Context, req CallRequest) CallResponse {
	reg, ok := d.caps.Get(req.Capability)
	if !ok {
		return errorResponse(http.StatusNotFound, CodeUnknownCapability,
			fmt.Sprintf("capability %q is not offered here", req.Capability))
	}
	logger := log.WithCapability(req.Capability)

	if req.PaymentHeader == "" {
		if req.CallerIdentity != "" && d.tryFreeTrial(req.CallerIdentity) {
			logger.Info().Str("caller", log.Truncate(req.CallerIdentity, 16)).Msg("free trial granted")
			result, err := reg.Handler(ctx, req.Params, d.wallet)
			if err != nil {
				return errorResponse(http.StatusInternalServerError, "", err.Error())
			}
			d.recordCall(req.Capability, req.CallerIdentity, 0, false)
			return CallResponse{
				Status: http.StatusOK,
				Body: map[string]any{
					"result":       result,
					"satoshisPaid": int64(0),
					"freeTrial":    true,
				},
			}
		}
		return d.challenge(reg.Capability)
	}

	var proof types.PaymentProof
	if err := json.Unmarshal([]byte(req.PaymentHeader), &proof); err != nil || proof.Transaction == "" || proof.DerivationPrefix == "" {
		return errorResponse(http.StatusBadRequest, CodeMalformedPayment,
			"x-bsv-payment must be JSON with derivationPrefix and transaction")
	}
	if req.CallerIdentity == "" {
		return errorResponse(http.StatusBadRequest, CodeMalformedPayment,
			"x-bsv-identity-key required with payment")
	}
	rawTx, err := base64.StdEncoding.DecodeString(proof.Transaction)
	if err != nil {
		return errorResponse(http.StatusBadRequest, CodeMalformedPayment, "transaction is not base64")
	}

	txHash := sha256.Sum256(rawTx)
	txKey := hex.EncodeToString(txHash[:])
	d.mu.Lock()
	replayed := d.dedupe.Contains(txKey)
	d.mu.Unlock()
	if replayed {
		return errorResponse(http.StatusPaymentRequired, CodePaymentReplay,
			"this payment transaction was already consumed")
	}

	suffix := proof.DerivationSuffix
	if suffix == "" {
		suffix = defaultDerivationSuffix
	}
	accepted, err := d.wallet.InternalizePayment(ctx, rawTx, 0, proof.DerivationPrefix, suffix,
		req.CallerIdentity, "payment for "+req.Capability)
	if err != nil {
		return errorResponse(http.StatusPaymentRequired, CodePaymentInvalid, err.Error())
	}
	if accepted.AcceptedSats < reg.Capability.PriceSats {
		return errorResponse(http.StatusPaymentRequired, CodeUnderpayment,
			fmt.Sprintf("accepted %d sats, capability costs %d", accepted.AcceptedSats, reg.Capability.PriceSats))
	}

	if resp, blocked := d.checkFeeOutput(rawTx, logger); blocked {
		return resp
	}

	// The payment is consumed from here on, even if the handler fails.
	d.mu.Lock()
	fresh := d.dedupe.Add(txKey)
	d.mu.Unlock()
	if !fresh {
		return errorResponse(http.StatusPaymentRequired, CodePaymentReplay,
			"this payment transaction was already consumed")
	}

	result, err := reg.Handler(ctx, req.Params, d.wallet)
	if err != nil {
		logger.Error().Err(err).Msg("handler failed after payment accepted")
		return errorResponse(http.StatusInternalServerError, "", "capability execution failed")
	}

	receipt, err := d.buildReceipt(ctx, reg.Capability, req.CallerIdentity, result)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build receipt")
		return errorResponse(http.StatusInternalServerError, "", "failed to issue receipt")
	}

	d.recordCall(req.Capability, req.CallerIdentity, reg.Capability.PriceSats, true)
	d.registerCaller(req.CallerIdentity)
	d.creditReferrer(req.CallerIdentity, logger)

	return CallResponse{
		Status: http.StatusOK,
		Headers: map[string]string{
			HeaderSatoshisPaid: fmt.Sprintf("%d", reg.Capability.PriceSats),
		},
		Body: map[string]any{
			"result":       result,
			"satoshisPaid": reg.Capability.PriceSats,
			"receipt":      receipt,
		},
	}
}

// challenge emits the 402 that tells the caller how to pay.
func (d *Dispatcher) challenge(cap types.Capability) CallResponse {
	prefix := make([]byte, 16)
	if _, err := rand.Read(prefix); err != nil {
		return errorResponse(http.StatusInternalServerError, "", "failed to generate derivation prefix")
	}
	derivationPrefix := base64.StdEncoding.EncodeToString(prefix)

	body := types.PaymentChallenge{
		SatoshisRequired:    cap.PriceSats,
		DerivationPrefix:    derivationPrefix,
		IdentityKey:         d.wallet.IdentityKey(),
		FeeSatoshis:         FeeSats,
		FeeDerivationSuffix: FeeDerivationSuffix,
		FeeIdentityKey:      FeeIdentityKey,
	}
	return CallResponse{
		Status: http.StatusPaymentRequired,
		Headers: map[string]string{
			HeaderPaymentVersion:   PaymentVersion,
			HeaderSatoshisRequired: fmt.Sprintf("%d", cap.PriceSats),
			HeaderDerivationPrefix: derivationPrefix,
			HeaderIdentityKey:      d.wallet.IdentityKey(),
			HeaderFeeRequired:      fmt.Sprintf("%d", FeeSats),
			HeaderFeeKeyID:         FeeKeyID,
			HeaderFeeSuffix:        FeeDerivationSuffix,
			HeaderFeeIdentityKey:   FeeIdentityKey,
		},
		Body: map[string]any{
			"code":      CodePaymentRequired,
			"challenge": body,
		},
	}
}

// checkFeeOutput structurally verifies the fee output. The wallet's
// internalize is the authoritative gate; parser uncertainty only warns.
func (d *Dispatcher) checkFeeOutput(rawTx []byte, logger *zerolog.Logger) (CallResponse, bool) {
	tx, err := txparse.Parse(rawTx)
	if err != nil {
		if errors.Is(err, txparse.ErrTruncated) || errors.Is(err, txparse.ErrUncertainEnvelope) {
			logger.Warn().Err(err).Msg("cannot structurally verify fee output, accepting on internalize alone")
			return CallResponse{}, false
		}
		return errorResponse(http.StatusPaymentRequired, CodeMissingFee,
			"payment transaction does not parse"), true
	}
	if len(tx.Outputs) < 2 {
		return errorResponse(http.StatusPaymentRequired, CodeMissingFee,
			"payment must carry a fee output"), true
	}
	for i := 1; i < len(tx.Outputs); i++ {
		if int64(tx.Outputs[i].Satoshis) >= FeeSats {
			return CallResponse{}, false
		}
	}
	return errorResponse(http.StatusPaymentRequired, CodeMissingFee,
		fmt.Sprintf("no output past index 0 carries the %d sat fee", FeeSats)), true
}

// buildReceipt signs a receipt whose resultHash is the SHA-256 of the
// result's canonical JSON, so any holder of the result can recompute it.
func (d *Dispatcher) buildReceipt(ctx context.Context, cap types.Capability, requester string, result any) (*types.Receipt, error) {
	resultJSON, err := canonical.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize result: %w", err)
	}
	sum := sha256.Sum256(resultJSON)

	receipt := &types.Receipt{
		ID:           uuid.NewString(),
		Capability:   cap.Name,
		Provider:     d.wallet.IdentityKey(),
		Requester:    requester,
		SatoshisPaid: cap.PriceSats,
		FeeSatoshis:  FeeSats,
		ResultHash:   hex.EncodeToString(sum[:]),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := canonical.MarshalWithout(receipt, "signature")
	if err != nil {
		return nil, err
	}
	sig, err := d.wallet.Sign(ctx, payload, wallet.ReceiptProtocol, wallet.ReceiptKeyID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to sign receipt: %w", err)
	}
	receipt.Signature = base64.StdEncoding.EncodeToString(sig)

	if d.receipts != nil {
		if err := d.receipts.SaveReceipt(*receipt); err != nil {
			log.WithComponent("payment").Warn().Err(err).Str("receipt", receipt.ID).Msg("failed to persist receipt")
		}
	}
	return receipt, nil
}

func (d *Dispatcher) tryFreeTrial(identity string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freeTrialUsed.Add(identity)
}

func (d *Dispatcher) recordCall(capName, caller string, sats int64, paid bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats, ok := d.callStats[capName]
	if !ok {
		stats = &CapabilityStats{}
		d.callStats[capName] = stats
	}
	stats.Calls++
	if paid {
		stats.PaidCalls++
		stats.SatoshisTaken += sats
	}
	if caller != "" {
		d.uniqueCallers[caller] = struct{}{}
	}
}

// registerCaller adds a paying caller to the peer table at the lowest trust
// tier, so repeat customers become visible to discovery.
func (d *Dispatcher) registerCaller(identity string) {
	if d.peers == nil {
		return
	}
	d.peers.Add(types.Peer{
		IdentityKey: identity,
		LastSeen:    time.Now().UTC(),
		Reputation:  10,
	})
}

func (d *Dispatcher) creditReferrer(caller string, logger *zerolog.Logger) {
	if d.referrals == nil {
		return
	}
	referrer, ok := d.referrals.ReferrerOf(caller)
	if !ok {
		return
	}
	if err := d.referrals.Credit(referrer, 1); err != nil {
		logger.Warn().Err(err).Str("referrer", log.Truncate(referrer, 16)).Msg("failed to credit referral")
	}
}

// Stats returns a snapshot of per-capability counters, sorted by name, plus
// the unique caller count.
func (d *Dispatcher) Stats() (map[string]CapabilityStats, int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.callStats))
	for name := range d.callStats {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]CapabilityStats, len(names))
	for _, name := range names {
		out[name] = *d.callStats[name]
	}
	return out, len(d.uniqueCallers)
}

func errorResponse(status int, code, description string) CallResponse {
	body := map[string]any{"error": description}
	if code != "" {
		body["code"] = code
	}
	return CallResponse{Status: status, Body: body}
}
