package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/BSVanon/ClawSats-sub000/pkg/invite"
	"github.com/BSVanon/ClawSats-sub000/pkg/log"
	"github.com/BSVanon/ClawSats-sub000/pkg/metrics"
	"github.com/BSVanon/ClawSats-sub000/pkg/netcheck"
	"github.com/BSVanon/ClawSats-sub000/pkg/payment"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
)

// readSignedBody decodes a request body twice: into a typed record and into
// the raw map signatures are verified against.
func readSignedBody(r *http.Request, typed any) (map[string]any, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, typed); err != nil {
		return nil, err
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}
	return asMap, nil
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var inv types.Invitation
	rawMap, err := readSignedBody(r, &inv)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "invitation body does not parse")
		return
	}
	logger := log.WithPeer(inv.Sender.IdentityKey)

	if inv.Sender.IdentityKey != "" && !s.limiter.Allow("invite:"+inv.Sender.IdentityKey) {
		writeError(w, http.StatusTooManyRequests, payment.CodeRateLimited,
			"too many invitations from this identity")
		return
	}

	if err := invite.ValidateInvitation(&inv, time.Now()); err != nil {
		code := ""
		if err.Error() == "invitation expired" {
			code = payment.CodeInvitationExpired
		}
		metrics.InvitationsRejected.WithLabelValues("structural").Inc()
		writeError(w, http.StatusBadRequest, code, err.Error())
		return
	}

	result := s.deps.Nonces.Validate(inv.Nonce, invite.DefaultTTL)
	if !result.Fresh {
		metrics.InvitationsRejected.WithLabelValues("nonce").Inc()
		writeError(w, http.StatusBadRequest, payment.CodeNonceReplay, result.Reason)
		return
	}

	if err := invite.VerifySignature(r.Context(), s.deps.Wallet, rawMap, inv.Sender.IdentityKey); err != nil {
		metrics.InvitationsRejected.WithLabelValues("signature").Inc()
		writeError(w, http.StatusForbidden, payment.CodeInvalidSignature, err.Error())
		return
	}

	endpoint := inv.Sender.Endpoint
	if endpoint != "" {
		normalized, err := netcheck.NormalizeEndpoint(endpoint)
		if err != nil {
			metrics.InvitationsRejected.WithLabelValues("endpoint").Inc()
			writeError(w, http.StatusBadRequest, payment.CodeInvalidEndpoint, err.Error())
			return
		}
		endpoint = normalized
	}

	s.deps.Peers.Add(types.Peer{
		IdentityKey:  inv.Sender.IdentityKey,
		ClawID:       inv.Sender.ClawID,
		Endpoint:     endpoint,
		Capabilities: inv.Wallet.Capabilities,
		Chain:        inv.Wallet.Chain,
		LastSeen:     time.Now().UTC(),
		Reputation:   50,
	})
	metrics.InvitationsAccepted.Inc()
	metrics.PeersKnown.Set(float64(s.deps.Peers.Size()))
	if s.deps.Events != nil {
		s.deps.Events.Log("api", "invitation-accepted", "", map[string]any{
			"sender": inv.Sender.IdentityKey,
		})
	}
	logger.Info().Msg("invitation accepted")

	announcement, err := s.deps.Invites.CreateAnnouncement(r.Context(),
		s.announcedCapabilities(), s.networkInfo())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", "failed to build announcement")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":     true,
		"announcement": announcement,
		"peersKnown":   s.deps.Peers.Size(),
	})
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var ann types.Announcement
	rawMap, err := readSignedBody(r, &ann)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "announcement body does not parse")
		return
	}

	if !invite.ValidAnnouncementKey(ann.IdentityKey) {
		writeError(w, http.StatusBadRequest, "", "identityKey must be a 66 hex char compressed key")
		return
	}

	// Self-announcements are signed by the subject. Relays re-sign what they
	// forward after tagging referredBy, so the introducer's signature is the
	// fallback signer.
	if err := invite.VerifySignature(r.Context(), s.deps.Wallet, rawMap, ann.IdentityKey); err != nil {
		relaySigned := ann.ReferredBy != "" && invite.ValidAnnouncementKey(ann.ReferredBy) &&
			invite.VerifySignature(r.Context(), s.deps.Wallet, rawMap, ann.ReferredBy) == nil
		if !relaySigned {
			writeError(w, http.StatusForbidden, payment.CodeInvalidSignature, err.Error())
			return
		}
	}

	endpoint := ann.Network["endpoint"]
	if endpoint != "" {
		normalized, err := netcheck.NormalizeEndpoint(endpoint)
		if err != nil {
			writeError(w, http.StatusBadRequest, payment.CodeInvalidEndpoint, err.Error())
			return
		}
		endpoint = normalized
	}

	capNames := make([]string, 0, len(ann.Capabilities))
	for _, c := range ann.Capabilities {
		capNames = append(capNames, c.Name)
	}

	s.deps.Peers.Add(types.Peer{
		IdentityKey:  ann.IdentityKey,
		ClawID:       ann.ClawID,
		Endpoint:     endpoint,
		Capabilities: capNames,
		LastSeen:     time.Now().UTC(),
		Reputation:   40,
	})
	metrics.PeersKnown.Set(float64(s.deps.Peers.Size()))

	if ann.ReferredBy != "" && s.deps.Referrals != nil {
		if err := s.deps.Referrals.RecordReferrer(ann.IdentityKey, ann.ReferredBy); err != nil {
			log.WithComponent("api").Warn().Err(err).Msg("failed to record referrer")
		}
	}
	if s.deps.Events != nil {
		s.deps.Events.Log("api", "announcement-registered", "", map[string]any{
			"identityKey": ann.IdentityKey,
			"referredBy":  ann.ReferredBy,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"registered": true,
		"verified":   true,
		"peersKnown": s.deps.Peers.Size(),
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	capName := mux.Vars(r)["capability"]

	var params map[string]any
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "failed to read request body")
		return
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			writeError(w, http.StatusBadRequest, "", "params must be a JSON object")
			return
		}
	}

	resp := s.deps.Dispatcher.Dispatch(r.Context(), payment.CallRequest{
		Capability:     capName,
		Params:         params,
		CallerIdentity: r.Header.Get(payment.HeaderIdentityKey),
		PaymentHeader:  r.Header.Get(payment.HeaderPayment),
	})

	outcome := "ok"
	if resp.Status != http.StatusOK {
		outcome = "rejected"
	}
	metrics.CallsTotal.WithLabelValues(capName, outcome).Inc()

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	writeJSON(w, resp.Status, resp.Body)
}

// handleSubmitPayment verifies a standalone payment against this wallet
// without executing anything, so peers can settle invoices out of band.
func (s *Server) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DerivationPrefix string `json:"derivationPrefix"`
		DerivationSuffix string `json:"derivationSuffix"`
		Transaction      string `json:"transaction"`
		SenderIdentity   string `json:"senderIdentityKey"`
		Description      string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil ||
		body.Transaction == "" || body.DerivationPrefix == "" || body.SenderIdentity == "" {
		writeError(w, http.StatusBadRequest, payment.CodeMalformedPayment,
			"derivationPrefix, transaction, and senderIdentityKey required")
		return
	}
	rawTx, err := base64.StdEncoding.DecodeString(body.Transaction)
	if err != nil {
		writeError(w, http.StatusBadRequest, payment.CodeMalformedPayment, "transaction is not base64")
		return
	}

	suffix := body.DerivationSuffix
	if suffix == "" {
		suffix = "clawsats"
	}
	result, err := s.deps.Wallet.InternalizePayment(r.Context(), rawTx, 0,
		body.DerivationPrefix, suffix, body.SenderIdentity, body.Description)
	if err != nil {
		writeError(w, http.StatusPaymentRequired, payment.CodePaymentInvalid, err.Error())
		return
	}
	metrics.SatoshisEarned.Add(float64(result.AcceptedSats))

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": true,
		"satoshis": result.AcceptedSats,
	})
}

// announcedCapabilities renders the registry as announcement entries.
func (s *Server) announcedCapabilities() []types.AnnouncedCapability {
	caps := s.deps.Caps.List()
	out := make([]types.AnnouncedCapability, 0, len(caps))
	for _, c := range caps {
		out = append(out, types.AnnouncedCapability{
			Name:        c.Name,
			Endpoint:    "/call/" + c.Name,
			Methods:     []string{http.MethodPost},
			CostPerCall: c.PriceSats,
		})
	}
	return out
}

func (s *Server) networkInfo() map[string]string {
	info := map[string]string{}
	if s.deps.Config.Endpoint != "" {
		info["endpoint"] = s.deps.Config.Endpoint
	}
	if s.deps.Config.Chain != "" {
		info["chain"] = s.deps.Config.Chain
	}
	return info
}
