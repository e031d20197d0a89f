package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/BSVanon/ClawSats-sub000/pkg/brain"
	"github.com/BSVanon/ClawSats-sub000/pkg/capability"
	"github.com/BSVanon/ClawSats-sub000/pkg/invite"
	"github.com/BSVanon/ClawSats-sub000/pkg/log"
	"github.com/BSVanon/ClawSats-sub000/pkg/metrics"
	"github.com/BSVanon/ClawSats-sub000/pkg/nonce"
	"github.com/BSVanon/ClawSats-sub000/pkg/payment"
	"github.com/BSVanon/ClawSats-sub000/pkg/peers"
	"github.com/BSVanon/ClawSats-sub000/pkg/ratelimit"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

const (
	// maxBodyBytes caps request bodies.
	maxBodyBytes = 64 << 10

	// inviteWindow / inviteMax bound invitations per sender identity.
	inviteWindow = time.Hour
	inviteMax    = 20

	// shutdownGrace drains in-flight requests on stop.
	shutdownGrace = 10 * time.Second

	// DiscoveryProtocol tags the /discovery manifest.
	DiscoveryProtocol = "clawsats-discovery/1.0"
)

// publicPaths are reachable without the API key. Everything else needs
// Authorization: Bearer <apiKey> once a key is configured.
var publicPaths = map[string]bool{
	"/health":                true,
	"/discovery":             true,
	"/wallet/invite":         true,
	"/wallet/announce":       true,
	"/wallet/submit-payment": true,
}

// ReferralRecorder remembers announcement referrers for later crediting.
type ReferralRecorder interface {
	RecordReferrer(identityKey, referrerKey string) error
}

// Deps carries everything the server needs. The server only reads shared
// state; mutations go through the owning component.
type Deps struct {
	Config     *types.WalletConfig
	Wallet     wallet.Gateway
	Peers      *peers.Registry
	Caps       *capability.Registry
	Dispatcher *payment.Dispatcher
	Invites    *invite.Protocol
	Nonces     *nonce.Cache
	Jobs       *brain.Store
	Router     *brain.Router
	Events     *brain.EventLog
	Referrals  ReferralRecorder // optional
	Policy     func() types.Policy
	EnableCORS bool
}

// Server is the node's HTTP surface.
type Server struct {
	deps    Deps
	apiKey  string
	limiter *ratelimit.Limiter
	started time.Time
	httpSrv *http.Server
}

// NewServer builds the server. When bound beyond loopback without a
// configured API key, a random one is generated and logged once.
func NewServer(deps Deps) (*Server, error) {
	if deps.Config == nil || deps.Wallet == nil {
		return nil, fmt.Errorf("server needs config and wallet")
	}

	s := &Server{
		deps:    deps,
		apiKey:  deps.Config.APIKey,
		limiter: ratelimit.NewLimiter(inviteWindow, inviteMax),
		started: time.Now(),
	}

	if s.apiKey == "" && !isLoopbackHost(deps.Config.Host) {
		key, err := generateAPIKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate api key: %w", err)
		}
		s.apiKey = key
		log.WithComponent("api").Warn().Str("apiKey", key).Msg("no api key configured on a non-loopback bind, generated one")
	}
	return s, nil
}

// APIKey returns the effective admin key, possibly generated.
func (s *Server) APIKey() string {
	return s.apiKey
}

// Handler builds the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/discovery", s.handleDiscovery).Methods(http.MethodGet)
	r.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/wallet/invite", s.handleInvite).Methods(http.MethodPost)
	r.HandleFunc("/wallet/announce", s.handleAnnounce).Methods(http.MethodPost)
	r.HandleFunc("/wallet/submit-payment", s.handleSubmitPayment).Methods(http.MethodPost)
	r.HandleFunc("/call/{capability}", s.handleCall).Methods(http.MethodPost)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleRPC).Methods(http.MethodPost)

	var h http.Handler = r
	h = s.authMiddleware(h)
	if s.deps.EnableCORS {
		h = corsMiddleware(h)
	}
	h = bodyLimitMiddleware(h)
	h = metricsMiddleware(h)
	return h
}

// ListenAndServe runs the server until ctx is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.deps.Config.Host, strconv.Itoa(s.deps.Config.Port))
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("api").Info().Str("addr", addr).Msg("http server listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

// Middleware

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"code":  payment.CodeUnauthorized,
				"error": "missing or invalid api key",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	return strings.HasPrefix(path, "/call/")
}

func bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+payment.HeaderPayment+", "+payment.HeaderIdentityKey)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := metricRoute(r.URL.Path)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// metricRoute collapses per-capability paths so cardinality stays bounded.
func metricRoute(path string) string {
	if strings.HasPrefix(path, "/call/") {
		return "/call"
	}
	return path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Basic handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"wallet": map[string]any{
			"identityKey":  log.Truncate(s.deps.Wallet.IdentityKey(), 16),
			"chain":        cfg.Chain,
			"capabilities": s.deps.Caps.Size(),
		},
		"server": map[string]any{
			"host":   cfg.Host,
			"port":   cfg.Port,
			"uptime": time.Since(s.started).Round(time.Second).String(),
		},
	})
}

// handleConfig is auth-protected; secrets are stripped regardless.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Config.Redacted())
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"protocol":         DiscoveryProtocol,
		"clawId":           cfg.ClawID,
		"identityKey":      s.deps.Wallet.IdentityKey(),
		"capabilities":     s.deps.Caps.Names(),
		"paidCapabilities": s.deps.Caps.List(),
		"endpoints": map[string]string{
			"invite":   "/wallet/invite",
			"announce": "/wallet/announce",
			"call":     "/call/{capability}",
		},
		"peersKnown": s.deps.Peers.Size(),
		"chain":      cfg.Chain,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	body := map[string]any{"error": message}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

// isLoopbackHost reports whether the bind address is loopback-only. An empty
// host binds every interface and counts as exposed.
func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	case "", "0.0.0.0", "::":
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
