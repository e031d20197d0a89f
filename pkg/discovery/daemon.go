// Package discovery runs the background sweep that keeps the peer registry
// populated: directory registration, manifest probing, and auto-invitations.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/BSVanon/ClawSats-sub000/pkg/brain"
	"github.com/BSVanon/ClawSats-sub000/pkg/invite"
	"github.com/BSVanon/ClawSats-sub000/pkg/log"
	"github.com/BSVanon/ClawSats-sub000/pkg/metrics"
	"github.com/BSVanon/ClawSats-sub000/pkg/netcheck"
	"github.com/BSVanon/ClawSats-sub000/pkg/peers"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

const (
	// probeTimeout bounds each /discovery fetch.
	probeTimeout = 8 * time.Second

	// directoryTimeout bounds directory register and fetch calls.
	directoryTimeout = 10 * time.Second

	// directoryFetchEvery throttles directory listing downloads.
	directoryFetchEvery = 10 * time.Minute

	// defaultSweepInterval applies when the policy timer is unset.
	defaultSweepInterval = 300 * time.Second
)

// manifest is the subset of a peer's /discovery response the daemon reads.
type manifest struct {
	Protocol     string   `json:"protocol"`
	ClawID       string   `json:"clawId"`
	IdentityKey  string   `json:"identityKey"`
	Capabilities []string `json:"capabilities"`
	Chain        string   `json:"chain"`
}

// Daemon owns the discovery loop for one node.
type Daemon struct {
	cfg     *types.WalletConfig
	wallet  wallet.Gateway
	peers   *peers.Registry
	invites *invite.Protocol
	router  *brain.Router
	events  *brain.EventLog
	policy  func() types.Policy
	seeds   []string
	client  *http.Client

	dirClient *http.Client

	mu           sync.Mutex
	lastRegister time.Time
	lastDirFetch time.Time
	dirEndpoints []string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a daemon. seeds are endpoint URLs probed on every sweep in
// addition to whatever the registry and directory already know.
func New(cfg *types.WalletConfig, w wallet.Gateway, reg *peers.Registry, invites *invite.Protocol, router *brain.Router, events *brain.EventLog, policy func() types.Policy, seeds []string) *Daemon {
	return &Daemon{
		cfg:       cfg,
		wallet:    w,
		peers:     reg,
		invites:   invites,
		router:    router,
		events:    events,
		policy:    policy,
		seeds:     seeds,
		client:    &http.Client{Timeout: probeTimeout},
		dirClient: &http.Client{Timeout: directoryTimeout},
		stopCh:    make(chan struct{}),
	}
}

// WithHTTPClient overrides the probe client.
func (d *Daemon) WithHTTPClient(c *http.Client) *Daemon {
	d.client = c
	return d
}

// Start begins the sweep loop.
func (d *Daemon) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (d *Daemon) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Daemon) run(ctx context.Context) {
	defer d.wg.Done()

	interval := defaultSweepInterval
	if secs := d.policy().Timers.DiscoveryIntervalSeconds; secs > 0 {
		interval = time.Duration(secs) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Sweep once at startup so a fresh node joins the network without
	// waiting for the first tick.
	d.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			d.Sweep(ctx)
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one full discovery cycle.
func (d *Daemon) Sweep(ctx context.Context) {
	logger := log.WithComponent("discovery")
	pol := d.policy()

	d.registerWithDirectory(ctx, pol)

	discovered := 0
	for _, endpoint := range d.candidateEndpoints(ctx) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if d.probe(ctx, endpoint, pol) {
			discovered++
		}
	}

	if err := d.peers.Flush(); err != nil {
		logger.Warn().Err(err).Msg("failed to persist peer registry")
	}

	if d.router != nil {
		d.router.GenerateGoals()
		// Background sweeps never release jobs parked for human approval.
		// Only the operator's explicit run path may pass true here.
		d.router.RunOnce(ctx, false)
	}

	metrics.DiscoverySweeps.Inc()
	metrics.PeersKnown.Set(float64(d.peers.Size()))
	if d.events != nil {
		d.events.Log("discovery", "sweep-complete", "", map[string]any{
			"peersKnown": d.peers.Size(),
			"discovered": discovered,
		})
	}
	logger.Debug().Int("peersKnown", d.peers.Size()).Int("discovered", discovered).Msg("sweep complete")
}

// registerWithDirectory announces this node to the configured directory,
// throttled by the policy timer. Local endpoints never leave the machine.
func (d *Daemon) registerWithDirectory(ctx context.Context, pol types.Policy) {
	if d.cfg.RegisterURL == "" || d.cfg.Endpoint == "" {
		return
	}
	if err := netcheck.ValidatePublicURL(d.cfg.Endpoint); err != nil {
		return
	}

	every := time.Duration(pol.Timers.DirectoryRegisterEverySeconds) * time.Second
	if every <= 0 {
		every = time.Hour
	}
	d.mu.Lock()
	due := time.Since(d.lastRegister) >= every
	if due {
		d.lastRegister = time.Now()
	}
	d.mu.Unlock()
	if !due {
		return
	}

	ann, err := d.invites.CreateAnnouncement(ctx, nil, map[string]string{
		"endpoint": d.cfg.Endpoint,
		"chain":    d.cfg.Chain,
	})
	if err != nil {
		log.WithComponent("discovery").Warn().Err(err).Msg("failed to build directory announcement")
		return
	}
	if err := d.postJSON(ctx, d.cfg.RegisterURL, ann); err != nil {
		log.WithComponent("discovery").Warn().Err(err).Msg("directory registration failed")
		return
	}
	if d.events != nil {
		d.events.Log("discovery", "directory-registered", "", map[string]any{
			"registerUrl": d.cfg.RegisterURL,
		})
	}
}

// candidateEndpoints unions the seed list, the directory listing, and every
// endpoint already in the registry, deduplicated.
func (d *Daemon) candidateEndpoints(ctx context.Context) []string {
	seen := map[string]bool{}
	var out []string
	add := func(endpoint string) {
		if endpoint == "" || seen[endpoint] {
			return
		}
		seen[endpoint] = true
		out = append(out, endpoint)
	}

	for _, s := range d.seeds {
		add(s)
	}
	for _, e := range d.fetchDirectory(ctx) {
		add(e)
	}
	for _, p := range d.peers.All() {
		add(p.Endpoint)
	}
	return out
}

// fetchDirectory downloads the directory listing at most once per
// directoryFetchEvery, serving the cached copy in between.
func (d *Daemon) fetchDirectory(ctx context.Context) []string {
	if d.cfg.DirectoryURL == "" {
		return nil
	}
	d.mu.Lock()
	if time.Since(d.lastDirFetch) < directoryFetchEvery {
		cached := d.dirEndpoints
		d.mu.Unlock()
		return cached
	}
	d.lastDirFetch = time.Now()
	d.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.DirectoryURL, nil)
	if err != nil {
		return nil
	}
	resp, err := d.dirClient.Do(req)
	if err != nil {
		log.WithComponent("discovery").Warn().Err(err).Msg("directory fetch failed")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var listing struct {
		Claws []struct {
			Endpoint string `json:"endpoint"`
		} `json:"claws"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil
	}

	endpoints := make([]string, 0, len(listing.Claws))
	for _, c := range listing.Claws {
		if c.Endpoint != "" {
			endpoints = append(endpoints, c.Endpoint)
		}
	}
	d.mu.Lock()
	d.dirEndpoints = endpoints
	d.mu.Unlock()
	return endpoints
}

// probe fetches one endpoint's manifest and registers the peer. Returns true
// when a previously unknown peer was added.
func (d *Daemon) probe(ctx context.Context, endpoint string, pol types.Policy) bool {
	if endpoint == d.cfg.Endpoint {
		return false
	}
	logger := log.WithComponent("discovery")

	target, err := url.JoinPath(endpoint, "discovery")
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.markUnreachable(endpoint)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		d.markUnreachable(endpoint)
		return false
	}

	var m manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil || m.IdentityKey == "" {
		return false
	}
	if m.IdentityKey == d.wallet.IdentityKey() {
		return false
	}

	_, known := d.peers.Get(m.IdentityKey)
	d.peers.Add(types.Peer{
		IdentityKey:  m.IdentityKey,
		ClawID:       m.ClawID,
		Endpoint:     endpoint,
		Capabilities: m.Capabilities,
		Chain:        m.Chain,
		LastSeen:     time.Now().UTC(),
		Reputation:   40,
	})
	d.peers.RecordSuccess(m.IdentityKey)
	if known {
		return false
	}

	logger.Info().Str("peer", log.Truncate(m.IdentityKey, 16)).Str("endpoint", endpoint).Msg("peer discovered")
	if d.events != nil {
		d.events.Log("discovery", "peer-discovered", "", map[string]any{
			"identityKey": m.IdentityKey,
			"endpoint":    endpoint,
		})
	}

	if pol.Timers.AutoInviteOnDiscovery {
		d.sendInvitation(ctx, m, endpoint)
	}
	return true
}

func (d *Daemon) sendInvitation(ctx context.Context, m manifest, endpoint string) {
	inv, err := d.invites.CreateInvitation(ctx, types.PartyRef{
		ClawID:      m.ClawID,
		IdentityKey: m.IdentityKey,
		Endpoint:    endpoint,
	})
	if err != nil {
		log.WithComponent("discovery").Warn().Err(err).Msg("failed to build invitation")
		return
	}
	target, err := url.JoinPath(endpoint, "wallet", "invite")
	if err != nil {
		return
	}
	if err := d.postJSON(ctx, target, inv); err != nil {
		log.WithComponent("discovery").Warn().Err(err).Str("endpoint", endpoint).Msg("invitation delivery failed")
		return
	}
	if d.events != nil {
		d.events.Log("discovery", "invitation-sent", "", map[string]any{
			"identityKey": m.IdentityKey,
			"endpoint":    endpoint,
		})
	}
}

func (d *Daemon) markUnreachable(endpoint string) {
	if peer, ok := d.peers.GetByEndpoint(endpoint); ok {
		d.peers.RecordFailure(peer.IdentityKey)
	}
}

// postJSON delivers announcements and invitations with the 10 second
// directory deadline.
func (d *Daemon) postJSON(ctx context.Context, target string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.dirClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, target)
	}
	return nil
}
