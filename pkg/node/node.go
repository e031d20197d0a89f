// Package node assembles a full ClawSats process: wallet, registries,
// dispatcher, HTTP surface, and the discovery loop, all wired to the state
// files under one base directory.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/BSVanon/ClawSats-sub000/pkg/api"
	"github.com/BSVanon/ClawSats-sub000/pkg/brain"
	"github.com/BSVanon/ClawSats-sub000/pkg/capability"
	"github.com/BSVanon/ClawSats-sub000/pkg/config"
	"github.com/BSVanon/ClawSats-sub000/pkg/discovery"
	"github.com/BSVanon/ClawSats-sub000/pkg/invite"
	"github.com/BSVanon/ClawSats-sub000/pkg/log"
	"github.com/BSVanon/ClawSats-sub000/pkg/memory"
	"github.com/BSVanon/ClawSats-sub000/pkg/nonce"
	"github.com/BSVanon/ClawSats-sub000/pkg/payment"
	"github.com/BSVanon/ClawSats-sub000/pkg/peers"
	"github.com/BSVanon/ClawSats-sub000/pkg/storage"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

// Options tune node assembly beyond what the wallet config carries.
type Options struct {
	// Base is the state directory (config/ and data/ live under it).
	Base string

	// Passphrase unlocks an encrypted root key, when one is configured.
	Passphrase string

	// Seeds are extra endpoints the discovery daemon probes every sweep.
	Seeds []string

	// BroadcastURL is an ARC-style endpoint for raw transaction broadcast.
	BroadcastURL string

	EnableCORS bool
}

// Node is one running ClawSats process.
type Node struct {
	cfg    *types.WalletConfig
	paths  config.Paths
	wallet *wallet.Driver
	peers  *peers.Registry
	caps   *capability.Registry
	store  *storage.BoltStore
	jobs   *brain.Store
	events *brain.EventLog
	router *brain.Router
	server *api.Server
	daemon *discovery.Daemon

	policyMu sync.RWMutex
	policy   types.Policy
}

// New loads state from opts.Base and wires every component. Nothing listens
// or sweeps until Run.
func New(opts Options) (*Node, error) {
	paths := config.DefaultPaths(opts.Base)
	cfg, err := config.Load(config.ConfigPath(opts.Base))
	if err != nil {
		return nil, err
	}

	rootKey, err := config.RootKeyHex(cfg, opts.Passphrase)
	if err != nil {
		return nil, err
	}
	w, err := wallet.NewDriver(rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet: %w", err)
	}
	if opts.BroadcastURL != "" {
		w = w.WithBroadcastURL(opts.BroadcastURL)
	}

	reg, err := peers.NewRegistry(paths.Peers)
	if err != nil {
		return nil, fmt.Errorf("failed to load peer registry: %w", err)
	}

	caps := capability.NewRegistry()
	if err := capability.RegisterBuiltins(caps, capability.Deps{
		Peers:  reg,
		ClawID: cfg.ClawID,
		Chain:  cfg.Chain,
	}); err != nil {
		return nil, fmt.Errorf("failed to register builtins: %w", err)
	}

	store, err := storage.NewBoltStore(paths.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open receipt store: %w", err)
	}

	jobs, err := brain.NewStore(paths.Jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to load job store: %w", err)
	}
	events := brain.NewEventLog(paths.Events)

	pol, err := brain.LoadPolicy(paths.Policy)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}

	memIndex, err := memory.NewIndex(paths.MemoryIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to load memory index: %w", err)
	}

	n := &Node{
		cfg:    cfg,
		paths:  paths,
		wallet: w,
		peers:  reg,
		caps:   caps,
		store:  store,
		jobs:   jobs,
		events: events,
		policy: pol,
	}

	// Local jobs always call back through the loopback listener; the public
	// endpoint may be unset or point at a proxy that strips payment headers.
	n.router = brain.NewRouter(jobs, reg, payment.NewClient(w),
		memory.NewChainWriter(w, memIndex), events, n.Policy, localCallEndpoint(cfg.Port))

	invites := invite.New(w, types.PartyRef{
		ClawID:      cfg.ClawID,
		IdentityKey: w.IdentityKey(),
		Endpoint:    cfg.Endpoint,
	}, types.WalletSnapshot{
		Chain:        cfg.Chain,
		Capabilities: caps.Names(),
	})

	n.server, err = api.NewServer(api.Deps{
		Config:     cfg,
		Wallet:     w,
		Peers:      reg,
		Caps:       caps,
		Dispatcher: payment.NewDispatcher(caps, w, reg, store, store),
		Invites:    invites,
		Nonces:     nonce.NewCache(nonce.DefaultCapacity),
		Jobs:       jobs,
		Router:     n.router,
		Events:     events,
		Referrals:  store,
		Policy:     n.Policy,
		EnableCORS: opts.EnableCORS,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	n.daemon = discovery.New(cfg, w, reg, invites, n.router, events, n.Policy, opts.Seeds)
	return n, nil
}

// Run serves HTTP and sweeps discovery until ctx is cancelled, then drains
// and flushes state.
func (n *Node) Run(ctx context.Context) error {
	logger := log.WithComponent("node")
	logger.Info().
		Str("clawId", n.cfg.ClawID).
		Str("identityKey", log.Truncate(n.wallet.IdentityKey(), 16)).
		Int("capabilities", n.caps.Size()).
		Msg("node starting")

	n.daemon.Start(ctx)
	err := n.server.ListenAndServe(ctx)
	n.daemon.Stop()

	if ferr := n.peers.Flush(); ferr != nil {
		logger.Warn().Err(ferr).Msg("failed to flush peer registry")
	}
	if cerr := n.store.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("failed to close receipt store")
	}
	return err
}

// localCallEndpoint is where the router reaches this node's own /call
// surface, regardless of the configured bind host.
func localCallEndpoint(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// Policy returns the current brain policy snapshot.
func (n *Node) Policy() types.Policy {
	n.policyMu.RLock()
	defer n.policyMu.RUnlock()
	return n.policy
}

// SetPolicy persists and swaps the brain policy.
func (n *Node) SetPolicy(p types.Policy) error {
	if err := brain.SavePolicy(n.paths.Policy, p); err != nil {
		return err
	}
	n.policyMu.Lock()
	n.policy = p
	n.policyMu.Unlock()
	if n.events != nil {
		n.events.Log("node", "policy-updated", "", nil)
	}
	return nil
}

// Config exposes the loaded wallet config.
func (n *Node) Config() *types.WalletConfig {
	return n.cfg
}

// Server exposes the HTTP surface, mainly so callers can read the effective
// API key.
func (n *Node) Server() *api.Server {
	return n.server
}
