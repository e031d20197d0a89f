// Package peers tracks every node this one has met: reputation-scored,
// capacity-bounded, persisted with a debounce so discovery sweeps do not
// hammer the disk.
package peers

import (
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/BSVanon/ClawSats-sub000/pkg/fsutil"
	"github.com/BSVanon/ClawSats-sub000/pkg/log"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
)

const (
	// MaxPeers caps the registry size; lowest-reputation peers are dropped
	// beyond it.
	MaxPeers = 500

	// StaleAfter is how long a silent peer survives in the registry.
	StaleAfter = 7 * 24 * time.Hour

	// persistDebounce coalesces bursts of mutations into one disk write.
	persistDebounce = 5 * time.Second

	repSuccessDelta = 1
	repFailureDelta = 5
)

// Registry is the persistent map of identity key to peer record. All methods
// are safe for concurrent use. Mutations schedule a debounced write to the
// backing file.
type Registry struct {
	mu       sync.Mutex
	peers    map[string]*types.Peer
	path     string
	maxPeers int

	persistTimer *time.Timer
	now          func() time.Time
}

// NewRegistry creates a registry backed by path (peers.json). An existing
// file is loaded; a missing one starts empty.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		peers:    make(map[string]*types.Peer),
		path:     path,
		maxPeers: MaxPeers,
		now:      time.Now,
	}

	var stored []*types.Peer
	err := fsutil.ReadJSON(path, &stored)
	switch {
	case err == nil:
		for _, p := range stored {
			if p.IdentityKey == "" {
				continue
			}
			p.Reputation = clampReputation(p.Reputation)
			r.peers[p.IdentityKey] = p
		}
	case errors.Is(err, os.ErrNotExist):
		// first run
	default:
		return nil, err
	}
	return r, nil
}

// Add inserts or merges a peer record. For an existing peer the higher
// reputation wins and endpoint/capabilities/lastSeen are refreshed.
func (r *Registry) Add(peer types.Peer) {
	if peer.IdentityKey == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	peer.Reputation = clampReputation(peer.Reputation)
	if peer.LastSeen.IsZero() {
		peer.LastSeen = r.now()
	}

	if existing, ok := r.peers[peer.IdentityKey]; ok {
		if peer.Reputation > existing.Reputation {
			existing.Reputation = peer.Reputation
		}
		if peer.Endpoint != "" {
			existing.Endpoint = peer.Endpoint
		}
		if len(peer.Capabilities) > 0 {
			existing.Capabilities = peer.Capabilities
		}
		if peer.ClawID != "" {
			existing.ClawID = peer.ClawID
		}
		if peer.Chain != "" {
			existing.Chain = peer.Chain
		}
		if peer.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = peer.LastSeen
		}
	} else {
		copied := peer
		r.peers[peer.IdentityKey] = &copied
	}

	r.evictLocked()
	r.schedulePersistLocked()
}

// Remove deletes a peer by identity key.
func (r *Registry) Remove(identityKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[identityKey]; !ok {
		return
	}
	delete(r.peers, identityKey)
	r.evictLocked()
	r.schedulePersistLocked()
}

// Get returns the peer with the given identity key.
func (r *Registry) Get(identityKey string) (types.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[identityKey]
	if !ok {
		return types.Peer{}, false
	}
	return *p, true
}

// GetByEndpoint returns the first peer advertising the given endpoint.
func (r *Registry) GetByEndpoint(endpoint string) (types.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.peers {
		if p.Endpoint == endpoint {
			return *p, true
		}
	}
	return types.Peer{}, false
}

// All returns a snapshot of every peer, ordered by identity key.
func (r *Registry) All() []types.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityKey < out[j].IdentityKey })
	return out
}

// ByCapability returns peers advertising the named capability.
func (r *Registry) ByCapability(name string) []types.Peer {
	var out []types.Peer
	for _, p := range r.All() {
		for _, c := range p.Capabilities {
			if c == name {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// ByChain returns peers on the given chain tag.
func (r *Registry) ByChain(chain string) []types.Peer {
	var out []types.Peer
	for _, p := range r.All() {
		if p.Chain == chain {
			out = append(out, p)
		}
	}
	return out
}

// RecordSuccess bumps reputation (+1, cap 100) and refreshes lastSeen.
func (r *Registry) RecordSuccess(identityKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[identityKey]
	if !ok {
		return
	}
	p.Reputation = clampReputation(p.Reputation + repSuccessDelta)
	if now := r.now(); now.After(p.LastSeen) {
		p.LastSeen = now
	}
	r.evictLocked()
	r.schedulePersistLocked()
}

// RecordFailure drops reputation (-5, floor 0).
func (r *Registry) RecordFailure(identityKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[identityKey]
	if !ok {
		return
	}
	p.Reputation = clampReputation(p.Reputation - repFailureDelta)
	r.evictLocked()
	r.schedulePersistLocked()
}

// Size returns the number of known peers.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Flush forces any pending debounced write to disk immediately. Called on
// shutdown and after discovery sweeps.
func (r *Registry) Flush() error {
	r.mu.Lock()
	if r.persistTimer != nil {
		r.persistTimer.Stop()
		r.persistTimer = nil
	}
	snapshot := r.snapshotLocked()
	path := r.path
	r.mu.Unlock()

	if path == "" {
		return nil
	}
	return fsutil.WriteJSONAtomic(path, snapshot, 0o644)
}

// evictLocked drops stale peers, then trims to capacity by lowest reputation.
func (r *Registry) evictLocked() {
	cutoff := r.now().Add(-StaleAfter)
	for key, p := range r.peers {
		if p.LastSeen.Before(cutoff) {
			delete(r.peers, key)
		}
	}

	if len(r.peers) <= r.maxPeers {
		return
	}
	ranked := make([]*types.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		ranked = append(ranked, p)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Reputation != ranked[j].Reputation {
			return ranked[i].Reputation < ranked[j].Reputation
		}
		return ranked[i].LastSeen.Before(ranked[j].LastSeen)
	})
	for _, p := range ranked {
		if len(r.peers) <= r.maxPeers {
			break
		}
		delete(r.peers, p.IdentityKey)
	}
}

func (r *Registry) schedulePersistLocked() {
	if r.path == "" {
		return
	}
	if r.persistTimer != nil {
		return
	}
	r.persistTimer = time.AfterFunc(persistDebounce, func() {
		if err := r.Flush(); err != nil {
			log.WithComponent("peers").Error().Err(err).Msg("failed to persist peer registry")
		}
	})
}

func (r *Registry) snapshotLocked() []types.Peer {
	out := make([]types.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityKey < out[j].IdentityKey })
	return out
}

func clampReputation(rep int) int {
	if rep < 0 {
		return 0
	}
	if rep > 100 {
		return 100
	}
	return rep
}
