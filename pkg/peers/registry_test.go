package peers

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BSVanon/ClawSats-sub000/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	return r
}

func TestAddClampsReputation(t *testing.T) {
	r := newTestRegistry(t)

	r.Add(types.Peer{IdentityKey: "k1", Reputation: 150})
	r.Add(types.Peer{IdentityKey: "k2", Reputation: -10})

	p1, _ := r.Get("k1")
	p2, _ := r.Get("k2")
	assert.Equal(t, 100, p1.Reputation)
	assert.Equal(t, 0, p2.Reputation)
}

func TestAddKeepsHigherReputation(t *testing.T) {
	r := newTestRegistry(t)

	r.Add(types.Peer{IdentityKey: "k", Reputation: 70})
	r.Add(types.Peer{IdentityKey: "k", Reputation: 30, Endpoint: "http://example.com"})

	p, ok := r.Get("k")
	require.True(t, ok)
	assert.Equal(t, 70, p.Reputation, "lower reputation must not overwrite")
	assert.Equal(t, "http://example.com", p.Endpoint, "endpoint still refreshed")

	r.Add(types.Peer{IdentityKey: "k", Reputation: 90})
	p, _ = r.Get("k")
	assert.Equal(t, 90, p.Reputation)
}

func TestRecordSuccessAndFailure(t *testing.T) {
	r := newTestRegistry(t)
	r.Add(types.Peer{IdentityKey: "k", Reputation: 99})

	r.RecordSuccess("k")
	r.RecordSuccess("k")
	p, _ := r.Get("k")
	assert.Equal(t, 100, p.Reputation, "success caps at 100")

	for i := 0; i < 25; i++ {
		r.RecordFailure("k")
	}
	p, _ = r.Get("k")
	assert.Equal(t, 0, p.Reputation, "failure floors at 0")
}

func TestLastSeenMonotonic(t *testing.T) {
	r := newTestRegistry(t)
	later := time.Now().Add(time.Hour)

	r.Add(types.Peer{IdentityKey: "k", LastSeen: later})
	r.Add(types.Peer{IdentityKey: "k", LastSeen: later.Add(-2 * time.Hour)})

	p, _ := r.Get("k")
	assert.Equal(t, later, p.LastSeen, "older lastSeen must not rewind the record")
}

func TestStalePeersEvictedOnMutation(t *testing.T) {
	r := newTestRegistry(t)
	current := time.Now()
	r.now = func() time.Time { return current }

	r.Add(types.Peer{IdentityKey: "old", LastSeen: current.Add(-8 * 24 * time.Hour)})
	assert.Equal(t, 0, r.Size(), "already-stale peer is dropped by post-mutation eviction")

	r.Add(types.Peer{IdentityKey: "fresh"})
	current = current.Add(8 * 24 * time.Hour)
	r.Add(types.Peer{IdentityKey: "other"})

	_, ok := r.Get("fresh")
	assert.False(t, ok, "peer unseen for over 7 days must be gone after any mutation")
	assert.Equal(t, 1, r.Size())
}

func TestCapacityDropsLowestReputation(t *testing.T) {
	r := newTestRegistry(t)
	r.maxPeers = 3

	r.Add(types.Peer{IdentityKey: "a", Reputation: 90})
	r.Add(types.Peer{IdentityKey: "b", Reputation: 10})
	r.Add(types.Peer{IdentityKey: "c", Reputation: 50})
	r.Add(types.Peer{IdentityKey: "d", Reputation: 70})

	assert.Equal(t, 3, r.Size())
	_, ok := r.Get("b")
	assert.False(t, ok, "lowest-reputation peer evicted past capacity")
}

func TestByCapabilityAndChain(t *testing.T) {
	r := newTestRegistry(t)
	r.Add(types.Peer{IdentityKey: "a", Capabilities: []string{"echo", "fetch_url"}, Chain: "main"})
	r.Add(types.Peer{IdentityKey: "b", Capabilities: []string{"dns_resolve"}, Chain: "test"})

	assert.Len(t, r.ByCapability("echo"), 1)
	assert.Len(t, r.ByCapability("dns_resolve"), 1)
	assert.Empty(t, r.ByCapability("missing"))
	assert.Len(t, r.ByChain("main"), 1)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")

	r1, err := NewRegistry(path)
	require.NoError(t, err)
	r1.Add(types.Peer{
		IdentityKey:  "k",
		ClawID:       "claw-1",
		Endpoint:     "http://peer.example:3321",
		Capabilities: []string{"echo"},
		Chain:        "main",
		Reputation:   42,
	})
	require.NoError(t, r1.Flush())

	r2, err := NewRegistry(path)
	require.NoError(t, err)
	p, ok := r2.Get("k")
	require.True(t, ok)
	assert.Equal(t, "claw-1", p.ClawID)
	assert.Equal(t, "http://peer.example:3321", p.Endpoint)
	assert.Equal(t, []string{"echo"}, p.Capabilities)
	assert.Equal(t, "main", p.Chain)
	assert.Equal(t, 42, p.Reputation)
}
