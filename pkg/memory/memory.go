package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/BSVanon/ClawSats-sub000/pkg/beacon"
	"github.com/BSVanon/ClawSats-sub000/pkg/canonical"
	"github.com/BSVanon/ClawSats-sub000/pkg/fsutil"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

// memoryTag marks memory commitments on chain, distinct from presence
// beacons.
const memoryTag = "CLAWSATS_MEM"

// Entry is one fact to persist: a key, a category, and the data whose hash
// goes on chain.
type Entry struct {
	Key      string
	Category string
	Data     any
}

// IndexRecord is the local pointer to a written memory.
type IndexRecord struct {
	Key       string    `json:"key"`
	Category  string    `json:"category,omitempty"`
	Hash      string    `json:"hash"`
	Txid      string    `json:"txid"`
	WrittenAt time.Time `json:"writtenAt"`
}

// Writer commits memories. The chain-backed implementation is ChainWriter;
// tests substitute fakes.
type Writer interface {
	Write(ctx context.Context, entry Entry) (txid string, err error)
}

// Index is the local memory-index file mapping keys to txids.
type Index struct {
	path string

	mu      sync.Mutex
	records []IndexRecord
}

// NewIndex loads the index from path, tolerating a missing file.
func NewIndex(path string) (*Index, error) {
	idx := &Index{path: path}
	if err := fsutil.ReadJSON(path, &idx.records); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load memory index: %w", err)
		}
	}
	return idx, nil
}

// Add appends a record and persists the index.
func (idx *Index) Add(record IndexRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.records = append(idx.records, record)
	if err := fsutil.WriteJSONAtomic(idx.path, idx.records, 0o644); err != nil {
		idx.records = idx.records[:len(idx.records)-1]
		return fmt.Errorf("failed to persist memory index: %w", err)
	}
	return nil
}

// List returns a snapshot of all records.
func (idx *Index) List() []IndexRecord {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]IndexRecord, len(idx.records))
	copy(out, idx.records)
	return out
}

// Lookup finds the most recent record for a key.
func (idx *Index) Lookup(key string) (IndexRecord, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i := len(idx.records) - 1; i >= 0; i-- {
		if idx.records[i].Key == key {
			return idx.records[i], true
		}
	}
	return IndexRecord{}, false
}

// ChainWriter writes memory commitments as zero-satoshi OP_RETURN outputs.
// Only the hash goes on chain; the data itself stays local.
type ChainWriter struct {
	wallet wallet.Gateway
	index  *Index
}

// NewChainWriter wires a writer to the wallet and local index.
func NewChainWriter(w wallet.Gateway, index *Index) *ChainWriter {
	return &ChainWriter{wallet: w, index: index}
}

// Write commits one entry and records it in the index.
func (c *ChainWriter) Write(ctx context.Context, entry Entry) (string, error) {
	if entry.Key == "" {
		return "", fmt.Errorf("memory entry needs a key")
	}

	dataJSON, err := canonical.Marshal(map[string]any{"data": entry.Data})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize memory data: %w", err)
	}
	sum := sha256.Sum256(dataJSON)
	hash := hex.EncodeToString(sum[:])

	payload, err := json.Marshal(map[string]any{
		"k":  entry.Key,
		"c":  entry.Category,
		"h":  hash,
		"ts": time.Now().UTC().Unix(),
	})
	if err != nil {
		return "", err
	}
	script, err := beacon.Script(memoryTag, payload)
	if err != nil {
		return "", fmt.Errorf("failed to build memory script: %w", err)
	}

	result, err := c.wallet.BuildAndBroadcastPayment(ctx, []wallet.Output{
		{Satoshis: 0, Script: script, Note: "memory " + entry.Key},
	}, "memory commitment", []string{"clawsats", "memory"})
	if err != nil {
		return "", fmt.Errorf("failed to write memory on chain: %w", err)
	}

	if c.index != nil {
		if err := c.index.Add(IndexRecord{
			Key:       entry.Key,
			Category:  entry.Category,
			Hash:      hash,
			Txid:      result.Txid,
			WrittenAt: time.Now().UTC(),
		}); err != nil {
			return "", err
		}
	}
	return result.Txid, nil
}
