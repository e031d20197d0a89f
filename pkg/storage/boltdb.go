package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/BSVanon/ClawSats-sub000/pkg/types"
)

var (
	// Bucket names
	bucketReceipts        = []byte("receipts")
	bucketReferrers       = []byte("referrers")
	bucketReferralCredits = []byte("referral_credits")
)

// BoltStore persists receipts and the referral ledger.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the node database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "clawsats.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketReceipts,
			bucketReferrers,
			bucketReferralCredits,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Receipt operations

// SaveReceipt stores a signed receipt keyed by its id.
func (s *BoltStore) SaveReceipt(receipt types.Receipt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReceipts)
		data, err := json.Marshal(receipt)
		if err != nil {
			return err
		}
		return b.Put([]byte(receipt.ID), data)
	})
}

// GetReceipt fetches one receipt by id.
func (s *BoltStore) GetReceipt(id string) (*types.Receipt, error) {
	var receipt types.Receipt
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReceipts)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("receipt not found: %s", id)
		}
		return json.Unmarshal(data, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ListReceipts returns every stored receipt, newest first by timestamp.
func (s *BoltStore) ListReceipts() ([]types.Receipt, error) {
	var receipts []types.Receipt
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReceipts)
		return b.ForEach(func(k, v []byte) error {
			var receipt types.Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return err
			}
			receipts = append(receipts, receipt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(receipts, func(i, j int) bool { return receipts[i].Timestamp > receipts[j].Timestamp })
	return receipts, nil
}

// Referral ledger operations

// RecordReferrer remembers who introduced an identity. First writer wins;
// a later announcement cannot steal an existing referral.
func (s *BoltStore) RecordReferrer(identityKey, referrerKey string) error {
	if identityKey == "" || referrerKey == "" || identityKey == referrerKey {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReferrers)
		if b.Get([]byte(identityKey)) != nil {
			return nil
		}
		return b.Put([]byte(identityKey), []byte(referrerKey))
	})
}

// ReferrerOf looks up the recorded introducer for an identity.
func (s *BoltStore) ReferrerOf(identityKey string) (string, bool) {
	var referrer string
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReferrers)
		if data := b.Get([]byte(identityKey)); data != nil {
			referrer = string(data)
		}
		return nil
	})
	return referrer, referrer != ""
}

// Credit adds sats to a referrer's accrued balance.
func (s *BoltStore) Credit(referrerKey string, sats int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReferralCredits)
		var balance int64
		if data := b.Get([]byte(referrerKey)); data != nil {
			if err := json.Unmarshal(data, &balance); err != nil {
				return err
			}
		}
		balance += sats
		data, err := json.Marshal(balance)
		if err != nil {
			return err
		}
		return b.Put([]byte(referrerKey), data)
	})
}

// ReferralBalances returns every referrer's accrued credit.
func (s *BoltStore) ReferralBalances() (map[string]int64, error) {
	out := make(map[string]int64)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReferralCredits)
		return b.ForEach(func(k, v []byte) error {
			var balance int64
			if err := json.Unmarshal(v, &balance); err != nil {
				return err
			}
			out[string(k)] = balance
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
