package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BSVanon/ClawSats-sub000/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReceiptRoundTrip(t *testing.T) {
	s := newTestStore(t)

	receipt := types.Receipt{
		ID:           "r-1",
		Capability:   "echo",
		Provider:     "02aa",
		Requester:    "02bb",
		SatoshisPaid: 10,
		FeeSatoshis:  2,
		ResultHash:   "abc",
		Timestamp:    "2026-01-01T00:00:00Z",
		Signature:    "sig",
	}
	require.NoError(t, s.SaveReceipt(receipt))

	got, err := s.GetReceipt("r-1")
	require.NoError(t, err)
	assert.Equal(t, receipt, *got)

	_, err = s.GetReceipt("missing")
	assert.Error(t, err)
}

func TestListReceiptsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveReceipt(types.Receipt{ID: "r-old", Timestamp: "2026-01-01T00:00:00Z"}))
	require.NoError(t, s.SaveReceipt(types.Receipt{ID: "r-new", Timestamp: "2026-02-01T00:00:00Z"}))

	receipts, err := s.ListReceipts()
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "r-new", receipts[0].ID)
	assert.Equal(t, "r-old", receipts[1].ID)
}

func TestReferrerFirstWriterWins(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordReferrer("02new", "02alice"))
	require.NoError(t, s.RecordReferrer("02new", "02mallory"))

	referrer, ok := s.ReferrerOf("02new")
	require.True(t, ok)
	assert.Equal(t, "02alice", referrer)

	_, ok = s.ReferrerOf("02unknown")
	assert.False(t, ok)
}

func TestReferrerIgnoresSelfAndEmpty(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordReferrer("02aa", "02aa"))
	require.NoError(t, s.RecordReferrer("", "02aa"))
	require.NoError(t, s.RecordReferrer("02aa", ""))

	_, ok := s.ReferrerOf("02aa")
	assert.False(t, ok)
}

func TestCreditAccumulates(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Credit("02alice", 1))
	require.NoError(t, s.Credit("02alice", 1))
	require.NoError(t, s.Credit("02bob", 5))

	balances, err := s.ReferralBalances()
	require.NoError(t, err)
	assert.Equal(t, int64(2), balances["02alice"])
	assert.Equal(t, int64(5), balances["02bob"])
}
