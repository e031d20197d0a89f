package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

func noopHandler(ctx context.Context, params map[string]any, w wallet.Gateway) (any, error) {
	return map[string]any{"ok": true}, nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(Registration{
		Capability: types.Capability{Name: "echo", PriceSats: 10},
		Handler:    noopHandler,
	}))
	err := r.Register(Registration{
		Capability: types.Capability{Name: "echo", PriceSats: 20},
		Handler:    noopHandler,
	})
	assert.Error(t, err)
	assert.Equal(t, 1, r.Size())
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(Registration{Capability: types.Capability{Name: "", PriceSats: 1}, Handler: noopHandler}))
	assert.Error(t, r.Register(Registration{Capability: types.Capability{Name: "x", PriceSats: -1}, Handler: noopHandler}))
	assert.Error(t, r.Register(Registration{Capability: types.Capability{Name: "x", PriceSats: 1}}))
}

func TestNamesAreCaseSensitive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{Capability: types.Capability{Name: "Echo", PriceSats: 1}, Handler: noopHandler}))
	require.NoError(t, r.Register(Registration{Capability: types.Capability{Name: "echo", PriceSats: 1}, Handler: noopHandler}))

	_, ok := r.Get("Echo")
	assert.True(t, ok)
	_, ok = r.Get("ECHO")
	assert.False(t, ok)
}

func TestListSortedAndSearch(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{
		Capability: types.Capability{Name: "fetch_url", PriceSats: 100, Tags: []string{"network"}},
		Handler:    noopHandler,
	}))
	require.NoError(t, r.Register(Registration{
		Capability: types.Capability{Name: "echo", PriceSats: 10, Description: "Echo a message"},
		Handler:    noopHandler,
	}))

	assert.Equal(t, []string{"echo", "fetch_url"}, r.Names())
	assert.Len(t, r.Search("network"), 1)
	assert.Len(t, r.Search("echo"), 1)
	assert.Len(t, r.Search(""), 2)
	assert.Empty(t, r.Search("zzz"))
}
