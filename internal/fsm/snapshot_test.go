package fsm

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/core"
)

func TestSnapshotManager_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewSnapshotManager(dir)
	require.NoError(t, err)

	st := core.NewCoinState("BTC/USDT")
	st.Phase = core.PhasePosition
	st.Amount = decimal.NewFromFloat(0.25)
	st.EntryPrice = decimal.NewFromFloat(30000)

	require.NoError(t, mgr.Save(st))

	loaded, ok, err := mgr.Load("BTC/USDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st.Phase, loaded.Phase)
	assert.True(t, st.Amount.Equal(loaded.Amount))

	// symbol with a slash maps to a single safe filename
	assert.FileExists(t, filepath.Join(dir, "BTC_USDT.json"))
}

func TestSnapshotManager_LoadMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewSnapshotManager(dir)
	require.NoError(t, err)

	_, ok, err := mgr.Load("ETH/USDT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotManager_Delete(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewSnapshotManager(dir)
	require.NoError(t, err)

	st := core.NewCoinState("BTC/USDT")
	require.NoError(t, mgr.Save(st))
	require.NoError(t, mgr.Delete("BTC/USDT"))

	_, ok, err := mgr.Load("BTC/USDT")
	require.NoError(t, err)
	assert.False(t, ok)
}
