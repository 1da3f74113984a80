package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlowLogRecordsOnlyAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slow.log")

	sl, err := NewSlowLog(path, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, sl)

	sl.Record("GET", []byte("fast_key"), 2*time.Millisecond)
	sl.Record("MGET", []byte("slow_key"), 25*time.Millisecond)
	require.NoError(t, sl.Close())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "fast_key")
	assert.Contains(t, string(body), "MGET slow_key")
	assert.Contains(t, string(body), "ms]")
}

func TestNewSlowLogNilWhenUnconfigured(t *testing.T) {
	sl, err := NewSlowLog("", time.Second)
	require.NoError(t, err)
	assert.Nil(t, sl)

	sl, err = NewSlowLog(filepath.Join(t.TempDir(), "slow.log"), 0)
	require.NoError(t, err)
	assert.Nil(t, sl)

	// Both operations are nil-safe.
	sl.Record("GET", []byte("k"), time.Hour)
	assert.NoError(t, sl.Close())
}
