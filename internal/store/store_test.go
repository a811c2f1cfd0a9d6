package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLockConfig() LockConfig {
	return LockConfig{Timeout: time.Second, Retry: 10 * time.Millisecond, MaxRetry: 5}
}

func TestOpenWriteReadRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir(), testLockConfig())
	require.NoError(t, err)
	defer s.Close()

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, s.WriteJSON(doc{Name: "a", Count: 2}, "sessions", "s1", "rollup.json"))

	var got doc
	require.NoError(t, s.ReadJSON(&got, "sessions", "s1", "rollup.json"))
	assert.Equal(t, "a", got.Name)
	assert.Equal(t, 2, got.Count)
	assert.True(t, s.Exists("sessions", "s1", "rollup.json"))
	assert.False(t, s.Exists("sessions", "s2", "rollup.json"))
}

func TestOpenRefusesSecondInstance(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testLockConfig())
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(dir, LockConfig{Timeout: 50 * time.Millisecond, Retry: 10 * time.Millisecond, MaxRetry: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by another instance")
}

func TestCloseReleasesLock(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testLockConfig())
	require.NoError(t, err)
	s.Close()

	s2, err := Open(dir, testLockConfig())
	require.NoError(t, err)
	s2.Close()
}

func TestPruneOlderThanRemovesStaleEntries(t *testing.T) {
	s, err := Open(t.TempDir(), testLockConfig())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteJSON(map[string]string{"k": "old"}, "sessions", "old-session", "rollup.json"))
	require.NoError(t, s.WriteJSON(map[string]string{"k": "new"}, "sessions", "new-session", "rollup.json"))

	oldDir := filepath.Join(s.Base(), "sessions", "old-session")
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldDir, past, past))

	removed, err := s.PruneOlderThan("sessions", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, s.Exists("sessions", "old-session", "rollup.json"))
	assert.True(t, s.Exists("sessions", "new-session", "rollup.json"))
}
