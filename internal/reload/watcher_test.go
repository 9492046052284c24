package reload_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jroosing/hydracurve/internal/reload"
	"github.com/jroosing/hydracurve/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_LoadNowBuildsSnapshot(t *testing.T) {
	hostsPath := writeFile(t, "[Type = White]\nexample.com\n")
	store := rules.NewStore()

	w := reload.NewWatcher(store, reload.FileSet{HostsFiles: []string{hostsPath}}, time.Hour, nil)
	require.NoError(t, w.LoadNow())

	snap := store.Load()
	assert.Equal(t, 1, snap.Hosts.Size())
	assert.True(t, snap.Generation >= 1)
}

func TestWatcher_RunSwapsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.conf")
	require.NoError(t, os.WriteFile(path, []byte("[Type = White]\nfirst.example.com\n"), 0644))

	store := rules.NewStore()
	w := reload.NewWatcher(store, reload.FileSet{HostsFiles: []string{path}}, 20*time.Millisecond, nil)
	require.NoError(t, w.LoadNow())

	initialGen := store.Load().Generation

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// mtime resolution on some filesystems is coarse; sleep past it before rewriting.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[Type = White]\nsecond.example.com\n"), 0644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Load().Generation > initialGen {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	snap := store.Load()
	assert.Greater(t, snap.Generation, initialGen)
	assert.Equal(t, 1, snap.Hosts.Size())
}

func TestWatcher_LoadNowSkipsMissingFileWithoutPanicking(t *testing.T) {
	store := rules.NewStore()
	w := reload.NewWatcher(store, reload.FileSet{HostsFiles: []string{"/nonexistent/hosts.conf"}}, time.Hour, nil)
	err := w.LoadNow()
	assert.Error(t, err)
	// Snapshot is still installed (empty), not left nil.
	assert.NotNil(t, store.Load())
}
