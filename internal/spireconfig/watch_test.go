package spireconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const watchableYAML = `
servers:
  - name: edge
    listen_port: 8080
    protocol: HTTP1
    routes:
      - id: r1
        matchers: [{path: {kind: prefix, value: /}}]
        forward:
          single: "http://10.0.0.1:9000"
`

func TestWatcherPublishesChangeOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watchableYAML), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	// Give fsnotify time to register the directory watch before writing.
	time.Sleep(50 * time.Millisecond)
	updated := watchableYAML + "" // rewritten, content still valid
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case ev := <-w.Changes:
		require.NotNil(t, ev.Table)
		require.Contains(t, ev.Table.Servers, "edge")
	case err := <-w.Errors:
		t.Fatalf("unexpected watcher error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestWatcherReportsErrorOnInvalidRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watchableYAML), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	select {
	case ev := <-w.Changes:
		t.Fatalf("expected an error for invalid yaml, got change event: %+v", ev)
	case err := <-w.Errors:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
}

func TestWatcherIgnoresChangesToUnrelatedFilesInSameDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watchableYAML), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("noise"), 0o644))

	select {
	case ev := <-w.Changes:
		t.Fatalf("unrelated file write must not trigger a reload: %+v", ev)
	case err := <-w.Errors:
		t.Fatalf("unrelated file write must not trigger a reload: %v", err)
	case <-time.After(300 * time.Millisecond):
		// expected: nothing arrives
	}
}
