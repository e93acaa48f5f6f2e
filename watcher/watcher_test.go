package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := New(Config{Debounce: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func drain(w *Watcher) []Event {
	var out []Event
	for {
		ev, ok := w.Poll()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestWatcher_Debounce(t *testing.T) {
	w := newTestWatcher(t)

	w.handle(fsnotify.Event{Name: "/src/a.txt", Op: fsnotify.Write}, epoch)
	w.handle(fsnotify.Event{Name: "/src/a.txt", Op: fsnotify.Write}, epoch.Add(time.Second))
	w.handle(fsnotify.Event{Name: "/src/a.txt", Op: fsnotify.Write}, epoch.Add(1500*time.Millisecond))

	w.flush(epoch.Add(3 * time.Second))
	assert.Empty(t, drain(w), "the last write resets the window")

	w.flush(epoch.Add(3500 * time.Millisecond))
	assert.Equal(t, []Event{{Kind: Write, Path: "/src/a.txt"}}, drain(w))

	_, ok := w.Poll()
	assert.False(t, ok)
}

func TestWatcher_Coalescing(t *testing.T) {
	tests := []struct {
		name string
		ops  []fsnotify.Op
		want EventKind
	}{
		{"create then writes", []fsnotify.Op{fsnotify.Create, fsnotify.Write, fsnotify.Write}, Create},
		{"write then remove", []fsnotify.Op{fsnotify.Write, fsnotify.Remove}, Remove},
		{"remove then create", []fsnotify.Op{fsnotify.Remove, fsnotify.Create}, Create},
		{"remove then write", []fsnotify.Op{fsnotify.Remove, fsnotify.Write}, Write},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWatcher(t)
			for i, op := range tt.ops {
				w.handle(fsnotify.Event{Name: "/src/f", Op: op}, epoch.Add(time.Duration(i)*time.Millisecond))
			}
			w.flush(epoch.Add(time.Minute))
			assert.Equal(t, []Event{{Kind: tt.want, Path: "/src/f"}}, drain(w))
		})
	}
}

func TestWatcher_OrderIsFirstSeen(t *testing.T) {
	w := newTestWatcher(t)
	w.handle(fsnotify.Event{Name: "/src/b", Op: fsnotify.Create}, epoch)
	w.handle(fsnotify.Event{Name: "/src/a", Op: fsnotify.Create}, epoch)
	w.handle(fsnotify.Event{Name: "/src/c", Op: fsnotify.Chmod}, epoch)

	w.flush(epoch.Add(time.Minute))
	events := drain(w)
	require.Len(t, events, 2)
	assert.Equal(t, "/src/b", events[0].Path)
	assert.Equal(t, "/src/a", events[1].Path)
}

func TestWatcher_RenamePairing(t *testing.T) {
	w := newTestWatcher(t)
	w.handle(fsnotify.Event{Name: "/src/old", Op: fsnotify.Write}, epoch)
	w.handle(fsnotify.Event{Name: "/src/old", Op: fsnotify.Rename}, epoch)
	w.handle(fsnotify.Event{Name: "/src/new", Op: fsnotify.Create}, epoch)
	w.handle(fsnotify.Event{Name: "/src/new", Op: fsnotify.Write}, epoch)

	w.flush(epoch.Add(time.Minute))
	events := drain(w)
	require.Len(t, events, 1)
	assert.Equal(t, Event{Kind: Rename, Path: "/src/new", OldPath: "/src/old"}, events[0])
	assert.Equal(t, []string{"/src/old", "/src/new"}, events[0].Paths())
}

func TestWatcher_RenameChainKeepsOrigin(t *testing.T) {
	w := newTestWatcher(t)
	w.handle(fsnotify.Event{Name: "/src/res/a", Op: fsnotify.Rename}, epoch)
	w.handle(fsnotify.Event{Name: "/src/res/b", Op: fsnotify.Create}, epoch)
	w.handle(fsnotify.Event{Name: "/src/res/b", Op: fsnotify.Rename}, epoch)
	w.handle(fsnotify.Event{Name: "/src/res/c", Op: fsnotify.Create}, epoch)

	w.flush(epoch.Add(time.Minute))
	events := drain(w)
	require.Len(t, events, 1)
	assert.Equal(t, Event{Kind: Rename, Path: "/src/res/c", OldPath: "/src/res/a"}, events[0])
	assert.Equal(t, []string{"/src/res/a", "/src/res/c"}, events[0].Paths())
}

func TestWatcher_RenameBackIsWrite(t *testing.T) {
	w := newTestWatcher(t)
	w.handle(fsnotify.Event{Name: "/src/res/a", Op: fsnotify.Rename}, epoch)
	w.handle(fsnotify.Event{Name: "/src/res/b", Op: fsnotify.Create}, epoch)
	w.handle(fsnotify.Event{Name: "/src/res/b", Op: fsnotify.Rename}, epoch)
	w.handle(fsnotify.Event{Name: "/src/res/a", Op: fsnotify.Create}, epoch)

	w.flush(epoch.Add(time.Minute))
	assert.Equal(t, []Event{{Kind: Write, Path: "/src/res/a"}}, drain(w))
}

func TestWatcher_RemoveAfterRenameRemovesBoth(t *testing.T) {
	w := newTestWatcher(t)
	w.handle(fsnotify.Event{Name: "/src/res/a", Op: fsnotify.Rename}, epoch)
	w.handle(fsnotify.Event{Name: "/src/res/b", Op: fsnotify.Create}, epoch)
	w.handle(fsnotify.Event{Name: "/src/res/b", Op: fsnotify.Remove}, epoch)

	w.flush(epoch.Add(time.Minute))
	assert.ElementsMatch(t, []Event{
		{Kind: Remove, Path: "/src/res/b"},
		{Kind: Remove, Path: "/src/res/a"},
	}, drain(w))
}

func TestWatcher_RenameOverPendingRename(t *testing.T) {
	w := newTestWatcher(t)
	w.handle(fsnotify.Event{Name: "/src/res/a", Op: fsnotify.Rename}, epoch)
	w.handle(fsnotify.Event{Name: "/src/res/b", Op: fsnotify.Create}, epoch)
	w.handle(fsnotify.Event{Name: "/src/res/x", Op: fsnotify.Rename}, epoch)
	w.handle(fsnotify.Event{Name: "/src/res/b", Op: fsnotify.Create}, epoch)

	w.flush(epoch.Add(time.Minute))
	assert.ElementsMatch(t, []Event{
		{Kind: Rename, Path: "/src/res/b", OldPath: "/src/res/x"},
		{Kind: Remove, Path: "/src/res/a"},
	}, drain(w))
}

func TestWatcher_UnpairedRenameIsRemove(t *testing.T) {
	w := newTestWatcher(t)
	w.handle(fsnotify.Event{Name: "/src/first", Op: fsnotify.Rename}, epoch)
	w.handle(fsnotify.Event{Name: "/src/second", Op: fsnotify.Rename}, epoch)

	w.flush(epoch.Add(time.Second))
	assert.Empty(t, drain(w))

	w.flush(epoch.Add(time.Minute))
	assert.ElementsMatch(t, []Event{
		{Kind: Remove, Path: "/src/first"},
		{Kind: Remove, Path: "/src/second"},
	}, drain(w))
}

func TestWatcher_Live(t *testing.T) {
	root := t.TempDir()
	w, err := New(Config{Debounce: 50 * time.Millisecond})
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Watch(root))

	dir := filepath.Join(root, "album")
	require.NoError(t, os.Mkdir(dir, 0o755))

	var events []Event
	require.Eventually(t, func() bool {
		events = append(events, drain(w)...)
		return len(events) > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, Event{Kind: Create, Path: dir}, events[0])

	// the new directory is watched as well
	file := filepath.Join(dir, "pic.jpg")
	require.NoError(t, os.WriteFile(file, []byte("jpg"), 0o644))

	require.Eventually(t, func() bool {
		for _, ev := range drain(w) {
			if ev.Path == file {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_WatchMissingRoot(t *testing.T) {
	w := newTestWatcher(t)
	assert.Error(t, w.Watch(filepath.Join(t.TempDir(), "missing")))
}
