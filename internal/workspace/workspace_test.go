package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, stream <-chan ChangeMessage) ChangeMessage {
	t.Helper()
	select {
	case message := <-stream:
		return message
	case <-time.After(500 * time.Millisecond):
		require.FailNow(t, "expected change message within deadline")
		return ChangeMessage{}
	}
}

func TestWorkspaceLifecycle(t *testing.T) {
	base := t.TempDir()
	ws, err := New(base, nil)
	require.NoError(t, err)
	assert.Equal(t, base, filepath.Dir(ws.Root()))

	current := ws.VersionDir(version.Current())
	assert.Equal(t, filepath.Join(ws.Root(), "work", "0"), current)
	assert.Equal(t, uint64(1), ws.Bump())
	assert.NotEqual(t, current, ws.VersionDir(version.Current()), "a bump moves the working copy dir")
	assert.Equal(t, filepath.Join(ws.Root(), "snapshot", "2024-01-01_000000"), ws.VersionDir(version.Parse("2024-01-01_000000")))

	require.NoError(t, os.MkdirAll(ws.Path("work", "1"), 0o755))
	require.NoError(t, ws.Close())
	assert.NoDirExists(t, ws.Root())
}

func TestChangeDispatcherBroadcasts(t *testing.T) {
	dispatcher := NewChangeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx)
	defer cleanupSecond()

	dispatcher.Publish(ChangeMessage{EventType: ChangeEventWorkingCopy, Files: []string{"amp.kicad_pcb"}, Generation: 3})
	dispatcher.Publish(ChangeMessage{})

	for _, stream := range []<-chan ChangeMessage{first, second} {
		received := receive(t, stream)
		assert.Equal(t, uint64(3), received.Generation)
		assert.Equal(t, []string{"amp.kicad_pcb"}, received.Files)
		select {
		case extra := <-stream:
			t.Fatalf("did not expect message without event type, got %+v", extra)
		default:
		}
	}
}

func TestChangeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewChangeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	require.Equal(t, 1, dispatcher.Subscribers())
	cancel()

	assert.Eventually(t, func() bool { return dispatcher.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestProjectWatcherBumpsGenerationForDesignFiles(t *testing.T) {
	projectDir := t.TempDir()
	gitDir := filepath.Join(t.TempDir(), ".git")
	ws, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer ws.Close()

	dispatcher := NewChangeDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background())
	defer cleanup()

	watcher, err := NewProjectWatcher(WatcherConfig{ProjectDir: projectDir, GitDir: gitDir, Workspace: ws, Dispatcher: dispatcher})
	require.NoError(t, err)
	defer watcher.Close()

	watcher.handleEvent(fsnotify.Event{Name: filepath.Join(projectDir, "notes.txt"), Op: fsnotify.Write})
	watcher.handleEvent(fsnotify.Event{Name: filepath.Join(projectDir, "amp.kicad_pcb"), Op: fsnotify.Chmod})
	assert.Zero(t, ws.Generation(), "unrelated events are ignored")

	watcher.handleEvent(fsnotify.Event{Name: filepath.Join(projectDir, "amp.kicad_pcb"), Op: fsnotify.Write})
	assert.Equal(t, uint64(1), ws.Generation())
	message := receive(t, stream)
	assert.Equal(t, ChangeEventWorkingCopy, message.EventType)
	assert.Equal(t, []string{"amp.kicad_pcb"}, message.Files)

	watcher.handleEvent(fsnotify.Event{Name: filepath.Join(gitDir, "HEAD"), Op: fsnotify.Write})
	assert.Equal(t, uint64(1), ws.Generation(), "git ref changes must not bump the working copy generation")
	assert.Equal(t, ChangeEventHistory, receive(t, stream).EventType)
}

func TestProjectWatcherObservesFilesystem(t *testing.T) {
	projectDir := t.TempDir()
	ws, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer ws.Close()

	watcher, err := NewProjectWatcher(WatcherConfig{ProjectDir: projectDir, Workspace: ws})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Start(ctx) }()
	defer func() {
		cancel()
		<-done
		watcher.Close()
	}()

	schematic := filepath.Join(projectDir, "amp.kicad_sch")
	assert.Eventually(t, func() bool {
		_ = os.WriteFile(schematic, []byte("(kicad_sch)"), 0o644)
		return ws.Generation() > 0
	}, 3*time.Second, 50*time.Millisecond, "expected a generation bump after writing a schematic")
}
