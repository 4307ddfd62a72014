// ABOUTME: Tests for reload triggers: fsnotify events, debouncing, mtime polling, and signals.
// ABOUTME: A fake reloader records which status files were reloaded.

package openvpn2dns

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

type fakeReloader struct {
	sources  []string
	reloaded chan string
}

func newFakeReloader(sources ...string) *fakeReloader {
	return &fakeReloader{sources: sources, reloaded: make(chan string, 16)}
}

func (f *fakeReloader) ReloadSource(_ context.Context, path string) error {
	f.reloaded <- path
	return nil
}

func (f *fakeReloader) Sources() []string { return f.sources }

func (f *fakeReloader) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.reloaded:
		if got != want {
			t.Errorf("reloaded %s, want %s", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload of %s", want)
	}
}

func (f *fakeReloader) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case got := <-f.reloaded:
		t.Fatalf("unexpected reload of %s", got)
	case <-time.After(wait):
	}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, target sourceReloader, opts WatchOptions) *Watcher {
	t.Helper()
	w := NewWatcher(target, opts)
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	return w
}

func TestWatcher_NotifyDebounced(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	status := filepath.Join(dir, "openvpn-status.log")
	mustWrite(t, status, "x")

	f := newFakeReloader(status)
	w := startWatcher(t, f, WatchOptions{Notify: true, Debounce: 100 * time.Millisecond})
	defer w.Stop()

	for i := 0; i < 5; i++ {
		mustWrite(t, status, string(rune('a'+i)))
		time.Sleep(10 * time.Millisecond)
	}
	f.expect(t, status)
	f.expectNone(t, 300*time.Millisecond)
}

func TestWatcher_RenameIntoPlace(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	status := filepath.Join(dir, "openvpn-status.log")
	mustWrite(t, status, "old")

	f := newFakeReloader(status)
	w := startWatcher(t, f, WatchOptions{Notify: true, Debounce: 50 * time.Millisecond})
	defer w.Stop()

	tmp := filepath.Join(dir, "status.tmp")
	mustWrite(t, tmp, "new")
	f.expectNone(t, 150*time.Millisecond)
	if err := os.Rename(tmp, status); err != nil {
		t.Fatal(err)
	}
	f.expect(t, status)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	status := filepath.Join(dir, "openvpn-status.log")
	mustWrite(t, status, "x")

	f := newFakeReloader(status)
	w := startWatcher(t, f, WatchOptions{Notify: true, Debounce: 20 * time.Millisecond})
	defer w.Stop()

	mustWrite(t, filepath.Join(dir, "other.log"), "y")
	f.expectNone(t, 200*time.Millisecond)
}

func TestWatcher_Poll(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	status := filepath.Join(dir, "openvpn-status.log")
	mustWrite(t, status, "x")

	f := newFakeReloader(status)
	w := startWatcher(t, f, WatchOptions{Poll: 20 * time.Millisecond})
	defer w.Stop()

	f.expectNone(t, 100*time.Millisecond)
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(status, later, later); err != nil {
		t.Fatal(err)
	}
	f.expect(t, status)
	f.expectNone(t, 100*time.Millisecond)
}

func TestWatcher_StartMissingDirectory(t *testing.T) {
	t.Parallel()
	f := newFakeReloader(filepath.Join(t.TempDir(), "missing", "status.log"))
	w := NewWatcher(f, WatchOptions{Notify: true})
	if err := w.Start(); err == nil {
		t.Error("Start() expected error for a missing directory")
	}
}

func TestWatcher_StopCancelsPending(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	status := filepath.Join(dir, "openvpn-status.log")
	mustWrite(t, status, "x")

	f := newFakeReloader(status)
	w := startWatcher(t, f, WatchOptions{Notify: true, Debounce: time.Hour})

	mustWrite(t, status, "y")
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return with a pending debounce timer")
	}
	f.expectNone(t, 50*time.Millisecond)
}

func TestReloadOnSignal(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	calls := make(chan struct{}, 4)

	done := make(chan struct{})
	go func() {
		reloadOnSignal(ctx, ch, func(context.Context) error {
			calls <- struct{}{}
			return nil
		})
		close(done)
	}()

	ch <- syscall.SIGHUP
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("reload not called on signal")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal loop did not stop")
	}
}

func TestWatcher_DrivesHandler(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t, "one=198.51.100.8")
	if err := f.handler.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	w := startWatcher(t, f.handler, WatchOptions{Notify: true, Debounce: 20 * time.Millisecond})
	defer w.Stop()

	writeStatus(t, f.status, statusText("one=198.51.100.9"), 60)
	waitFor(t, 3*time.Second, func() bool {
		rrs, _ := f.handler.Authorities()[0].Lookup("one.vpn.example.org.")
		return len(rrs) == 1 && rdata(rrs[0]) == "198.51.100.9"
	})
}
