// ABOUTME: Reload triggers: fsnotify on status file directories, an optional mtime poller, and a signal loop.
// ABOUTME: Events are debounced per status file and turned into ReloadSource calls.

package openvpn2dns

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a status file must stay quiet before a
// filesystem event turns into a reload.
const DefaultDebounce = 250 * time.Millisecond

// sourceReloader is the part of Handler the watcher drives.
type sourceReloader interface {
	ReloadSource(ctx context.Context, path string) error
	Sources() []string
}

// WatchOptions configures a Watcher. Notify enables filesystem events; a
// positive Poll adds the mtime poller.
type WatchOptions struct {
	Notify   bool
	Poll     time.Duration
	Debounce time.Duration
}

// Watcher turns status file changes into reloads.
type Watcher struct {
	target  sourceReloader
	opts    WatchOptions
	sources map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher returns a watcher for every status file of target. Nothing
// runs until Start.
func NewWatcher(target sourceReloader, opts WatchOptions) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	w := &Watcher{
		target:  target,
		opts:    opts,
		sources: make(map[string]bool),
		timers:  make(map[string]*time.Timer),
	}
	for _, src := range target.Sources() {
		w.sources[filepath.Clean(src)] = true
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// Start begins watching. Directories rather than files are watched so that
// status files replaced by rename keep being followed.
func (w *Watcher) Start() error {
	if w.opts.Notify {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating file watcher: %w", err)
		}
		dirs := make(map[string]bool)
		for src := range w.sources {
			dir := filepath.Dir(src)
			if dirs[dir] {
				continue
			}
			dirs[dir] = true
			if err := fsw.Add(dir); err != nil {
				fsw.Close()
				return fmt.Errorf("watching %s: %w", dir, err)
			}
		}
		w.fsw = fsw
		w.wg.Add(1)
		go w.runNotify()
		log.Infof("watching %d status files in %d directories", len(w.sources), len(dirs))
	}

	if w.opts.Poll > 0 {
		w.wg.Add(1)
		go w.runPoll()
	}
	return nil
}

// Stop terminates the watcher goroutines and pending debounced reloads.
func (w *Watcher) Stop() {
	w.cancel()
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.mu.Lock()
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) runNotify() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			path := filepath.Clean(event.Name)
			if !w.sources[path] {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule(path)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", err)
		}
	}
}

// schedule (re)arms the debounce timer of path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	if t, ok := w.timers[path]; ok && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	w.timers[path] = time.AfterFunc(w.opts.Debounce, func() {
		defer w.wg.Done()
		w.fire(path)
	})
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	if err := w.target.ReloadSource(w.ctx, path); err != nil {
		log.Errorf("reload after change of %s: %v", path, err)
	}
}

// runPoll is the mtime fallback for filesystems without change events.
func (w *Watcher) runPoll() {
	defer w.wg.Done()

	lastMod := make(map[string]time.Time, len(w.sources))
	for src := range w.sources {
		if info, err := os.Stat(src); err == nil {
			lastMod[src] = info.ModTime()
		}
	}

	ticker := time.NewTicker(w.opts.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for src := range w.sources {
				info, err := os.Stat(src)
				if err != nil || info.ModTime().Equal(lastMod[src]) {
					continue
				}
				lastMod[src] = info.ModTime()
				if err := w.target.ReloadSource(w.ctx, src); err != nil {
					log.Errorf("reload after change of %s: %v", src, err)
				}
			}
		}
	}
}

// ReloadOnSignal calls reload every time one of sigs arrives, until ctx is
// done.
func ReloadOnSignal(ctx context.Context, reload func(context.Context) error, sigs ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)
	reloadOnSignal(ctx, ch, reload)
}

func reloadOnSignal(ctx context.Context, ch <-chan os.Signal, reload func(context.Context) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			log.Infof("%s received, reloading all instances", sig)
			if err := reload(ctx); err != nil {
				log.Errorf("reload on %s: %v", sig, err)
			}
		}
	}
}
