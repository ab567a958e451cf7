package config

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/clawdis/clawdis/internal/observability"
)

// watchDebounce coalesces editor write bursts into one reload.
const watchDebounce = 250 * time.Millisecond

// Watcher re-reads the config file on change and swaps the snapshot
// atomically. Channels are never restarted on reload; consumers read
// Current() per use.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	log     *observability.Logger

	mu       sync.Mutex
	onChange []func(*Config)
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatcher loads the initial snapshot and prepares the watcher. Call
// Start to begin watching; a Watcher without Start is a plain snapshot
// holder.
func NewWatcher(path string, log *observability.Logger) (*Watcher, error) {
	if log == nil {
		log = observability.Nop()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, log: log.Module("config")}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the live snapshot. The returned value is shared and must
// not be mutated.
func (w *Watcher) Current() *Config { return w.current.Load() }

// OnChange registers a callback invoked with each new snapshot.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Start begins watching the config file's directory. Watching the directory
// instead of the file survives atomic save-by-rename editors.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx, fsw)
	return nil
}

// Stop ends watching. The current snapshot stays readable.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	defer fsw.Close()

	var pending *time.Timer
	reload := make(chan struct{}, 1)
	schedule := func() {
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(watchDebounce, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn(ctx, "config watch error", "error", err)
		case <-reload:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn(ctx, "config reload rejected", "path", w.path, "error", err)
		return
	}
	w.current.Store(cfg)
	w.log.Info(ctx, "config reloaded", "path", w.path)

	w.mu.Lock()
	callbacks := append([]func(*Config){}, w.onChange...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}
