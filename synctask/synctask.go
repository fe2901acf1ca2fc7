// Package synctask implements the per-task synchronization pipeline: an
// initial full walk, a recursive fsnotify watcher, a periodic reconciling
// scanner, debounce/batch collection, lineage compression, the size/mtime
// gate, and a retrying remote applier.
package synctask

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"

	"github.com/fsync-run/fsync/config"
	"github.com/fsync-run/fsync/filter"
	"github.com/fsync-run/fsync/fsevent"
	"github.com/fsync-run/fsync/lineage"
	"github.com/fsync-run/fsync/mtimestore"
	"github.com/fsync-run/fsync/remoteop"
)

// Command is sent on a task's control channel to ask it to change behavior.
type Command int

const (
	// CommandStop asks Run to flush any pending batch and return.
	CommandStop Command = iota
)

// State is a task's lifecycle state: Idle before start and after a clean
// stop, Running once the initial sync completes, Error after an
// unrecoverable failure (Run keeps going - only the batch that failed is
// lost - but callers should surface the condition).
type State int

const (
	StateIdle State = iota
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	defaultDebounce  = 150 * time.Millisecond
	defaultCacheRoot = "cache"
	watchBurstLimit  = 100000
)

// Option configures a Task at construction time.
type Option func(*Task)

// WithLogger attaches a structured logger; nil disables logging.
func WithLogger(log *slog.Logger) Option {
	return func(t *Task) { t.log = log }
}

// WithCacheRoot overrides the parent directory under which each task's
// mtime store lives (default "cache", matching the original's cache/<id>).
func WithCacheRoot(dir string) Option {
	return func(t *Task) { t.cacheRoot = dir }
}

// WithDebounce overrides the batch debounce window (default 150ms, the
// original's hardcoded constant).
func WithDebounce(d time.Duration) Option {
	return func(t *Task) { t.debounce = d }
}

// WithErrorHandler sets a callback invoked for non-fatal errors (a watch
// failure on one subdirectory, a dropped watcher error event).
func WithErrorHandler(fn func(error)) Option {
	return func(t *Task) { t.onError = fn }
}

// WithBatchObserver sets a callback invoked after every successfully
// applied batch with the number of remote operations it contained - the
// hook metrics wiring (cmd/fsync) uses to update its Prometheus counters.
func WithBatchObserver(fn func(ops int)) Option {
	return func(t *Task) { t.onBatch = fn }
}

// Task runs the synchronization pipeline for a single TaskConfig.
type Task struct {
	cfg              config.TaskConfig
	filter           *filter.Filter
	sizeMin, sizeMax *uint64

	cacheRoot string
	debounce  time.Duration
	log       *slog.Logger
	onError   func(error)
	onBatch   func(ops int)

	mu      sync.RWMutex
	state   State
	lastErr error
}

// New builds a Task from cfg. The filter and size bounds are compiled once
// up front, matching SyncTask::new.
func New(cfg config.TaskConfig, opts ...Option) *Task {
	min, max := config.ParseSizeRange(cfg.Size)
	t := &Task{
		cfg:       cfg,
		filter:    filter.New(cfg.Include, cfg.Exclude),
		sizeMin:   min,
		sizeMax:   max,
		cacheRoot: defaultCacheRoot,
		debounce:  defaultDebounce,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Config returns the task's configuration.
func (t *Task) Config() config.TaskConfig {
	return t.cfg
}

// State reports the task's current lifecycle state.
func (t *Task) State() (State, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state, t.lastErr
}

func (t *Task) setState(s State, err error) {
	t.mu.Lock()
	t.state, t.lastErr = s, err
	t.mu.Unlock()
	if t.log == nil {
		return
	}
	if err != nil {
		t.log.Error("task state change", "task", t.cfg.Name, "state", s.String(), "error", err)
	} else {
		t.log.Debug("task state change", "task", t.cfg.Name, "state", s.String())
	}
}

// Run drives the task's full lifecycle until ctx is cancelled or cmds
// delivers CommandStop. It blocks until shutdown is complete (any pending
// batch flushed, the mtime store closed) and returns the error from the
// final flush, if any.
func (t *Task) Run(ctx context.Context, remote remoteop.Remote, cmds <-chan Command) error {
	cacheDir := filepath.Join(t.cacheRoot, t.cfg.ID.String())
	store, err := mtimestore.Open(4*1024*1024, cacheDir)
	if err != nil {
		t.setState(StateError, err)
		return fmt.Errorf("open mtime store: %w", err)
	}
	defer store.Close()

	if err := remote.Ping(ctx); err != nil {
		t.setState(StateError, err)
		return fmt.Errorf("ping remote: %w", err)
	}

	if err := t.flushBatch(ctx, remote, t.walkInitial(), store); err != nil {
		t.setState(StateError, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		t.setState(StateError, err)
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := t.watchTree(fsw, t.cfg.Local); err != nil {
		t.setState(StateError, err)
		return fmt.Errorf("watch %s: %w", t.cfg.Local, err)
	}

	events := make(chan fsevent.Event, 1024)
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); t.watchLoop(loopCtx, fsw, events) }()
	go func() { defer wg.Done(); t.scanLoop(loopCtx, events) }()

	t.setState(StateRunning, nil)

	var batch []fsevent.Event
	var timer *time.Timer
	var timerC <-chan time.Time
	var finalErr error

loop:
	for {
		select {
		case cmd := <-cmds:
			if cmd == CommandStop {
				break loop
			}

		case ev, ok := <-events:
			if !ok {
				break loop
			}
			batch = append(batch, ev)
			if timer == nil {
				timer = time.NewTimer(t.debounce)
			} else if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.debounce)
			timerC = timer.C

		case <-timerC:
			pending := batch
			batch = nil
			timerC = nil
			if err := t.flushBatch(ctx, remote, pending, store); err != nil {
				t.setState(StateError, err)
			} else {
				t.setState(StateRunning, nil)
			}

		case <-ctx.Done():
			break loop
		}
	}

	if timer != nil {
		timer.Stop()
	}
	stopLoops()
	wg.Wait()

	if len(batch) > 0 {
		finalErr = t.flushBatch(context.Background(), remote, batch, store)
	}
	if finalErr != nil {
		t.setState(StateError, finalErr)
	} else {
		t.setState(StateIdle, nil)
	}
	return finalErr
}

// walkInitial collects a Modify event for every filtered-in file under the
// task's local root, for the one-shot reconciliation pass before the
// watcher and scanner start.
func (t *Task) walkInitial() []fsevent.Event {
	var evs []fsevent.Event
	_ = filepath.WalkDir(t.cfg.Local, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if t.filter.Check(p) {
			evs = append(evs, fsevent.Event{Kind: fsevent.Modify, Path: p})
		}
		return nil
	})
	return evs
}

// scanLoop periodically re-walks the local tree on a fixed interval: a
// Modify event is emitted for every filtered-in file on each tick
// regardless of whether it actually changed, and the mtime gate in
// flushBatch is what turns that into a no-op for files it has already
// seen.
func (t *Task) scanLoop(ctx context.Context, out chan<- fsevent.Event) {
	ticker := time.NewTicker(time.Duration(t.cfg.ScanMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.scanOnce(ctx, out)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Task) scanOnce(ctx context.Context, out chan<- fsevent.Event) {
	_ = filepath.WalkDir(t.cfg.Local, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !t.filter.Check(p) {
			return nil
		}
		select {
		case out <- fsevent.Event{Kind: fsevent.Modify, Path: p}:
			return nil
		case <-ctx.Done():
			return filepath.SkipAll
		}
	})
}

// watchTree recursively registers fsnotify watches under root, skipping
// symlinks and tolerating a single unwatchable directory without aborting
// the whole walk.
func (t *Task) watchTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		fi, err := os.Lstat(p)
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}
		if err := fsw.Add(p); err != nil {
			t.handleError(fmt.Errorf("watch %s: %w", p, err))
		}
		return nil
	})
}

func (t *Task) handleError(err error) {
	if t.onError != nil {
		t.onError(err)
	} else if t.log != nil {
		t.log.Warn("task error", "task", t.cfg.Name, "error", err)
	}
}

// watchLoop drains fsnotify bursts in one pass before handing the
// normalized, filtered events to out.
func (t *Task) watchLoop(ctx context.Context, fsw *fsnotify.Watcher, out chan<- fsevent.Event) {
	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			burst := []fsnotify.Event{ev}
			draining := true
			for draining && len(burst) < watchBurstLimit {
				select {
				case e, ok := <-fsw.Events:
					if !ok {
						t.dispatchBurst(ctx, fsw, burst, out)
						return
					}
					burst = append(burst, e)
				default:
					draining = false
				}
			}
			t.dispatchBurst(ctx, fsw, burst, out)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			t.handleError(fmt.Errorf("fsnotify: %w", err))

		case <-ctx.Done():
			return
		}
	}
}

func (t *Task) dispatchBurst(ctx context.Context, fsw *fsnotify.Watcher, burst []fsnotify.Event, out chan<- fsevent.Event) {
	for _, raw := range burst {
		if raw.Op&fsnotify.Create != 0 {
			if fi, err := os.Stat(raw.Name); err == nil && fi.IsDir() {
				if err := t.watchTree(fsw, raw.Name); err != nil {
					t.handleError(fmt.Errorf("watch new dir %s: %w", raw.Name, err))
				}
			}
		}
	}
	for _, norm := range fsevent.NormalizeBatch(burst) {
		if !t.passesFilter(norm) {
			continue
		}
		select {
		case out <- norm:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Task) passesFilter(ev fsevent.Event) bool {
	if ev.Kind == fsevent.Rename {
		return t.filter.Check(ev.From) || t.filter.Check(ev.Path)
	}
	return t.filter.Check(ev.Path)
}

// remotePath maps a local absolute path to its POSIX remote counterpart
// under the task's remote root.
func (t *Task) remotePath(local string) string {
	rel, err := filepath.Rel(t.cfg.Local, local)
	if err != nil {
		rel = local
	}
	return path.Join(t.cfg.Remote, filepath.ToSlash(rel))
}

type tsUpdate struct {
	path  string
	value uint64
}

// flushBatch compresses one debounce window's events, applies the
// size/mtime gate, applies the resulting remote operations with retry, and
// persists the mtime updates only after the apply succeeds - mirroring
// flush_batch's ordering, which is what keeps a crash mid-batch from
// silently marking a file as synced that never reached the remote.
func (t *Task) flushBatch(ctx context.Context, remote remoteop.Remote, evs []fsevent.Event, store *mtimestore.Store) error {
	if len(evs) == 0 {
		return nil
	}
	compressed := lineage.Compress(evs)

	var ops []remoteop.Op
	var updates []tsUpdate

	for _, ev := range compressed {
		switch ev.Kind {
		case fsevent.Create, fsevent.Modify:
			fi, err := os.Stat(ev.Path)
			if err != nil {
				continue // vanished since the event fired; the scanner reconciles
			}
			if fi.IsDir() {
				continue
			}
			size := uint64(fi.Size())
			if t.sizeMin != nil && size < *t.sizeMin {
				continue
			}
			if t.sizeMax != nil && size > *t.sizeMax {
				continue
			}
			mtime := uint64(fi.ModTime().Unix())
			last, ok, err := store.Get(ctx, ev.Path)
			if err != nil {
				return fmt.Errorf("mtime lookup %s: %w", ev.Path, err)
			}
			if ok && last >= mtime {
				continue
			}
			ops = append(ops, remoteop.Op{Kind: remoteop.Upload, Local: ev.Path, Remote: t.remotePath(ev.Path)})
			updates = append(updates, tsUpdate{ev.Path, mtime})

		case fsevent.Remove:
			ops = append(ops, remoteop.Op{Kind: remoteop.Remove, Remote: t.remotePath(ev.Path)})
			updates = append(updates, tsUpdate{ev.Path, 0})

		case fsevent.MkDir:
			ops = append(ops, remoteop.Op{Kind: remoteop.MkDir, Remote: t.remotePath(ev.Path)})

		case fsevent.Rename:
			ops = append(ops, remoteop.Op{Kind: remoteop.Rename, From: t.remotePath(ev.From), Remote: t.remotePath(ev.Path)})
			// Inherit the source's timestamp so a pure rename does not
			// trigger a redundant upload on the next scan.
			if last, ok, err := store.Get(ctx, ev.From); err == nil && ok {
				updates = append(updates, tsUpdate{ev.Path, last})
			}
			updates = append(updates, tsUpdate{ev.From, 0})
		}
	}

	if len(ops) > 0 {
		if err := t.applyWithRetry(ctx, remote, ops); err != nil {
			return fmt.Errorf("apply batch: %w", err)
		}
		if t.onBatch != nil {
			t.onBatch(len(ops))
		}
	}

	for _, u := range updates {
		store.Put(u.path, u.value)
	}
	return nil
}

// applyWithRetry retries remote.ApplyBatch with exponential backoff, up to
// cfg.RetryMax additional attempts after the first, matching flush_batch's
// hand-rolled attempt/backoff loop.
func (t *Task) applyWithRetry(ctx context.Context, remote remoteop.Remote, ops []remoteop.Op) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(t.cfg.RetryBackoffMS) * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, remote.ApplyBatch(ctx, ops)
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(t.cfg.RetryMax)+1))
	return err
}
