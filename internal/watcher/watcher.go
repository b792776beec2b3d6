// Package watcher turns filesystem mutations under the users tree into novel
// events. Raw events are classified by path shape, coalesced per novel, and
// re-read through storage before they are published.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/novelsync/internal/events"
	"github.com/agentworkforce/novelsync/internal/metrics"
	"github.com/agentworkforce/novelsync/internal/storage"
)

const (
	DefaultSettleDelay    = 500 * time.Millisecond
	DefaultCoalesceWindow = 150 * time.Millisecond
	DefaultMaxDepth       = 3
)

// ErrAlreadyRunning is returned by every Run after the first.
var ErrAlreadyRunning = errors.New("watcher already running")

type NovelReader interface {
	GetNovel(username, title string) (*storage.Novel, error)
}

type Publisher interface {
	Publish(events.Event)
}

type Options struct {
	// Root is the users directory.
	Root      string
	Store     NovelReader
	Publisher Publisher
	Logger    logrus.FieldLogger
	Metrics   *metrics.Metrics
	Now       func() time.Time

	SettleDelay    time.Duration
	CoalesceWindow time.Duration
	MaxDepth       int
}

type Watcher struct {
	root      string
	store     NovelReader
	publisher Publisher
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
	now       func() time.Time

	settleDelay    time.Duration
	coalesceWindow time.Duration
	maxDepth       int

	mu      sync.Mutex
	started bool

	// Owned by the Run goroutine.
	fsw     *fsnotify.Watcher
	files   map[string]bool
	dirs    map[string]bool
	pending map[storage.NovelKey]*pendingEvent
	due     chan dueKey
	ready   chan struct{}
}

func New(opts Options) (*Watcher, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, errors.New("watcher root is required")
	}
	if opts.Store == nil {
		return nil, errors.New("watcher store is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("watcher publisher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	settle := opts.SettleDelay
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	window := opts.CoalesceWindow
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Watcher{
		root:           filepath.Clean(root),
		store:          opts.Store,
		publisher:      opts.Publisher,
		logger:         logger.WithField("component", "watcher"),
		metrics:        m,
		now:            now,
		settleDelay:    settle,
		coalesceWindow: window,
		maxDepth:       maxDepth,
		ready:          make(chan struct{}),
	}, nil
}

// Run watches until ctx is done. Only setup failures are returned; problems
// with individual events are logged and dropped. A Watcher runs once.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.started = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return errors.Wrapf(err, "create watch root %s", w.root)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	defer fsw.Close()

	w.fsw = fsw
	w.files = map[string]bool{}
	w.dirs = map[string]bool{}
	w.pending = map[storage.NovelKey]*pendingEvent{}
	w.due = make(chan dueKey, 16)
	defer w.stopTimers()

	if err := w.watchTree(w.root, nil); err != nil {
		return err
	}
	w.logger.WithFields(logrus.Fields{"root": w.root, "dirs": len(w.dirs)}).Info("watching storage tree")
	close(w.ready)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.metrics.WatcherErrors.Inc()
			w.logger.WithError(err).Warn("filesystem watch error")
		case d := <-w.due:
			w.flush(d)
		}
	}
}

// Ready is closed once the initial tree walk has finished and events are
// being observed.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// watchTree adds watches for dir and every directory below it within the
// depth bound, recording what already exists. Novel directories found below
// dir are reported through found.
func (w *Watcher) watchTree(dir string, found func(rel string)) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return errors.Wrapf(err, "walk %s", path)
			}
			w.logger.WithError(err).WithField("path", path).Debug("skipping unreadable path")
			return nil
		}
		rel, ok := w.rel(path)
		if !ok {
			return nil
		}
		if rel != "." && hidden(splitRel(rel)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			w.files[path] = true
			return nil
		}
		if depth(rel) > w.maxDepth {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			if path == dir {
				return errors.Wrapf(err, "watch %s", path)
			}
			w.logger.WithError(err).WithField("path", path).Warn("failed to watch directory")
			return filepath.SkipDir
		}
		w.dirs[path] = true
		if found != nil && path != dir {
			found(rel)
		}
		return nil
	})
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	rel, ok := w.rel(ev.Name)
	if !ok || rel == "." || hidden(splitRel(rel)) {
		return
	}
	log := w.logger.WithFields(logrus.Fields{"path": rel, "op": ev.Op.String()})

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			// Gone before we looked; the matching remove follows.
			log.WithError(err).Debug("created path vanished")
			return
		}
		if info.IsDir() {
			known := w.dirs[ev.Name]
			if depth(rel) <= w.maxDepth {
				if err := w.watchTree(ev.Name, func(sub string) {
					w.dispatch(ctx, RawEvent{Path: sub, Op: OpAdd, IsDir: true})
				}); err != nil {
					w.metrics.WatcherErrors.Inc()
					log.WithError(err).Warn("failed to watch new directory")
				}
			}
			if !known {
				w.dispatch(ctx, RawEvent{Path: rel, Op: OpAdd, IsDir: true})
			}
			return
		}
		op := OpAdd
		if w.files[ev.Name] {
			op = OpChange
		}
		w.files[ev.Name] = true
		w.dispatch(ctx, RawEvent{Path: rel, Op: op})

	case ev.Has(fsnotify.Write):
		w.files[ev.Name] = true
		w.dispatch(ctx, RawEvent{Path: rel, Op: OpChange})

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		isDir := w.dirs[ev.Name]
		if ev.Has(fsnotify.Rename) && isDir {
			_ = w.fsw.Remove(ev.Name)
		}
		w.forget(ev.Name)
		w.dispatch(ctx, RawEvent{Path: rel, Op: OpRemove, IsDir: isDir})
	}
}

func (w *Watcher) forget(path string) {
	delete(w.files, path)
	delete(w.dirs, path)
	prefix := path + string(filepath.Separator)
	for p := range w.files {
		if strings.HasPrefix(p, prefix) {
			delete(w.files, p)
		}
	}
	for p := range w.dirs {
		if strings.HasPrefix(p, prefix) {
			delete(w.dirs, p)
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, raw RawEvent) {
	c := Classify(raw)
	if c.Action == ActionIgnore {
		return
	}
	w.logger.WithFields(logrus.Fields{
		"path":     raw.Path,
		"op":       raw.Op.String(),
		"action":   c.Action.String(),
		"username": c.Key.Username,
		"title":    c.Key.Title,
	}).Debug("classified filesystem event")

	if c.Action == ActionCoverChanged {
		w.emit(events.CoverUpdated{Username: c.Key.Username, Title: c.Key.Title, Timestamp: w.now()})
		return
	}
	delay := w.coalesceWindow
	if c.Action == ActionNovelDirAdded {
		delay = w.settleDelay
	}
	w.schedule(ctx, c.Key, pendingFor(c.Action), delay)
}

func (w *Watcher) emit(ev events.Event) {
	w.metrics.WatcherEvents.WithLabelValues(string(ev.Type())).Inc()
	w.publisher.Publish(ev)
}

func (w *Watcher) rel(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}
