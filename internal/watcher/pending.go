package watcher

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/novelsync/internal/events"
	"github.com/agentworkforce/novelsync/internal/storage"
)

type pendingKind int

const (
	pendingUpdated pendingKind = iota + 1
	// pendingChildRemoved resolves on re-read: a vanished novel is reported
	// deleted, a surviving one updated.
	pendingChildRemoved
	pendingCreated
	pendingDeleted
)

func (k pendingKind) String() string {
	switch k {
	case pendingUpdated:
		return "updated"
	case pendingChildRemoved:
		return "child_removed"
	case pendingCreated:
		return "created"
	case pendingDeleted:
		return "deleted"
	}
	return "none"
}

func pendingFor(a Action) pendingKind {
	switch a {
	case ActionNovelDirAdded, ActionChapterAdded:
		return pendingCreated
	case ActionNovelDirRemoved:
		return pendingDeleted
	case ActionChapterRemoved:
		return pendingChildRemoved
	}
	return pendingUpdated
}

// merge folds a new event for a novel into the one already waiting. Deletion
// supersedes everything except a later re-creation; creation absorbs updates.
func merge(prev, next pendingKind) pendingKind {
	switch {
	case next == pendingDeleted:
		return pendingDeleted
	case prev == pendingDeleted:
		if next == pendingCreated {
			return pendingCreated
		}
		return pendingDeleted
	case prev == pendingCreated, next == pendingCreated:
		return pendingCreated
	case prev == pendingChildRemoved, next == pendingChildRemoved:
		return pendingChildRemoved
	}
	return pendingUpdated
}

type pendingEvent struct {
	kind     pendingKind
	deadline time.Time
	gen      uint64
	timer    *time.Timer
}

type dueKey struct {
	key storage.NovelKey
	gen uint64
}

// schedule records an event for key and arms its flush timer. The deadline
// only ever moves later, so a settle delay is never cut short by a burst.
func (w *Watcher) schedule(ctx context.Context, key storage.NovelKey, kind pendingKind, delay time.Duration) {
	deadline := time.Now().Add(delay)
	p, ok := w.pending[key]
	if !ok {
		p = &pendingEvent{kind: kind}
		w.pending[key] = p
	} else {
		p.kind = merge(p.kind, kind)
		if !deadline.After(p.deadline) {
			return
		}
		p.timer.Stop()
	}
	p.deadline = deadline
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(delay, func() {
		select {
		case w.due <- dueKey{key: key, gen: gen}:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) flush(d dueKey) {
	p, ok := w.pending[d.key]
	if !ok || p.gen != d.gen {
		return
	}
	delete(w.pending, d.key)

	log := w.logger.WithFields(logrus.Fields{
		"username": d.key.Username,
		"title":    d.key.Title,
		"pending":  p.kind.String(),
	})
	if p.kind == pendingDeleted {
		w.emit(events.NovelDeleted{Username: d.key.Username, Title: d.key.Title})
		return
	}
	novel, err := w.store.GetNovel(d.key.Username, d.key.Title)
	if err != nil {
		w.metrics.WatcherErrors.Inc()
		log.WithError(err).Warn("failed to re-read novel")
		return
	}
	if novel == nil {
		if p.kind == pendingChildRemoved {
			w.emit(events.NovelDeleted{Username: d.key.Username, Title: d.key.Title})
			return
		}
		log.Debug("novel vanished before re-read")
		return
	}
	switch p.kind {
	case pendingCreated:
		w.emit(events.NovelCreated{Novel: *novel})
	default:
		w.emit(events.NovelUpdated{Novel: *novel})
	}
}

func (w *Watcher) stopTimers() {
	for key, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, key)
	}
}
