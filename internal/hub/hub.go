// Package hub fans novel events out to connected viewers. Each subscriber has
// a bounded queue drained by its own writer; a subscriber that falls behind
// is disconnected rather than allowed to stall everyone else.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/novelsync/internal/events"
	"github.com/agentworkforce/novelsync/internal/metrics"
	"github.com/agentworkforce/novelsync/internal/storage"
)

const (
	DefaultQueueSize    = 64
	DefaultWriteTimeout = 5 * time.Second

	connectedMessage = "Connected to novel updates"
)

var ErrClosed = errors.New("hub closed")

// Conn is one viewer's outbound channel.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Close() error
}

type NovelLister interface {
	GetAllNovels() ([]storage.Novel, error)
}

type Options struct {
	Store        NovelLister
	Logger       logrus.FieldLogger
	Metrics      *metrics.Metrics
	QueueSize    int
	WriteTimeout time.Duration
	Now          func() time.Time
	// OriginPatterns is passed to the websocket handshake for browser viewers.
	OriginPatterns []string
}

type Hub struct {
	store          NovelLister
	logger         logrus.FieldLogger
	metrics        *metrics.Metrics
	queueSize      int
	writeTimeout   time.Duration
	now            func() time.Time
	originPatterns []string

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool

	writers  sync.WaitGroup
	fullSync singleflight.Group
}

type Subscription struct {
	id    string
	conn  Conn
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *Subscription) ID() string {
	return s.id
}

// Done is closed once the hub has let go of the subscription.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- data:
		return true
	default:
		return false
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func New(opts Options) (*Hub, error) {
	if opts.Store == nil {
		return nil, errors.New("hub store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Hub{
		store:          opts.Store,
		logger:         logger.WithField("component", "hub"),
		metrics:        m,
		queueSize:      queueSize,
		writeTimeout:   writeTimeout,
		now:            now,
		originPatterns: append([]string(nil), opts.OriginPatterns...),
		subs:           map[string]*Subscription{},
	}, nil
}

// Subscribe registers conn and queues the connection acknowledgement for it
// alone. The hub owns conn from here on and closes it when the subscription
// ends.
func (h *Hub) Subscribe(conn Conn) (*Subscription, error) {
	ack, err := events.Encode(events.Connection{Message: connectedMessage, Timestamp: h.now()})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	sub := &Subscription{
		id:    uuid.NewString(),
		conn:  conn,
		queue: make(chan []byte, h.queueSize),
		done:  make(chan struct{}),
	}
	// Queued before the subscriber becomes visible to Publish, so the ack is
	// always the first message.
	sub.queue <- ack

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	h.subs[sub.id] = sub
	count := len(h.subs)
	h.writers.Add(1)
	h.mu.Unlock()

	h.metrics.HubSubscribers.Inc()
	h.logger.WithFields(logrus.Fields{"subscriber": sub.id, "subscribers": count}).Info("viewer subscribed")
	go h.writeLoop(sub)
	return sub, nil
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.drop(sub, "closed")
}

// Len reports the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish serializes ev once and queues it for every subscriber. It never
// blocks on a viewer.
func (h *Hub) Publish(ev events.Event) {
	data, err := events.Encode(ev)
	if err != nil {
		h.logger.WithError(err).WithField("event", ev.Type()).Error("failed to encode event")
		return
	}
	h.metrics.HubEventsPublished.WithLabelValues(string(ev.Type())).Inc()
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	for _, sub := range h.snapshot() {
		if !sub.enqueue(data) {
			h.drop(sub, "slow")
		}
	}
}

func (h *Hub) snapshot() []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	return subs
}

// FullSync sends every novel to target, or to all subscribers when target is
// nil. Concurrent requests share one enumeration.
func (h *Hub) FullSync(ctx context.Context, target *Subscription) error {
	ch := h.fullSync.DoChan("all", func() (any, error) {
		novels, err := h.store.GetAllNovels()
		if err != nil {
			return nil, err
		}
		return events.Encode(events.FullSync{Novels: novels})
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		h.logger.WithError(res.Err).Warn("full sync failed")
		return errors.Wrap(res.Err, "full sync")
	}
	data := res.Val.([]byte)
	h.metrics.HubEventsPublished.WithLabelValues(string(events.TypeFullSync)).Inc()
	if target == nil {
		h.broadcast(data)
		return nil
	}
	if !target.enqueue(data) {
		h.drop(target, "slow")
	}
	return nil
}

// Close disconnects every subscriber and waits for their writers to exit.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for id, sub := range h.subs {
		subs = append(subs, sub)
		delete(h.subs, id)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.metrics.HubSubscribers.Dec()
		h.metrics.HubSubscribersDropped.WithLabelValues("shutdown").Inc()
		sub.stop()
	}
	h.writers.Wait()
	return nil
}

func (h *Hub) drop(sub *Subscription, reason string) {
	h.mu.Lock()
	_, ok := h.subs[sub.id]
	if ok {
		delete(h.subs, sub.id)
	}
	h.mu.Unlock()
	sub.stop()
	if !ok {
		return
	}
	h.metrics.HubSubscribers.Dec()
	h.metrics.HubSubscribersDropped.WithLabelValues(reason).Inc()
	h.logger.WithFields(logrus.Fields{"subscriber": sub.id, "reason": reason}).Info("viewer unsubscribed")
}

// writeLoop is the only goroutine that writes to or closes sub.conn.
func (h *Hub) writeLoop(sub *Subscription) {
	defer h.writers.Done()
	defer func() {
		if err := sub.conn.Close(); err != nil {
			h.logger.WithError(err).WithField("subscriber", sub.id).Debug("close viewer connection")
		}
	}()
	for {
		select {
		case <-sub.done:
			return
		case data := <-sub.queue:
			ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
			err := sub.conn.Write(ctx, data)
			cancel()
			if err != nil {
				h.logger.WithError(err).WithField("subscriber", sub.id).Debug("write to viewer failed")
				h.drop(sub, "write_error")
				return
			}
		}
	}
}
