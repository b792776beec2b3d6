// Package syncagent keeps a viewer's local copy of the novel catalogue in step
// with the server. It holds one websocket subscription at a time, applies
// incoming events to a View, and reconnects with capped exponential backoff
// until its attempt budget runs out.
package syncagent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/novelsync/internal/events"
	"github.com/agentworkforce/novelsync/internal/metrics"
	"github.com/agentworkforce/novelsync/internal/storage"
)

const (
	DefaultMaxAttempts     = 10
	DefaultBaseDelay       = time.Second
	DefaultMaxDelay        = 30 * time.Second
	DefaultServerDownDelay = 10 * time.Second
)

var (
	ErrGaveUp         = errors.New("sync agent gave up reconnecting")
	ErrClosed         = errors.New("sync agent closed")
	ErrAlreadyRunning = errors.New("sync agent already running")
)

type Options struct {
	BaseURL string
	// EventsURL overrides the websocket endpoint derived from BaseURL.
	EventsURL string
	Server    Server
	Dialer    Dialer
	Backend   StateBackend
	Logger    logrus.FieldLogger
	Metrics   *metrics.Metrics
	Now       func() time.Time

	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ServerDownDelay time.Duration

	// Callbacks run on the Run goroutine. Close called from one of them
	// cancels Run without waiting for it to return.
	OnConnect     func()
	OnDisconnect  func(error)
	OnStateChange func(State)
	OnEvent       func(events.Event)
}

type Agent struct {
	server    Server
	eventsURL string
	dialer    Dialer
	backend   StateBackend
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
	now       func() time.Time
	view      *View

	maxAttempts     int
	baseDelay       time.Duration
	maxDelay        time.Duration
	serverDownDelay time.Duration

	onConnect     func()
	onDisconnect  func(error)
	onStateChange func(State)
	onEvent       func(events.Event)

	mu       sync.Mutex
	state    State
	attempts int
	running  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
	// notifying counts callbacks in progress.
	notifying int
}

func New(opts Options) (*Agent, error) {
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
	server := opts.Server
	eventsURL := opts.EventsURL
	if server == nil || eventsURL == "" {
		client := NewHTTPClient(opts.BaseURL, nil)
		if server == nil {
			server = client
		}
		if eventsURL == "" {
			u, err := client.EventsURL()
			if err != nil {
				return nil, err
			}
			eventsURL = u
		}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	serverDownDelay := opts.ServerDownDelay
	if serverDownDelay <= 0 {
		serverDownDelay = DefaultServerDownDelay
	}
	return &Agent{
		server:          server,
		eventsURL:       eventsURL,
		dialer:          dialer,
		backend:         backend,
		logger:          logger.WithFields(logrus.Fields{"component": "syncagent", "url": eventsURL}),
		metrics:         m,
		now:             now,
		view:            NewView(),
		maxAttempts:     maxAttempts,
		baseDelay:       baseDelay,
		maxDelay:        maxDelay,
		serverDownDelay: serverDownDelay,
		onConnect:       opts.OnConnect,
		onDisconnect:    opts.OnDisconnect,
		onStateChange:   opts.OnStateChange,
		onEvent:         opts.OnEvent,
	}, nil
}

func (a *Agent) View() *View {
	return a.view
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Attempts is the number of consecutive failed connection attempts.
func (a *Agent) Attempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// Run drives the connection state machine until ctx is done, Close is called,
// or the attempt budget is exhausted (ErrGaveUp). All waiting happens on this
// goroutine, so cancellation can never race a scheduled reconnect.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		close(done)
	}()

	a.restore()
	for {
		if ctx.Err() != nil {
			a.setState(StateStopped)
			return nil
		}
		if err := a.server.Health(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			a.logger.WithError(err).WithField("retryIn", a.serverDownDelay.String()).Info("server unreachable")
			a.metrics.AgentConnectAttempts.WithLabelValues("server_down").Inc()
			a.setState(StateBackoff)
			_ = waitWithContext(ctx, a.serverDownDelay)
			continue
		}

		a.setState(StateConnecting)
		conn, err := a.dialer.Dial(ctx, a.eventsURL)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			a.metrics.AgentConnectAttempts.WithLabelValues("failure").Inc()
			a.disconnected(err)
		} else {
			a.metrics.AgentConnectAttempts.WithLabelValues("success").Inc()
			a.connected(ctx)
			err = a.serve(ctx, conn)
			_ = conn.Close()
			if ctx.Err() != nil {
				continue
			}
			a.disconnected(err)
		}

		attempts := a.recordFailure()
		if attempts >= a.maxAttempts {
			a.setState(StateGivenUp)
			a.logger.WithField("attempt", attempts).Warn("giving up on reconnecting")
			return ErrGaveUp
		}
		delay := backoffDelay(attempts, a.baseDelay, a.maxDelay)
		a.logger.WithFields(logrus.Fields{"attempt": attempts, "retryIn": delay.String()}).Info("reconnect scheduled")
		a.setState(StateBackoff)
		_ = waitWithContext(ctx, delay)
	}
}

// Close stops Run, cancelling any pending reconnect and closing the live
// connection, and waits for it to return unless called from a callback.
func (a *Agent) Close() error {
	a.mu.Lock()
	a.closed = true
	cancel, done, nested := a.cancel, a.done, a.notifying > 0
	a.mu.Unlock()
	if cancel == nil {
		a.setState(StateStopped)
		return nil
	}
	cancel()
	if nested {
		return nil
	}
	<-done
	return nil
}

func (a *Agent) connected(ctx context.Context) {
	a.mu.Lock()
	a.attempts = 0
	a.mu.Unlock()
	a.setState(StateConnected)
	a.logger.Info("connected")
	if a.onConnect != nil {
		a.notify(a.onConnect)
	}
	// Events sent while we were away are gone; start from a fresh listing.
	if a.refetch(ctx) {
		a.persist()
	}
}

func (a *Agent) disconnected(err error) {
	a.setState(StateDisconnected)
	a.logger.WithError(err).Info("disconnected")
	if a.onDisconnect != nil {
		a.notify(func() { a.onDisconnect(err) })
	}
}

func (a *Agent) recordFailure() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts++
	return a.attempts
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	if a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	a.mu.Unlock()
	for _, other := range allStates {
		value := 0.0
		if other == s {
			value = 1
		}
		a.metrics.AgentState.WithLabelValues(other.String()).Set(value)
	}
	if a.onStateChange != nil {
		a.notify(func() { a.onStateChange(s) })
	}
}

func (a *Agent) notify(fn func()) {
	a.mu.Lock()
	a.notifying++
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.notifying--
		a.mu.Unlock()
	}()
	fn()
}

func (a *Agent) serve(ctx context.Context, conn MessageConn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, err := events.Decode(data)
		if err != nil {
			a.logger.WithError(err).Warn("ignoring undecodable event")
			continue
		}
		a.apply(ctx, ev)
	}
}

func (a *Agent) apply(ctx context.Context, ev events.Event) {
	log := a.logger.WithField("event", ev.Type())
	changed := true
	switch e := ev.(type) {
	case events.Connection:
		changed = false
		log.WithField("message", e.Message).Debug("server acknowledged subscription")
	case events.NovelCreated:
		a.view.Upsert(e.Novel)
	case events.NovelUpdated:
		a.view.Upsert(e.Novel)
	case events.ChapterAdded:
		a.view.Upsert(e.Novel)
	case events.ChapterUpdated:
		a.view.Upsert(e.Novel)
	case events.NovelDeleted:
		a.view.Remove(storage.NovelKey{Username: e.Username, Title: e.Title})
	case events.CoverUpdated:
		changed = a.refetch(ctx)
	case events.FullSync:
		if e.Novels != nil {
			a.view.Replace(e.Novels)
		} else {
			changed = a.refetch(ctx)
		}
	default:
		changed = false
		log.Debug("ignoring event")
	}
	a.metrics.AgentEventsApplied.WithLabelValues(string(ev.Type())).Inc()
	if changed {
		a.persist()
	}
	if a.onEvent != nil {
		a.notify(func() { a.onEvent(ev) })
	}
}

// refetch replaces the view with the server's current listing. A failed fetch
// leaves the view as it was.
func (a *Agent) refetch(ctx context.Context) bool {
	novels, err := a.server.ListNovels(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.WithError(err).Warn("failed to refetch novels")
		}
		return false
	}
	a.view.Replace(novels)
	return true
}

func (a *Agent) persist() {
	if err := a.backend.Save(a.view.snapshot(a.now())); err != nil {
		a.logger.WithError(err).Warn("failed to save view state")
	}
}

func (a *Agent) restore() {
	state, err := a.backend.Load()
	if err != nil {
		a.logger.WithError(err).Warn("failed to load saved view state")
		return
	}
	if state == nil {
		return
	}
	a.view.Replace(state.Novels)
	a.logger.WithField("novels", len(state.Novels)).Debug("restored saved view")
}
