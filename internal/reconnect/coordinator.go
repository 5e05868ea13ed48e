// Package reconnect keeps the document store's realtime channel in step with
// network reachability. The Coordinator is the only component allowed to
// toggle the channel; everyone else reads its Status snapshot.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/threadsync/internal/bus"
	"github.com/matheus3301/threadsync/internal/docstore"
	"github.com/matheus3301/threadsync/internal/logging"
	"github.com/matheus3301/threadsync/internal/netmon"
	"github.com/matheus3301/threadsync/internal/status"
	"go.uber.org/zap"
)

// DefaultRetryDelay is the pause before the single enable retry.
const DefaultRetryDelay = 2 * time.Second

// ErrNotRunning is returned by ForceReconnect before Start or after Stop.
var ErrNotRunning = errors.New("reconnect: coordinator not running")

// Status is a read-only snapshot of the connection state.
type Status struct {
	ChannelEnabled   bool
	LastDisconnectAt *time.Time
	State            status.State
	// LastLatency is the duration of the last successful enable call.
	LastLatency time.Duration
}

// Result reports the outcome of ForceReconnect.
type Result struct {
	OK      bool
	Latency time.Duration
	Err     error
}

// EnableFailure is the payload of conn.enable_failed events.
type EnableFailure struct {
	Attempt int
	Err     error
}

// Flusher is run after every successful enable, e.g. to drain the send
// queue. Errors are logged.
type Flusher func(ctx context.Context) error

type namedFlusher struct {
	name string
	fn   Flusher
}

// Options configure a Coordinator.
type Options struct {
	RetryDelay time.Duration
	Machine    *status.Machine
	Bus        *bus.Bus
	Logger     *zap.Logger
}

// Coordinator reacts to network events one at a time on its own goroutine.
type Coordinator struct {
	channel    docstore.Channel
	monitor    netmon.Monitor
	machine    *status.Machine
	bus        *bus.Bus
	logger     *zap.Logger
	retryDelay time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	st       Status
	flushers []namedFlusher
	running  bool

	// Inbound network states, queued by the monitor callback.
	qmu   sync.Mutex
	queue []netmon.State
	wake  chan struct{}

	force  chan chan Result
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New returns a Coordinator. The channel is assumed enabled, which is the
// state every docstore starts in.
func New(channel docstore.Channel, monitor netmon.Monitor, opts Options) *Coordinator {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	m := opts.Machine
	if m == nil {
		m = status.NewMachine(opts.Bus)
	}
	return &Coordinator{
		channel:    channel,
		monitor:    monitor,
		machine:    m,
		bus:        opts.Bus,
		logger:     logging.OrNop(opts.Logger),
		retryDelay: opts.RetryDelay,
		now:        time.Now,
		st:         Status{ChannelEnabled: true, State: m.Current()},
		wake:       make(chan struct{}, 1),
		force:      make(chan chan Result),
	}
}

// AddFlusher registers fn to run after each successful reconnect. Flushers
// run sequentially in registration order.
func (c *Coordinator) AddFlusher(name string, fn Flusher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushers = append(c.flushers, namedFlusher{name: name, fn: fn})
}

// Status returns a copy of the current connection state.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.st
	if st.LastDisconnectAt != nil {
		at := *st.LastDisconnectAt
		st.LastDisconnectAt = &at
	}
	st.State = c.machine.Current()
	return st
}

// Online reports whether the channel is currently enabled.
func (c *Coordinator) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.ChannelEnabled
}

// Start subscribes to the network monitor and begins processing events.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	unsub := c.monitor.Subscribe(c.enqueue)

	go func() {
		defer close(c.done)
		defer unsub()
		c.run(ctx)
	}()
}

// Stop halts event processing and waits for running flushers.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
	c.wg.Wait()
}

// ForceReconnect disables then re-enables the channel regardless of the
// network state and reports the enable latency.
func (c *Coordinator) ForceReconnect(ctx context.Context) Result {
	c.mu.RLock()
	running, done := c.running, c.done
	c.mu.RUnlock()
	if !running {
		return Result{Err: ErrNotRunning}
	}

	reply := make(chan Result, 1)
	select {
	case c.force <- reply:
	case <-done:
		return Result{Err: ErrNotRunning}
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

func (c *Coordinator) enqueue(s netmon.State) {
	c.qmu.Lock()
	c.queue = append(c.queue, s)
	c.qmu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) dequeue() []netmon.State {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	q := c.queue
	c.queue = nil
	return q
}

func (c *Coordinator) run(ctx context.Context) {
	var (
		retry   *time.Timer
		retryC  <-chan time.Time
		attempt int
	)
	stopRetry := func() {
		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
	}
	defer stopRetry()

	// enable performs one enable attempt; the first failure of a cycle
	// arms the retry timer, the second one gives up.
	enable := func() Result {
		attempt++
		r := c.enable(ctx, attempt)
		stopRetry()
		if r.OK {
			attempt = 0
			return r
		}
		if attempt == 1 {
			retry = time.NewTimer(c.retryDelay)
			retryC = retry.C
		}
		return r
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-c.wake:
			for _, s := range c.dequeue() {
				enabled := c.Online()
				switch {
				case s.Connected() && !enabled:
					if retry != nil {
						// A retry is already scheduled for this cycle.
						continue
					}
					attempt = 0
					enable()
				case !s.Connected() && enabled:
					stopRetry()
					attempt = 0
					c.disable(ctx)
				case !s.Connected():
					stopRetry()
					attempt = 0
					c.transition(status.Offline)
				default:
					c.transition(status.Online)
				}
			}

		case <-retryC:
			retry, retryC = nil, nil
			c.logger.Info("retrying channel enable", zap.Int("attempt", attempt+1))
			enable()

		case reply := <-c.force:
			stopRetry()
			attempt = 0
			c.disable(ctx)
			reply <- enable()
		}
	}
}

func (c *Coordinator) disable(ctx context.Context) {
	at := c.now()
	if err := c.channel.SetChannelEnabled(ctx, false); err != nil {
		c.logger.Warn("failed to disable channel", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.st.ChannelEnabled = false
	if c.st.LastDisconnectAt == nil {
		c.st.LastDisconnectAt = &at
	}
	c.mu.Unlock()

	c.transition(status.Offline)
	c.logger.Info("channel disabled", zap.Time("disconnect_at", at))
	c.bus.Publish(bus.Event{Kind: bus.ConnDisabled, Timestamp: at, Payload: c.Status()})
}

func (c *Coordinator) enable(ctx context.Context, attempt int) Result {
	start := c.now()
	err := c.channel.SetChannelEnabled(ctx, true)
	latency := c.now().Sub(start)
	if latency < 0 {
		latency = 0
	}

	if err != nil {
		c.bus.Publish(bus.Event{Kind: bus.ConnEnableFailed, Payload: EnableFailure{Attempt: attempt, Err: err}})
		if attempt == 1 {
			c.logger.Warn("channel enable failed, retry scheduled",
				zap.Error(err), zap.Duration("retry_in", c.retryDelay))
			c.transition(status.Reconnecting)
		} else {
			c.logger.Error("channel enable failed again, waiting for next network change",
				zap.Error(err), zap.Int("attempt", attempt))
			c.transition(status.Degraded)
		}
		return Result{Latency: latency, Err: err}
	}

	c.mu.Lock()
	c.st.ChannelEnabled = true
	c.st.LastDisconnectAt = nil
	c.st.LastLatency = latency
	flushers := append([]namedFlusher(nil), c.flushers...)
	c.mu.Unlock()

	c.transition(status.Online)
	c.logger.Info("channel enabled", zap.Duration("latency", latency), zap.Int("attempt", attempt))
	c.bus.Publish(bus.Event{Kind: bus.ConnEnabled, Payload: c.Status()})

	if len(flushers) > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runFlushers(ctx, flushers)
		}()
	}
	return Result{OK: true, Latency: latency}
}

func (c *Coordinator) runFlushers(ctx context.Context, flushers []namedFlusher) {
	for _, f := range flushers {
		if ctx.Err() != nil {
			return
		}
		if err := f.fn(ctx); err != nil {
			c.logger.Warn("flush after reconnect failed", zap.String("flusher", f.name), zap.Error(err))
		}
	}
}

// transition moves the state machine, routing through RECONNECTING when a
// direct edge is not allowed.
func (c *Coordinator) transition(to status.State) {
	err := c.machine.Transition(to)
	if err == nil {
		return
	}
	if c.machine.Transition(status.Reconnecting) == nil && c.machine.Transition(to) == nil {
		return
	}
	c.logger.Debug("status transition skipped", zap.String("to", string(to)), zap.Error(err))
}
