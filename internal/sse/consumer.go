package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"arca/internal/backoff"
	"arca/internal/logging"
	"arca/internal/ring"
)

// Options configures the reconnect policy and buffer of a Consumer.
type Options struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64
	MaxRetries   int
	BufferSize   int

	// Rand returns a uniform value in [0, 1) for jitter. Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultOptions returns 1s initial delay doubling to a 30s cap with ±25%
// jitter, five retries and a 100-line buffer.
func DefaultOptions() Options {
	return Options{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		Jitter:       0.25,
		MaxRetries:   5,
		BufferSize:   ring.DefaultCapacity,
	}
}

func (o Options) policy(serverRetry time.Duration) backoff.Policy {
	initial := o.InitialDelay
	if serverRetry > 0 {
		initial = serverRetry
	}
	return backoff.Policy{
		Initial:    initial,
		Multiplier: o.Multiplier,
		Max:        o.MaxDelay,
		Jitter:     o.Jitter,
		Rand:       o.Rand,
	}
}

// Observer receives consumer notifications. Calls are made synchronously
// from the consumer goroutine and must not block.
type Observer interface {
	ObserveState(StateChange)
	ObserveEntry(Entry)
}

// StatusObserver is optionally implemented by observers that want job status events.
type StatusObserver interface {
	ObserveStatus(Status)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	State  func(StateChange)
	Entry  func(Entry)
	Status func(Status)
}

func (f ObserverFuncs) ObserveState(c StateChange) {
	if f.State != nil {
		f.State(c)
	}
}

func (f ObserverFuncs) ObserveEntry(e Entry) {
	if f.Entry != nil {
		f.Entry(e)
	}
}

func (f ObserverFuncs) ObserveStatus(s Status) {
	if f.Status != nil {
		f.Status(s)
	}
}

// Option configures optional Consumer behaviour.
type Option func(*Consumer)

// WithHTTPClient overrides the client used to open the stream. The client
// must not set a Timeout, which would cut long-lived streams.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Consumer) {
		if client != nil {
			c.client = client
		}
	}
}

// WithHeader adds a header to every stream request (e.g. Authorization).
func WithHeader(key, value string) Option {
	return func(c *Consumer) {
		c.header.Set(key, value)
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(c *Consumer) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithLastEventID seeds the id sent as Last-Event-ID on the first open, so a
// new consumer resumes after lines already seen by an earlier one.
func WithLastEventID(id string) Option {
	return func(c *Consumer) {
		c.lastID = id
	}
}

// Stats counts consumer activity since creation.
type Stats struct {
	Attempts    int
	Connects    int
	Disconnects int
	Received    uint64
	LastEventID string
	LastError   string
}

// Consumer reads a pipeline log stream and keeps the most recent lines in a
// bounded ring, reconnecting with exponential backoff and jitter.
//
//	disconnected -> connecting -> connected
//	connected -> disconnected -> connecting   (stream error, after backoff)
//	connecting -> disconnected -> connecting  (open error, after backoff)
//	* -> failed                               (more than MaxRetries consecutive errors)
//
// The retry counter resets only after a successful open.
type Consumer struct {
	url       string
	opts      Options
	client    *http.Client
	header    http.Header
	observers []Observer
	buf       *ring.Buffer[Entry]

	mu          sync.Mutex
	state       State
	running     bool
	closed      bool
	cancel      context.CancelFunc
	done        chan struct{}
	retries     int
	lastID      string
	serverRetry time.Duration
	lastErr     error
	lastStatus  *Status
	seq         uint64
	stats       Stats
	now         func() time.Time
}

// NewConsumer creates a disabled consumer for the stream at url.
func NewConsumer(url string, opts Options, optFns ...Option) *Consumer {
	if opts.Multiplier < 1 {
		opts.Multiplier = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	c := &Consumer{
		url:    url,
		opts:   opts,
		client: &http.Client{},
		header: make(http.Header),
		buf:    ring.New[Entry](opts.BufferSize),
		state:  StateDisconnected,
		now:    time.Now,
	}
	for _, fn := range optFns {
		fn(c)
	}
	return c
}

// URL returns the stream URL.
func (c *Consumer) URL() string { return c.url }

// State returns the current connection state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retries returns the current retry counter.
func (c *Consumer) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// Err returns the last connection error, nil if none.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Enabled reports whether the consumer is running its state machine.
func (c *Consumer) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Stats returns a snapshot of the activity counters.
func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Received = c.buf.Total()
	s.LastEventID = c.lastID
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// LastStatus returns the most recent job status event, if any.
func (c *Consumer) LastStatus() (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastStatus == nil {
		return Status{}, false
	}
	return *c.lastStatus, true
}

// Entries returns up to n buffered log lines, newest first. n <= 0 returns all.
func (c *Consumer) Entries(n int) []Entry {
	return c.buf.Newest(n)
}

// Clear drops every buffered line.
func (c *Consumer) Clear() {
	c.buf.Reset()
}

// SetEnabled starts or stops the consumer. Disabling tears down the active
// stream and any pending retry timer and leaves the consumer disconnected.
func (c *Consumer) SetEnabled(enabled bool) error {
	if enabled {
		return c.start()
	}
	c.stop()
	return nil
}

// Reconnect clears the retry counter and restarts the state machine, which
// also recovers a consumer from the failed state.
func (c *Consumer) Reconnect() error {
	c.stop()
	c.mu.Lock()
	c.retries = 0
	c.mu.Unlock()
	return c.start()
}

// Close disables the consumer permanently.
func (c *Consumer) Close() error {
	c.stop()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Wait blocks until the state machine stops on its own (failed or ended by
// the server) or ctx is done. It returns nil when the server ended the
// stream, an error wrapping ErrMaxRetries on failure, and ctx.Err() on cancel.
func (c *Consumer) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateFailed {
		return c.lastErr
	}
	return nil
}

// Run enables the consumer and blocks like Wait, disabling it when ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.SetEnabled(true); err != nil {
		return err
	}
	err := c.Wait(ctx)
	if ctx.Err() != nil {
		c.stop()
	}
	return err
}

func (c *Consumer) start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	logging.Stream("consumer enabled: %s", c.url)
	go c.run(ctx, done)
	return nil
}

func (c *Consumer) stop() {
	c.mu.Lock()
	if !c.running {
		failed := c.state == StateFailed
		c.mu.Unlock()
		if failed {
			c.transition(StateDisconnected, 0, nil)
		}
		return
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.transition(StateDisconnected, 0, nil)
	logging.Stream("consumer disabled: %s", c.url)
}

func (c *Consumer) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		close(done)
	}()

	for {
		c.transition(StateConnecting, 0, nil)

		ended, err := c.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if ended {
			c.mu.Lock()
			c.lastErr = nil
			c.mu.Unlock()
			c.transition(StateDisconnected, 0, nil)
			logging.Stream("stream ended by server: %s", c.url)
			return
		}

		c.mu.Lock()
		c.lastErr = err
		attempt := c.retries
		if attempt >= c.opts.MaxRetries {
			c.lastErr = fmt.Errorf("%w after %d retries: %w", ErrMaxRetries, attempt, err)
			failErr := c.lastErr
			c.mu.Unlock()
			logging.StreamWarn("giving up on %s: %v", c.url, failErr)
			c.transition(StateFailed, 0, failErr)
			return
		}
		delay := c.opts.policy(c.serverRetry).Delay(attempt)
		c.retries++
		c.mu.Unlock()

		logging.StreamWarn("stream error (retry %d/%d in %v): %v", attempt+1, c.opts.MaxRetries, delay, err)
		c.transition(StateDisconnected, delay, err)

		if backoff.Sleep(ctx, delay) != nil {
			return
		}
	}
}

// connect opens the stream and reads it until it breaks. ended is true when
// the server finished the stream deliberately (end event or 204).
func (c *Consumer) connect(ctx context.Context) (ended bool, err error) {
	c.mu.Lock()
	c.stats.Attempts++
	lastID := c.lastID
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("sse: build request: %w", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("sse: connect %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		// EventSource semantics: 204 tells the client to stop reconnecting.
		return true, nil
	case resp.StatusCode != http.StatusOK:
		return false, &StatusError{Code: resp.StatusCode, URL: c.url}
	}
	if mt, _, perr := mime.ParseMediaType(resp.Header.Get("Content-Type")); perr != nil || mt != "text/event-stream" {
		return false, &ContentTypeError{ContentType: resp.Header.Get("Content-Type")}
	}

	c.mu.Lock()
	c.retries = 0
	c.lastErr = nil
	c.stats.Connects++
	c.mu.Unlock()
	c.transition(StateConnected, 0, nil)
	logging.Stream("connected: %s", c.url)

	dec := newDecoder(resp.Body, lastID)
	for {
		ev, err := dec.Next()

		c.mu.Lock()
		c.lastID = dec.LastID()
		if r := dec.Retry(); r > 0 {
			c.serverRetry = r
		}
		c.mu.Unlock()

		if err != nil {
			c.mu.Lock()
			c.stats.Disconnects++
			c.mu.Unlock()
			if errors.Is(err, io.EOF) {
				return false, ErrStreamEnded
			}
			return false, fmt.Errorf("sse: read: %w", err)
		}
		if c.dispatch(ev) {
			c.mu.Lock()
			c.stats.Disconnects++
			c.mu.Unlock()
			return true, nil
		}
	}
}

// dispatch routes one event and reports whether it ends the stream.
func (c *Consumer) dispatch(ev Event) bool {
	switch ev.Type {
	case "message", "log":
		if ev.Data == "" {
			return false
		}
		c.push(ParseEntry(ev, c.now()))
	case "error":
		e := ParseEntry(ev, c.now())
		e.Level = LevelError
		c.push(e)
	case "status":
		st, err := ParseStatus(ev)
		if err != nil {
			logging.StreamWarn("%v", err)
			return false
		}
		c.mu.Lock()
		c.lastStatus = &st
		observers := c.observers
		c.mu.Unlock()
		for _, o := range observers {
			if so, ok := o.(StatusObserver); ok {
				so.ObserveStatus(st)
			}
		}
	case "end", "done", "complete":
		return true
	case "ping", "heartbeat":
	default:
		logging.StreamDebug("ignored event type %q", ev.Type)
	}
	return false
}

func (c *Consumer) push(e Entry) {
	c.mu.Lock()
	c.seq++
	e.Seq = c.seq
	observers := c.observers
	c.mu.Unlock()

	c.buf.Push(e)
	for _, o := range observers {
		o.ObserveEntry(e)
	}
}

func (c *Consumer) transition(to State, delay time.Duration, cause error) {
	c.mu.Lock()
	from := c.state
	if from == to && cause == nil {
		c.mu.Unlock()
		return
	}
	c.state = to
	change := StateChange{
		From:    from,
		To:      to,
		Attempt: c.retries,
		Delay:   delay,
		Err:     cause,
		At:      c.now(),
	}
	observers := c.observers
	c.mu.Unlock()

	logging.StreamDebug("state %s -> %s (retries=%d)", from, to, change.Attempt)
	for _, o := range observers {
		o.ObserveState(change)
	}
}
