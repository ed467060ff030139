// Package recorder is the single source of truth for event sequencing. Every
// component emits through a Recorder, which assigns per-session sequence
// numbers, keeps the append-only log, and fans envelopes out to sinks.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
)

// Sink receives every envelope the recorder emits. Write is called from a
// dedicated goroutine per sink, in sequence order.
type Sink interface {
	Name() string
	Write(ctx context.Context, env events.Envelope) error
}

// Emitter is the narrow interface components use to record events.
type Emitter interface {
	Emit(sid events.SessionID, payload events.Payload, opts ...EmitOption) events.Envelope
}

// EmitOption binds an envelope to optional identifiers.
type EmitOption func(*events.Envelope)

// InWorkflow binds the envelope to a workflow.
func InWorkflow(id events.WorkflowID) EmitOption {
	return func(e *events.Envelope) { e.WorkflowID = id }
}

// ForPrompt binds the envelope to a prompt.
func ForPrompt(id events.PromptID) EmitOption {
	return func(e *events.Envelope) { e.PromptID = id }
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSink registers a sink at construction time.
func WithSink(s Sink) Option {
	return func(r *Recorder) { r.pendingSinks = append(r.pendingSinks, s) }
}

// WithLogger sets the logger used for recorder diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithQueueSize sets the per-sink buffer. A full buffer drops the envelope
// for that sink and reports an ADAPTER_ERROR.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

const defaultQueueSize = 1024

// Recorder assigns sequence numbers and fans out envelopes.
type Recorder struct {
	logger    *slog.Logger
	now       func() time.Time
	queueSize int

	mu           sync.Mutex
	sessions     map[events.SessionID]*sessionLog
	workers      []*worker
	pendingSinks []Sink
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
}

type sessionLog struct {
	mu     sync.Mutex
	seq    uint64
	events []events.Envelope
}

// New creates a Recorder.
func New(opts ...Option) *Recorder {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		now:       time.Now,
		queueSize: defaultQueueSize,
		sessions:  make(map[events.SessionID]*sessionLog),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "recorder")
	}
	for _, s := range r.pendingSinks {
		r.attach(s)
	}
	r.pendingSinks = nil
	return r
}

// AddSink registers a sink. Only envelopes emitted after the call reach it.
func (r *Recorder) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.attach(s)
}

func (r *Recorder) attach(s Sink) {
	w := &worker{sink: s, ch: make(chan events.Envelope, r.queueSize)}
	w.cond = sync.NewCond(&w.mu)
	r.workers = append(r.workers, w)
	w.done = make(chan struct{})
	go w.run(r)
}

// Emit records payload for sid and returns the resulting envelope. The
// sequence number is assigned under the session lock, so envelopes of one
// session are totally ordered no matter which goroutine produced them.
func (r *Recorder) Emit(sid events.SessionID, payload events.Payload, opts ...EmitOption) events.Envelope {
	if payload == nil {
		payload = events.RuntimeError{Component: "recorder", Error: "nil payload"}
	}
	log := r.session(sid)

	log.mu.Lock()
	r.mu.Lock()
	workers := r.workers
	closed := r.closed
	r.mu.Unlock()

	log.seq++
	env := events.Envelope{
		ID:        events.NewEventID(),
		Type:      payload.EventType(),
		SessionID: sid,
		Timestamp: r.now().UTC(),
		Sequence:  log.seq,
		Source:    events.Source,
		Payload:   payload,
	}
	for _, o := range opts {
		o(&env)
	}
	log.events = append(log.events, env)

	// Enqueue while still holding the session lock so every sink sees the
	// session in sequence order.
	var dropped []string
	if !closed {
		for _, w := range workers {
			if !w.enqueue(env) {
				dropped = append(dropped, w.sink.Name())
			}
		}
	}
	log.mu.Unlock()

	for _, name := range dropped {
		r.reportSinkFailure(name, env, fmt.Errorf("sink queue full"))
	}
	return env
}

func (r *Recorder) session(sid events.SessionID) *sessionLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	log, ok := r.sessions[sid]
	if !ok {
		log = &sessionLog{}
		r.sessions[sid] = log
	}
	return log
}

// reportSinkFailure emits an ADAPTER_ERROR for a failed delivery. A failure to
// deliver an ADAPTER_ERROR is only logged.
func (r *Recorder) reportSinkFailure(sink string, env events.Envelope, err error) {
	r.logger.Warn("sink delivery failed", "sink", sink, "event_type", env.Type, "sequence", env.Sequence, "error", err)
	if env.Type == events.EventAdapterError {
		return
	}
	r.Emit(env.SessionID, events.AdapterError{
		Adapter: sink,
		Error:   err.Error(),
		EventID: env.ID,
	})
}

// Events returns a copy of the session's log in sequence order.
func (r *Recorder) Events(sid events.SessionID) []events.Envelope {
	r.mu.Lock()
	log, ok := r.sessions[sid]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	out := make([]events.Envelope, len(log.events))
	copy(out, log.events)
	return out
}

// Sessions returns the ids of every session that has emitted an event.
func (r *Recorder) Sessions() []events.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.SessionID, 0, len(r.sessions))
	for sid := range r.sessions {
		out = append(out, sid)
	}
	return out
}

// Flush blocks until every envelope enqueued so far has been handed to its
// sink.
func (r *Recorder) Flush() {
	r.mu.Lock()
	workers := r.workers
	r.mu.Unlock()
	for _, w := range workers {
		w.wait()
	}
}

// Close flushes and stops all sinks. Sinks implementing io.Closer are closed.
// Envelopes emitted after Close are still logged in memory but not fanned out.
func (r *Recorder) Close() error {
	r.Flush()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	workers := r.workers
	r.mu.Unlock()

	// Lock each session so no Emit is mid-enqueue when the channels close.
	r.mu.Lock()
	logs := make([]*sessionLog, 0, len(r.sessions))
	for _, l := range r.sessions {
		logs = append(logs, l)
	}
	r.mu.Unlock()
	for _, l := range logs {
		l.mu.Lock()
	}
	for _, w := range workers {
		close(w.ch)
	}
	for _, l := range logs {
		l.mu.Unlock()
	}

	var firstErr error
	for _, w := range workers {
		<-w.done
		if c, ok := w.sink.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("closing sink %s: %w", w.sink.Name(), err)
			}
		}
	}
	r.cancel()
	return firstErr
}

type worker struct {
	sink Sink
	ch   chan events.Envelope
	done chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	pending int
}

func (w *worker) enqueue(env events.Envelope) bool {
	w.mu.Lock()
	w.pending++
	w.mu.Unlock()
	select {
	case w.ch <- env:
		return true
	default:
		w.finish()
		return false
	}
}

func (w *worker) finish() {
	w.mu.Lock()
	w.pending--
	if w.pending == 0 {
		w.cond.Broadcast()
	}
	w.mu.Unlock()
}

func (w *worker) wait() {
	w.mu.Lock()
	for w.pending > 0 {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

func (w *worker) run(r *Recorder) {
	defer close(w.done)
	for env := range w.ch {
		if err := w.deliver(r.ctx, env); err != nil {
			r.reportSinkFailure(w.sink.Name(), env, err)
		}
		w.finish()
	}
}

func (w *worker) deliver(ctx context.Context, env events.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panic: %v", p)
		}
	}()
	return w.sink.Write(ctx, env)
}
