// Package chat turns the user's draft into a streamed assistant reply. A Controller runs at most one send at a
// time: it appends the user message and an assistant placeholder, dispatches the history to the streaming
// provider with bounded retries, and writes the accumulated reply into the placeholder at a throttled rate.
package chat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-explorer/internal/models"
	"github.com/MegaGrindStone/chat-explorer/internal/notify"
	"golang.org/x/time/rate"
)

// Streamer is the streaming chat capability. The returned error is a dispatch failure; errors yielded by the
// sequence are failures in the middle of the stream.
type Streamer interface {
	Stream(ctx context.Context, history []models.Turn, opts models.ChatOptions) (iter.Seq2[models.Chunk, error], error)
}

// Engine is the part of the conversation state engine a Controller writes through.
type Engine interface {
	BeginTurn(content string) (conv models.Conversation, user, placeholder models.Message, ok bool)
	SetBusy(busy bool)
	UpdateMessageContent(id, content string)
}

// Notifier receives the user-visible outcome of a failed send.
type Notifier interface {
	Notify(message string, kind notify.Kind, d time.Duration) notify.Notification
}

// Phase is the stage a send is in.
type Phase string

// Phases of a send, in order. Completed and Failed are terminal.
const (
	PhaseIdle        Phase = "idle"
	PhaseDispatching Phase = "dispatching"
	PhaseStreaming   Phase = "streaming"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// Result describes how a send ended. A send rejected by its preconditions ends in PhaseIdle with an empty
// MessageID.
type Result struct {
	Phase     Phase  `json:"phase"`
	MessageID string `json:"messageId,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Err       error  `json:"-"`
}

// ErrorPrefix starts the content written into the placeholder of a failed send.
const ErrorPrefix = "API Error: "

const (
	defaultMaxAttempts   = 3
	defaultBackoff       = time.Second
	defaultFlushInterval = 16 * time.Millisecond

	errLoggerKey = "error"
)

// Controller is the streaming ingestion controller. It is safe for concurrent use; a second send while one is
// in flight is rejected, not queued.
type Controller struct {
	engine   Engine
	streamer Streamer
	notifier Notifier

	maxAttempts   int
	backoff       time.Duration
	flushInterval time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
	now           func() time.Time

	draftMu sync.Mutex
	draft   string

	logger *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxAttempts sets how many times a dispatch is attempted before the send fails.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the backoff unit. The wait before attempt n+1 is n times the unit.
func WithBackoff(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.backoff = d
		}
	}
}

// WithFlushInterval sets the minimum spacing of intermediate content updates. Zero flushes every chunk.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.flushInterval = d
		}
	}
}

// WithSleep replaces the function used to wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithClock replaces the clock used by the flush throttle.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewController creates a Controller writing through engine. A nil streamer makes every send fail with
// models.ErrStreamingUnavailable; a nil notifier drops notifications.
func NewController(engine Engine, streamer Streamer, notifier Notifier, opts ...Option) *Controller {
	c := &Controller{
		engine:        engine,
		streamer:      streamer,
		notifier:      notifier,
		maxAttempts:   defaultMaxAttempts,
		backoff:       defaultBackoff,
		flushInterval: defaultFlushInterval,
		sleep:         sleepContext,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("module", "chat"))
	return c
}

// SetDraft replaces the input buffer.
func (c *Controller) SetDraft(s string) {
	c.draftMu.Lock()
	defer c.draftMu.Unlock()
	c.draft = s
}

// Draft returns the input buffer.
func (c *Controller) Draft() string {
	c.draftMu.Lock()
	defer c.draftMu.Unlock()
	return c.draft
}

type pendingSend struct {
	history []models.Turn
	opts    models.ChatOptions
	target  string
}

// Send runs a complete send of the current draft and blocks until it reaches a terminal phase. ctx bounds the
// retry waits and the provider request.
func (c *Controller) Send(ctx context.Context) Result {
	p, ok := c.begin()
	if !ok {
		return Result{Phase: PhaseIdle}
	}
	return c.run(ctx, p)
}

// Start begins a send of the current draft and runs the rest of it in the background. It reports false when
// the send was rejected by its preconditions. The returned channel receives the terminal Result and is then
// closed.
func (c *Controller) Start(ctx context.Context) (string, <-chan Result, bool) {
	p, ok := c.begin()
	if !ok {
		return "", nil, false
	}
	return c.startRun(ctx, p)
}

// StartWith replaces the draft with content and starts a send of it, as one step with respect to other sends
// and draft changes. A rejected send leaves content in the draft.
func (c *Controller) StartWith(ctx context.Context, content string) (string, <-chan Result, bool) {
	c.draftMu.Lock()
	c.draft = content
	p, ok := c.beginLocked()
	c.draftMu.Unlock()
	if !ok {
		return "", nil, false
	}
	return c.startRun(ctx, p)
}

func (c *Controller) startRun(ctx context.Context, p pendingSend) (string, <-chan Result, bool) {
	done := make(chan Result, 1)
	go func() {
		defer close(done)
		done <- c.run(ctx, p)
	}()
	return p.target, done, true
}

// begin checks the preconditions, takes the busy flag and appends the user message and the placeholder. When
// it reports true the caller owns the busy flag and must hand it to run.
func (c *Controller) begin() (pendingSend, bool) {
	c.draftMu.Lock()
	defer c.draftMu.Unlock()
	return c.beginLocked()
}

// beginLocked consumes the draft. c.draftMu must be held.
func (c *Controller) beginLocked() (pendingSend, bool) {
	content := strings.TrimSpace(c.draft)
	if content == "" {
		return pendingSend{}, false
	}
	conv, _, placeholder, ok := c.engine.BeginTurn(content)
	if !ok {
		return pendingSend{}, false
	}
	c.draft = ""

	history := conv.History()
	history = append(history, models.Turn{Role: models.RoleUser, Content: content})

	return pendingSend{
		history: history,
		opts:    models.ChatOptions{Model: conv.Model, Stream: true},
		target:  placeholder.ID,
	}, true
}

func (c *Controller) run(ctx context.Context, p pendingSend) (res Result) {
	defer c.engine.SetBusy(false)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("unexpected failure: %v", r)
			c.logger.Error("Send panicked", slog.String(errLoggerKey, err.Error()))
			res = c.fail(p.target, res.Attempts, err)
		}
	}()

	res = Result{Phase: PhaseDispatching, MessageID: p.target}

	seq, attempts, err := c.dispatch(ctx, p)
	res.Attempts = attempts
	if err != nil {
		return c.fail(p.target, attempts, err)
	}

	res.Phase = PhaseStreaming
	if err := c.consume(p.target, seq); err != nil {
		return c.fail(p.target, attempts, err)
	}

	res.Phase = PhaseCompleted
	c.logger.Debug("Send completed",
		slog.String("messageID", p.target),
		slog.Int("attempts", attempts))
	return res
}

// dispatch opens the stream, retrying transient failures with a linear backoff.
func (c *Controller) dispatch(ctx context.Context, p pendingSend) (iter.Seq2[models.Chunk, error], int, error) {
	if c.streamer == nil {
		return nil, 0, models.ErrStreamingUnavailable
	}

	for attempt := 1; ; attempt++ {
		seq, err := c.streamer.Stream(ctx, p.history, p.opts)
		if err == nil {
			return seq, attempt, nil
		}
		if !models.Retryable(err) || attempt >= c.maxAttempts {
			return nil, attempt, err
		}

		wait := time.Duration(attempt) * c.backoff
		c.logger.Warn("Dispatch failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String(errLoggerKey, err.Error()))

		if err := c.sleep(ctx, wait); err != nil {
			return nil, attempt, fmt.Errorf("retry wait aborted: %w", err)
		}
	}
}

// consume accumulates chunks into the target message. Intermediate updates are throttled; the final update
// always carries the full content.
func (c *Controller) consume(target string, seq iter.Seq2[models.Chunk, error]) error {
	limit := rate.Inf
	if c.flushInterval > 0 {
		limit = rate.Every(c.flushInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	var sb strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return err
		}
		if chunk.Text == "" {
			continue
		}
		sb.WriteString(chunk.Text)
		if limiter.AllowN(c.now(), 1) {
			c.engine.UpdateMessageContent(target, sb.String())
		}
	}

	c.engine.UpdateMessageContent(target, sb.String())
	return nil
}

func (c *Controller) fail(target string, attempts int, err error) Result {
	c.logger.Error("Send failed",
		slog.String("messageID", target),
		slog.Int("attempts", attempts),
		slog.String(errLoggerKey, err.Error()))

	msg := ErrorPrefix + err.Error()
	c.engine.UpdateMessageContent(target, msg)
	if c.notifier != nil {
		c.notifier.Notify(msg, notify.KindError, 0)
	}
	return Result{Phase: PhaseFailed, MessageID: target, Attempts: attempts, Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
