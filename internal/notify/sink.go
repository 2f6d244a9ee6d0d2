// Package notify holds ephemeral, auto-expiring user notifications. Several notifications may be active at once;
// each is removed when its duration elapses or when it is dismissed.
package notify

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a notification.
type Kind string

// Notification kinds.
const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindWarning Kind = "warning"
	KindInfo    Kind = "info"
)

// DefaultDuration is how long a notification stays active when no duration is given.
const DefaultDuration = 3 * time.Second

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSuccess, KindError, KindWarning, KindInfo:
		return true
	}
	return false
}

// Notification is a single user-visible message.
type Notification struct {
	ID        string        `json:"id"`
	Message   string        `json:"message"`
	Kind      Kind          `json:"kind"`
	Duration  time.Duration `json:"-"`
	CreatedAt time.Time     `json:"createdAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

// Config holds the optional collaborators of a Sink.
type Config struct {
	DefaultDuration time.Duration

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
	// AfterFunc schedules f after d and returns a function that cancels it. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

// Sink is the notification sink. It is safe for concurrent use.
type Sink struct {
	defaultDuration time.Duration
	now             func() time.Time
	newID           func() string
	afterFunc       func(d time.Duration, f func()) func() bool
	logger          *slog.Logger

	mu     sync.Mutex
	active []Notification
	timers map[string]func() bool
	closed bool

	notifyMu  sync.Mutex
	observers []func([]Notification)
}

// NewSink creates an empty Sink.
func NewSink(cfg Config) *Sink {
	s := &Sink{
		defaultDuration: cfg.DefaultDuration,
		now:             cfg.Now,
		newID:           cfg.NewID,
		afterFunc:       cfg.AfterFunc,
		logger:          cfg.Logger,
		timers:          make(map[string]func() bool),
	}
	if s.defaultDuration <= 0 {
		s.defaultDuration = DefaultDuration
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return "toast_" + uuid.NewString() }
	}
	if s.afterFunc == nil {
		s.afterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("module", "notify"))
	return s
}

// Notify adds a notification that expires after d. An unknown kind is treated as success and a non-positive d
// as the default duration. After Close, Notify only logs.
func (s *Sink) Notify(message string, kind Kind, d time.Duration) Notification {
	n, _ := s.add(message, kind, d, false)
	return n
}

// NotifyOnce is Notify, except that while a notification with the same message and kind is active it returns
// that one and reports false instead of adding another.
func (s *Sink) NotifyOnce(message string, kind Kind, d time.Duration) (Notification, bool) {
	return s.add(message, kind, d, true)
}

func (s *Sink) add(message string, kind Kind, d time.Duration, once bool) (Notification, bool) {
	if !kind.Valid() {
		kind = KindSuccess
	}
	if d <= 0 {
		d = s.defaultDuration
	}

	s.mu.Lock()
	if once {
		idx := slices.IndexFunc(s.active, func(n Notification) bool {
			return n.Message == message && n.Kind == kind
		})
		if idx >= 0 {
			n := s.active[idx]
			s.mu.Unlock()
			return n, false
		}
	}
	now := s.now()
	n := Notification{
		ID:        s.newID(),
		Message:   message,
		Kind:      kind,
		Duration:  d,
		CreatedAt: now,
		ExpiresAt: now.Add(d),
	}

	s.logger.Debug("Notification",
		slog.String("id", n.ID),
		slog.String("kind", string(kind)),
		slog.String("message", message))

	if s.closed {
		s.mu.Unlock()
		return n, false
	}

	s.active = append(s.active, n)
	id := n.ID
	s.timers[id] = s.afterFunc(d, func() { s.Remove(id) })
	snapshot := slices.Clone(s.active)
	s.publishAndUnlock(snapshot)
	return n, true
}

// Remove dismisses the notification with id. Unknown ids are ignored.
func (s *Sink) Remove(id string) {
	s.mu.Lock()
	idx := slices.IndexFunc(s.active, func(n Notification) bool { return n.ID == id })
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.active = slices.Delete(s.active, idx, idx+1)
	if stop, ok := s.timers[id]; ok {
		stop()
		delete(s.timers, id)
	}
	snapshot := slices.Clone(s.active)
	s.publishAndUnlock(snapshot)
}

// Active returns the notifications that have not expired or been dismissed, oldest first.
func (s *Sink) Active() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.active)
}

// Subscribe registers fn to be called with the active notifications after every change.
func (s *Sink) Subscribe(fn func([]Notification)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Close cancels every pending expiry and drops the active notifications.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, stop := range s.timers {
		stop()
		delete(s.timers, id)
	}
	s.active = nil
	s.closed = true
}

func (s *Sink) publishAndUnlock(snapshot []Notification) {
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, fn := range s.observers {
		fn(snapshot)
	}
}
