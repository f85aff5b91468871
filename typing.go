package loopline

import (
	"context"
	"sync"
	"time"
)

// DefaultTypingExpiry is how long a typing indicator stays visible without
// a renewal, and how long the local signaler waits after the last keystroke
// before emitting typing-stop. Peers renew their start signal while typing,
// so an expired indicator means the peer went quiet or disconnected.
const DefaultTypingExpiry = 3 * time.Second

type typingKey struct {
	ConversationID string
	UserID         string
}

// ============================================================================
// TypingTracker
// ============================================================================

// TypingTracker maintains the set of peers currently typing per
// conversation. Each (conversation, user) pair owns one expiry timer; a
// renewed start signal re-arms it, a stop signal removes the typist
// immediately without waiting for expiry.
type TypingTracker struct {
	expiry   time.Duration
	onChange func(conversationID string)

	mu      sync.Mutex
	timers  map[typingKey]*time.Timer
	typists map[string]map[string]bool
	stopped bool
}

// TrackerOption configures a TypingTracker.
type TrackerOption func(*TypingTracker)

// WithTypingExpiry overrides the indicator expiry.
func WithTypingExpiry(d time.Duration) TrackerOption {
	return func(t *TypingTracker) {
		if d > 0 {
			t.expiry = d
		}
	}
}

// WithTypingChanged sets a callback invoked whenever a conversation's typist
// set changes, including on expiry.
func WithTypingChanged(fn func(conversationID string)) TrackerOption {
	return func(t *TypingTracker) { t.onChange = fn }
}

// NewTypingTracker creates a tracker with the default 3s expiry.
func NewTypingTracker(opts ...TrackerOption) *TypingTracker {
	t := &TypingTracker{
		expiry:  DefaultTypingExpiry,
		timers:  make(map[typingKey]*time.Timer),
		typists: make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply feeds a typing event from a channel into the tracker.
func (t *TypingTracker) Apply(ev TypingEvent) {
	key := typingKey{ConversationID: ev.ConversationID, UserID: ev.UserID}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	if prev, ok := t.timers[key]; ok {
		prev.Stop()
		delete(t.timers, key)
	}

	changed := false
	if ev.Started {
		set := t.typists[ev.ConversationID]
		if set == nil {
			set = make(map[string]bool)
			t.typists[ev.ConversationID] = set
		}
		if !set[ev.UserID] {
			set[ev.UserID] = true
			changed = true
		}
		t.timers[key] = time.AfterFunc(t.expiry, func() { t.expire(key) })
	} else {
		changed = t.removeLocked(key)
	}
	t.mu.Unlock()

	if changed && t.onChange != nil {
		t.onChange(ev.ConversationID)
	}
}

func (t *TypingTracker) expire(key typingKey) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	delete(t.timers, key)
	changed := t.removeLocked(key)
	t.mu.Unlock()

	if changed && t.onChange != nil {
		t.onChange(key.ConversationID)
	}
}

func (t *TypingTracker) removeLocked(key typingKey) bool {
	set := t.typists[key.ConversationID]
	if !set[key.UserID] {
		return false
	}
	delete(set, key.UserID)
	if len(set) == 0 {
		delete(t.typists, key.ConversationID)
	}
	return true
}

// Typists returns the user ids currently typing in a conversation.
func (t *TypingTracker) Typists(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.typists[conversationID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Stop cancels all expiry timers. The tracker accepts no events afterwards.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
	t.typists = make(map[string]map[string]bool)
	t.mu.Unlock()
}

// ============================================================================
// TypingSignaler
// ============================================================================

// TypingSignaler debounces the local user's typing signals for one
// conversation. The first keystroke emits typing-start, further keystrokes
// re-arm the quiet timer, and the quiet period elapsing (or an explicit
// Flush) emits typing-stop. Each re-arm stops the previous timer so
// sustained typing holds exactly one outstanding timer.
type TypingSignaler struct {
	quiet time.Duration
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error

	// OnError receives failures from the quiet-timer's typing-stop emission,
	// which has no caller to return to. Set it before the first
	// InputChanged; nil drops the error.
	OnError func(error)

	mu        sync.Mutex
	signaling bool
	timer     *time.Timer
	closed    bool
}

// NewTypingSignaler creates a signaler that calls start/stop to emit the
// wire signals, typically bound to a Channel's StartTyping/StopTyping.
func NewTypingSignaler(quiet time.Duration, start, stop func(ctx context.Context) error) *TypingSignaler {
	if quiet <= 0 {
		quiet = DefaultTypingExpiry
	}
	return &TypingSignaler{quiet: quiet, start: start, stop: stop}
}

// InputChanged records a keystroke. It emits typing-start on the first call
// of a burst and re-arms the quiet timer on every call.
func (s *TypingSignaler) InputChanged(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	first := !s.signaling
	s.signaling = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.quiet, func() {
		if err := s.Flush(context.Background()); err != nil && s.OnError != nil {
			s.OnError(err)
		}
	})
	s.mu.Unlock()

	if first {
		return s.start(ctx)
	}
	return nil
}

// Flush emits typing-stop immediately if a burst is active, e.g. when the
// user sends the message or leaves the conversation.
func (s *TypingSignaler) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.signaling {
		s.mu.Unlock()
		return nil
	}
	s.signaling = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	return s.stop(ctx)
}

// Close flushes any active burst and stops the signaler.
func (s *TypingSignaler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush(context.Background())
}
