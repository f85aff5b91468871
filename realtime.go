package loopline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ErrNotConnected is returned when a command is sent on a channel whose
// socket is not open.
var ErrNotConnected = errors.New("loopline: channel not connected")

// ============================================================================
// Event Payload Types
// ============================================================================

// TypingEvent is sent when a peer starts or stops typing in a conversation.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Started        bool   `json:"started"`
}

// StatusEvent is sent when a message's delivery status changes.
type StatusEvent struct {
	ConversationID string        `json:"conversation_id"`
	MessageID      string        `json:"message_id"`
	Status         MessageStatus `json:"status"`
}

// UnreadCountEvent is pushed on the notification channel when the caller's
// total unread count changes.
type UnreadCountEvent struct {
	Unread int `json:"unread"`
}

// channelErrorPayload is a server-side error pushed on a channel.
type channelErrorPayload struct {
	Message string `json:"message"`
}

// envelope is the wire format for all channel events.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// command is a client-to-server frame.
type command struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// ChannelState represents the connection state of a channel.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
)

// ============================================================================
// Subscriptions
// ============================================================================

// Subscription is a registered event handler. Cancel removes the handler;
// it is safe to call more than once. Re-subscribing for the same concern
// never stacks handlers as long as the previous subscription is cancelled,
// which is the contract callers rely on when switching conversations.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Cancel unregisters the handler.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// subscribers is a keyed handler registry. Handlers are invoked synchronously
// from the channel's read loop so events for one conversation are observed in
// arrival order.
type subscribers[T any] struct {
	mu   sync.RWMutex
	next uint64
	m    map[uint64]func(T)
}

func (s *subscribers[T]) add(h func(T)) *Subscription {
	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[uint64]func(T))
	}
	id := s.next
	s.next++
	s.m[id] = h
	s.mu.Unlock()

	return &Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.m, id)
		s.mu.Unlock()
	}}
}

func (s *subscribers[T]) emit(v T) {
	s.mu.RLock()
	handlers := make([]func(T), 0, len(s.m))
	for _, h := range s.m {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(v)
	}
}

// ============================================================================
// Channel
// ============================================================================

// ChannelConfig configures a live channel.
type ChannelConfig struct {
	HeartbeatInterval time.Duration
}

func (c *ChannelConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// Channel is one live WebSocket connection scoped to a single conversation.
// Channels are created through the ChannelPool; a channel carries no retry
// logic of its own, so a broken socket stays broken until the pool replaces
// it.
type Channel struct {
	conversationID string
	url            string
	config         ChannelConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ChannelState
	intentionalClose bool
	cancelFn         context.CancelFunc

	onMessage subscribers[Message]
	onTyping  subscribers[TypingEvent]
	onStatus  subscribers[StatusEvent]
	onError   subscribers[error]
	onClose   subscribers[error]

	// Notification-channel events; unused on conversation channels.
	onNotification subscribers[Notification]
	onUnreadCount  subscribers[UnreadCountEvent]
}

func newChannel(conversationID, url string, config ChannelConfig) *Channel {
	config.defaults()
	return &Channel{
		conversationID: conversationID,
		url:            url,
		config:         config,
		state:          StateDisconnected,
	}
}

// ConversationID returns the conversation this channel is bound to. It is
// empty for the user-scoped notification channel.
func (ch *Channel) ConversationID() string { return ch.conversationID }

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// OnMessage registers a handler for incoming messages.
func (ch *Channel) OnMessage(h func(Message)) *Subscription {
	return ch.onMessage.add(h)
}

// OnTyping registers a handler for typing start/stop events.
func (ch *Channel) OnTyping(h func(TypingEvent)) *Subscription {
	return ch.onTyping.add(h)
}

// OnStatus registers a handler for message delivery-status updates.
func (ch *Channel) OnStatus(h func(StatusEvent)) *Subscription {
	return ch.onStatus.add(h)
}

// OnError registers a handler for server-side channel errors.
func (ch *Channel) OnError(h func(error)) *Subscription {
	return ch.onError.add(h)
}

// OnClose registers a handler invoked when the channel closes. The argument
// is nil for an intentional close.
func (ch *Channel) OnClose(h func(error)) *Subscription {
	return ch.onClose.add(h)
}

// OnNotification registers a handler for pushed notifications. Only the
// notification channel emits these.
func (ch *Channel) OnNotification(h func(Notification)) *Subscription {
	return ch.onNotification.add(h)
}

// OnUnreadCount registers a handler for unread-count updates. Only the
// notification channel emits these.
func (ch *Channel) OnUnreadCount(h func(UnreadCountEvent)) *Subscription {
	return ch.onUnreadCount.add(h)
}

// Connect establishes the WebSocket connection. Calling Connect on a channel
// that is already connected or connecting is a no-op.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == StateConnected || ch.state == StateConnecting {
		ch.mu.Unlock()
		return nil
	}
	ch.state = StateConnecting
	ch.intentionalClose = false
	ch.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ch.url, nil)
	if err != nil {
		ch.mu.Lock()
		ch.state = StateDisconnected
		ch.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ch.mu.Lock()
	ch.conn = conn
	ch.state = StateConnected
	ch.cancelFn = cancel
	ch.mu.Unlock()

	go ch.readLoop(connCtx, conn)
	go ch.heartbeatLoop(connCtx, conn)

	return nil
}

// Close gracefully closes the channel.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	ch.intentionalClose = true
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	conn := ch.conn
	ch.conn = nil
	ch.state = StateDisconnected
	ch.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client close")
	}
	ch.onClose.emit(nil)
	return nil
}

// SendMessage sends a message over the live channel.
func (ch *Channel) SendMessage(ctx context.Context, content string) error {
	return ch.send(ctx, &command{
		Type:    "message.send",
		Payload: map[string]string{"content": content},
	})
}

// StartTyping signals that the local user began typing.
func (ch *Channel) StartTyping(ctx context.Context) error {
	return ch.send(ctx, &command{Type: "typing.start"})
}

// StopTyping signals that the local user stopped typing.
func (ch *Channel) StopTyping(ctx context.Context) error {
	return ch.send(ctx, &command{Type: "typing.stop"})
}

// MarkRead reports the newest message the local user has seen.
func (ch *Channel) MarkRead(ctx context.Context, messageID string) error {
	return ch.send(ctx, &command{
		Type:    "message.read",
		Payload: map[string]string{"message_id": messageID},
	})
}

func (ch *Channel) send(ctx context.Context, cmd *command) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// readLoop reads frames until the socket breaks. Handlers run synchronously
// here, one frame at a time, which is what keeps per-conversation event
// ordering intact for subscribers.
func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			intentional := ch.intentionalClose
			if ch.conn == conn {
				ch.conn = nil
				ch.state = StateDisconnected
			}
			ch.mu.Unlock()

			if !intentional {
				ch.onClose.emit(err)
			}
			return
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ch.dispatch(env)
	}
}

func (ch *Channel) dispatch(env envelope) {
	switch env.Type {
	case "message.new":
		var m Message
		if json.Unmarshal(env.Payload, &m) == nil {
			ch.onMessage.emit(m)
		}
	case "typing.start", "typing.stop":
		var ev TypingEvent
		if json.Unmarshal(env.Payload, &ev) == nil {
			ev.Started = env.Type == "typing.start"
			ch.onTyping.emit(ev)
		}
	case "message.status":
		var ev StatusEvent
		if json.Unmarshal(env.Payload, &ev) == nil {
			ch.onStatus.emit(ev)
		}
	case "notification.new":
		var n Notification
		if json.Unmarshal(env.Payload, &n) == nil {
			ch.onNotification.emit(n)
		}
	case "unread.count":
		var ev UnreadCountEvent
		if json.Unmarshal(env.Payload, &ev) == nil {
			ch.onUnreadCount.emit(ev)
		}
	case "error":
		var p channelErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			ch.onError.emit(errors.New(p.Message))
		}
	}
}

func (ch *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Heartbeat failed; force close so the read loop reports it.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
