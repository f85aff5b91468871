package loopline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// MessagingService
// ============================================================================

// MessagingService is the composition root of the messaging core. It wires
// the resolver, channel pool, conversation cache, typing state, and the
// optimistic stores into one object a UI layer drives. Everything is
// constructed explicitly; two services on one process never share state.
type MessagingService struct {
	client *Client
	log    *zap.Logger

	pool     *ChannelPool
	cache    *ConversationCache
	resolver *Resolver
	tracker  *TypingTracker

	likes         *LikeStore
	comments      *CommentStore
	notifications *NotificationStore

	self         UserRef
	typingExpiry time.Duration

	// subs holds the cancellable channel subscriptions per conversation so
	// reopening a conversation replaces its handlers instead of stacking
	// them.
	mu        sync.Mutex
	subs      map[string][]*Subscription
	signalers map[string]*TypingSignaler
	notifCh   *Channel
}

// ServiceOption configures a MessagingService.
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	self         UserRef
	store        Store
	maxChannels  int
	typingExpiry time.Duration
	onTyping     func(conversationID string)
}

// WithSelf sets the local user identity stamped on optimistic drafts.
func WithSelf(self UserRef) ServiceOption {
	return func(c *serviceConfig) { c.self = self }
}

// WithServiceStore replaces the cache's default MemoryStore backend.
func WithServiceStore(s Store) ServiceOption {
	return func(c *serviceConfig) { c.store = s }
}

// WithChannelLimit caps the number of pooled live channels.
func WithChannelLimit(n int) ServiceOption {
	return func(c *serviceConfig) { c.maxChannels = n }
}

// WithTypingTimeout overrides the typing-indicator expiry and the local
// signaler's quiet period.
func WithTypingTimeout(d time.Duration) ServiceOption {
	return func(c *serviceConfig) { c.typingExpiry = d }
}

// WithTypingObserver sets a callback invoked when a conversation's typist
// set changes.
func WithTypingObserver(fn func(conversationID string)) ServiceOption {
	return func(c *serviceConfig) { c.onTyping = fn }
}

// NewMessagingService assembles the messaging core on top of client.
func NewMessagingService(client *Client, opts ...ServiceOption) *MessagingService {
	cfg := serviceConfig{
		maxChannels:  DefaultMaxChannels,
		typingExpiry: DefaultTypingExpiry,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	cacheOpts := []CacheOption{}
	if cfg.store != nil {
		cacheOpts = append(cacheOpts, WithStore(cfg.store))
	}
	cache := NewConversationCache(client, cacheOpts...)

	trackerOpts := []TrackerOption{WithTypingExpiry(cfg.typingExpiry)}
	if cfg.onTyping != nil {
		trackerOpts = append(trackerOpts, WithTypingChanged(cfg.onTyping))
	}

	return &MessagingService{
		client:        client,
		log:           client.log,
		pool:          NewChannelPool(client, WithMaxChannels(cfg.maxChannels)),
		cache:         cache,
		resolver:      NewResolver(client.Conversations(), cache),
		tracker:       NewTypingTracker(trackerOpts...),
		likes:         NewLikeStore(client),
		comments:      NewCommentStore(client, cfg.self),
		notifications: NewNotificationStore(client),
		self:          cfg.self,
		typingExpiry:  cfg.typingExpiry,
		subs:          make(map[string][]*Subscription),
		signalers:     make(map[string]*TypingSignaler),
	}
}

// Cache returns the conversation cache for direct reads.
func (s *MessagingService) Cache() *ConversationCache { return s.cache }

// Pool returns the channel pool.
func (s *MessagingService) Pool() *ChannelPool { return s.pool }

// Likes returns the optimistic like store.
func (s *MessagingService) Likes() *LikeStore { return s.likes }

// Comments returns the optimistic comment store.
func (s *MessagingService) Comments() *CommentStore { return s.comments }

// Notifications returns the notification store.
func (s *MessagingService) Notifications() *NotificationStore { return s.notifications }

// Typists returns the peers currently typing in the target's conversation,
// if it has been resolved before.
func (s *MessagingService) Typists(conversationID string) []string {
	return s.tracker.Typists(conversationID)
}

// Open makes a conversation the active one: resolves the target, ensures a
// live channel, wires its events into the cache and typing state, and warms
// the caches. Returns the canonical conversation id.
func (s *MessagingService) Open(ctx context.Context, target string) (string, error) {
	convID, err := s.resolver.Resolve(ctx, target)
	if err != nil {
		return "", err
	}

	ch, err := s.pool.GetOrCreate(ctx, convID)
	if err != nil {
		return "", err
	}
	s.pool.SetActive(convID)
	s.bind(convID, ch)

	if _, err := s.cache.Conversations(ctx, false); err != nil {
		s.log.Warn("conversation list warm-up failed", zap.Error(err))
	}
	if _, err := s.cache.Messages(ctx, convID, false); err != nil {
		s.log.Warn("history warm-up failed", zap.String("conversation_id", convID), zap.Error(err))
	}

	return convID, nil
}

// bind routes a channel's events into the cache and typing tracker. Previous
// subscriptions for the conversation are cancelled first so a reopened
// conversation never double-handles events.
func (s *MessagingService) bind(convID string, ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs[convID] {
		sub.Cancel()
	}
	ctx := context.Background()
	s.subs[convID] = []*Subscription{
		ch.OnMessage(func(m Message) {
			s.cache.Append(ctx, m)
		}),
		ch.OnTyping(func(ev TypingEvent) {
			s.tracker.Apply(ev)
		}),
		ch.OnStatus(func(ev StatusEvent) {
			s.cache.UpdateStatus(ctx, ev.ConversationID, ev.MessageID, ev.Status)
		}),
		ch.OnClose(func(err error) {
			if err != nil {
				s.log.Warn("channel closed", zap.String("conversation_id", convID), zap.Error(err))
			}
		}),
	}
}

// Send delivers a message to the target's conversation. The message shows up
// in the cache immediately with a local id and StatusSending; the server
// confirmation swaps in the canonical copy, a failure flips the local copy
// to StatusFailed and returns the error. The failed copy stays visible so
// the UI can offer a retry.
func (s *MessagingService) Send(ctx context.Context, target, content string) (*Message, error) {
	convID, err := s.resolver.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	// Sending implies the typing burst is over.
	s.mu.Lock()
	sig := s.signalers[convID]
	s.mu.Unlock()
	if sig != nil {
		sig.Flush(ctx)
	}

	local := Message{
		ID:             "local-" + uuid.NewString(),
		ConversationID: convID,
		SenderID:       s.self.ID,
		Content:        content,
		Status:         StatusSending,
		CreatedAt:      time.Now().UTC(),
	}
	s.cache.Append(ctx, local)

	confirmed, err := s.client.Messages().Send(ctx, convID, content)
	if err != nil {
		s.cache.UpdateStatus(ctx, convID, local.ID, StatusFailed)
		s.log.Warn("send failed", zap.String("conversation_id", convID), zap.Error(err))
		return nil, err
	}
	if confirmed.Status == "" {
		confirmed.Status = StatusSent
	}
	if !s.cache.ReplaceMessage(ctx, convID, local.ID, *confirmed) {
		// The local copy fell out of the cache (capacity or a forced
		// refresh); make sure the canonical copy is present.
		s.cache.Append(ctx, *confirmed)
	}
	return confirmed, nil
}

// InputChanged records a keystroke in the target's conversation and emits
// debounced typing signals on its channel.
func (s *MessagingService) InputChanged(ctx context.Context, target string) error {
	convID, err := s.resolver.Resolve(ctx, target)
	if err != nil {
		return err
	}
	ch, ok := s.pool.Get(convID)
	if !ok {
		return ErrNotConnected
	}
	s.mu.Lock()
	sig, ok := s.signalers[convID]
	if !ok {
		sig = NewTypingSignaler(s.typingExpiry, ch.StartTyping, ch.StopTyping)
		sig.OnError = func(err error) {
			s.log.Warn("typing stop signal failed",
				zap.String("conversation_id", convID), zap.Error(err))
		}
		s.signalers[convID] = sig
	}
	s.mu.Unlock()
	return sig.InputChanged(ctx)
}

// MarkRead marks the target's conversation as read, both on the wire for
// read receipts and via REST for the unread counter.
func (s *MessagingService) MarkRead(ctx context.Context, target string) error {
	convID, err := s.resolver.Resolve(ctx, target)
	if err != nil {
		return err
	}
	if ch, ok := s.pool.Get(convID); ok {
		if msgs, err := s.cache.Messages(ctx, convID, false); err == nil && len(msgs) > 0 {
			ch.MarkRead(ctx, msgs[len(msgs)-1].ID)
		}
	}
	return s.client.Conversations().MarkRead(ctx, convID)
}

// ConnectNotifications opens the user-scoped notification channel and feeds
// its pushes into the notification store.
func (s *MessagingService) ConnectNotifications(ctx context.Context) error {
	s.mu.Lock()
	if s.notifCh != nil && s.notifCh.State() == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ch := newChannel("", s.client.wsURL("/ws/notifications"), ChannelConfig{})
	ch.OnNotification(func(n Notification) {
		s.notifications.ApplyPush(n)
	})
	ch.OnUnreadCount(func(ev UnreadCountEvent) {
		s.notifications.SetUnread(ev.Unread)
	})
	if err := ch.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	old := s.notifCh
	s.notifCh = ch
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Close tears down every live channel, timer, and signaler. The service is
// not reusable afterwards.
func (s *MessagingService) Close() error {
	s.mu.Lock()
	signalers := s.signalers
	s.signalers = make(map[string]*TypingSignaler)
	notifCh := s.notifCh
	s.notifCh = nil
	s.mu.Unlock()

	for _, sig := range signalers {
		sig.Close()
	}
	s.tracker.Stop()
	s.pool.DisconnectAll()
	if notifCh != nil {
		notifCh.Close()
	}
	return nil
}
