package loopline

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultListTTL is how long a fetched conversation list is served
	// without hitting the network.
	DefaultListTTL = 30 * time.Second

	// DefaultMessagesTTL is the freshness window for per-conversation
	// message history.
	DefaultMessagesTTL = 15 * time.Second

	// DefaultMaxMessages bounds the cached history per conversation. Older
	// messages are dropped first; the server remains the source for deep
	// history.
	DefaultMaxMessages = 500
)

// ============================================================================
// Store
// ============================================================================

// Store is the cache's persistence backend. MemoryStore is the default;
// RedisStore lets server-side deployments share cache state across processes.
type Store interface {
	Conversations(ctx context.Context) ([]Conversation, bool, error)
	PutConversations(ctx context.Context, list []Conversation) error
	Messages(ctx context.Context, conversationID string) ([]Message, bool, error)
	PutMessages(ctx context.Context, conversationID string, msgs []Message) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	list     []Conversation
	hasList  bool
	messages map[string][]Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string][]Message)}
}

func (m *MemoryStore) Conversations(_ context.Context) ([]Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasList {
		return nil, false, nil
	}
	return append([]Conversation(nil), m.list...), true, nil
}

func (m *MemoryStore) PutConversations(_ context.Context, list []Conversation) error {
	m.mu.Lock()
	m.list = append([]Conversation(nil), list...)
	m.hasList = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Messages(_ context.Context, conversationID string) ([]Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs, ok := m.messages[conversationID]
	if !ok {
		return nil, false, nil
	}
	return append([]Message(nil), msgs...), true, nil
}

func (m *MemoryStore) PutMessages(_ context.Context, conversationID string, msgs []Message) error {
	m.mu.Lock()
	m.messages[conversationID] = append([]Message(nil), msgs...)
	m.mu.Unlock()
	return nil
}

// ============================================================================
// ConversationCache
// ============================================================================

// ConversationCache serves conversation and message reads from the store
// within a freshness window, refetching past it. Pushed messages are applied
// directly so live traffic never waits on a refetch.
type ConversationCache struct {
	client *Client
	store  Store
	log    *zap.Logger

	listTTL     time.Duration
	msgTTL      time.Duration
	maxMessages int
	now         func() time.Time

	mu          sync.Mutex
	listFetched time.Time
	msgsFetched map[string]time.Time

	// wmu serializes read-modify-write cycles on the store. The Store
	// interface stays plain storage; without this, a Send-path append and a
	// channel-push append interleave and one overwrites the other.
	wmu sync.Mutex
}

// CacheOption configures a ConversationCache.
type CacheOption func(*ConversationCache)

// WithStore replaces the default MemoryStore backend.
func WithStore(s Store) CacheOption {
	return func(c *ConversationCache) { c.store = s }
}

// WithListTTL sets the conversation-list freshness window.
func WithListTTL(d time.Duration) CacheOption {
	return func(c *ConversationCache) { c.listTTL = d }
}

// WithMessagesTTL sets the message-history freshness window.
func WithMessagesTTL(d time.Duration) CacheOption {
	return func(c *ConversationCache) { c.msgTTL = d }
}

// WithMaxMessages sets the per-conversation history bound.
func WithMaxMessages(n int) CacheOption {
	return func(c *ConversationCache) {
		if n > 0 {
			c.maxMessages = n
		}
	}
}

// withClock overrides the cache's time source in tests.
func withClock(now func() time.Time) CacheOption {
	return func(c *ConversationCache) { c.now = now }
}

// NewConversationCache creates a cache backed by client for refetches.
func NewConversationCache(client *Client, opts ...CacheOption) *ConversationCache {
	c := &ConversationCache{
		client:      client,
		store:       NewMemoryStore(),
		log:         client.log,
		listTTL:     DefaultListTTL,
		msgTTL:      DefaultMessagesTTL,
		maxMessages: DefaultMaxMessages,
		now:         time.Now,
		msgsFetched: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Conversations returns the conversation list, most recent activity first.
// Within the freshness window the cached copy is served without a request;
// force bypasses the window (pull-to-refresh).
func (c *ConversationCache) Conversations(ctx context.Context, force bool) ([]Conversation, error) {
	c.mu.Lock()
	fresh := !force && !c.listFetched.IsZero() && c.now().Sub(c.listFetched) < c.listTTL
	c.mu.Unlock()

	if fresh {
		if list, ok, err := c.store.Conversations(ctx); err == nil && ok {
			return list, nil
		}
	}

	list, err := c.client.Conversations().List(ctx)
	if err != nil {
		// A refetch failure falls back to whatever the store still holds.
		if cached, ok, serr := c.store.Conversations(ctx); serr == nil && ok {
			c.log.Warn("conversation refresh failed, serving cached list", zap.Error(err))
			return cached, nil
		}
		return nil, err
	}

	sortConversations(list)
	c.wmu.Lock()
	if err := c.store.PutConversations(ctx, list); err != nil {
		c.log.Warn("cache write failed", zap.Error(err))
	}
	c.wmu.Unlock()
	c.mu.Lock()
	c.listFetched = c.now()
	c.mu.Unlock()
	return list, nil
}

// Messages returns the cached history for a conversation, oldest first,
// refetching past the freshness window or when force is set.
func (c *ConversationCache) Messages(ctx context.Context, conversationID string, force bool) ([]Message, error) {
	c.mu.Lock()
	fetched := c.msgsFetched[conversationID]
	fresh := !force && !fetched.IsZero() && c.now().Sub(fetched) < c.msgTTL
	c.mu.Unlock()

	if fresh {
		if msgs, ok, err := c.store.Messages(ctx, conversationID); err == nil && ok {
			return msgs, nil
		}
	}

	msgs, err := c.client.Messages().History(ctx, conversationID, &PageOptions{Limit: c.maxMessages})
	if err != nil {
		if cached, ok, serr := c.store.Messages(ctx, conversationID); serr == nil && ok {
			c.log.Warn("history refresh failed, serving cached messages",
				zap.String("conversation_id", conversationID), zap.Error(err))
			return cached, nil
		}
		return nil, err
	}

	msgs = capMessages(msgs, c.maxMessages)
	c.wmu.Lock()
	if err := c.store.PutMessages(ctx, conversationID, msgs); err != nil {
		c.log.Warn("cache write failed", zap.Error(err))
	}
	c.wmu.Unlock()
	c.mu.Lock()
	c.msgsFetched[conversationID] = c.now()
	c.mu.Unlock()
	return msgs, nil
}

// Append adds a message to its conversation's cached history in arrival
// order and updates the conversation summary (last message, last activity,
// list order). Used for both pushed messages and local optimistic sends.
//
// Append is id-aware: the backend echoes the sender's own message over the
// live channel, so an id already present in the history updates that entry
// in place rather than appending a second copy.
func (c *ConversationCache) Append(ctx context.Context, msg Message) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	msgs, _, err := c.store.Messages(ctx, msg.ConversationID)
	if err != nil {
		c.log.Warn("cache read failed", zap.Error(err))
		return
	}
	replaced := false
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		msgs = capMessages(append(msgs, msg), c.maxMessages)
	}
	if err := c.store.PutMessages(ctx, msg.ConversationID, msgs); err != nil {
		c.log.Warn("cache write failed", zap.Error(err))
	}

	c.touchConversation(ctx, msg)
}

// touchConversation updates the owning conversation's summary and re-sorts
// the list so it reflects the new activity without a refetch. Callers hold
// wmu.
func (c *ConversationCache) touchConversation(ctx context.Context, msg Message) {
	list, ok, err := c.store.Conversations(ctx)
	if err != nil || !ok {
		return
	}
	for i := range list {
		if list[i].ID == msg.ConversationID {
			m := msg
			list[i].LastMessage = &m
			if msg.CreatedAt.After(list[i].LastActivity) {
				list[i].LastActivity = msg.CreatedAt
			}
			break
		}
	}
	sortConversations(list)
	if err := c.store.PutConversations(ctx, list); err != nil {
		c.log.Warn("cache write failed", zap.Error(err))
	}
}

// ReplaceMessage swaps a message by id, used when a server confirmation
// replaces an optimistic local copy. It reports whether the id was found.
// When the channel echo landed first and the server copy is already cached,
// the stale entry is dropped instead, keeping one canonical copy.
func (c *ConversationCache) ReplaceMessage(ctx context.Context, conversationID, oldID string, msg Message) bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	msgs, ok, err := c.store.Messages(ctx, conversationID)
	if err != nil || !ok {
		return false
	}
	oldIdx, newIdx := -1, -1
	for i := range msgs {
		switch msgs[i].ID {
		case oldID:
			oldIdx = i
		case msg.ID:
			newIdx = i
		}
	}
	if oldIdx < 0 {
		return false
	}
	if newIdx >= 0 {
		msgs[newIdx] = msg
		msgs = append(msgs[:oldIdx], msgs[oldIdx+1:]...)
	} else {
		msgs[oldIdx] = msg
	}
	if err := c.store.PutMessages(ctx, conversationID, msgs); err != nil {
		c.log.Warn("cache write failed", zap.Error(err))
		return false
	}
	c.touchConversation(ctx, msg)
	return true
}

// UpdateStatus sets the delivery status of a cached message.
func (c *ConversationCache) UpdateStatus(ctx context.Context, conversationID, messageID string, status MessageStatus) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	msgs, ok, err := c.store.Messages(ctx, conversationID)
	if err != nil || !ok {
		return
	}
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Status = status
			break
		}
	}
	if err := c.store.PutMessages(ctx, conversationID, msgs); err != nil {
		c.log.Warn("cache write failed", zap.Error(err))
	}
}

// Invalidate drops the freshness markers so the next read refetches.
func (c *ConversationCache) Invalidate(conversationID string) {
	c.mu.Lock()
	c.listFetched = time.Time{}
	if conversationID != "" {
		delete(c.msgsFetched, conversationID)
	}
	c.mu.Unlock()
}

func sortConversations(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastActivity.After(list[j].LastActivity)
	})
}

// capMessages trims to the newest n messages, preserving order.
func capMessages(msgs []Message, n int) []Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
