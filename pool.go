package loopline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxChannels bounds the number of live channels the pool keeps
	// open at once. The oldest background channel is evicted past the cap.
	DefaultMaxChannels = 8

	// DefaultDialTimeout bounds a handshake that never completes.
	DefaultDialTimeout = 10 * time.Second
)

// ============================================================================
// ChannelPool
// ============================================================================

// ChannelPool manages the live channels of a session: at most one channel
// per conversation, reused across conversation switches so returning to a
// recent conversation needs no new handshake.
//
// The pool never reconnects on its own. A channel that breaks stays in the
// pool as a stale entry and is replaced on the next GetOrCreate for its
// conversation; subscribers observe the break through OnClose.
type ChannelPool struct {
	client *Client
	log    *zap.Logger

	maxChannels int
	dialTimeout time.Duration
	heartbeat   time.Duration

	mu       sync.Mutex
	channels map[string]*poolEntry
	active   string

	sf singleflight.Group
}

type poolEntry struct {
	ch         *Channel
	lastActive time.Time
}

// PoolOption configures a ChannelPool.
type PoolOption func(*ChannelPool)

// WithMaxChannels sets the pool's channel cap.
func WithMaxChannels(n int) PoolOption {
	return func(p *ChannelPool) {
		if n > 0 {
			p.maxChannels = n
		}
	}
}

// WithDialTimeout sets the per-handshake timeout.
func WithDialTimeout(d time.Duration) PoolOption {
	return func(p *ChannelPool) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// WithHeartbeatInterval sets the keepalive interval for pooled channels.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *ChannelPool) {
		if d > 0 {
			p.heartbeat = d
		}
	}
}

// NewChannelPool creates a pool that dials channels through client.
func NewChannelPool(client *Client, opts ...PoolOption) *ChannelPool {
	p := &ChannelPool{
		client:      client,
		log:         client.log,
		maxChannels: DefaultMaxChannels,
		dialTimeout: DefaultDialTimeout,
		channels:    make(map[string]*poolEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetOrCreate returns the live channel for a conversation, dialing one if
// none exists. It is idempotent: a live channel is reused as-is, a stale one
// is torn down and replaced, and concurrent calls for the same conversation
// share a single dial.
func (p *ChannelPool) GetOrCreate(ctx context.Context, conversationID string) (*Channel, error) {
	p.mu.Lock()
	if e, ok := p.channels[conversationID]; ok && e.ch.State() == StateConnected {
		e.lastActive = time.Now()
		p.mu.Unlock()
		return e.ch, nil
	}
	p.mu.Unlock()

	v, err, _ := p.sf.Do(conversationID, func() (interface{}, error) {
		return p.create(ctx, conversationID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Channel), nil
}

func (p *ChannelPool) create(ctx context.Context, conversationID string) (*Channel, error) {
	// Re-check under the flight: a racing caller may have finished first.
	p.mu.Lock()
	if e, ok := p.channels[conversationID]; ok {
		if e.ch.State() == StateConnected {
			e.lastActive = time.Now()
			p.mu.Unlock()
			return e.ch, nil
		}
		// Stale entry: purge before redialing.
		delete(p.channels, conversationID)
		p.mu.Unlock()
		e.ch.Close()
		p.log.Debug("replacing stale channel", zap.String("conversation_id", conversationID))
	} else {
		p.mu.Unlock()
	}

	ch := newChannel(conversationID, p.client.wsURL("/ws/conversations/"+conversationID), ChannelConfig{
		HeartbeatInterval: p.heartbeat,
	})

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	if err := ch.Connect(dialCtx); err != nil {
		p.log.Warn("channel dial failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return nil, err
	}

	p.mu.Lock()
	p.channels[conversationID] = &poolEntry{ch: ch, lastActive: time.Now()}
	evict := p.evictLocked()
	p.mu.Unlock()

	for _, victim := range evict {
		p.log.Debug("evicting idle channel", zap.String("conversation_id", victim.ConversationID()))
		victim.Close()
	}

	p.log.Debug("channel opened", zap.String("conversation_id", conversationID))
	return ch, nil
}

// evictLocked trims the pool to maxChannels, picking the least-recently-active
// entries. The active conversation's channel is never evicted.
func (p *ChannelPool) evictLocked() []*Channel {
	var victims []*Channel
	for len(p.channels) > p.maxChannels {
		var oldestID string
		var oldest time.Time
		for id, e := range p.channels {
			if id == p.active {
				continue
			}
			if oldestID == "" || e.lastActive.Before(oldest) {
				oldestID = id
				oldest = e.lastActive
			}
		}
		if oldestID == "" {
			break
		}
		victims = append(victims, p.channels[oldestID].ch)
		delete(p.channels, oldestID)
	}
	return victims
}

// SetActive marks a conversation as the foreground one. Other channels stay
// connected in the background so switching back is instant.
func (p *ChannelPool) SetActive(conversationID string) {
	p.mu.Lock()
	p.active = conversationID
	if e, ok := p.channels[conversationID]; ok {
		e.lastActive = time.Now()
	}
	p.mu.Unlock()
}

// Active returns the foreground conversation id, if any.
func (p *ChannelPool) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Get returns the pooled channel for a conversation without dialing.
func (p *ChannelPool) Get(conversationID string) (*Channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.channels[conversationID]
	if !ok {
		return nil, false
	}
	return e.ch, true
}

// Len reports the number of pooled channels.
func (p *ChannelPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

// Disconnect closes and removes the channel for a conversation. Unknown ids
// are a no-op.
func (p *ChannelPool) Disconnect(conversationID string) {
	p.mu.Lock()
	e, ok := p.channels[conversationID]
	if ok {
		delete(p.channels, conversationID)
	}
	if p.active == conversationID {
		p.active = ""
	}
	p.mu.Unlock()

	if ok {
		e.ch.Close()
		p.log.Debug("channel closed", zap.String("conversation_id", conversationID))
	}
}

// DisconnectAll closes every pooled channel, e.g. on logout.
func (p *ChannelPool) DisconnectAll() {
	p.mu.Lock()
	entries := p.channels
	p.channels = make(map[string]*poolEntry)
	p.active = ""
	p.mu.Unlock()

	for _, e := range entries {
		e.ch.Close()
	}
}
