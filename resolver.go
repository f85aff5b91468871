package loopline

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Resolver turns a navigation target into a canonical conversation id. A
// target is either a conversation id already ("conv_..." shape) or a peer
// user id, in which case the existing direct conversation is found or one
// is created.
//
// Results are memoized for the session, and creation for a given peer is
// deduplicated so concurrent resolutions never produce two conversations.
type Resolver struct {
	convos *ConversationsClient
	cache  *ConversationCache

	mu   sync.Mutex
	memo map[string]string
	sf   singleflight.Group
}

// NewResolver creates a resolver that consults cache for existing direct
// conversations before creating one.
func NewResolver(convos *ConversationsClient, cache *ConversationCache) *Resolver {
	return &Resolver{
		convos: convos,
		cache:  cache,
		memo:   make(map[string]string),
	}
}

// Resolve maps target to a conversation id.
func (r *Resolver) Resolve(ctx context.Context, target string) (string, error) {
	r.mu.Lock()
	if id, ok := r.memo[target]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	v, err, _ := r.sf.Do(target, func() (interface{}, error) {
		id, err := r.resolve(ctx, target)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.memo[target] = id
		r.memo[id] = id
		r.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) resolve(ctx context.Context, target string) (string, error) {
	// Canonical-id shape: verify it refers to a real conversation. On a
	// lookup failure the target falls through to peer-id handling, since a
	// user id could in principle collide with the shape.
	if strings.HasPrefix(target, "conv_") {
		if conv, err := r.convos.Get(ctx, target); err == nil {
			return conv.ID, nil
		}
	}

	// Peer id: prefer an existing direct conversation from the cached list.
	if list, err := r.cache.Conversations(ctx, false); err == nil {
		for i := range list {
			if !list[i].IsGroup && list[i].HasParticipant(target) {
				return list[i].ID, nil
			}
		}
	}

	conv, err := r.convos.CreateDirect(ctx, target)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// Forget drops a memoized target, e.g. after the conversation is deleted.
func (r *Resolver) Forget(target string) {
	r.mu.Lock()
	delete(r.memo, target)
	r.mu.Unlock()
}
