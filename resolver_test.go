package loopline

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestResolverCanonicalID(t *testing.T) {
	backend := newFakeBackend(t)
	backend.addConversation(Conversation{
		ID:           "conv_77",
		Participants: []UserRef{{ID: "me"}, {ID: "u2"}},
		LastActivity: time.Now().UTC(),
	})
	client := backend.client()
	cache := NewConversationCache(client)
	resolver := NewResolver(client.Conversations(), cache)

	id, err := resolver.Resolve(context.Background(), "conv_77")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != "conv_77" {
		t.Errorf("id = %s, want conv_77", id)
	}
	if got := backend.createCalls.Load(); got != 0 {
		t.Errorf("create calls = %d, want 0 for a verified id", got)
	}
}

func TestResolverFindsExistingDirect(t *testing.T) {
	backend := newFakeBackend(t)
	backend.addConversation(Conversation{
		ID:           "conv_5",
		Participants: []UserRef{{ID: "me"}, {ID: "u9"}},
		LastActivity: time.Now().UTC(),
	})
	backend.addConversation(Conversation{
		ID:           "conv_6",
		IsGroup:      true,
		Participants: []UserRef{{ID: "me"}, {ID: "u9"}, {ID: "u10"}},
		LastActivity: time.Now().UTC(),
	})
	client := backend.client()
	cache := NewConversationCache(client)
	resolver := NewResolver(client.Conversations(), cache)

	id, err := resolver.Resolve(context.Background(), "u9")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// The group containing u9 must not be chosen.
	if id != "conv_5" {
		t.Errorf("id = %s, want the existing direct conversation conv_5", id)
	}
	if got := backend.createCalls.Load(); got != 0 {
		t.Errorf("create calls = %d, want 0", got)
	}
}

func TestResolverCreatesOnMiss(t *testing.T) {
	backend := newFakeBackend(t)
	client := backend.client()
	cache := NewConversationCache(client)
	resolver := NewResolver(client.Conversations(), cache)
	ctx := context.Background()

	id, err := resolver.Resolve(ctx, "u42")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id == "" {
		t.Fatal("empty conversation id")
	}
	if got := backend.createCalls.Load(); got != 1 {
		t.Errorf("create calls = %d, want 1", got)
	}

	// Memoized: neither a second create nor a lookup.
	again, err := resolver.Resolve(ctx, "u42")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if again != id {
		t.Errorf("second resolve = %s, want %s", again, id)
	}
	if got := backend.createCalls.Load(); got != 1 {
		t.Errorf("create calls = %d after memoized resolve, want 1", got)
	}

	// The canonical id resolves to itself afterwards.
	byID, err := resolver.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if byID != id {
		t.Errorf("resolve by id = %s, want %s", byID, id)
	}
}

func TestResolverConcurrentCreate(t *testing.T) {
	backend := newFakeBackend(t)
	client := backend.client()
	cache := NewConversationCache(client)
	resolver := NewResolver(client.Conversations(), cache)

	const goroutines = 12
	ids := make([]string, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := resolver.Resolve(context.Background(), "u7")
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("resolutions disagree: %s vs %s", ids[i], ids[0])
		}
	}
	if got := backend.createCalls.Load(); got != 1 {
		t.Errorf("create calls = %d, want exactly 1", got)
	}
}
