package loopline

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrMutationPending is returned when a mutation is attempted on an entity
// whose previous mutation has not been confirmed or rolled back yet. The
// caller retries after the pending mutation settles.
var ErrMutationPending = errors.New("loopline: mutation already pending for this entity")

// ============================================================================
// Mutation guard
// ============================================================================

// mutationGuard serializes mutations per entity key. A second mutation while
// one is in flight is rejected, not queued.
type mutationGuard struct {
	mu      sync.Mutex
	pending map[string]bool
}

func newMutationGuard() *mutationGuard {
	return &mutationGuard{pending: make(map[string]bool)}
}

// begin claims the key. It reports false when a mutation is already pending.
func (g *mutationGuard) begin(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[key] {
		return false
	}
	g.pending[key] = true
	return true
}

func (g *mutationGuard) end(key string) {
	g.mu.Lock()
	delete(g.pending, key)
	g.mu.Unlock()
}

// ============================================================================
// LikeStore
// ============================================================================

// LikeStore holds the client-side like state for posts and applies like
// toggles optimistically: the count and flag flip immediately, the server
// call runs after, and a failure restores the exact pre-toggle state.
type LikeStore struct {
	client *Client
	log    *zap.Logger
	guard  *mutationGuard

	mu     sync.Mutex
	states map[string]LikeState
}

// NewLikeStore creates a like store backed by client.
func NewLikeStore(client *Client) *LikeStore {
	return &LikeStore{
		client: client,
		log:    client.log,
		guard:  newMutationGuard(),
		states: make(map[string]LikeState),
	}
}

// Seed records the server-rendered like state for a post, typically from a
// feed or post fetch.
func (s *LikeStore) Seed(postID string, count int, isLiked bool) {
	s.mu.Lock()
	s.states[postID] = LikeState{Count: count, IsLiked: isLiked}
	s.mu.Unlock()
}

// State returns the current (possibly optimistic) like state for a post.
func (s *LikeStore) State(postID string) (LikeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[postID]
	return st, ok
}

// Toggle flips the like state for a post. The visible state changes before
// the request is issued; on success it reconciles to the server's count, on
// failure it rolls back to the snapshot taken at apply time.
//
// A toggle while a previous toggle on the same post is pending returns
// ErrMutationPending. Callers that want "tap twice quickly" semantics retry
// after the first toggle settles.
func (s *LikeStore) Toggle(ctx context.Context, postID string) error {
	if !s.guard.begin(postID) {
		return ErrMutationPending
	}
	defer s.guard.end(postID)

	s.mu.Lock()
	snapshot := s.states[postID]
	next := snapshot
	next.Pending = true
	if snapshot.IsLiked {
		next.IsLiked = false
		next.Count--
	} else {
		next.IsLiked = true
		next.Count++
	}
	s.states[postID] = next
	s.mu.Unlock()

	var (
		res *LikeResult
		err error
	)
	if next.IsLiked {
		res, err = s.client.Posts().Like(ctx, postID)
	} else {
		res, err = s.client.Posts().Unlike(ctx, postID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.states[postID] = snapshot
		s.log.Warn("like toggle rolled back", zap.String("post_id", postID), zap.Error(err))
		return err
	}
	// The server count is authoritative; another client may have liked too.
	s.states[postID] = LikeState{Count: res.Count, IsLiked: res.IsLiked}
	return nil
}

// ============================================================================
// CommentStore
// ============================================================================

// CommentStore holds per-post comment lists and applies create/edit/delete
// optimistically. A draft comment appears at the top of the list immediately
// with a client-assigned id; confirmation swaps in the server copy, failure
// restores the list exactly as it was.
type CommentStore struct {
	client *Client
	log    *zap.Logger
	guard  *mutationGuard
	self   UserRef

	mu       sync.Mutex
	comments map[string][]Comment
}

// NewCommentStore creates a comment store. self is the local user identity
// stamped on optimistic drafts.
func NewCommentStore(client *Client, self UserRef) *CommentStore {
	return &CommentStore{
		client:   client,
		log:      client.log,
		guard:    newMutationGuard(),
		self:     self,
		comments: make(map[string][]Comment),
	}
}

// Load fetches the comment list for a post from the server and replaces the
// local copy.
func (s *CommentStore) Load(ctx context.Context, postID string) ([]Comment, error) {
	list, err := s.client.Comments().List(ctx, postID, nil)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.comments[postID] = list
	s.mu.Unlock()
	return s.snapshot(postID), nil
}

// Comments returns a copy of the current (possibly optimistic) list for a post.
func (s *CommentStore) Comments(postID string) []Comment {
	return s.snapshot(postID)
}

func (s *CommentStore) snapshot(postID string) []Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Comment(nil), s.comments[postID]...)
}

// Add posts a comment. The draft is prepended immediately; on confirmation
// the server copy replaces it by id substitution, on failure the list is
// restored byte for byte.
func (s *CommentStore) Add(ctx context.Context, postID, content string) (*Comment, error) {
	key := "post:" + postID
	if !s.guard.begin(key) {
		return nil, ErrMutationPending
	}
	defer s.guard.end(key)

	draft := Comment{
		ID:      "local-" + uuid.NewString(),
		PostID:  postID,
		Author:  s.self,
		Content: content,
		Pending: true,
	}

	s.mu.Lock()
	before := append([]Comment(nil), s.comments[postID]...)
	s.comments[postID] = append([]Comment{draft}, s.comments[postID]...)
	s.mu.Unlock()

	confirmed, err := s.client.Comments().Create(ctx, postID, content)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.comments[postID] = before
		s.log.Warn("comment create rolled back", zap.String("post_id", postID), zap.Error(err))
		return nil, err
	}
	for i, c := range s.comments[postID] {
		if c.ID == draft.ID {
			s.comments[postID][i] = *confirmed
			break
		}
	}
	return confirmed, nil
}

// Edit updates a comment's content optimistically.
func (s *CommentStore) Edit(ctx context.Context, postID, commentID, content string) error {
	key := "comment:" + commentID
	if !s.guard.begin(key) {
		return ErrMutationPending
	}
	defer s.guard.end(key)

	s.mu.Lock()
	before := append([]Comment(nil), s.comments[postID]...)
	for i, c := range s.comments[postID] {
		if c.ID == commentID {
			s.comments[postID][i].Content = content
			s.comments[postID][i].Pending = true
			break
		}
	}
	s.mu.Unlock()

	confirmed, err := s.client.Comments().Update(ctx, commentID, content)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.comments[postID] = before
		s.log.Warn("comment edit rolled back", zap.String("comment_id", commentID), zap.Error(err))
		return err
	}
	for i, c := range s.comments[postID] {
		if c.ID == commentID {
			s.comments[postID][i] = *confirmed
			break
		}
	}
	return nil
}

// Remove deletes a comment optimistically.
func (s *CommentStore) Remove(ctx context.Context, postID, commentID string) error {
	key := "comment:" + commentID
	if !s.guard.begin(key) {
		return ErrMutationPending
	}
	defer s.guard.end(key)

	s.mu.Lock()
	before := append([]Comment(nil), s.comments[postID]...)
	kept := s.comments[postID][:0:0]
	for _, c := range s.comments[postID] {
		if c.ID != commentID {
			kept = append(kept, c)
		}
	}
	s.comments[postID] = kept
	s.mu.Unlock()

	if err := s.client.Comments().Delete(ctx, commentID); err != nil {
		s.mu.Lock()
		s.comments[postID] = before
		s.mu.Unlock()
		s.log.Warn("comment delete rolled back", zap.String("comment_id", commentID), zap.Error(err))
		return err
	}
	return nil
}

// ============================================================================
// NotificationStore
// ============================================================================

// NotificationStore holds the notification list and unread count, applying
// read-state mutations optimistically. The list and count always change
// together in one update so observers never see them disagree.
type NotificationStore struct {
	client *Client
	log    *zap.Logger
	guard  *mutationGuard

	mu     sync.Mutex
	list   []Notification
	unread int
}

// NewNotificationStore creates a notification store backed by client.
func NewNotificationStore(client *Client) *NotificationStore {
	return &NotificationStore{
		client: client,
		log:    client.log,
		guard:  newMutationGuard(),
	}
}

// Refresh fetches the notification list from the server.
func (s *NotificationStore) Refresh(ctx context.Context) ([]Notification, error) {
	list, err := s.client.Notifications().List(ctx, nil)
	if err != nil {
		return nil, err
	}
	unread := 0
	for _, n := range list {
		if !n.IsRead {
			unread++
		}
	}
	s.mu.Lock()
	s.list = list
	s.unread = unread
	s.mu.Unlock()
	return s.Notifications(), nil
}

// Notifications returns a copy of the current list.
func (s *NotificationStore) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.list...)
}

// Unread returns the current unread count.
func (s *NotificationStore) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// SetUnread overwrites the unread count, e.g. from a server push.
func (s *NotificationStore) SetUnread(n int) {
	s.mu.Lock()
	s.unread = n
	s.mu.Unlock()
}

// ApplyPush prepends a pushed notification and bumps the unread count.
func (s *NotificationStore) ApplyPush(n Notification) {
	s.mu.Lock()
	s.list = append([]Notification{n}, s.list...)
	if !n.IsRead {
		s.unread++
	}
	s.mu.Unlock()
}

// MarkRead marks one notification as read optimistically.
func (s *NotificationStore) MarkRead(ctx context.Context, notificationID string) error {
	key := "notification:" + notificationID
	if !s.guard.begin(key) {
		return ErrMutationPending
	}
	defer s.guard.end(key)

	s.mu.Lock()
	beforeList := append([]Notification(nil), s.list...)
	beforeUnread := s.unread
	for i, n := range s.list {
		if n.ID == notificationID && !n.IsRead {
			s.list[i].IsRead = true
			s.unread--
			break
		}
	}
	s.mu.Unlock()

	if err := s.client.Notifications().MarkRead(ctx, notificationID); err != nil {
		s.mu.Lock()
		s.list = beforeList
		s.unread = beforeUnread
		s.mu.Unlock()
		s.log.Warn("notification mark-read rolled back",
			zap.String("notification_id", notificationID), zap.Error(err))
		return err
	}
	return nil
}

// MarkAllRead flips every notification to read and zeroes the unread count
// in a single update, then confirms with one request.
func (s *NotificationStore) MarkAllRead(ctx context.Context) error {
	if !s.guard.begin("notifications:all") {
		return ErrMutationPending
	}
	defer s.guard.end("notifications:all")

	s.mu.Lock()
	beforeList := append([]Notification(nil), s.list...)
	beforeUnread := s.unread
	for i := range s.list {
		s.list[i].IsRead = true
	}
	s.unread = 0
	s.mu.Unlock()

	if err := s.client.Notifications().MarkAllRead(ctx); err != nil {
		s.mu.Lock()
		s.list = beforeList
		s.unread = beforeUnread
		s.mu.Unlock()
		s.log.Warn("mark-all-read rolled back", zap.Error(err))
		return err
	}
	return nil
}

// Remove deletes a notification optimistically.
func (s *NotificationStore) Remove(ctx context.Context, notificationID string) error {
	key := "notification:" + notificationID
	if !s.guard.begin(key) {
		return ErrMutationPending
	}
	defer s.guard.end(key)

	s.mu.Lock()
	beforeList := append([]Notification(nil), s.list...)
	beforeUnread := s.unread
	kept := s.list[:0:0]
	for _, n := range s.list {
		if n.ID == notificationID {
			if !n.IsRead {
				s.unread--
			}
			continue
		}
		kept = append(kept, n)
	}
	s.list = kept
	s.mu.Unlock()

	if err := s.client.Notifications().Delete(ctx, notificationID); err != nil {
		s.mu.Lock()
		s.list = beforeList
		s.unread = beforeUnread
		s.mu.Unlock()
		s.log.Warn("notification delete rolled back",
			zap.String("notification_id", notificationID), zap.Error(err))
		return err
	}
	return nil
}
