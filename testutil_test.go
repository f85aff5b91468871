package loopline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// fakeBackend is an in-process Loopline backend covering the REST and
// WebSocket surfaces the core talks to. Tests mutate its state directly and
// push events over the live channels it accepts.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	conversations []Conversation
	messages      map[string][]Message
	notifications []Notification
	likes         map[string]LikeResult
	comments      map[string][]Comment
	conns         map[string]*websocket.Conn
	commands      map[string][]string
	nextID        int

	listCalls    atomic.Int32
	historyCalls atomic.Int32
	createCalls  atomic.Int32
	upgrades     atomic.Int32

	failSends         atomic.Bool
	failLikes         atomic.Bool
	failComments      atomic.Bool
	failNotifications atomic.Bool

	// likeGate, when set, blocks like/unlike handlers until closed.
	likeGate chan struct{}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		t:        t,
		messages: make(map[string][]Message),
		likes:    make(map[string]LikeResult),
		comments: make(map[string][]Comment),
		conns:    make(map[string]*websocket.Conn),
		commands: make(map[string][]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations", b.handleListConversations)
	mux.HandleFunc("POST /conversations", b.handleCreateConversation)
	mux.HandleFunc("GET /conversations/{id}", b.handleGetConversation)
	mux.HandleFunc("POST /conversations/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, nil)
	})
	mux.HandleFunc("GET /conversations/{id}/messages", b.handleHistory)
	mux.HandleFunc("POST /conversations/{id}/messages", b.handleSend)
	mux.HandleFunc("POST /posts/{id}/like", b.handleLike)
	mux.HandleFunc("DELETE /posts/{id}/like", b.handleUnlike)
	mux.HandleFunc("GET /posts/{id}/comments", b.handleListComments)
	mux.HandleFunc("POST /posts/{id}/comments", b.handleCreateComment)
	mux.HandleFunc("PUT /comments/{id}", b.handleUpdateComment)
	mux.HandleFunc("DELETE /comments/{id}", b.handleDeleteComment)
	mux.HandleFunc("GET /notifications", b.handleListNotifications)
	mux.HandleFunc("POST /notifications/mark-all-read", b.handleMarkAllRead)
	mux.HandleFunc("POST /notifications/{id}/read", b.handleMarkNotificationRead)
	mux.HandleFunc("DELETE /notifications/{id}", b.handleDeleteNotification)
	mux.HandleFunc("GET /ws/conversations/{id}", b.handleChannel)
	mux.HandleFunc("GET /ws/notifications", b.handleNotificationChannel)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) client() *Client {
	return NewClient("test-token", WithBaseURL(b.srv.URL))
}

func (b *fakeBackend) addConversation(c Conversation) {
	b.mu.Lock()
	b.conversations = append(b.conversations, c)
	b.mu.Unlock()
}

func (b *fakeBackend) setMessages(convID string, msgs []Message) {
	b.mu.Lock()
	b.messages[convID] = msgs
	b.mu.Unlock()
}

func (b *fakeBackend) setNotifications(list []Notification) {
	b.mu.Lock()
	b.notifications = append([]Notification(nil), list...)
	b.mu.Unlock()
}

func (b *fakeBackend) setLike(postID string, count int, liked bool) {
	b.mu.Lock()
	b.likes[postID] = LikeResult{Count: count, IsLiked: liked}
	b.mu.Unlock()
}

func (b *fakeBackend) setComments(postID string, list []Comment) {
	b.mu.Lock()
	b.comments[postID] = append([]Comment(nil), list...)
	b.mu.Unlock()
}

// push sends an event to the live channel of a conversation. The key "" is
// the notification channel.
func (b *fakeBackend) push(convID, eventType string, payload any) error {
	b.mu.Lock()
	conn := b.conns[convID]
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no channel for %q", convID)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Type: eventType, Payload: raw})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// sentCommands returns the command types a channel wrote, in order.
func (b *fakeBackend) sentCommands(convID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commands[convID]...)
}

// ============================================================================
// REST handlers
// ============================================================================

func writeOK(w http.ResponseWriter, data any) {
	res := Result{OK: true}
	if data != nil {
		raw, _ := json.Marshal(data)
		res.Data = raw
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func writeErr(w http.ResponseWriter, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: code, Message: msg}})
}

func (b *fakeBackend) handleListConversations(w http.ResponseWriter, r *http.Request) {
	b.listCalls.Add(1)
	b.mu.Lock()
	list := append([]Conversation(nil), b.conversations...)
	b.mu.Unlock()
	writeOK(w, list)
}

func (b *fakeBackend) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conversations {
		if c.ID == id {
			writeOK(w, c)
			return
		}
	}
	writeErr(w, "NOT_FOUND", "no such conversation")
}

func (b *fakeBackend) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	b.createCalls.Add(1)
	var body struct {
		Participants []string `json:"participants"`
		IsGroup      bool     `json:"is_group"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	conv := Conversation{
		ID:        fmt.Sprintf("conv_%d", b.nextID),
		IsGroup:   body.IsGroup,
		CreatedAt: time.Now().UTC(),
	}
	for _, p := range body.Participants {
		conv.Participants = append(conv.Participants, UserRef{ID: p})
	}
	conv.Participants = append(conv.Participants, UserRef{ID: "me"})
	b.conversations = append(b.conversations, conv)
	writeOK(w, conv)
}

func (b *fakeBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	b.historyCalls.Add(1)
	id := r.PathValue("id")
	b.mu.Lock()
	msgs := append([]Message(nil), b.messages[id]...)
	b.mu.Unlock()
	writeOK(w, msgs)
}

func (b *fakeBackend) handleSend(w http.ResponseWriter, r *http.Request) {
	if b.failSends.Load() {
		writeErr(w, "UNAVAILABLE", "message store offline")
		return
	}
	id := r.PathValue("id")
	var body struct {
		Content string `json:"content"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	msg := Message{
		ID:             fmt.Sprintf("msg_%d", b.nextID),
		ConversationID: id,
		SenderID:       "me",
		Content:        body.Content,
		Status:         StatusSent,
		CreatedAt:      time.Now().UTC(),
	}
	b.messages[id] = append(b.messages[id], msg)
	writeOK(w, msg)
}

func (b *fakeBackend) handleLike(w http.ResponseWriter, r *http.Request) {
	if b.likeGate != nil {
		<-b.likeGate
	}
	if b.failLikes.Load() {
		writeErr(w, "UNAVAILABLE", "like service offline")
		return
	}
	id := r.PathValue("id")
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.likes[id]
	if !st.IsLiked {
		st.Count++
		st.IsLiked = true
	}
	b.likes[id] = st
	writeOK(w, st)
}

func (b *fakeBackend) handleUnlike(w http.ResponseWriter, r *http.Request) {
	if b.likeGate != nil {
		<-b.likeGate
	}
	if b.failLikes.Load() {
		writeErr(w, "UNAVAILABLE", "like service offline")
		return
	}
	id := r.PathValue("id")
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.likes[id]
	if st.IsLiked {
		st.Count--
		st.IsLiked = false
	}
	b.likes[id] = st
	writeOK(w, st)
}

func (b *fakeBackend) handleListComments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	list := append([]Comment(nil), b.comments[id]...)
	b.mu.Unlock()
	writeOK(w, list)
}

func (b *fakeBackend) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	if b.failComments.Load() {
		writeErr(w, "UNAVAILABLE", "comment service offline")
		return
	}
	id := r.PathValue("id")
	var body struct {
		Content string `json:"content"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	c := Comment{
		ID:        fmt.Sprintf("cmt_%d", b.nextID),
		PostID:    id,
		Author:    UserRef{ID: "me", Username: "me"},
		Content:   body.Content,
		CreatedAt: time.Now().UTC(),
	}
	b.comments[id] = append([]Comment{c}, b.comments[id]...)
	writeOK(w, c)
}

func (b *fakeBackend) handleUpdateComment(w http.ResponseWriter, r *http.Request) {
	if b.failComments.Load() {
		writeErr(w, "UNAVAILABLE", "comment service offline")
		return
	}
	id := r.PathValue("id")
	var body struct {
		Content string `json:"content"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	defer b.mu.Unlock()
	for postID, list := range b.comments {
		for i, c := range list {
			if c.ID == id {
				list[i].Content = body.Content
				b.comments[postID] = list
				writeOK(w, list[i])
				return
			}
		}
	}
	writeErr(w, "NOT_FOUND", "no such comment")
}

func (b *fakeBackend) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	if b.failComments.Load() {
		writeErr(w, "UNAVAILABLE", "comment service offline")
		return
	}
	id := r.PathValue("id")
	b.mu.Lock()
	defer b.mu.Unlock()
	for postID, list := range b.comments {
		kept := list[:0:0]
		for _, c := range list {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		b.comments[postID] = kept
	}
	writeOK(w, nil)
}

func (b *fakeBackend) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	list := append([]Notification(nil), b.notifications...)
	b.mu.Unlock()
	writeOK(w, list)
}

func (b *fakeBackend) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if b.failNotifications.Load() {
		writeErr(w, "UNAVAILABLE", "notification service offline")
		return
	}
	b.mu.Lock()
	for i := range b.notifications {
		b.notifications[i].IsRead = true
	}
	b.mu.Unlock()
	writeOK(w, nil)
}

func (b *fakeBackend) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if b.failNotifications.Load() {
		writeErr(w, "UNAVAILABLE", "notification service offline")
		return
	}
	id := r.PathValue("id")
	b.mu.Lock()
	for i := range b.notifications {
		if b.notifications[i].ID == id {
			b.notifications[i].IsRead = true
		}
	}
	b.mu.Unlock()
	writeOK(w, nil)
}

func (b *fakeBackend) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	if b.failNotifications.Load() {
		writeErr(w, "UNAVAILABLE", "notification service offline")
		return
	}
	id := r.PathValue("id")
	b.mu.Lock()
	kept := b.notifications[:0:0]
	for _, n := range b.notifications {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	b.notifications = kept
	b.mu.Unlock()
	writeOK(w, nil)
}

// ============================================================================
// WebSocket handlers
// ============================================================================

func (b *fakeBackend) handleChannel(w http.ResponseWriter, r *http.Request) {
	b.acceptChannel(w, r, r.PathValue("id"))
}

func (b *fakeBackend) handleNotificationChannel(w http.ResponseWriter, r *http.Request) {
	b.acceptChannel(w, r, "")
}

func (b *fakeBackend) acceptChannel(w http.ResponseWriter, r *http.Request, key string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	b.upgrades.Add(1)

	b.mu.Lock()
	b.conns[key] = conn
	b.mu.Unlock()

	// Drain client commands, recording their types.
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			b.mu.Lock()
			if b.conns[key] == conn {
				delete(b.conns, key)
			}
			b.mu.Unlock()
			return
		}
		var cmd command
		if json.Unmarshal(data, &cmd) == nil {
			b.mu.Lock()
			b.commands[key] = append(b.commands[key], cmd.Type)
			b.mu.Unlock()
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}
