package loopline

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a server-side error returned in a response envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err converts a non-OK result into a Go error. Returns nil for OK results.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "UNKNOWN", Message: "request failed"}
}

// ============================================================================
// Identities
// ============================================================================

// UserRef is a lightweight reference to a user identity.
type UserRef struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Valid reports whether s is one of the known delivery states.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// AttachmentRef points at an uploaded attachment. Message content is text;
// attachments ride alongside it by reference.
type AttachmentRef struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single message in a conversation.
//
// Until the server confirms a send, the client holds a temporary copy whose
// ID carries the "local-" prefix and whose status is StatusSending. On
// confirmation the temporary copy is replaced by id substitution — exactly
// one canonical copy exists per conversation once reconciled.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	Attachment     *AttachmentRef `json:"attachment,omitempty"`
	Status         MessageStatus  `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Local reports whether the message still carries a client-assigned id.
func (m *Message) Local() bool {
	return len(m.ID) > 6 && m.ID[:6] == "local-"
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is an addressable thread between two or more identities.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []UserRef `json:"participants"`
	IsGroup      bool      `json:"is_group"`
	LastActivity time.Time `json:"last_activity"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// ============================================================================
// Posts: likes and comments
// ============================================================================

// LikeState is the client-side projection of a post's like state, layered
// over the server-confirmed value. Pending is true while an optimistic
// toggle awaits confirmation.
type LikeState struct {
	Count   int  `json:"count"`
	IsLiked bool `json:"is_liked"`
	Pending bool `json:"-"`
}

// Comment is a comment on a post. Pending is a client-only projection flag
// for drafts that have not been confirmed by the server.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	Author    UserRef   `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Pending   bool      `json:"-"`
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationType enumerates the kinds of notifications the backend emits.
type NotificationType string

const (
	NotifyLike    NotificationType = "like"
	NotifyComment NotificationType = "comment"
	NotifyFollow  NotificationType = "follow"
	NotifyMention NotificationType = "mention"
	NotifyMessage NotificationType = "message"
	NotifySystem  NotificationType = "system"
)

// Valid reports whether t is one of the known notification types.
func (t NotificationType) Valid() bool {
	switch t {
	case NotifyLike, NotifyComment, NotifyFollow, NotifyMention, NotifyMessage, NotifySystem:
		return true
	}
	return false
}

// Notification is a single notification. Sender is nil for system notices.
// ContentObject is opaque to the core and is used only by callers for
// navigation routing.
type Notification struct {
	ID            string           `json:"id"`
	Type          NotificationType `json:"type"`
	Sender        *UserRef         `json:"sender,omitempty"`
	IsRead        bool             `json:"is_read"`
	CreatedAt     time.Time        `json:"created_at"`
	ContentObject json.RawMessage  `json:"content_object_data,omitempty"`
}

// ============================================================================
// Pagination
// ============================================================================

// PageOptions controls list pagination.
type PageOptions struct {
	Limit  int
	Offset int
}
