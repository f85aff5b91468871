// Package loopline is the Go client for the Loopline social API.
//
// It covers the messaging core of the application: conversations and
// real-time channels, optimistic likes/comments/notification state, the
// conversation cache, and typing indicators. UI layers consume this package
// through MessagingService and the per-feature stores; everything here is
// explicitly constructed — no package-level singletons.
//
// Example:
//
//	client := loopline.NewClient(token)
//
//	// REST surface
//	convos, _ := client.Conversations().List(ctx)
//	client.Posts().Like(ctx, "post-42")
//
//	// Messaging core
//	svc := loopline.NewMessagingService(client)
//	defer svc.Close()
//	svc.Open(ctx, "user-9")
//	svc.Send(ctx, "user-9", "hello")
package loopline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.loopline.social"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP client for the Loopline REST API. The bearer token is
// attached to every request and to live-channel handshakes. Token refresh is
// a session-layer concern; a request transparently retried after a refresh
// is indistinguishable from a first attempt, so no call assumes exactly-once
// delivery.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger

	conversations *ConversationsClient
	messages      *MessagesClient
	posts         *PostsClient
	comments      *CommentsClient
	notifications *NotificationsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets a structured logger. The default is a nop logger.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Loopline client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.conversations = &ConversationsClient{client: c}
	c.messages = &MessagesClient{client: c}
	c.posts = &PostsClient{client: c}
	c.comments = &CommentsClient{client: c}
	c.notifications = &NotificationsClient{client: c}
	return c
}

// SetToken replaces the auth token, e.g. after the session layer refreshes it.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Conversations returns the conversation API.
func (c *Client) Conversations() *ConversationsClient { return c.conversations }

// Messages returns the message API.
func (c *Client) Messages() *MessagesClient { return c.messages }

// Posts returns the post like API.
func (c *Client) Posts() *PostsClient { return c.posts }

// Comments returns the comment API.
func (c *Client) Comments() *CommentsClient { return c.comments }

// Notifications returns the notification API.
func (c *Client) Notifications() *NotificationsClient { return c.notifications }

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// invoke performs a request, unwraps the response envelope, and decodes its
// data into out when out is non-nil. Server rejections come back as *APIError.
func (c *Client) invoke(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if err := res.Err(); err != nil {
		return err
	}
	if out != nil {
		if err := res.Decode(out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// wsURL converts the base URL to its websocket form and appends path plus the
// token used for the channel handshake.
func (c *Client) wsURL(path string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u := base + path
	if c.token != "" {
		u += "?token=" + url.QueryEscape(c.token)
	}
	return u
}

func pageQuery(opts *PageOptions) map[string]string {
	if opts == nil {
		return nil
	}
	q := map[string]string{}
	if opts.Limit > 0 {
		q["limit"] = strconv.Itoa(opts.Limit)
	}
	if opts.Offset > 0 {
		q["offset"] = strconv.Itoa(opts.Offset)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Conversations API
// ============================================================================

// ConversationsClient handles conversation management.
type ConversationsClient struct{ client *Client }

// List fetches the caller's conversation summaries, most recent first.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := cv.client.invoke(ctx, "GET", "/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches one conversation by id.
func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	var out Conversation
	if err := cv.client.invoke(ctx, "GET", "/conversations/"+conversationID, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateDirect creates (or returns the existing) direct conversation with userID.
func (cv *ConversationsClient) CreateDirect(ctx context.Context, userID string) (*Conversation, error) {
	var out Conversation
	body := map[string]any{"participants": []string{userID}}
	if err := cv.client.invoke(ctx, "POST", "/conversations", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateGroup creates a group conversation with the given members.
func (cv *ConversationsClient) CreateGroup(ctx context.Context, title string, memberIDs []string) (*Conversation, error) {
	var out Conversation
	body := map[string]any{"participants": memberIDs, "title": title, "is_group": true}
	if err := cv.client.invoke(ctx, "POST", "/conversations", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead marks the whole conversation as read for the caller.
func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	return cv.client.invoke(ctx, "POST", "/conversations/"+conversationID+"/read", nil, nil, nil)
}

// ============================================================================
// Messages API
// ============================================================================

// MessagesClient handles message history and sending.
type MessagesClient struct{ client *Client }

// History fetches the message history for a conversation, oldest first.
func (m *MessagesClient) History(ctx context.Context, conversationID string, opts *PageOptions) ([]Message, error) {
	var out []Message
	err := m.client.invoke(ctx, "GET", "/conversations/"+conversationID+"/messages", nil, pageQuery(opts), &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Send posts a new message. The returned message carries the server-assigned
// id, timestamp, and status.
func (m *MessagesClient) Send(ctx context.Context, conversationID, content string) (*Message, error) {
	var out Message
	body := map[string]any{"content": content}
	err := m.client.invoke(ctx, "POST", "/conversations/"+conversationID+"/messages", body, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ============================================================================
// Posts API (likes)
// ============================================================================

// LikeResult is the server's authoritative like state after a mutation.
type LikeResult struct {
	Count   int  `json:"count"`
	IsLiked bool `json:"is_liked"`
}

// PostsClient handles post like mutations.
type PostsClient struct{ client *Client }

// Like likes a post and returns the updated count.
func (p *PostsClient) Like(ctx context.Context, postID string) (*LikeResult, error) {
	var out LikeResult
	if err := p.client.invoke(ctx, "POST", "/posts/"+postID+"/like", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unlike removes a like and returns the updated count.
func (p *PostsClient) Unlike(ctx context.Context, postID string) (*LikeResult, error) {
	var out LikeResult
	if err := p.client.invoke(ctx, "DELETE", "/posts/"+postID+"/like", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ============================================================================
// Comments API
// ============================================================================

// CommentsClient handles comment CRUD.
type CommentsClient struct{ client *Client }

// List fetches comments on a post, newest first.
func (cm *CommentsClient) List(ctx context.Context, postID string, opts *PageOptions) ([]Comment, error) {
	var out []Comment
	err := cm.client.invoke(ctx, "GET", "/posts/"+postID+"/comments", nil, pageQuery(opts), &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Create posts a comment and returns the server copy.
func (cm *CommentsClient) Create(ctx context.Context, postID, content string) (*Comment, error) {
	var out Comment
	body := map[string]any{"content": content}
	if err := cm.client.invoke(ctx, "POST", "/posts/"+postID+"/comments", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update edits an existing comment.
func (cm *CommentsClient) Update(ctx context.Context, commentID, content string) (*Comment, error) {
	var out Comment
	body := map[string]any{"content": content}
	if err := cm.client.invoke(ctx, "PUT", "/comments/"+commentID, body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a comment.
func (cm *CommentsClient) Delete(ctx context.Context, commentID string) error {
	return cm.client.invoke(ctx, "DELETE", "/comments/"+commentID, nil, nil, nil)
}

// ============================================================================
// Notifications API
// ============================================================================

// NotificationsClient handles notification reads and deletion.
type NotificationsClient struct{ client *Client }

// List fetches the caller's notifications, newest first.
func (n *NotificationsClient) List(ctx context.Context, opts *PageOptions) ([]Notification, error) {
	var out []Notification
	if err := n.client.invoke(ctx, "GET", "/notifications", nil, pageQuery(opts), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead marks a single notification as read.
func (n *NotificationsClient) MarkRead(ctx context.Context, notificationID string) error {
	return n.client.invoke(ctx, "POST", "/notifications/"+notificationID+"/read", nil, nil, nil)
}

// MarkAllRead marks every unread notification as read in one round trip.
func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	return n.client.invoke(ctx, "POST", "/notifications/mark-all-read", nil, nil, nil)
}

// Delete removes a notification.
func (n *NotificationsClient) Delete(ctx context.Context, notificationID string) error {
	return n.client.invoke(ctx, "DELETE", "/notifications/"+notificationID, nil, nil, nil)
}
