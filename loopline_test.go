package loopline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientRequests(t *testing.T) {
	t.Run("bearer token and pagination query", func(t *testing.T) {
		var gotAuth, gotQuery string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotQuery = r.URL.RawQuery
			writeOK(w, []Message{})
		}))
		defer srv.Close()

		client := NewClient("secret-token", WithBaseURL(srv.URL))
		_, err := client.Messages().History(context.Background(), "conv_1", &PageOptions{Limit: 25, Offset: 50})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if gotAuth != "Bearer secret-token" {
			t.Errorf("auth header = %q", gotAuth)
		}
		if gotQuery != "limit=25&offset=50" {
			t.Errorf("query = %q, want limit=25&offset=50", gotQuery)
		}
	})

	t.Run("server rejection surfaces as APIError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeErr(w, "UNAUTHORIZED", "token expired")
		}))
		defer srv.Close()

		client := NewClient("stale", WithBaseURL(srv.URL))
		_, err := client.Conversations().List(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("error = %v, want *APIError", err)
		}
		if apiErr.Code != "UNAUTHORIZED" {
			t.Errorf("code = %s, want UNAUTHORIZED", apiErr.Code)
		}
	})

	t.Run("create direct posts the participant", func(t *testing.T) {
		var gotBody map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&gotBody)
			writeOK(w, Conversation{ID: "conv_1"})
		}))
		defer srv.Close()

		client := NewClient("t", WithBaseURL(srv.URL))
		conv, err := client.Conversations().CreateDirect(context.Background(), "u9")
		if err != nil {
			t.Fatalf("CreateDirect: %v", err)
		}
		if conv.ID != "conv_1" {
			t.Errorf("id = %s, want conv_1", conv.ID)
		}
		parts, _ := gotBody["participants"].([]any)
		if len(parts) != 1 || parts[0] != "u9" {
			t.Errorf("participants = %v, want [u9]", parts)
		}
	})
}

func TestWSURL(t *testing.T) {
	client := NewClient("tok en", WithBaseURL("https://api.example.com"))
	got := client.wsURL("/ws/conversations/conv_1")
	want := "wss://api.example.com/ws/conversations/conv_1?token=tok+en"
	if got != want {
		t.Errorf("wsURL = %q, want %q", got, want)
	}

	plain := NewClient("", WithBaseURL("http://127.0.0.1:8080"))
	if got := plain.wsURL("/ws/notifications"); got != "ws://127.0.0.1:8080/ws/notifications" {
		t.Errorf("wsURL = %q", got)
	}
}
