package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(srv.Client(), srv.URL, "_t=abc", logger)
	c.delay = time.Millisecond
	return c
}

func TestTopics(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/u/alice/activity/topics.json" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Cookie"); got != "_t=abc" {
			t.Errorf("Cookie header = %q, want %q", got, "_t=abc")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"topic_list":{"topics":[
			{"id":30,"title":"Newest","slug":"newest","created_at":"2025-10-13T12:00:00.000Z"},
			{"id":10,"title":"Older","slug":"older","created_at":"2025-10-01T08:00:00.000Z"}
		]}}`)
	})

	topics, err := c.Topics(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Topics() error = %v", err)
	}
	if len(topics) != 2 {
		t.Fatalf("Topics() returned %d topics, want 2", len(topics))
	}
	if topics[0].ID != 30 || topics[1].ID != 10 {
		t.Errorf("Topics() order = [%d %d], want [30 10]", topics[0].ID, topics[1].ID)
	}
	if topics[0].Slug != "newest" || topics[0].Title != "Newest" {
		t.Errorf("Topics()[0] = %+v", topics[0])
	}
	want := time.Date(2025, 10, 13, 12, 0, 0, 0, time.UTC)
	if !topics[0].CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", topics[0].CreatedAt, want)
	}
}

func TestReplies(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/u/bob/activity/replies.json" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"post_list":{"posts":[
			{"id":501,"topic_id":77,"topic_title":"Go tips","topic_slug":"go-tips","post_number":4,"excerpt":"nice","created_at":"2025-10-13T12:00:00Z"}
		]}}`)
	})

	posts, err := c.Replies(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Replies() error = %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("Replies() returned %d posts, want 1", len(posts))
	}
	p := posts[0]
	if p.ID != 501 || p.TopicID != 77 || p.PostNumber != 4 || p.TopicSlug != "go-tips" || p.TopicTitle != "Go tips" {
		t.Errorf("Replies()[0] = %+v", p)
	}
}

func TestEmptyListWhenKeyMissing(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})

	topics, err := c.Topics(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Topics() error = %v", err)
	}
	if len(topics) != 0 {
		t.Errorf("Topics() = %v, want empty", topics)
	}
}

func TestEmptyUsername(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	if _, err := c.Topics(context.Background(), "  "); err == nil {
		t.Error("Topics() with empty username should fail")
	}
	if _, err := c.Replies(context.Background(), ""); err == nil {
		t.Error("Replies() with empty username should fail")
	}
	if calls.Load() != 0 {
		t.Errorf("made %d requests for empty usernames, want 0", calls.Load())
	}
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  Kind
		wantCalls int32
		wantAuth  bool
	}{
		{name: "forbidden is not retried", status: http.StatusForbidden, wantKind: KindStatus, wantCalls: 1, wantAuth: true},
		{name: "unauthorized is not retried", status: http.StatusUnauthorized, wantKind: KindStatus, wantCalls: 1, wantAuth: true},
		{name: "not found is not retried", status: http.StatusNotFound, wantKind: KindStatus, wantCalls: 1},
		{name: "server error is retried", status: http.StatusBadGateway, wantKind: KindStatus, wantCalls: 3},
		{name: "malformed json is not retried", status: http.StatusOK, body: `{"topic_list":`, wantKind: KindDecode, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.Topics(context.Background(), "alice")
			if err == nil {
				t.Fatal("Topics() error = nil, want failure")
			}
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("error %T is not a *FetchError", err)
			}
			if fe.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", fe.Kind, tt.wantKind)
			}
			if tt.wantKind == KindStatus && fe.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", fe.StatusCode, tt.status)
			}
			if got := IsAuthFailure(err); got != tt.wantAuth {
				t.Errorf("IsAuthFailure() = %v, want %v", got, tt.wantAuth)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("server saw %d requests, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(&http.Client{Timeout: time.Second}, baseURL, "", logger)
	c.delay = time.Millisecond
	c.attempts = 1

	_, err := c.Replies(context.Background(), "alice")
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != KindTransport {
		t.Fatalf("Replies() error = %v, want transport FetchError", err)
	}
	if IsAuthFailure(err) {
		t.Error("transport failure must not be reported as auth failure")
	}
}

func TestSessionValid(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"logged in", http.StatusOK, true},
		{"expired cookie", http.StatusNotFound, false},
		{"forbidden", http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/session/current.json" {
					t.Errorf("unexpected path %q", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			})
			if got := c.SessionValid(context.Background()); got != tt.want {
				t.Errorf("SessionValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionValidUnreachable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(&http.Client{Timeout: time.Second}, "http://127.0.0.1:1", "", logger)
	if c.SessionValid(context.Background()) {
		t.Error("SessionValid() = true for unreachable forum")
	}
}

// TestLiveTopics is an integration test against the public forum.
func TestLiveTopics(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(&http.Client{Timeout: 30 * time.Second}, DefaultBaseURL, "", logger)
	topics, err := c.Topics(context.Background(), "neo")
	if err != nil {
		t.Skipf("forum not reachable from this environment: %v", err)
	}
	t.Logf("Fetched %d topics", len(topics))
}
