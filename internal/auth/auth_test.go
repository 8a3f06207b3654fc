package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/algotrade/feedmux/internal/api"
)

// tokenServer counts token issues and hands out sequential tokens.
func tokenServer(t *testing.T, expiry int64, issues *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/csrf-token":
			json.NewEncoder(w).Encode(map[string]string{"csrf_token": "csrf-1"})
		case "/api/ws/token":
			if r.Header.Get("X-CSRF-Token") != "csrf-1" {
				t.Errorf("missing csrf header")
			}
			n := issues.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"status": "success",
				"token":  fmt.Sprintf("token-%d", n),
				"expiry": expiry,
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestToken_CachedUntilNearExpiry(t *testing.T) {
	var issues atomic.Int32
	server := tokenServer(t, 300, &issues)
	defer server.Close()

	now := time.Now()
	clock := func() time.Time { return now }

	ts := NewTokenSource(api.NewClient(server.URL), nil, WithClock(clock))

	tok1, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	tok2, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok1 != "token-1" || tok2 != "token-1" {
		t.Errorf("tokens = %q, %q; want both token-1", tok1, tok2)
	}
	if got := issues.Load(); got != 1 {
		t.Errorf("token issues = %d, want 1 (second call served from cache)", got)
	}

	// Advance past expiry minus margin: next call refreshes.
	now = now.Add(300 * time.Second)
	tok3, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok3 != "token-2" {
		t.Errorf("token after expiry = %q, want token-2", tok3)
	}
}

func TestFresh_AlwaysRefreshes(t *testing.T) {
	var issues atomic.Int32
	server := tokenServer(t, 300, &issues)
	defer server.Close()

	ts := NewTokenSource(api.NewClient(server.URL), nil)

	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	tok, err := ts.Fresh(context.Background())
	if err != nil {
		t.Fatalf("Fresh() error = %v", err)
	}
	if tok != "token-2" {
		t.Errorf("Fresh() = %q, want token-2", tok)
	}
}

func TestToken_Invalidate(t *testing.T) {
	var issues atomic.Int32
	server := tokenServer(t, 300, &issues)
	defer server.Close()

	ts := NewTokenSource(api.NewClient(server.URL), nil)

	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	ts.Invalidate()
	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if got := issues.Load(); got != 2 {
		t.Errorf("token issues = %d, want 2", got)
	}
}

func TestToken_ErrorPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	ts := NewTokenSource(api.NewClient(server.URL), nil)
	if _, err := ts.Token(context.Background()); err == nil {
		t.Error("Token() = nil error, want failure")
	}
}
