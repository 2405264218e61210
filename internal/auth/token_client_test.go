package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nodal-labs/prefetch-engine/internal/config"
)

// issuerCA is a stub Certificate Authority that counts issuance calls and
// replays a canned response.
type issuerCA struct {
	t       *testing.T
	srv     *httptest.Server
	issued  atomic.Int64
	status  int
	respond func(w http.ResponseWriter, n int64)
}

func newIssuerCA(t *testing.T) *issuerCA {
	t.Helper()
	ca := &issuerCA{t: t, status: http.StatusCreated}
	ca.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.URL.Path != "/api/tokens" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-credential" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetService == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := ca.issued.Add(1)
		if ca.status != http.StatusOK && ca.status != http.StatusCreated {
			w.WriteHeader(ca.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ca.status)
		if ca.respond != nil {
			ca.respond(w, n)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"token":     "tok-" + req.TargetService,
			"expiresAt": time.Now().Add(time.Hour),
		})
	}))
	t.Cleanup(ca.srv.Close)
	return ca
}

func testClient(caURL string) *Client {
	return NewClient(config.AuthConfig{
		CAURL:        caURL,
		ServiceID:    "prefetch-engine",
		Credential:   "test-credential",
		TokenExpiry:  time.Hour,
		SafetyMargin: 30 * time.Second,
	}, nil)
}

func TestServiceToken_IssuesAndCaches(t *testing.T) {
	ca := newIssuerCA(t)
	c := testClient(ca.srv.URL)
	ctx := context.Background()

	tok, err := c.ServiceToken(ctx, "timeline-service", []string{"read"})
	if err != nil {
		t.Fatalf("service token: %v", err)
	}
	if tok != "tok-timeline-service" {
		t.Fatalf("token = %q", tok)
	}

	// Second call for the same key is served from the cache.
	if _, err := c.ServiceToken(ctx, "timeline-service", []string{"read"}); err != nil {
		t.Fatalf("cached token: %v", err)
	}
	if n := ca.issued.Load(); n != 1 {
		t.Fatalf("issuance calls = %d; want 1", n)
	}

	// Permission order does not fragment the cache.
	c.cache[cacheKey("svc", []string{"read", "write"})] = Token{
		Value: "x", ExpiresAt: time.Now().Add(time.Hour),
	}
	if _, err := c.ServiceToken(ctx, "svc", []string{"write", "read"}); err != nil {
		t.Fatalf("reordered permissions: %v", err)
	}
	if n := ca.issued.Load(); n != 1 {
		t.Fatalf("issuance calls = %d; want 1 after reordered hit", n)
	}
}

func TestServiceToken_ReissuesInsideSafetyMargin(t *testing.T) {
	ca := newIssuerCA(t)
	c := testClient(ca.srv.URL)

	base := time.Now()
	c.now = func() time.Time { return base }

	if _, err := c.ServiceToken(context.Background(), "svc", []string{"read"}); err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Within the margin of expiry the cached token no longer counts.
	expires := c.cache[cacheKey("svc", []string{"read"})].ExpiresAt
	base = expires.Add(-10 * time.Second)

	if _, err := c.ServiceToken(context.Background(), "svc", []string{"read"}); err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if n := ca.issued.Load(); n != 2 {
		t.Fatalf("issuance calls = %d; want 2 after margin crossed", n)
	}
}

func TestServiceToken_Invalidate(t *testing.T) {
	ca := newIssuerCA(t)
	c := testClient(ca.srv.URL)
	ctx := context.Background()

	c.ServiceToken(ctx, "svc", []string{"read"}) //nolint:errcheck
	c.Invalidate("svc", []string{"read"})
	c.ServiceToken(ctx, "svc", []string{"read"}) //nolint:errcheck

	if n := ca.issued.Load(); n != 2 {
		t.Fatalf("issuance calls = %d; want 2 after invalidation", n)
	}
}

func TestServiceToken_ExpiresInFallback(t *testing.T) {
	ca := newIssuerCA(t)
	ca.respond = func(w http.ResponseWriter, n int64) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"token":     "tok-fallback",
			"expiresIn": 120,
		})
	}
	c := testClient(ca.srv.URL)

	base := time.Now()
	c.now = func() time.Time { return base }

	if _, err := c.ServiceToken(context.Background(), "svc", []string{"read"}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	tok := c.cache[cacheKey("svc", []string{"read"})]
	if want := base.Add(120 * time.Second); !tok.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt = %v; want %v", tok.ExpiresAt, want)
	}
}

func TestServiceToken_CAErrorsSurfaceAsUnavailable(t *testing.T) {
	ca := newIssuerCA(t)
	ca.status = http.StatusInternalServerError
	c := testClient(ca.srv.URL)

	if _, err := c.ServiceToken(context.Background(), "svc", []string{"read"}); !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("err = %v; want ErrAuthUnavailable", err)
	}

	// Unreachable CA too.
	ca.srv.Close()
	c2 := testClient(ca.srv.URL)
	if _, err := c2.ServiceToken(context.Background(), "svc", []string{"read"}); !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("err = %v; want ErrAuthUnavailable for closed CA", err)
	}
}

func TestServiceToken_ConcurrentCallsCoalesce(t *testing.T) {
	ca := newIssuerCA(t)
	c := testClient(ca.srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.ServiceToken(context.Background(), "svc", []string{"read"}); err != nil {
				t.Errorf("service token: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := ca.issued.Load(); n != 1 {
		t.Fatalf("issuance calls = %d; want 1 for coalesced burst", n)
	}
}

func TestClientPing(t *testing.T) {
	ca := newIssuerCA(t)
	c := testClient(ca.srv.URL)

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping healthy CA: %v", err)
	}

	ca.srv.Close()
	if err := c.Ping(context.Background()); !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("ping down CA: %v; want ErrAuthUnavailable", err)
	}
}

func Test_cacheKey(t *testing.T) {
	if cacheKey("svc", []string{"b", "a"}) != cacheKey("svc", []string{"a", "b"}) {
		t.Fatalf("cache key is order sensitive")
	}
	if cacheKey("svc-1", []string{"a"}) == cacheKey("svc-2", []string{"a"}) {
		t.Fatalf("cache key ignores target service")
	}
}
