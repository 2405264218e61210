package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nodal-labs/prefetch-engine/internal/config"
)

// verifyCA is a stub CA for the verification endpoint. Tokens prefixed
// "good-" are valid with read+write, anything else is rejected.
type verifyCA struct {
	srv    *httptest.Server
	calls  atomic.Int64
	status int
}

func newVerifyCA(t *testing.T) *verifyCA {
	t.Helper()
	ca := &verifyCA{status: http.StatusOK}
	ca.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tokens/verify" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		ca.calls.Add(1)
		if ca.status != http.StatusOK {
			w.WriteHeader(ca.status)
			return
		}
		var req verifyRequest
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		valid := len(req.Token) > 5 && req.Token[:5] == "good-"
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(verifyResponse{ //nolint:errcheck
			Valid:       valid,
			ServiceID:   "caller-svc",
			Permissions: []string{"read", "write"},
		})
	}))
	t.Cleanup(ca.srv.Close)
	return ca
}

func testVerifier(caURL string) *Verifier {
	return NewVerifier(config.AuthConfig{
		CAURL:          caURL,
		Credential:     "test-credential",
		VerifyCacheTTL: time.Minute,
	}, nil)
}

func TestVerify_ValidToken(t *testing.T) {
	ca := newVerifyCA(t)
	v := testVerifier(ca.srv.URL)

	p, err := v.Verify(context.Background(), "good-abc")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.ServiceID != "caller-svc" || !HasPermissions(p.Permissions, []string{"read", "write"}) {
		t.Fatalf("principal = %+v", p)
	}
}

func TestVerify_RejectedToken(t *testing.T) {
	ca := newVerifyCA(t)
	v := testVerifier(ca.srv.URL)

	if _, err := v.Verify(context.Background(), "bogus"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v; want ErrInvalidToken", err)
	}
	if _, err := v.Verify(context.Background(), ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token err = %v; want ErrInvalidToken", err)
	}
}

func TestVerify_CachesVerdicts(t *testing.T) {
	ca := newVerifyCA(t)
	v := testVerifier(ca.srv.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := v.Verify(ctx, "good-abc"); err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
	}
	if n := ca.calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d; want 1", n)
	}
}

func TestVerify_CacheExpiry(t *testing.T) {
	ca := newVerifyCA(t)
	v := testVerifier(ca.srv.URL)

	base := time.Now()
	v.now = func() time.Time { return base }

	v.Verify(context.Background(), "good-abc") //nolint:errcheck
	base = base.Add(2 * time.Minute)
	v.Verify(context.Background(), "good-abc") //nolint:errcheck

	if n := ca.calls.Load(); n != 2 {
		t.Fatalf("upstream calls = %d; want 2 after TTL lapse", n)
	}
}

func TestVerify_ExpiredEntriesPruned(t *testing.T) {
	ca := newVerifyCA(t)
	v := testVerifier(ca.srv.URL)

	base := time.Now()
	v.now = func() time.Time { return base }

	v.Verify(context.Background(), "good-old") //nolint:errcheck
	base = base.Add(2 * time.Minute)
	// The next store sweeps entries whose TTL already lapsed.
	v.Verify(context.Background(), "good-new") //nolint:errcheck

	v.mu.RLock()
	_, oldAlive := v.cache["good-old"]
	_, newAlive := v.cache["good-new"]
	v.mu.RUnlock()
	if oldAlive || !newAlive {
		t.Fatalf("cache after sweep: old=%v new=%v; want old pruned", oldAlive, newAlive)
	}
}

func TestVerify_CAFailuresAreUnavailable(t *testing.T) {
	ca := newVerifyCA(t)
	ca.status = http.StatusInternalServerError
	v := testVerifier(ca.srv.URL)

	if _, err := v.Verify(context.Background(), "good-abc"); !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("err = %v; want ErrAuthUnavailable", err)
	}

	// CA-side 401 means our credential is bad, not the caller's token;
	// still surfaced as invalid per the endpoint contract.
	ca.status = http.StatusUnauthorized
	if _, err := v.Verify(context.Background(), "good-def"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v; want ErrInvalidToken for 401", err)
	}
}

func TestHasPermissions(t *testing.T) {
	cases := []struct {
		claimed, required []string
		want              bool
	}{
		{[]string{"read", "write"}, []string{"read"}, true},
		{[]string{"read", "write"}, []string{"read", "write"}, true},
		{[]string{"read"}, []string{"write"}, false},
		{[]string{"read"}, nil, true},
		{nil, []string{"read"}, false},
		{nil, nil, true},
	}
	for _, tc := range cases {
		if got := HasPermissions(tc.claimed, tc.required); got != tc.want {
			t.Fatalf("HasPermissions(%v, %v) = %v; want %v", tc.claimed, tc.required, got, tc.want)
		}
	}
}
