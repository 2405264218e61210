package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nodal-labs/prefetch-engine/internal/config"
)

// Verifier validates inbound bearer tokens against the CA and caches
// verification results for a bounded TTL. Concurrent verifications of the
// same token coalesce into one upstream call.
//
// Safe for concurrent use.
type Verifier struct {
	caURL      string
	credential string
	cacheTTL   time.Duration

	httpc *http.Client
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]verification

	now func() time.Time
}

// Principal is the identity the CA asserts for a verified token.
type Principal struct {
	ServiceID   string
	Permissions []string
}

// verification is a cached CA verdict for one token.
type verification struct {
	principal Principal
	expiresAt time.Time
}

// NewVerifier constructs a verifier from auth configuration. Pass nil to use
// a 10 s default HTTP client timeout.
func NewVerifier(cfg config.AuthConfig, httpc *http.Client) *Verifier {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Verifier{
		caURL:      strings.TrimRight(cfg.CAURL, "/"),
		credential: cfg.Credential,
		cacheTTL:   cfg.VerifyCacheTTL,
		httpc:      httpc,
		cache:      make(map[string]verification),
		now:        time.Now,
	}
}

// Verify returns the principal the CA asserts for token. It returns
// ErrInvalidToken for rejected tokens and ErrAuthUnavailable when the CA
// cannot be reached.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrInvalidToken
	}

	v.mu.RLock()
	if cached, ok := v.cache[token]; ok && v.now().Before(cached.expiresAt) {
		p := cached.principal
		v.mu.RUnlock()
		return p, nil
	}
	v.mu.RUnlock()

	res, err, _ := v.group.Do(token, func() (any, error) {
		p, err := v.verifyUpstream(ctx, token)
		if err != nil {
			return Principal{}, err
		}
		v.mu.Lock()
		v.cache[token] = verification{principal: p, expiresAt: v.now().Add(v.cacheTTL)}
		// Opportunistically drop expired entries so the map tracks the live
		// token population instead of growing without bound.
		for k, c := range v.cache {
			if v.now().After(c.expiresAt) {
				delete(v.cache, k)
			}
		}
		v.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return Principal{}, err
	}
	return res.(Principal), nil
}

// HasPermissions reports whether claimed covers every permission in required.
func HasPermissions(claimed, required []string) bool {
	set := make(map[string]struct{}, len(claimed))
	for _, p := range claimed {
		set[p] = struct{}{}
	}
	for _, p := range required {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid       bool     `json:"valid"`
	ServiceID   string   `json:"serviceId"`
	Permissions []string `json:"permissions"`
}

func (v *Verifier) verifyUpstream(ctx context.Context, token string) (Principal, error) {
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return Principal{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.caURL+"/api/tokens/verify", bytes.NewReader(body))
	if err != nil {
		return Principal{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.credential)

	resp, err := v.httpc.Do(req)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10)) //nolint:errcheck
		return Principal{}, ErrInvalidToken
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10)) //nolint:errcheck
		return Principal{}, fmt.Errorf("%w: verification returned status %d", ErrAuthUnavailable, resp.StatusCode)
	}

	var vr verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&vr); err != nil {
		return Principal{}, fmt.Errorf("%w: malformed verification response: %v", ErrAuthUnavailable, err)
	}
	if !vr.Valid {
		return Principal{}, ErrInvalidToken
	}
	return Principal{ServiceID: vr.ServiceID, Permissions: vr.Permissions}, nil
}
