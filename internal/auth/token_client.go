package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/nodal-labs/prefetch-engine/internal/config"
)

// Token is an opaque credential issued by the CA together with its expiry.
// Cached tokens are immutable; replacement under the cache lock is atomic.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Client obtains service tokens from the Certificate Authority and caches
// them per (targetService, permissions) key. Concurrent requests for the
// same key coalesce into a single upstream call.
//
// The client is safe for concurrent use.
type Client struct {
	caURL        string
	serviceID    string
	credential   string
	tokenExpiry  time.Duration
	safetyMargin time.Duration

	httpc *http.Client
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]Token

	now func() time.Time // injectable clock for tests
}

// NewClient constructs a token client from auth configuration. The HTTP
// client's timeout bounds every CA call; pass nil to use a 10 s default.
func NewClient(cfg config.AuthConfig, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		caURL:        strings.TrimRight(cfg.CAURL, "/"),
		serviceID:    cfg.ServiceID,
		credential:   cfg.Credential,
		tokenExpiry:  cfg.TokenExpiry,
		safetyMargin: cfg.SafetyMargin,
		httpc:        httpc,
		cache:        make(map[string]Token),
		now:          time.Now,
	}
}

// cacheKey serializes (targetService, permissions) into a stable string.
// Permissions are sorted so {read,write} and {write,read} share one entry.
func cacheKey(targetService string, permissions []string) string {
	perms := append([]string(nil), permissions...)
	sort.Strings(perms)
	return targetService + "|" + strings.Join(perms, ",")
}

// ServiceToken returns a token for targetService with the given permissions,
// issuing a new one from the CA when the cache misses or the cached token is
// within the safety margin of expiry. Returns ErrAuthUnavailable when the CA
// cannot serve the request.
func (c *Client) ServiceToken(ctx context.Context, targetService string, permissions []string) (string, error) {
	key := cacheKey(targetService, permissions)

	if tok, ok := c.cached(key); ok {
		return tok.Value, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have stored a
		// fresh token between our miss and this closure running.
		if tok, ok := c.cached(key); ok {
			return tok, nil
		}
		tok, err := c.issue(ctx, targetService, permissions)
		if err != nil {
			return Token{}, err
		}
		c.mu.Lock()
		c.cache[key] = tok
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(Token).Value, nil
}

// Invalidate drops the cached token for (targetService, permissions). The
// next ServiceToken call re-issues. Used after an upstream 401.
func (c *Client) Invalidate(targetService string, permissions []string) {
	key := cacheKey(targetService, permissions)
	c.mu.Lock()
	delete(c.cache, key)
	c.mu.Unlock()
}

// Close destroys the token cache. Pending singleflight calls complete but
// their results are no longer stored for reuse.
func (c *Client) Close() {
	c.mu.Lock()
	c.cache = make(map[string]Token)
	c.mu.Unlock()
}

// Ping probes CA reachability for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.caURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10)) //nolint:errcheck
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrAuthUnavailable, resp.StatusCode)
	}
	return nil
}

// cached returns the token for key when it is still comfortably outside the
// safety margin.
func (c *Client) cached(key string) (Token, bool) {
	c.mu.RLock()
	tok, ok := c.cache[key]
	c.mu.RUnlock()
	if !ok {
		return Token{}, false
	}
	if c.now().Add(c.safetyMargin).After(tok.ExpiresAt) {
		return Token{}, false
	}
	return tok, true
}

// tokenRequest is the CA issuance payload.
type tokenRequest struct {
	ServiceID     string   `json:"serviceId"`
	TargetService string   `json:"targetService"`
	Permissions   []string `json:"permissions"`
	ExpirySeconds int      `json:"expirySeconds"`
}

// tokenResponse is the CA issuance reply. ExpiresAt is authoritative when
// present; ExpiresIn (seconds) is the fallback some CA versions return.
type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	ExpiresIn int       `json:"expiresIn"`
}

// issue performs the signed issuance call against the CA.
func (c *Client) issue(ctx context.Context, targetService string, permissions []string) (Token, error) {
	body, err := json.Marshal(tokenRequest{
		ServiceID:     c.serviceID,
		TargetService: targetService,
		Permissions:   permissions,
		ExpirySeconds: int(c.tokenExpiry.Seconds()),
	})
	if err != nil {
		return Token{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.caURL+"/api/tokens", bytes.NewReader(body))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.credential)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10)) //nolint:errcheck
		return Token{}, fmt.Errorf("%w: issuance returned status %d", ErrAuthUnavailable, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&tr); err != nil {
		return Token{}, fmt.Errorf("%w: malformed issuance response: %v", ErrAuthUnavailable, err)
	}
	if tr.Token == "" {
		return Token{}, fmt.Errorf("%w: issuance returned no token", ErrAuthUnavailable)
	}

	expires := tr.ExpiresAt
	if expires.IsZero() {
		if tr.ExpiresIn <= 0 {
			tr.ExpiresIn = int(c.tokenExpiry.Seconds())
		}
		expires = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	log.Debug().
		Str("target_service", targetService).
		Time("expires_at", expires).
		Msg("issued service token")

	return Token{Value: tr.Token, ExpiresAt: expires}, nil
}
