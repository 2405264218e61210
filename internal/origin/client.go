// Package origin implements the HTTP client for the timeline origin service.
// It fetches per-user timeline artifacts with a bearer token and classifies
// every failure as unauthorized, not-found, transient (retryable), or
// permanent (non-retryable) so callers can decide retry policy.
package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nodal-labs/prefetch-engine/internal/domain"
)

var (
	// ErrUnauthorized indicates the origin rejected our token. The caller
	// should invalidate the cached token so the next call re-issues.
	ErrUnauthorized = errors.New("origin rejected token")
)

// TransientError wraps failures worth retrying: 5xx responses, timeouts,
// and connection resets.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient origin failure: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps failures that retrying cannot fix (4xx other than
// 401/404).
type PermanentError struct {
	Status int
	Err    error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent origin failure: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is terminal for the operation.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Client fetches timeline artifacts from the origin service.
//
// Safe for concurrent use.
type Client struct {
	baseURL string
	timeout time.Duration
	httpc   *http.Client

	now func() time.Time
}

// NewClient constructs an origin client. timeout is the per-call deadline
// applied to every fetch; pass nil httpc to use a default transport.
func NewClient(baseURL string, timeout time.Duration, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		httpc:   httpc,
		now:     time.Now,
	}
}

// timelineBody is the accepted origin response shape. Bodies may be either
// an object carrying an entries array or a bare JSON array; entry contents
// stay opaque either way.
type timelineBody struct {
	Entries []json.RawMessage `json:"entries"`
}

// FetchTimeline GETs /timelines/{userId} with the token as a bearer
// credential. A 404 yields an empty artifact and no error (the absence is
// cacheable). Other failures are classified per package documentation.
func (c *Client) FetchTimeline(ctx context.Context, userID, token string) (*domain.Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + "/timelines/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &PermanentError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		drain(resp.Body)
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		drain(resp.Body)
		return &domain.Artifact{UserID: userID, Entries: []json.RawMessage{}, FetchedAt: c.now()}, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		drain(resp.Body)
		return nil, &TransientError{Err: fmt.Errorf("origin returned status %d", resp.StatusCode)}
	default:
		drain(resp.Body)
		return nil, &PermanentError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("origin returned status %d", resp.StatusCode),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, classifyNetErr(err)
	}

	entries, err := decodeEntries(raw)
	if err != nil {
		// A 200 with an undecodable body is an origin contract violation;
		// retrying the same fetch will not produce a different payload.
		return nil, &PermanentError{Status: resp.StatusCode, Err: err}
	}

	return &domain.Artifact{UserID: userID, Entries: entries, FetchedAt: c.now()}, nil
}

// Ping probes origin reachability for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()
	drain(resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return &TransientError{Err: fmt.Errorf("origin health returned status %d", resp.StatusCode)}
	}
	return nil
}

// decodeEntries accepts `{"entries": [...]}` or a bare `[...]` body.
func decodeEntries(raw []byte) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("malformed timeline body: %w", err)
		}
		return entries, nil
	}
	var body timelineBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("malformed timeline body: %w", err)
	}
	if body.Entries == nil {
		body.Entries = []json.RawMessage{}
	}
	return body.Entries, nil
}

// classifyNetErr maps transport-level failures. Deadlines, timeouts, and
// connection resets are all transient: connectivity may recover.
func classifyNetErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientError{Err: err}
}

func drain(r io.Reader) {
	io.Copy(io.Discard, io.LimitReader(r, 4<<10)) //nolint:errcheck
}
