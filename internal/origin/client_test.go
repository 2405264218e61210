package origin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func originServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 2*time.Second, nil)
}

func TestFetchTimeline_ObjectBody(t *testing.T) {
	c := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/timelines/u1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"entries":[{"id":1},{"id":2}]}`)) //nolint:errcheck
	})

	art, err := c.FetchTimeline(context.Background(), "u1", "tok")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if art.UserID != "u1" || len(art.Entries) != 2 || art.FetchedAt.IsZero() {
		t.Fatalf("artifact = %+v", art)
	}
}

func TestFetchTimeline_BareArrayBody(t *testing.T) {
	c := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":1},{"id":2},{"id":3}]`)) //nolint:errcheck
	})

	art, err := c.FetchTimeline(context.Background(), "u1", "tok")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(art.Entries) != 3 {
		t.Fatalf("entries = %d; want 3", len(art.Entries))
	}
}

func TestFetchTimeline_NotFoundIsEmptyArtifact(t *testing.T) {
	c := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	art, err := c.FetchTimeline(context.Background(), "ghost", "tok")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if art == nil || len(art.Entries) != 0 || art.Entries == nil {
		t.Fatalf("artifact = %+v; want cacheable empty timeline", art)
	}
}

func TestFetchTimeline_Unauthorized(t *testing.T) {
	c := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	if _, err := c.FetchTimeline(context.Background(), "u1", "stale"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v; want ErrUnauthorized", err)
	}
}

func TestFetchTimeline_ServerErrorIsTransient(t *testing.T) {
	c := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.FetchTimeline(context.Background(), "u1", "tok")
	if !IsTransient(err) {
		t.Fatalf("err = %v; want transient", err)
	}
	if IsPermanent(err) {
		t.Fatalf("5xx classified permanent")
	}
}

func TestFetchTimeline_ClientErrorIsPermanent(t *testing.T) {
	c := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	_, err := c.FetchTimeline(context.Background(), "u1", "tok")
	if !IsPermanent(err) {
		t.Fatalf("err = %v; want permanent", err)
	}
	var pe *PermanentError
	if !errors.As(err, &pe) || pe.Status != http.StatusUnprocessableEntity {
		t.Fatalf("permanent status = %+v", err)
	}
}

func TestFetchTimeline_MalformedBodyIsPermanent(t *testing.T) {
	c := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"entries": "not-an-array"`)) //nolint:errcheck
	})

	if _, err := c.FetchTimeline(context.Background(), "u1", "tok"); !IsPermanent(err) {
		t.Fatalf("err = %v; want permanent for undecodable 200", err)
	}
}

func TestFetchTimeline_TimeoutIsTransient(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(srv.Close)
	// Cleanups run LIFO: unblock the handler before srv.Close waits on it.
	t.Cleanup(func() { close(block) })

	c := NewClient(srv.URL, 50*time.Millisecond, nil)
	if _, err := c.FetchTimeline(context.Background(), "u1", "tok"); !IsTransient(err) {
		t.Fatalf("err = %v; want transient for deadline", err)
	}
}

func TestFetchTimeline_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, time.Second, nil)
	if _, err := c.FetchTimeline(context.Background(), "u1", "tok"); !IsTransient(err) {
		t.Fatalf("err = %v; want transient for refused connection", err)
	}
}

func TestPing(t *testing.T) {
	c := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	down := originServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if err := down.Ping(context.Background()); !IsTransient(err) {
		t.Fatalf("ping 500: %v; want transient", err)
	}
}

func Test_decodeEntries(t *testing.T) {
	cases := []struct {
		name string
		body string
		n    int
		ok   bool
	}{
		{"object", `{"entries":[{},{},{}]}`, 3, true},
		{"object empty", `{"entries":[]}`, 0, true},
		{"object missing entries", `{}`, 0, true},
		{"bare array", `[{}]`, 1, true},
		{"bare empty array", `[]`, 0, true},
		{"garbage", `nope`, 0, false},
	}
	for _, tc := range cases {
		entries, err := decodeEntries([]byte(tc.body))
		if tc.ok != (err == nil) {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
		if tc.ok && len(entries) != tc.n {
			t.Fatalf("%s: entries = %d; want %d", tc.name, len(entries), tc.n)
		}
	}
}
