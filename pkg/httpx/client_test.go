package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRequestJSONRetriesOn5xx(t *testing.T) {
	t.Parallel()
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"compiler warming up"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"package_id":"pkg-1"}`))
	}))
	defer srv.Close()

	status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL+"/v1/projects/p1/context-packages/latest", nil, nil, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if status != http.StatusOK || string(body) != `{"package_id":"pkg-1"}` {
		t.Fatalf("unexpected result status=%d body=%s", status, string(body))
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRequestJSONNoRetryOn4xx(t *testing.T) {
	t.Parallel()
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"project is not ready to compile"}`))
	}))
	defer srv.Close()

	status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL+"/v1/projects/p1/context-packages", []byte(`{}`), nil, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", status)
	}
	if attempts != 1 {
		t.Fatalf("client errors must not be retried, got %d attempts", attempts)
	}
}

func TestRequestJSONSetsHeaders(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("expected json content type, got %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	status, _, err := RequestJSON(context.Background(), nil, http.MethodPost, srv.URL, []byte(`{"action":"deploy"}`), map[string]string{"Authorization": "Bearer tok-1"}, 0, 0)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
}

func TestRequestJSONInvalidMethod(t *testing.T) {
	t.Parallel()
	if _, _, err := RequestJSON(context.Background(), http.DefaultClient, "bad method", "http://gatekeeper.local", nil, nil, 0, 0); err == nil {
		t.Fatal("expected request build error")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("read failed") }
func (brokenBody) Close() error             { return nil }

func TestRequestJSONTransportErrorExhaustsRetries(t *testing.T) {
	t.Parallel()
	attempts := 0
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		attempts++
		return nil, errors.New("dial failed")
	})}
	_, _, err := RequestJSON(context.Background(), client, http.MethodGet, "http://gatekeeper.local", nil, nil, 2, 0)
	if err == nil || !strings.Contains(err.Error(), "dial failed") {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRequestJSONRecoversFromTransportAndReadErrors(t *testing.T) {
	t.Parallel()
	ok := func() *http.Response {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(`{"decision":"allowed"}`)),
			Header:     http.Header{},
		}
	}

	for name, first := range map[string]func() (*http.Response, error){
		"transport": func() (*http.Response, error) { return nil, errors.New("temporary network") },
		"read": func() (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK, Body: brokenBody{}, Header: http.Header{}}, nil
		},
	} {
		attempts := 0
		client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			attempts++
			if attempts == 1 {
				return first()
			}
			return ok(), nil
		})}
		status, body, err := RequestJSON(context.Background(), client, http.MethodGet, "http://gatekeeper.local", nil, nil, 1, 0)
		if err != nil {
			t.Fatalf("%s: expected retry success, got %v", name, err)
		}
		if attempts != 2 || status != http.StatusOK || string(body) != `{"decision":"allowed"}` {
			t.Fatalf("%s: unexpected result attempts=%d status=%d body=%s", name, attempts, status, string(body))
		}
	}
}

func TestRequestJSONContextCancelsRetrySleep(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		cancel()
		return nil, errors.New("dial failed")
	})}
	_, _, err := RequestJSON(ctx, client, http.MethodGet, "http://gatekeeper.local", nil, nil, 5, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
