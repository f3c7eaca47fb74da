package linkedin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreatePostReturnsURNFromHeader(t *testing.T) {
	var captured struct {
		auth    string
		restli  string
		payload map[string]interface{}
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/ugcPosts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		captured.auth = r.Header.Get("Authorization")
		captured.restli = r.Header.Get("X-Restli-Protocol-Version")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured.payload); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Header().Set("X-RestLi-Id", "urn:li:share:6001")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, nil)
	urn, err := client.CreatePost(context.Background(), "token-1", "member-1", "shipped a thing")
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if urn != "urn:li:share:6001" {
		t.Fatalf("unexpected urn %q", urn)
	}
	if captured.auth != "Bearer token-1" {
		t.Fatalf("unexpected authorization %q", captured.auth)
	}
	if captured.restli != "2.0.0" {
		t.Fatalf("unexpected protocol version %q", captured.restli)
	}
	if captured.payload["author"] != "urn:li:person:member-1" {
		t.Fatalf("unexpected author %v", captured.payload["author"])
	}
	if captured.payload["lifecycleState"] != "PUBLISHED" {
		t.Fatalf("unexpected lifecycle state %v", captured.payload["lifecycleState"])
	}
}

func TestCreatePostFallsBackToBodyID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "urn:li:share:6002"})
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, nil)
	urn, err := client.CreatePost(context.Background(), "token-1", "member-1", "text")
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if urn != "urn:li:share:6002" {
		t.Fatalf("unexpected urn %q", urn)
	}
}

func TestCreatePostClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		retryable bool
		auth      bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, retryable: true},
		{name: "server error", status: http.StatusInternalServerError, retryable: true},
		{name: "unauthorized", status: http.StatusUnauthorized, auth: true},
		{name: "forbidden", status: http.StatusForbidden, auth: true},
		{name: "bad request", status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer server.Close()

			client := NewClient(server.URL, time.Second, nil)
			_, err := client.CreatePost(context.Background(), "token-1", "member-1", "text")
			if err == nil {
				t.Fatalf("expected error")
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != tc.status {
				t.Fatalf("expected APIError with status %d, got %v", tc.status, err)
			}
			if Retryable(err) != tc.retryable {
				t.Fatalf("Retryable = %v, want %v", Retryable(err), tc.retryable)
			}
			if IsAuthError(err) != tc.auth {
				t.Fatalf("IsAuthError = %v, want %v", IsAuthError(err), tc.auth)
			}
		})
	}
}

func TestRetryableTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(server.URL, time.Second, nil)
	_, err := client.CreatePost(context.Background(), "token-1", "member-1", "text")
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if !Retryable(err) {
		t.Fatalf("expected transport errors to be retryable")
	}
	if IsAuthError(err) {
		t.Fatalf("transport errors are not auth failures")
	}
}

func TestProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/userinfo" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token-1" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"sub": "member-9"})
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, nil)
	sub, err := client.Profile(context.Background(), "token-1")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if sub != "member-9" {
		t.Fatalf("unexpected subject %q", sub)
	}
}
