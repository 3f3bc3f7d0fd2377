package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nimbus-labs/key-gateway/internal/errtrack"
	"github.com/nimbus-labs/key-gateway/internal/keypool"
	"github.com/nimbus-labs/key-gateway/internal/quota"
	"github.com/nimbus-labs/key-gateway/models"
)

func newTestPool(t *testing.T, secrets ...string) (*keypool.Pool, *quota.Tracker) {
	t.Helper()
	catalog := models.Catalog{
		Models: map[string]models.ModelConfig{
			"gemini-2.5-flash": {Category: models.CategoryFlash},
		},
	}
	quotaTracker := quota.New(catalog)
	pool := keypool.New(quotaTracker, errtrack.New(), nil, nil)
	for i, s := range secrets {
		if _, err := pool.Add(context.Background(), s, ""); err != nil {
			t.Fatalf("add credential %d: %v", i, err)
		}
	}
	return pool, quotaTracker
}

func TestProxySuccess(t *testing.T) {
	var gotKey, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer upstream.Close()

	pool, quotaTracker := newTestPool(t, "sk-alpha")
	h := New(pool, quotaTracker, upstream.URL, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-flash:generateContent", strings.NewReader(`{"contents":[]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotKey != "sk-alpha" {
		t.Fatalf("expected credential header sk-alpha, got %q", gotKey)
	}
	if gotPath != "/v1beta/models/gemini-2.5-flash:generateContent" {
		t.Fatalf("unexpected upstream path %q", gotPath)
	}

	snap := quotaTracker.Snapshot()
	if len(snap) != 1 || snap[0].Count != 1 {
		t.Fatalf("expected one recorded call, got %+v", snap)
	}
}

func TestProxyListingLeavesRotationUntouched(t *testing.T) {
	var keys []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("x-goog-api-key"))
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	pool, quotaTracker := newTestPool(t, "sk-alpha", "sk-beta")
	h := New(pool, quotaTracker, upstream.URL, nil, nil)

	generate := func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-flash:generateContent", strings.NewReader("{}")))
		if rec.Code != http.StatusOK {
			t.Fatalf("generate: expected 200, got %d", rec.Code)
		}
	}

	generate()

	// Listing is a read-only probe and must not advance the cursor.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1beta/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("listing: expected 200, got %d", rec.Code)
	}

	generate()

	if len(keys) != 3 {
		t.Fatalf("expected 3 upstream calls, got %d", len(keys))
	}
	if keys[2] == keys[0] {
		t.Fatalf("listing call advanced the rotation cursor: consuming selection repeated credential with key %q", keys[0])
	}

	// The listing itself never records usage.
	for _, u := range quotaTracker.Snapshot() {
		if u.Count > 1 {
			t.Fatalf("unexpected usage count %d for %s", u.Count, u.CredentialID)
		}
	}
}

func TestProxyRejectsOversizedBody(t *testing.T) {
	upstreamCalled := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled = true
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	pool, quotaTracker := newTestPool(t, "sk-alpha")
	h := New(pool, quotaTracker, upstream.URL, nil, nil)

	body := bytes.NewReader(make([]byte, maxBodyBytes+1))
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-flash:generateContent", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if upstreamCalled {
		t.Fatal("oversized request must be refused before reaching upstream")
	}
}

func TestProxyNoCredential(t *testing.T) {
	pool, quotaTracker := newTestPool(t)
	h := New(pool, quotaTracker, "http://127.0.0.1:0", nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-flash:generateContent", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestProxyAuthFailureExcludesCredential(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid key"}}`))
	}))
	defer upstream.Close()

	pool, quotaTracker := newTestPool(t, "sk-alpha")
	h := New(pool, quotaTracker, upstream.URL, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-flash:generateContent", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected upstream 401 surfaced, got %d", rec.Code)
	}
	if len(pool.Errored()) != 1 {
		t.Fatalf("expected the credential to be excluded, got %d errored", len(pool.Errored()))
	}

	// The excluded credential is skipped; with no other credential the pool
	// is exhausted.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-flash:generateContent", strings.NewReader("{}")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once excluded, got %d", rec.Code)
	}
}

func TestProxyRetriesTransientWithDifferentCredential(t *testing.T) {
	var keys []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("x-goog-api-key"))
		if len(keys) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	pool, quotaTracker := newTestPool(t, "sk-alpha", "sk-beta")
	h := New(pool, quotaTracker, upstream.URL, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-flash:generateContent", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected retry to succeed with 200, got %d", rec.Code)
	}
	if len(keys) != 2 {
		t.Fatalf("expected two upstream attempts, got %d", len(keys))
	}
	if keys[0] == keys[1] {
		t.Fatalf("retry reused the failed credential %q", keys[0])
	}
	// A transient failure does not exclude the credential.
	if len(pool.Errored()) != 0 {
		t.Fatalf("transient failure must not exclude, got %d errored", len(pool.Errored()))
	}
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	pool, quotaTracker := newTestPool(t, "sk-alpha", "sk-beta")
	h := New(pool, quotaTracker, "http://127.0.0.1:1", nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-flash:generateContent", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 after exhausting attempts, got %d", rec.Code)
	}
}

func TestProxyStripsClientCredentialHeaders(t *testing.T) {
	var gotAuth, gotKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("x-goog-api-key")
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	pool, quotaTracker := newTestPool(t, "sk-alpha")
	h := New(pool, quotaTracker, upstream.URL, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-flash:generateContent", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer client-token")
	req.Header.Set("x-goog-api-key", "client-supplied-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotAuth != "" {
		t.Fatalf("client Authorization header leaked upstream: %q", gotAuth)
	}
	if gotKey != "sk-alpha" {
		t.Fatalf("expected pool credential upstream, got %q", gotKey)
	}

	body, _ := io.ReadAll(rec.Body)
	if strings.Contains(string(body), "sk-alpha") {
		t.Fatalf("response leaked the credential secret: %s", body)
	}
}

func TestModelFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/v1beta/models/gemini-2.5-flash:generateContent", "gemini-2.5-flash"},
		{"/v1beta/models/gemini-2.5-pro:streamGenerateContent", "gemini-2.5-pro"},
		{"/v1beta/models/text-embedding-004:embedContent", "text-embedding-004"},
		{"/v1beta/models", ""},
		{"/v1beta/models/", ""},
		{"/healthz", ""},
	}
	for _, tc := range tests {
		if got := modelFromPath(tc.path); got != tc.want {
			t.Errorf("modelFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
