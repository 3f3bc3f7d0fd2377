// Package proxy forwards generative-language API requests to the upstream
// endpoint, attaching a pool-selected credential to each attempt. Request and
// response bodies pass through untouched; the proxy only reads the URL path
// to learn which model is being called.
package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nimbus-labs/key-gateway/internal/keypool"
	"github.com/nimbus-labs/key-gateway/internal/logging"
	"github.com/nimbus-labs/key-gateway/internal/metrics"
	"github.com/nimbus-labs/key-gateway/internal/quota"
)

const credentialHeader = "x-goog-api-key"

// maxAttempts bounds the select-forward cycle per request: one retry with
// the failed credential excluded after a transient upstream failure.
const maxAttempts = 2

// maxBodyBytes caps how much of a request body is buffered for retry.
// The upstream rejects inline payloads above 20MB, so anything larger is
// refused here before it can exhaust memory.
const maxBodyBytes = 32 << 20

// Handler proxies requests to the upstream API using pool credentials.
type Handler struct {
	pool    *keypool.Pool
	quota   *quota.Tracker
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// New returns a proxy handler targeting baseURL. A nil client falls back to
// a default with a 120s timeout; generation calls can be slow.
func New(pool *keypool.Pool, quotaTracker *quota.Tracker, baseURL string, client *http.Client, logger *slog.Logger) *Handler {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		pool:    pool,
		quota:   quotaTracker,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		log:     logger.With("component", "proxy"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := h.log
	if id := logging.TraceIDFromContext(r.Context()); id != "" {
		log = log.With("trace_id", id)
	}

	model := modelFromPath(r.URL.Path)

	// Model-less calls (listing available models) are read-only probes:
	// they must not advance the rotation cursor.
	consuming := model != ""
	kind := "probe"
	if consuming {
		kind = "consuming"
	}

	// Buffer the body so a transient failure can be retried with a
	// different credential.
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeProxyError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeProxyError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
	}

	excludeID := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cred, err := h.pool.Select(keypool.SelectOptions{
			Consuming: consuming,
			Model:     model,
			ExcludeID: excludeID,
		})
		if err != nil {
			if errors.Is(err, keypool.ErrNoCredentialAvailable) {
				metrics.SelectionsTotal.WithLabelValues("none_available", kind).Inc()
				log.Warn("no credential available", "model", model, "attempt", attempt)
				writeProxyError(w, http.StatusServiceUnavailable, "no API credential is currently available")
				observeDuration(start, http.StatusServiceUnavailable)
				return
			}
			writeProxyError(w, http.StatusInternalServerError, err.Error())
			observeDuration(start, http.StatusInternalServerError)
			return
		}
		metrics.SelectionsTotal.WithLabelValues("selected", kind).Inc()

		resp, err := h.forward(r, cred.Secret, body)
		if err != nil {
			h.reportOutcome(r, cred.ID, model, keypool.TransientFailure(), "transient_failure")
			log.Warn("upstream request failed", "error", err, "attempt", attempt)
			excludeID = cred.ID
			if attempt < maxAttempts {
				continue
			}
			writeProxyError(w, http.StatusBadGateway, "upstream request failed")
			observeDuration(start, http.StatusBadGateway)
			return
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			h.reportOutcome(r, cred.ID, model, keypool.Success(), "success")
			if category, ok := h.quota.CategoryOf(model); ok {
				metrics.UsageRecordedTotal.WithLabelValues(string(category)).Inc()
			}
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			h.reportOutcome(r, cred.ID, model, keypool.AuthFailure(resp.StatusCode), "auth_failure")
			metrics.CredentialErrorsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
			log.Warn("credential rejected by upstream", "credential_id", cred.ID, "status", resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			h.reportOutcome(r, cred.ID, model, keypool.TransientFailure(), "transient_failure")
			if attempt < maxAttempts {
				resp.Body.Close()
				excludeID = cred.ID
				continue
			}
		default:
			// Client errors other than auth are the caller's problem;
			// the credential stays in rotation.
			h.reportOutcome(r, cred.ID, model, keypool.TransientFailure(), "transient_failure")
		}

		copyResponse(w, resp)
		observeDuration(start, resp.StatusCode)
		return
	}
}

// forward sends one upstream attempt carrying the given credential secret.
func (h *Handler) forward(r *http.Request, secretValue string, body []byte) (*http.Response, error) {
	target := h.baseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set(credentialHeader, secretValue)

	return h.client.Do(req)
}

func (h *Handler) reportOutcome(r *http.Request, credentialID, model string, outcome keypool.Outcome, label string) {
	h.pool.ReportOutcome(r.Context(), credentialID, model, outcome)
	metrics.OutcomesTotal.WithLabelValues(label).Inc()
	metrics.ExcludedCredentials.Set(float64(len(h.pool.Errored())))
}

// modelFromPath extracts the model identifier from an upstream API path of
// the form /v1beta/models/{model}:{action}. It returns "" when the path has
// no model segment, such as model listing calls.
func modelFromPath(path string) string {
	const marker = "/models/"
	i := strings.Index(path, marker)
	if i < 0 {
		return ""
	}
	rest := path[i+len(marker):]
	if j := strings.IndexByte(rest, ':'); j >= 0 {
		rest = rest[:j]
	}
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		switch http.CanonicalHeaderKey(name) {
		case "Authorization", "X-Goog-Api-Key", "Connection", "Keep-Alive", "Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade":
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeProxyError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"proxy_error"}}`, message)
}

func observeDuration(start time.Time, status int) {
	class := fmt.Sprintf("%dxx", status/100)
	metrics.ProxyRequestDuration.WithLabelValues(class).Observe(time.Since(start).Seconds())
}
