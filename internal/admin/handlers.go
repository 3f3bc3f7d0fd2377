// Package admin provides the HTTP handlers for the gateway administration
// API: credential management, error listing and clearing, and usage
// reporting. Responses expose credential ids, labels, usage, and error
// metadata — never secret values. All routes are protected by bearer-token
// authentication via AuthMiddleware.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nimbus-labs/key-gateway/internal/keypool"
	"github.com/nimbus-labs/key-gateway/internal/quota"
)

// Handlers holds dependencies for the admin HTTP handlers.
type Handlers struct {
	Pool    *keypool.Pool
	Quota   *quota.Tracker
	BaseURL string
}

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/keys", h.listKeys)
	r.Post("/keys", h.addKey)
	r.Delete("/keys/{id}", h.removeKey)
	r.Post("/keys/{id}/enable", h.enableKey)
	r.Post("/keys/{id}/disable", h.disableKey)
	r.Post("/keys/{id}/clear-error", h.clearKeyError)
	r.Get("/keys/errors", h.listErrors)
	r.Get("/usage", h.usageReport)
	r.Get("/health", h.healthCheck)

	return r
}

func (h *Handlers) listKeys(w http.ResponseWriter, _ *http.Request) {
	infos := h.Pool.List()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data": infos,
		"summary": map[string]interface{}{
			"total": len(infos),
		},
	})
}

func (h *Handlers) addKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Secret string `json:"secret"`
		Label  string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_request")
		return
	}
	if body.Secret == "" {
		writeError(w, http.StatusBadRequest, "secret is required", "invalid_request_error", "invalid_request")
		return
	}

	cred, err := h.Pool.Add(r.Context(), body.Secret, body.Label)
	if err != nil {
		if errors.Is(err, keypool.ErrDuplicateCredential) {
			writeError(w, http.StatusConflict, "a credential with this secret already exists", "conflict_error", "duplicate_credential")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error", "internal_error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	// The Credential JSON shape omits the secret.
	_ = json.NewEncoder(w).Encode(cred)
}

func (h *Handlers) removeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Pool.Remove(r.Context(), id); err != nil {
		if errors.Is(err, keypool.ErrCredentialNotFound) {
			writeError(w, http.StatusNotFound, "credential not found", "not_found_error", "credential_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error", "internal_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) enableKey(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *Handlers) disableKey(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handlers) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	if err := h.Pool.SetEnabled(r.Context(), id, enabled); err != nil {
		if errors.Is(err, keypool.ErrCredentialNotFound) {
			writeError(w, http.StatusNotFound, "credential not found", "not_found_error", "credential_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error", "internal_error")
		return
	}
	status := "disabled"
	if enabled {
		status = "enabled"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (h *Handlers) clearKeyError(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Pool.ClearError(r.Context(), id); err != nil {
		if errors.Is(err, keypool.ErrCredentialNotFound) {
			writeError(w, http.StatusNotFound, "credential not found", "not_found_error", "credential_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error", "internal_error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
}

func (h *Handlers) listErrors(w http.ResponseWriter, _ *http.Request) {
	entries := h.Pool.Errored()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data": entries,
		"summary": map[string]interface{}{
			"total": len(entries),
		},
	})
}

func (h *Handlers) usageReport(w http.ResponseWriter, _ *http.Request) {
	snap := h.Quota.Snapshot()
	var total int64
	for _, u := range snap {
		total += u.Count
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"day":  h.Quota.Today(),
		"data": snap,
		"summary": map[string]interface{}{
			"total_calls": total,
			"records":     len(snap),
		},
	})
}

func (h *Handlers) healthCheck(w http.ResponseWriter, _ *http.Request) {
	infos := h.Pool.List()
	eligible := 0
	for _, info := range infos {
		if info.Enabled && !info.Excluded {
			eligible++
		}
	}
	status := "healthy"
	if eligible == 0 {
		// No usable credential is a normal operating state under sustained
		// exhaustion, surfaced as degraded rather than failing.
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       status,
		"total_keys":   len(infos),
		"eligible":     eligible,
		"upstream_url": h.BaseURL,
	})
}
