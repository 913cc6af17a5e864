// Package api is the thin operational surface for collaborator
// services: session control, campaign control and status reads. All
// real work happens through the job queue; handlers only validate and
// enqueue.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/heraldhq/herald/internal/campaign"
	"github.com/heraldhq/herald/internal/repo"
)

// SessionControl is the slice of the lifecycle manager the API uses.
type SessionControl interface {
	RequestConnect(ctx context.Context, tenantID string) error
	RequestDisconnect(ctx context.Context, tenantID string) error
	RequestSync(ctx context.Context, tenantID string, maxContacts int) error
}

// CampaignControl is the slice of the orchestrator the API uses.
type CampaignControl interface {
	Start(ctx context.Context, campaignID string) (int, error)
	Pause(ctx context.Context, campaignID string) (int64, error)
}

type Handler struct {
	sessions  repo.SessionRepository
	lifecycle SessionControl
	campaigns CampaignControl
}

func NewHandler(sessions repo.SessionRepository, lifecycle SessionControl, campaigns CampaignControl) *Handler {
	return &Handler{sessions: sessions, lifecycle: lifecycle, campaigns: campaigns}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")

	sess, err := h.sessions.GetByTenant(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "unknown tenant", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"tenantId": sess.TenantID,
		"status":   string(sess.Status),
	}
	if sess.ErrorMessage != "" {
		resp["error"] = sess.ErrorMessage
	}
	if len(sess.PairingCode) > 0 {
		resp["pairingCode"] = base64.StdEncoding.EncodeToString(sess.PairingCode)
	}
	if sess.LastSeenAt != nil {
		resp["lastSeenAt"] = sess.LastSeenAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ConnectSession(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")

	if err := h.lifecycle.RequestConnect(r.Context(), tenantID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"tenantId": tenantID, "status": "needs_pairing"})
}

func (h *Handler) DisconnectSession(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")

	if err := h.lifecycle.RequestDisconnect(r.Context(), tenantID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"tenantId": tenantID})
}

func (h *Handler) SyncContacts(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	max := parseInt(r.URL.Query().Get("max"), 0)

	if err := h.lifecycle.RequestSync(r.Context(), tenantID, max); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"tenantId": tenantID})
}

func (h *Handler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	scheduled, err := h.campaigns.Start(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), campaignErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaignId": id, "scheduled": scheduled})
}

func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	cancelled, err := h.campaigns.Pause(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), campaignErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaignId": id, "cancelled": cancelled})
}

// campaignErrorStatus maps orchestrator sentinels to HTTP statuses;
// anything unrecognized is a 500.
func campaignErrorStatus(err error) int {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrNotStartable),
		errors.Is(err, campaign.ErrNotRunning),
		errors.Is(err, campaign.ErrSessionNotConnected):
		return http.StatusConflict
	case errors.Is(err, campaign.ErrNoRecipients):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
