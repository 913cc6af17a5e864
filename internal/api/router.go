package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/sessions/{tenantID}", h.GetSession)
	mux.HandleFunc("POST /v1/sessions/{tenantID}/connect", h.ConnectSession)
	mux.HandleFunc("POST /v1/sessions/{tenantID}/disconnect", h.DisconnectSession)

	mux.HandleFunc("POST /v1/campaigns/{id}/start", h.StartCampaign)
	mux.HandleFunc("POST /v1/campaigns/{id}/pause", h.PauseCampaign)

	mux.HandleFunc("POST /v1/contacts/{tenantID}/sync", h.SyncContacts)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("herald"))
	})

	return mux
}
