package httpapi

import "net/http"

// Routes builds the admission HTTP surface. It is separated from New so
// callers that want to mount it under a shared mux with other handlers
// (health, metrics) can still do so.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /check_and_consume", h.CheckAndConsume)
	mux.HandleFunc("GET /status/{tenant_id}/{client_id}/{action_type}", func(w http.ResponseWriter, r *http.Request) {
		h.Status(w, r, r.PathValue("tenant_id"), r.PathValue("client_id"), r.PathValue("action_type"))
	})

	return mux
}
