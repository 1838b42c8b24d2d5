package admin

import "net/http"

// handlePublisherStatus handles GET /admin/tap/publisher
func (h *AdminHandlers) handlePublisherStatus(w http.ResponseWriter, r *http.Request) {
	if h.publishers == nil {
		writeErrorResponse(w, http.StatusNotFound, "publisher is disabled")
		return
	}
	writeJSONResponse(w, h.publishers.Status())
}
