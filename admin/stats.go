package admin

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
)

// connectionSummary is one row of the connection listing
type connectionSummary struct {
	Name              string `json:"name"`
	Kind              string `json:"kind"`
	Connected         bool   `json:"connected"`
	PendingDisconnect bool   `json:"pending_disconnect"`
	Expiry            string `json:"expiry,omitempty"`
}

// handleStats returns the flat stats snapshot, optionally filtered by a
// connection name glob in ?match=
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.conns.Stats(r.URL.Query().Get("match"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSONResponse(w, stats)
}

func (h *AdminHandlers) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns := h.conns.List()
	out := make([]connectionSummary, 0, len(conns))
	for _, c := range conns {
		s := connectionSummary{
			Name:              c.Name(),
			Kind:              c.Kind(),
			Connected:         c.Connected(),
			PendingDisconnect: c.ShouldDisconnect(),
		}
		if !c.Connected() {
			s.Expiry = formatTimestamp(c.Expiry())
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSONResponse(w, out)
}

func (h *AdminHandlers) handleConnection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, ok := h.conns.Find(name)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "connection '"+name+"' not found")
		return
	}
	writeJSONResponse(w, c.Stats())
}

func (h *AdminHandlers) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.conns.RequestDisconnect(name) {
		writeErrorResponse(w, http.StatusNotFound, "connection '"+name+"' not found")
		return
	}
	writeJSONResponse(w, map[string]interface{}{"name": name, "disconnect": true})
}
