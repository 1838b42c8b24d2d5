package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/maxpert/tapstream/cfg"
	"github.com/maxpert/tapstream/publisher"
	"github.com/maxpert/tapstream/tap"
	"github.com/rs/zerolog/log"
)

// Registry is the part of the connection registry the admin API reads and
// controls.
type Registry interface {
	List() []tap.Connection
	Find(name string) (tap.Connection, bool)
	Stats(pattern string) (map[string]string, error)
	RequestDisconnect(name string) bool
}

// Publishers reports the broker sinks fed from tap streams
type Publishers interface {
	Status() []publisher.SinkStatus
}

// AdminHandlers serves the tap admin endpoints
type AdminHandlers struct {
	conns      Registry
	config     *cfg.TapConfig
	publishers Publishers
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(conns Registry, config *cfg.TapConfig) *AdminHandlers {
	return &AdminHandlers{
		conns:  conns,
		config: config,
	}
}

// WithPublishers exposes publisher status under /tap/publisher
func (h *AdminHandlers) WithPublishers(p Publishers) *AdminHandlers {
	h.publishers = p
	return h
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// formatTimestamp renders t as RFC 3339, empty for the zero time
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
