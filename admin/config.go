package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/tapstream/cfg"
	"github.com/rs/zerolog/log"
)

type configUpdate struct {
	Value json.RawMessage `json:"value"`
}

// handleGetConfig returns the live tap tunables
func (h *AdminHandlers) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.config.Snapshot())
}

// handleSetConfig changes one tap tunable, e.g.
// PUT /tap/config/tap_ack_window_size {"value": 20}
func (h *AdminHandlers) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var body configUpdate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Value) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "value is required")
		return
	}

	// accept both 20 and "20"
	value := string(body.Value)
	var s string
	if err := json.Unmarshal(body.Value, &s); err == nil {
		value = s
	}

	if err := h.config.Set(key, value); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, cfg.ErrUnknownTapKey) {
			status = http.StatusNotFound
		}
		writeErrorResponse(w, status, err.Error())
		return
	}

	log.Info().Str("key", key).Str("value", value).Msg("Tap configuration changed via admin")
	writeJSONResponse(w, h.config.Snapshot())
}
