package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/bifrost/internal/bridge"
	"github.com/nerrad567/bifrost/internal/settings"
)

// configResponse is the body of an accepted configuration.
type configResponse struct {
	Message string `json:"message"`
}

// startupRequest is the body of PUT /config/startup.
type startupRequest struct {
	OpenAtLogin *bool `json:"openAtLogin"`
}

// handleSubmitMQTTConfig validates, persists and applies a broker
// configuration. A rejected configuration returns 422 with the reason as
// the message.
func (s *Server) handleSubmitMQTTConfig(w http.ResponseWriter, r *http.Request) {
	var candidate settings.MQTTConfig
	if err := json.NewDecoder(r.Body).Decode(&candidate); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	msg, err := s.bridge.Configure(r.Context(), candidate)
	var connErr *bridge.ConnectivityError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, configResponse{Message: msg})
	case errors.Is(err, bridge.ErrInvalidConfig):
		writeRejected(w, ErrCodeValidation, err.Error())
	case errors.As(err, &connErr):
		writeRejected(w, ErrCodeConnectivity, err.Error())
	default:
		s.logger.Error("applying MQTT config failed", "error", err)
		writeInternalError(w, err.Error())
	}
}

// handleSubmitStartupPreferences stores the open-at-login preference.
func (s *Server) handleSubmitStartupPreferences(w http.ResponseWriter, r *http.Request) {
	var req startupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.OpenAtLogin == nil {
		writeBadRequest(w, "openAtLogin is required")
		return
	}

	if err := s.bridge.SetStartupPreferences(r.Context(), *req.OpenAtLogin); err != nil {
		s.logger.Error("saving startup preferences failed", "error", err)
		writeInternalError(w, "could not save startup preferences")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetStartupPreferences returns the stored startup preferences.
func (s *Server) handleGetStartupPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.bridge.StartupPreferences(r.Context())
	if err != nil {
		s.logger.Error("reading startup preferences failed", "error", err)
		writeInternalError(w, "could not read startup preferences")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// handleStatus returns the bridge status. The broker password is never
// included.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Status())
}
