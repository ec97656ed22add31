package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/scribe/config"
)

var errNoSettings = errors.New("api: settings not configured")

type settingValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Set   bool   `json:"set"`
}

func (s *Server) requireSettings(w http.ResponseWriter) bool {
	if s.settings == nil {
		writeError(w, http.StatusServiceUnavailable, errNoSettings)
		return false
	}
	return true
}

func (s *Server) listSettings(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	all, err := s.settings.All(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) getSetting(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	key := chi.URLParam(r, "key")
	v, ok, err := s.settings.Get(r.Context(), key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingValue{Key: key, Value: v, Set: ok})
}

// putSetting stores a runtime setting. The settings watcher applies it.
func (s *Server) putSetting(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	key := chi.URLParam(r, "key")
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", config.ErrInvalidSetting, err))
		return
	}
	if err := s.settings.Set(r.Context(), key, req.Value); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("api: setting changed", "key", key, "value", req.Value)
	writeJSON(w, http.StatusOK, settingValue{Key: key, Value: req.Value, Set: true})
}
