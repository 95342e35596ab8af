package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"rtio-observer/internal/session"
)

type createObservationRequest struct {
	DeviceID string `json:"deviceId"`
}

type switchRequest struct {
	State string `json:"state"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleCreateObservation(w http.ResponseWriter, r *http.Request) {
	var req createObservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	deviceID := s.resolveDevice(req.DeviceID)
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	sess, err := s.startObservation(deviceID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, session.ErrAlreadyObserving):
			status = http.StatusConflict
		case errors.Is(err, session.ErrMaxSessions):
			status = http.StatusTooManyRequests
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleListObservations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.observations.List())
}

func (s *Server) handleGetObservation(w http.ResponseWriter, r *http.Request) {
	sess, err := s.observations.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "observation not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// handleObservationEvents returns the recorded history of an observation.
func (s *Server) handleObservationEvents(w http.ResponseWriter, r *http.Request) {
	history, err := s.observations.History(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "observation not found")
		return
	}

	if history == nil {
		history = []session.Event{}
	}
	writeJSON(w, http.StatusOK, history)
}

// handleCancelObservation cancels an observation. With ?purge=true it also
// waits for the observation to terminate and drops it with its history.
func (s *Server) handleCancelObservation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.observations.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	sess.Cancel()

	if r.URL.Query().Get("purge") != "true" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}

	select {
	case <-sess.Done():
	case <-r.Context().Done():
		return
	}
	if err := s.observations.Remove(id); err != nil && !errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.State != "on" && req.State != "off" {
		writeError(w, http.StatusBadRequest, "state must be on or off")
		return
	}

	result, err := s.switchDevice(r.Context(), r.PathValue("deviceId"), req.State == "on")
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
