package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"forestguardian/internal/wire"
)

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("httpapi: failed to encode JSON response: %v\n", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Message: message})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	nodes, err := s.store.ListNodes()
	if err != nil {
		log.Printf("httpapi: listing nodes failed: %v\n", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

const maxListLimit = 100

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	alerts, err := s.store.ListRecentAlerts(maxListLimit)
	if err != nil {
		log.Printf("httpapi: listing alerts failed: %v\n", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleSpectrograms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	recs, err := s.store.ListRecentSpectrograms(maxListLimit)
	if err != nil {
		log.Printf("httpapi: listing spectrograms failed: %v\n", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to list spectrograms")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleRespondToAlert serves POST /api/alerts/{id}/respond.
func (s *Server) handleRespondToAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, ok := parseAlertRespondPath(r.URL.Path)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}

	var body struct {
		RespondedBy string `json:"responded_by"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.RespondedBy == "" {
		body.RespondedBy = "ranger"
	}

	if err := s.store.RespondToAlert(id, body.RespondedBy); err != nil {
		writeJSONError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func parseAlertRespondPath(path string) (string, bool) {
	const prefix = "/api/alerts/"
	const suffix = "/respond"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if id == "" {
		return "", false
	}
	return id, true
}

func (s *Server) handleAIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := map[string]interface{}{
		"mode":     s.mode,
		"services": []string{"local", "fast", "deep"},
	}
	if s.quota != nil {
		resp["quota_remaining"] = s.quota.QuotaRemaining()
		resp["quota_reset_at"] = s.quota.QuotaResetAt()
	} else {
		resp["quota_remaining"] = 0
		resp["quota_reset_at"] = time.Time{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSimulateAlert injects a synthetic alert via the same JSON-message
// path a node's boot/alert packet takes, for demoing the UI without radio
// hardware (SPEC_FULL.md §6).
func (s *Server) handleSimulateAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		NodeID     string  `json:"node_id"`
		Confidence float64 `json:"confidence"`
		Lat        float64 `json:"lat"`
		Lon        float64 `json:"lon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.NodeID == "" {
		body.NodeID = "GUARDIAN_SIM"
	}
	s.store.OnJSONMessage(wire.JSONMessage{
		NodeID:     body.NodeID,
		Type:       wire.JSONAlert,
		Confidence: &body.Confidence,
		Lat:        &body.Lat,
		Lon:        &body.Lon,
	}, 0)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleSimulateHeartbeat injects a synthetic heartbeat.
func (s *Server) handleSimulateHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		NodeID  string `json:"node_id"`
		Battery int    `json:"battery_percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.NodeID == "" {
		body.NodeID = "GUARDIAN_SIM"
	}
	s.store.OnJSONMessage(wire.JSONMessage{
		NodeID:  body.NodeID,
		Type:    wire.JSONHeartbeat,
		Battery: &body.Battery,
	}, 0)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
