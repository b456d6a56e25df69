package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sentinelops/sentinel-ai/internal/classify"
	"github.com/sentinelops/sentinel-ai/internal/db"
	"github.com/sentinelops/sentinel-ai/internal/incident"
)

// handleEvent ingests one incident event and runs the investigation
// synchronously. Redelivered events for live or finished incidents come
// back as duplicates without a second investigation.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	degraded := s.degraded
	s.mu.RUnlock()
	if degraded || s.orch == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "oracle not configured, event ingestion disabled",
		})
		return
	}

	var event incident.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := event.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.Loop.InvocationTimeout)
	defer cancel()

	outcome, err := s.orch.HandleEvent(ctx, &event)
	if err != nil {
		agentErr := classify.Classify(err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":     agentErr.Message,
			"category":  string(agentErr.Category),
			"retryable": agentErr.Category.Retryable(),
		})
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// handleIncidents lists incident records, newest first.
func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	records, err := s.store.List(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": records,
		"count":     len(records),
	})
}

// handleIncidentByID serves a single incident record and its
// sub-resources. The incident key contains a '#', so clients escape it
// as %23 in the path.
func (s *Server) handleIncidentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/incidents/")
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" {
		http.Error(w, "incident ID required", http.StatusBadRequest)
		return
	}

	key := rest
	sub := ""
	if i := strings.LastIndex(rest, "/"); i >= 0 {
		key, sub = rest[:i], rest[i+1:]
	}

	switch sub {
	case "":
		s.getIncident(w, r, key)
	case "evidence":
		s.getIncidentEvidence(w, r, key)
	case "audits":
		s.getIncidentAudits(w, r, key)
	default:
		http.Error(w, "unknown resource: "+sub, http.StatusNotFound)
	}
}

func (s *Server) getIncident(w http.ResponseWriter, r *http.Request, key string) {
	rec, err := s.store.Get(r.Context(), key)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "incident not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getIncidentEvidence(w http.ResponseWriter, r *http.Request, key string) {
	if _, err := s.store.Get(r.Context(), key); errors.Is(err, db.ErrNotFound) {
		http.Error(w, "incident not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	evidence, err := s.store.GetEvidence(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incident_id": key,
		"evidence":    evidence,
		"count":       len(evidence),
	})
}

func (s *Server) getIncidentAudits(w http.ResponseWriter, r *http.Request, key string) {
	if _, err := s.store.Get(r.Context(), key); errors.Is(err, db.ErrNotFound) {
		http.Error(w, "incident not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	audits, err := s.store.GetRunAudits(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incident_id": key,
		"audits":      audits,
		"count":       len(audits),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
