package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortex-evolution/internal/cascade"
	"github.com/normanking/cortex-evolution/internal/engine"
)

const (
	maxIngestBody    = 1 << 20
	defaultNeighbors = 10
	defaultEvents    = 100
	maxEvents        = 1000
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	persistence, err := s.engine.PersistenceHealth(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("store health check failed")
	}

	// The engine keeps serving from memory when the store is gone, so health
	// stays 200 and reports the state instead.
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Version:     s.version,
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Degraded:    s.engine.Degraded(),
		Persistence: persistence,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req engine.IngestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}

	resp, err := s.engine.Ingest(r.Context(), req)
	switch {
	case errors.Is(err, engine.ErrInvalidSource):
		writeError(w, http.StatusBadRequest, "invalid_source", err.Error())
		return
	case errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "stopped", err.Error())
		return
	case err != nil:
		log.Error().Err(err).Msg("ingest failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleCascade(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Cascade(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "cascade_aborted", err.Error())
		return
	}

	clusters := report.Clusters
	if clusters == nil {
		clusters = []cascade.Cluster{}
	}
	writeJSON(w, http.StatusOK, CascadeResponse{
		Clusters:   clusters,
		Busy:       report.Busy,
		RunID:      report.RunID,
		Generation: report.Generation,
		Threshold:  report.Threshold,
		DurationMs: report.Duration.Milliseconds(),
	})
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.ApplyDecay(r.Context())
	if errors.Is(err, engine.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, "stopped", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "decay_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DecayResponse{
		Factor:               result.Factor,
		MinWeight:            result.MinWeight,
		ConceptsRemoved:      result.ConceptsRemoved,
		ConnectionsRemoved:   result.ConnectionsRemoved,
		ConceptsRemaining:    result.ConceptsRemaining,
		ConnectionsRemaining: result.ConnectionsRemaining,
		Generation:           result.Generation,
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Flush(r.Context())
	if errors.Is(err, engine.ErrDegraded) {
		writeError(w, http.StatusServiceUnavailable, "degraded", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "flush_failed", err.Error())
		return
	}

	persistence := "sqlite"
	if !s.engine.Config().Persistence.Enabled {
		persistence = "disabled"
	}
	writeJSON(w, http.StatusOK, FlushResponse{
		Concepts:       result.Concepts,
		Connections:    result.Connections,
		EventsAppended: result.EventsAppended,
		EventsPruned:   result.EventsPruned,
		LastEventID:    result.LastEventID,
		DurationMs:     result.Duration.Milliseconds(),
		Persistence:    persistence,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultEvents)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		return
	}
	if limit > maxEvents {
		limit = maxEvents
	}

	events := s.engine.Events().Recent(limit)
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || since < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be a non-negative event id")
			return
		}
		events = s.engine.Events().Since(since)
		if len(events) > limit {
			events = events[:limit]
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":  events,
		"count":   len(events),
		"last_id": s.engine.Events().LastID(),
	})
}

func (s *Server) handleConcept(w http.ResponseWriter, r *http.Request) {
	k, err := intParam(r, "k", defaultNeighbors)
	if err != nil || k < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "k must be a non-negative integer")
		return
	}

	label := chi.URLParam(r, "label")
	view, ok := s.engine.Concept(label, k)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown concept: "+label)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	events := s.engine.Events()
	appended, dropped := events.Stats()
	completed, busy := s.engine.Detector().Stats()

	resp := MetricsResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Log: EventLogStats{
			Retained:  events.Len(),
			MaxEvents: events.MaxEvents(),
			Appended:  appended,
			Dropped:   dropped,
			LastID:    events.LastID(),
		},
		Cascade: CascadeStats{
			Completed: completed,
			Busy:      busy,
			Running:   s.engine.Detector().Running(),
		},
		Jobs:   s.engine.Scheduler().Stats(),
		Stream: StreamStats{Clients: s.stream.ClientCount()},
	}
	if s.collector != nil {
		stats := s.collector.Stats()
		resp.Events = &stats
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, resp)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
