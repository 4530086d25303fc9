package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/agent/middleware/resilience/circuit"
	querymetrics "conductor/pkg/metrics"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/utils"
)

// SearchRequest is the body of /api/search and /api/search/stream.
type SearchRequest struct {
	Query     string          `json:"query"`
	SessionID string          `json:"session_id,omitempty"`
	History   []agent.Message `json:"history,omitempty"`
}

// SearchResponse is the body returned by /api/search.
type SearchResponse struct {
	Response  string           `json:"response"`
	Sources   []agent.Artifact `json:"sources"`
	QueryType string           `json:"query_type"`
	AgentName string           `json:"agent_name"`
	RequestID string           `json:"request_id"`
}

// ChatRequest is the body of /api/chat.
type ChatRequest struct {
	Message   string          `json:"message"`
	SessionID string          `json:"session_id,omitempty"`
	History   []agent.Message `json:"history,omitempty"`
}

// ChatResponse is the body returned by /api/chat.
type ChatResponse struct {
	Response  string         `json:"response"`
	AgentName string         `json:"agent_name"`
	Metadata  map[string]any `json:"metadata"`
	RequestID string         `json:"request_id"`
}

// StatsResponse is the body returned by /api/stats. Sections whose source is
// not configured are omitted.
type StatsResponse struct {
	Window       string                       `json:"window"`
	Ledger       *persistence.OutcomeStats    `json:"ledger,omitempty"`
	Metrics      *querymetrics.OutcomeSummary `json:"metrics,omitempty"`
	MetricsError string                       `json:"metrics_error,omitempty"`
	Breakers     []circuit.Snapshot           `json:"breakers,omitempty"`
}

const defaultStatsWindow = time.Hour

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports 503 while any breaker is not closed so that load
// balancers can steer traffic elsewhere.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.breakers == nil || !s.breakers.AnyOpen() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	var tripped []circuit.Snapshot
	for _, snap := range s.breakers.Snapshots() {
		if snap.State != circuit.Closed.String() {
			tripped = append(tripped, snap)
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":   "degraded",
		"breakers": tripped,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: "query is required"})
		return
	}

	rc := newRequestContext(r, req.Query, req.SessionID, req.History)

	res, err := s.runner.Run(logx.WithRequestID(r.Context(), rc.RequestID()), rc)
	if err != nil {
		s.logger.Warn("search %s failed: %s", rc.RequestID(), utils.RedactError(err))
		writeError(w, err)
		return
	}

	queryType := res.MetaString(agent.MetaQueryType)
	if queryType == "" {
		queryType = res.MetaString(agent.MetaLabel)
	}
	writeJSON(w, http.StatusOK, SearchResponse{
		Response:  res.Output,
		Sources:   agent.MergeArtifacts(res.Artifacts),
		QueryType: queryType,
		AgentName: res.Agent,
		RequestID: rc.RequestID(),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: "message is required"})
		return
	}

	rc := newRequestContext(r, req.Message, req.SessionID, req.History)

	res, err := s.runner.Run(logx.WithRequestID(r.Context(), rc.RequestID()), rc)
	if err != nil {
		s.logger.Warn("chat %s failed: %s", rc.RequestID(), utils.RedactError(err))
		writeError(w, err)
		return
	}

	meta := utils.SanitizeMap(res.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	writeJSON(w, http.StatusOK, ChatResponse{
		Response:  res.Output,
		AgentName: res.Agent,
		Metadata:  meta,
		RequestID: rc.RequestID(),
	})
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "not_configured", Detail: "outcome ledger is disabled"})
		return
	}

	q := persistence.OutcomeQuery{Kind: r.URL.Query().Get("kind")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: "limit must be a positive integer"})
			return
		}
		q.Limit = n
	}

	recs, err := s.ledger.Recent(r.Context(), q)
	if err != nil {
		s.logger.Error("failed to read outcomes: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
		return
	}
	if recs == nil {
		recs = []*persistence.OutcomeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": recs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: "window must be a positive duration"})
			return
		}
		window = d
	}

	resp := StatsResponse{Window: window.String()}
	if s.ledger != nil {
		stats, err := s.ledger.Stats(r.Context(), time.Now().Add(-window))
		if err != nil {
			s.logger.Error("failed to read outcome stats: %v", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
			return
		}
		resp.Ledger = stats
	}
	if s.query != nil {
		summary, err := s.query.Outcomes(r.Context(), window)
		if err != nil {
			// Prometheus being unreachable does not hide the local views.
			s.logger.Warn("metrics query failed: %v", err)
			resp.MetricsError = "metrics backend unavailable"
		} else {
			resp.Metrics = summary
		}
	}
	if s.breakers != nil {
		resp.Breakers = s.breakers.Snapshots()
	}
	writeJSON(w, http.StatusOK, resp)
}

// newRequestContext builds the unit context, reusing the request id that
// tagRequest assigned.
func newRequestContext(r *http.Request, input, sessionID string, history []agent.Message) agent.Context {
	opts := []agent.ContextOption{agent.WithHistoryOption(history)}
	if id := logx.RequestID(r.Context()); id != "" {
		opts = append(opts, agent.WithRequestIDOption(id))
	}
	if sessionID != "" {
		opts = append(opts, agent.WithMetadataOption(map[string]any{"session_id": sessionID}))
	}
	return agent.NewContext(input, opts...)
}

// decodeBody reads a JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		detail := "invalid JSON body"
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			detail = "request body too large"
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: detail})
		return false
	}
	return true
}
