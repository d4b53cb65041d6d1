// Package api serves the operator HTTP surface: chat, event and media intake,
// incident and responder views, direct actions and the live stream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/agents"
	"github.com/user/crowdwatch/internal/bus"
	"github.com/user/crowdwatch/internal/runtime"
	"github.com/user/crowdwatch/internal/runtime/actions"
	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/types"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

// Source tags records created through the API.
const Source = "api"

var errStreamDisabled = errors.New("live stream not configured")

// Server holds the collaborators the handlers use.
type Server struct {
	Domain    *state.Domain
	Publisher types.Publisher
	Feed      *bus.Feed
	Topics    bus.Topics
	Agents    *runtime.Registry
	Executor  *actions.Executor
	Logger    *zap.Logger
	StartedAt time.Time
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Executor == nil && s.Domain != nil {
		s.Executor = actions.New(s.Domain, s.Logger)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /agents/{agent}/events", s.handleAgentEvent)
	mux.HandleFunc("POST /media", s.handleMedia)
	mux.HandleFunc("GET /api/incidents", s.handleListIncidents)
	mux.HandleFunc("POST /api/incidents", s.handleCreateIncident)
	mux.HandleFunc("GET /api/incidents/{id}", s.handleGetIncident)
	mux.HandleFunc("POST /api/actions", s.handleActions)
	mux.HandleFunc("GET /api/responders", s.handleResponders)
	mux.HandleFunc("GET /api/responders/{id}/status", s.handleResponderStatus)
	mux.HandleFunc("GET /api/zones", s.handleZones)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /stream", s.handleStreamWS)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if !s.StartedAt.IsZero() {
		body["uptime"] = time.Since(s.StartedAt).Round(time.Second).String()
	}
	if s.Agents != nil {
		body["agents"] = s.Agents.Names()
	}
	writeJSON(w, http.StatusOK, body)
}

type chatRequest struct {
	Input     string `json:"input"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	rt, ok := s.Agents.Get(agents.NameChat)
	if !ok {
		s.writeError(w, &types.NotFoundError{Collection: "agents", ID: agents.NameChat})
		return
	}
	session := types.SessionID(req.SessionID)
	if session == "" {
		session = types.NewSessionID()
	}
	resp, err := agents.Ask(r.Context(), rt, session, req.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response":       resp.Response,
		"context":        resp.Context,
		"intent":         resp.Intent,
		"analysisMethod": resp.AnalysisMethod,
		"sessionId":      session,
	})
}

func (s *Server) handleAgentEvent(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent")
	if _, ok := s.Agents.Get(agent); !ok {
		s.writeError(w, &types.NotFoundError{Collection: "agents", ID: agent})
		return
	}
	var event map[string]any
	if err := decodeJSON(r.Body, &event); err != nil {
		s.writeError(w, err)
		return
	}
	if event == nil {
		s.writeError(w, &types.ValidationError{Field: "body", Reason: "must be a JSON object"})
		return
	}
	if _, ok := event["timestamp"]; !ok {
		event["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	topic := s.Topics.Input(agent)
	if err := s.Publisher.Publish(r.Context(), topic, event); err != nil {
		s.writeError(w, types.Transient("publish", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "topic": topic})
}

type mediaRequest struct {
	FileURL string `json:"fileUrl"`
	Zone    string `json:"zone"`
	Notes   string `json:"notes"`
	Type    string `json:"type"`
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	var req mediaRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.FileURL == "" {
		s.writeError(w, &types.ValidationError{Field: "fileUrl", Reason: "required"})
		return
	}
	if req.Zone == "" {
		s.writeError(w, &types.ValidationError{Field: "zone", Reason: "required"})
		return
	}
	ctx := r.Context()
	docID, err := s.Domain.CreateMedia(ctx, types.Record{
		"fileUrl": req.FileURL,
		"zone":    req.Zone,
		"notes":   req.Notes,
		"type":    req.Type,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	event := agents.MediaEvent{FileURL: req.FileURL, Zone: req.Zone, DocID: docID}
	if err := s.Publisher.Publish(ctx, s.Topics.Input(agents.NameVision), event); err != nil {
		s.writeError(w, types.Transient("publish media event", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"docId": docID, "status": "queued"})
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := state.IncidentFilter{
		ZoneID: q.Get("zoneId"),
		Type:   q.Get("type"),
		Limit:  parseInt(q.Get("limit"), 100),
	}
	if v := q.Get("status"); v != "" {
		st, err := types.ParseIncidentStatus(v)
		if err != nil {
			s.writeError(w, err)
			return
		}
		f.Status = st
	}
	if v := q.Get("priority"); v != "" {
		p, err := types.ParsePriority(v)
		if err != nil {
			s.writeError(w, err)
			return
		}
		f.Priority = p
	}
	list, err := s.Domain.ListIncidents(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []*types.Incident{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.Domain.GetIncident(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var inc types.Incident
	if err := decodeJSON(r.Body, &inc); err != nil {
		s.writeError(w, err)
		return
	}
	if inc.Source == "" {
		inc.Source = Source
	}
	id, err := s.Domain.CreateIncident(r.Context(), &inc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.Domain.GetIncident(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type actionsRequest struct {
	Actions   []actions.Action `json:"actions"`
	ZoneID    string           `json:"zoneId"`
	SessionID string           `json:"sessionId"`
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	var req actionsRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Actions) == 0 {
		s.writeError(w, &types.ValidationError{Field: "actions", Reason: "required"})
		return
	}
	report := s.Executor.Execute(r.Context(), actions.Env{
		ZoneID:    req.ZoneID,
		Source:    Source,
		SessionID: types.SessionID(req.SessionID),
	}, req.Actions)
	if err := report.TransientErr(); err != nil {
		s.Logger.Warn("actions hit a store failure", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleResponders(w http.ResponseWriter, r *http.Request) {
	list, err := s.Domain.ListResponders(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []*types.Responder{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleResponderStatus(w http.ResponseWriter, r *http.Request) {
	history, err := s.Domain.StatusHistory(r.Context(), r.PathValue("id"), parseInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if history == nil {
		history = []*types.StatusUpdate{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.Domain.ListZones(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if zones == nil {
		zones = []types.Record{}
	}
	writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Domain.IncidentStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case types.IsValidation(err), types.IsParse(err):
		return http.StatusBadRequest
	case types.IsNotFound(err):
		return http.StatusNotFound
	case types.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON decodes one JSON value. Malformed bodies are validation errors.
func decodeJSON(r io.Reader, v any) error {
	if err := json.NewDecoder(io.LimitReader(r, maxBody)).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &types.ValidationError{Field: "body", Reason: "empty request body"}
		}
		return &types.ValidationError{Field: "body", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
