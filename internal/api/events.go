package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-sub001/internal/storage"
)

// StepResp is one guard step of a recorded evaluation.
type StepResp struct {
	GuardID   string  `json:"guard_id"`
	Outcome   string  `json:"outcome"`
	LatencyMs float32 `json:"latency_ms"`
	Error     *string `json:"error"`
}

// EventResp is a recorded evaluation.
type EventResp struct {
	EvaluationID  string            `json:"evaluation_id"`
	CallerID      *string           `json:"caller_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Hook          string            `json:"hook"`
	ServerName    string            `json:"server_name"`
	Identity      *string           `json:"identity"`
	ToolName      *string           `json:"tool_name"`
	ToolCount     int32             `json:"tool_count"`
	Decision      string            `json:"decision"`
	DenyCode      *string           `json:"deny_code"`
	DenyMessage   *string           `json:"deny_message"`
	DecidingGuard *string           `json:"deciding_guard"`
	Steps         []StepResp        `json:"steps"`
	Metadata      map[string]string `json:"metadata"`
	LatencyMs     float32           `json:"latency_ms"`
	Shadow        bool              `json:"shadow"`
	Source        string            `json:"source"`
}

// EventListResp is a page of recorded evaluations.
type EventListResp struct {
	Events   []EventResp `json:"events"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()
	f := storage.EventFilter{
		CallerID:   q.Get("caller_id"),
		Hook:       q.Get("hook"),
		Decision:   q.Get("decision"),
		ServerName: q.Get("server_name"),
		DenyCode:   q.Get("deny_code"),
		GuardID:    q.Get("guard_id"),
		Page:       queryInt(q, "page", 1),
		PageSize:   queryInt(q, "page_size", 50),
	}
	if f.PageSize > 200 {
		f.PageSize = 200
	}
	if f.PageSize < 1 {
		f.PageSize = 1
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if v := q.Get("shadow"); v != "" {
		b := v == "true" || v == "1"
		f.Shadow = &b
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.EndTime = &t
		}
	}

	events, total, err := d.Reader.ListEvents(r.Context(), f)
	if err != nil {
		d.Logger.Error("failed to list events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list events"})
		return
	}

	resp := EventListResp{
		Events:   make([]EventResp, 0, len(events)),
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
	}
	for _, e := range events {
		resp.Events = append(resp.Events, eventToResp(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	event, err := d.Reader.GetEvent(r.Context(), r.PathValue("evaluation_id"))
	if err != nil {
		d.Logger.Error("failed to get event", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get event"})
		return
	}
	if event == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Event not found."})
		return
	}
	writeJSON(w, http.StatusOK, eventToResp(*event))
}

func (d *Dependencies) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	days := queryInt(r.URL.Query(), "days", 7)
	if days < 1 {
		days = 1
	}
	if days > 90 {
		days = 90
	}

	result, err := d.Reader.GetAnalytics(r.Context(), days)
	if err != nil {
		d.Logger.Error("failed to get analytics", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get analytics"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// eventToResp converts a stored event to the API response.
// Guard steps are stored as parallel arrays and reconstructed here.
func eventToResp(e storage.DecisionEvent) EventResp {
	steps := make([]StepResp, 0, len(e.GuardIDs))
	for i, id := range e.GuardIDs {
		s := StepResp{GuardID: id}
		if i < len(e.GuardOutcomes) {
			s.Outcome = e.GuardOutcomes[i]
		}
		if i < len(e.GuardLatenciesMs) {
			s.LatencyMs = e.GuardLatenciesMs[i]
		}
		if i < len(e.GuardErrors) {
			s.Error = nilIfEmpty(e.GuardErrors[i])
		}
		steps = append(steps, s)
	}

	return EventResp{
		EvaluationID:  e.EvaluationID,
		CallerID:      nilIfEmpty(e.CallerID),
		Timestamp:     e.Timestamp,
		Hook:          e.Hook,
		ServerName:    e.ServerName,
		Identity:      nilIfEmpty(e.Identity),
		ToolName:      nilIfEmpty(e.ToolName),
		ToolCount:     e.ToolCount,
		Decision:      e.Decision,
		DenyCode:      nilIfEmpty(e.DenyCode),
		DenyMessage:   nilIfEmpty(e.DenyMessage),
		DecidingGuard: nilIfEmpty(e.DecidingGuard),
		Steps:         steps,
		Metadata:      e.Metadata,
		LatencyMs:     e.LatencyMs,
		Shadow:        e.Shadow,
		Source:        e.Source,
	}
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func queryInt(q url.Values, key string, defaultVal int) int {
	v := q.Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
