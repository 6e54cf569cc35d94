package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/crewwatch/internal/display"
	"github.com/hochfrequenz/crewwatch/internal/domain"
	"github.com/hochfrequenz/crewwatch/internal/monitor"
	"github.com/hochfrequenz/crewwatch/internal/runstore"
	"github.com/hochfrequenz/crewwatch/internal/session"
)

// RunResponse is the API representation of a run
type RunResponse struct {
	ID         string  `json:"id"`
	Topology   string  `json:"topology"`
	Status     string  `json:"status"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
	Duration   string  `json:"duration,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// StatusResponse is the live state of the current or most recent run
type StatusResponse struct {
	Run       *RunResponse        `json:"run,omitempty"`
	Topology  string              `json:"topology"`
	Running   bool                `json:"running"`
	Banner    string              `json:"banner"`
	Completed int                 `json:"completed"`
	Total     int                 `json:"total"`
	Elapsed   string              `json:"elapsed"`
	Stages    []display.StageView `json:"stages"`
	Lines     []display.LineView  `json:"lines"`
	Final     bool                `json:"final,omitempty"`
}

// RunDetailResponse is a recorded run with its stage table and log tail
type RunDetailResponse struct {
	Run    RunResponse         `json:"run"`
	Stages []display.StageView `json:"stages"`
	Lines  []display.LineView  `json:"lines"`
}

func runToResponse(r *domain.Run) RunResponse {
	resp := RunResponse{
		ID:       r.ID,
		Topology: r.Topology,
		Status:   string(r.Status),
		Error:    r.Error,
	}
	if r.StartedAt != nil {
		s := r.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &s
		if r.FinishedAt != nil {
			resp.Duration = display.FormatDuration(r.Duration())
		}
	}
	if r.FinishedAt != nil {
		s := r.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &s
	}
	return resp
}

func bannerText(snap []domain.StageStatus) string {
	text, ok := display.Banner(snap)
	if !ok {
		return "Initializing..."
	}
	return text
}

func (s *Server) statusToResponse(st session.Status) StatusResponse {
	completed, total := display.Progress(st.Stages)
	resp := StatusResponse{
		Topology:  st.Topology,
		Running:   s.runs.Running(),
		Banner:    bannerText(st.Stages),
		Completed: completed,
		Total:     total,
		Elapsed:   display.FormatDuration(st.Elapsed),
		Stages:    display.Views(st.Stages, s.now()),
		Lines:     display.LineViews(st.Lines),
	}
	if st.Run != nil {
		r := runToResponse(st.Run)
		resp.Run = &r
	}
	return resp
}

func updateToResponse(u monitor.Update, now time.Time) StatusResponse {
	completed, total := display.Progress(u.Snapshot)
	return StatusResponse{
		Topology:  u.Topology,
		Running:   !u.Final,
		Banner:    bannerText(u.Snapshot),
		Completed: completed,
		Total:     total,
		Elapsed:   display.FormatDuration(u.Elapsed),
		Stages:    display.Views(u.Snapshot, now),
		Lines:     display.LineViews(u.Lines),
		Final:     u.Final,
	}
}

func queryLimit(r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, s.statusToResponse(s.runs.Status()))
	}
}

func (s *Server) stagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, display.Views(s.runs.Status().Stages, s.now()))
	}
}

func (s *Server) logsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		limit, ok := queryLimit(r, 0)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}

		lines := s.runs.Status().Lines
		if limit > 0 && len(lines) > limit {
			lines = lines[len(lines)-limit:]
		}
		writeJSON(w, display.LineViews(lines))
	}
}

func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.listRuns(w, r)
		case http.MethodPost:
			s.startRun(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, []RunResponse{})
		return
	}
	limit, ok := queryLimit(r, 20)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	runs, err := s.history.ListRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]RunResponse, len(runs))
	for i, run := range runs {
		resp[i] = runToResponse(run)
	}
	writeJSON(w, resp)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	h, err := s.runs.Start(s.baseCtx)
	if errors.Is(err, session.ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.Broadcast(Event{Type: EventRun, Data: map[string]string{"id": h.ID, "status": string(domain.RunRunning)}})
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"id": h.ID, "status": string(domain.RunRunning)})
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if s.history == nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}

		run, err := s.history.GetRun(id)
		if errors.Is(err, runstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		snap, err := s.history.GetSnapshot(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		lines, err := s.history.ListLines(id, 200)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		now := s.now()
		if run.FinishedAt != nil {
			now = *run.FinishedAt
		}
		writeJSON(w, RunDetailResponse{
			Run:    runToResponse(run),
			Stages: display.Views(snap, now),
			Lines:  display.LineViews(lines),
		})
	}
}
