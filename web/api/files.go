package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hochfrequenz/crewwatch/internal/artifacts"
	"github.com/hochfrequenz/crewwatch/internal/domain"
)

// HealthResponse is returned by /api/health
type HealthResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	Clients int    `json:"clients"`
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, HealthResponse{
			Status:  "ok",
			Running: s.runs.Running(),
			Clients: s.hub.ClientCount(),
		})
	}
}

var previewTypes = map[artifacts.Kind]string{
	artifacts.KindHTML:     "text/html; charset=utf-8",
	artifacts.KindMarkdown: "text/markdown; charset=utf-8",
	artifacts.KindOther:    "text/plain; charset=utf-8",
}

// stageFilesHandler serves /api/stages/{id}/files and
// /api/stages/{id}/files/{name}.
func (s *Server) stageFilesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.artifacts == nil {
			writeError(w, http.StatusNotFound, "artifact listing not enabled")
			return
		}

		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/stages/"), "/")
		if len(parts) < 2 || parts[0] == "" || parts[1] != "files" || len(parts) > 3 {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		id := domain.StageID(parts[0])

		if len(parts) == 2 || parts[2] == "" {
			sf, err := s.artifacts.Stage(id)
			if err != nil {
				writeArtifactError(w, err)
				return
			}
			writeJSON(w, sf)
			return
		}

		f, data, err := s.artifacts.Read(id, parts[2])
		if err != nil {
			writeArtifactError(w, err)
			return
		}
		w.Header().Set("Content-Type", previewTypes[f.Kind])
		// rendered previews must not run scripts against the API origin
		w.Header().Set("Content-Security-Policy", "sandbox")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if r.URL.Query().Get("download") != "" {
			w.Header().Set("Content-Disposition", `attachment; filename="`+f.Name+`"`)
		}
		w.Write(data)
	}
}

func writeArtifactError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, artifacts.ErrUnknownStage), errors.Is(err, artifacts.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, artifacts.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
