package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/intake"
	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/scheduler"
	"github.com/sells-group/eventimport/internal/store"
)

// multipartOverhead is allowed on top of the file size quota for form
// fields and part headers.
const multipartOverhead = 1 << 20

// fileResponse is an import file with its jobs.
type fileResponse struct {
	*model.ImportFile
	Jobs []model.ImportJob `json:"jobs"`
}

func (s *Server) createImport(w http.ResponseWriter, r *http.Request) {
	if limit := s.deps.Intake.Limit(0); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close() //nolint:errcheck

	catalogID := r.FormValue("catalogId")
	if catalogID == "" {
		writeError(w, http.StatusBadRequest, "catalogId is required")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read file")
		return
	}

	f, err := s.deps.Intake.Intake(r.Context(), intake.Upload{
		Data:        data,
		FileName:    header.Filename,
		DisplayName: r.FormValue("displayName"),
		MimeType:    header.Header.Get("Content-Type"),
		CatalogID:   catalogID,
		DatasetID:   r.FormValue("datasetId"),
	})
	if err != nil && f == nil {
		s.fail(w, err)
		return
	}
	if err != nil {
		s.log.Error("api: import stored but not submitted", zap.String("file_id", f.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, f)
}

func (s *Server) getImportFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := s.deps.Store.GetImportFile(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	jobs, err := s.deps.Store.ListImportJobs(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if jobs == nil {
		jobs = []model.ImportJob{}
	}
	writeJSON(w, http.StatusOK, fileResponse{ImportFile: f, Jobs: jobs})
}

func (s *Server) getImportJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Store.GetImportJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type decisionRequest struct {
	User   string `json:"user"`
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

func (s *Server) approveJob(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	j, err := s.deps.Jobs.Approve(r.Context(), chi.URLParam(r, "id"), req.User, req.Notes)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) rejectJob(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	j, err := s.deps.Jobs.Reject(r.Context(), chi.URLParam(r, "id"), req.User, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stage string `json:"stage"`
	}
	if !decode(w, r, &req) {
		return
	}
	stage := model.Stage(req.Stage)
	if !stage.Valid() {
		writeError(w, http.StatusBadRequest, "unknown stage "+req.Stage)
		return
	}
	j, err := s.deps.Jobs.Retry(r.Context(), chi.URLParam(r, "id"), stage)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Store.ListSchedules(r.Context(), false)
	if err != nil {
		s.fail(w, err)
		return
	}
	if schedules == nil {
		schedules = []model.ScheduledImport{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Scheduler.Trigger(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "schedule_id": id})
}

func (s *Server) invalidateSettings(w http.ResponseWriter, _ *http.Request) {
	s.deps.Flags.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// decode reads an optional JSON body. An empty body leaves v unchanged.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
	return false
}

// fail maps err to a status code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case eris.Is(err, intake.ErrInvalidUpload):
		writeError(w, http.StatusBadRequest, err.Error())
	case eris.Is(err, intake.ErrFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case eris.Is(err, model.ErrInvalidTransition),
		eris.Is(err, model.ErrTerminalJob),
		eris.Is(err, store.ErrConflict),
		eris.Is(err, scheduler.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
