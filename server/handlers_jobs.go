package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/logger"
	"github.com/teranos/scribe/pulse/async"
)

// HandleEnqueue creates a job: POST /api/jobs {"type": ..., "payload": {...}}
func (s *ScribeServer) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	var req EnqueueRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	id, err := s.app.Queue.EnqueueRaw(r.Context(), async.JobType(req.Type), req.Payload)
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}

	logger.FromContext(r.Context(), s.logger).Infow("Job enqueued via API",
		logger.FieldJobID, id,
		logger.FieldJobType, req.Type)
	writeJSON(w, http.StatusCreated, EnqueueResponse{ID: id, Status: string(async.StatusPending)})
}

// HandleGetJob returns one job: GET /api/jobs/{id}
func (s *ScribeServer) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.app.Queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleListJobs lists jobs newest first:
// GET /api/jobs?status=&type=&client_id=&limit=
func (s *ScribeServer) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := queryInt(r, "limit", defaultJobLimit)
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	if limit <= 0 || limit > maxJobLimit {
		limit = defaultJobLimit
	}

	filter := async.ListFilter{ClientID: q.Get("client_id"), Limit: limit}
	if raw := q.Get("status"); raw != "" {
		if !async.IsValidStatus(raw) {
			s.writeErrorFor(w, r, errors.NewValidationError("unknown status %q", raw))
			return
		}
		filter.Status = async.JobStatus(raw)
	}
	if raw := q.Get("type"); raw != "" {
		t := async.JobType(raw)
		if !t.Valid() {
			s.writeErrorFor(w, r, errors.NewValidationError("unknown job type %q", raw))
			return
		}
		filter.Type = t
	}

	jobs, err := s.app.Queue.List(r.Context(), filter)
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// HandleJobStats returns per-status counts: GET /api/jobs/stats
func (s *ScribeServer) HandleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.app.Queue.Stats(r.Context())
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleCancelJob cancels a PENDING or PROCESSING job:
// POST /api/jobs/{id}/cancel. Terminal jobs answer 409.
func (s *ScribeServer) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.app.Queue.Cancel(r.Context(), id); err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	job, err := s.app.Queue.Status(r.Context(), id)
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
