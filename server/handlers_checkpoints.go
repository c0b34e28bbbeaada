package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/logger"
	"github.com/teranos/scribe/pulse/checkpoint"
)

// HandleListCheckpoints lists resumable work: GET /api/checkpoints?client_id=
func (s *ScribeServer) HandleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.Checkpoints.ListResumable(r.Context(), r.URL.Query().Get("client_id"))
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	if list == nil {
		list = []checkpoint.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"checkpoints": list,
		"count":       len(list),
	})
}

// HandleGetCheckpoint returns one checkpoint with its sections:
// GET /api/checkpoints/{jobID}
func (s *ScribeServer) HandleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	cp, err := s.app.Checkpoints.Load(r.Context(), jobID)
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	if cp == nil {
		s.writeErrorFor(w, r, errors.NewNotFoundError("no checkpoint for job %s", jobID))
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// HandleDiscardCheckpoint drops a checkpoint so the next attempt starts
// over: DELETE /api/checkpoints/{jobID}. A job still PROCESSING owns its
// checkpoint and answers 409.
func (s *ScribeServer) HandleDiscardCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobID")

	if err := s.app.Checkpoints.DiscardIdle(ctx, jobID); err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	logger.FromContext(ctx, s.logger).Infow("Checkpoint discarded via API", logger.FieldJobID, jobID)
	w.WriteHeader(http.StatusNoContent)
}
