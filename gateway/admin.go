package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"taskbridge/gateway/middleware"
	"taskbridge/retry"
)

type cleanupRequest struct {
	DryRun    *bool `json:"dryRun"`
	DaysBack  *int  `json:"daysBack"`
	BatchSize *int  `json:"batchSize"`
}

// cleanupOrphans scans and cleans up in one call. Omitted fields fall back to
// the configured scan defaults; dryRun defaults to true.
func (s *server) cleanupOrphans(w http.ResponseWriter, r *http.Request) {
	var body cleanupRequest
	if err := decodeJSON(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	opts := s.scanDefaults
	opts.DryRun = true
	if body.DryRun != nil {
		opts.DryRun = *body.DryRun
	}
	if body.DaysBack != nil {
		if *body.DaysBack < 0 {
			writeError(w, http.StatusBadRequest, "daysBack must not be negative")
			return
		}
		opts.DaysBack = *body.DaysBack
	}
	if body.BatchSize != nil {
		if *body.BatchSize <= 0 {
			writeError(w, http.StatusBadRequest, "batchSize must be positive")
			return
		}
		opts.BatchSize = *body.BatchSize
	}

	s.logger.Info("orphan cleanup requested",
		slog.String("operator", middleware.Subject(r.Context())),
		slog.Bool("dry_run", opts.DryRun),
		slog.Int("days_back", opts.DaysBack),
		slog.Int("batch_size", opts.BatchSize))
	report, err := s.reconciler.ScanAndCleanup(r.Context(), opts, true)
	if err != nil {
		s.logger.Error("orphan cleanup failed", slog.String("error", err.Error()))
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type retryQueueResponse struct {
	Stats   retry.Stats       `json:"stats"`
	Pending []retry.Operation `json:"pending"`
}

func (s *server) retryQueue(w http.ResponseWriter, r *http.Request) {
	pending := s.retry.Pending()
	if pending == nil {
		pending = []retry.Operation{}
	}
	writeJSON(w, http.StatusOK, retryQueueResponse{Stats: s.retry.Stats(), Pending: pending})
}

// forceRetry makes a pending operation ready now. Unknown or already finished
// operations answer 409.
func (s *server) forceRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.retry.RetryOperation(id) {
		writeError(w, http.StatusConflict, "operation is not pending")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "scheduled"})
}
