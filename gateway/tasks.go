package gateway

import (
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"taskbridge/creation"
	"taskbridge/failure"
	"taskbridge/ledger"
	"taskbridge/metadata"
	"taskbridge/observability/logging"
)

type metadataRequest struct {
	TaskID         string `json:"taskId"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Contacts       string `json:"contacts"`
	CreatorAddress string `json:"creatorAddress"`
	Category       string `json:"category,omitempty"`
}

type metadataResponse struct {
	TaskID         string    `json:"taskId"`
	ChainID        uint64    `json:"chainId"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Contacts       string    `json:"contacts"`
	CreatorAddress string    `json:"creatorAddress"`
	Category       string    `json:"category,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func toResponse(rec *metadata.TaskRecord) metadataResponse {
	return metadataResponse{
		TaskID:         rec.TaskID,
		ChainID:        rec.ChainID,
		Title:          rec.Title,
		Description:    rec.Description,
		Contacts:       rec.Contacts,
		CreatorAddress: rec.CreatorAddress,
		Category:       rec.Category,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func (req metadataRequest) missing() []string {
	var out []string
	for _, field := range []struct {
		name  string
		value string
	}{
		{"taskId", req.TaskID},
		{"title", req.Title},
		{"description", req.Description},
		{"contacts", req.Contacts},
		{"creatorAddress", req.CreatorAddress},
	} {
		if strings.TrimSpace(field.value) == "" {
			out = append(out, field.name)
		}
	}
	return out
}

// canonicalTaskID normalises a decimal task id so "007" and "7" share a row.
func canonicalTaskID(raw string) (string, error) {
	id, err := ledger.ParseTaskID(raw)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// putMetadata writes off-chain metadata only for tasks the ledger confirms.
// An unreachable ledger is answered like an absent task.
func (s *server) putMetadata(w http.ResponseWriter, r *http.Request) {
	taskID, err := canonicalTaskID(chi.URLParam(r, "taskId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	var body metadataRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if missing := body.missing(); len(missing) > 0 {
		writeError(w, http.StatusBadRequest, "missing required fields: "+strings.Join(missing, ", "))
		return
	}
	if bodyID, err := canonicalTaskID(body.TaskID); err != nil || bodyID != taskID {
		writeError(w, http.StatusBadRequest, "taskId does not match path")
		return
	}
	if _, err := ledger.ParseAddress(body.CreatorAddress); err != nil {
		writeError(w, http.StatusBadRequest, "invalid creatorAddress")
		return
	}

	verdict := s.validator.ValidateTaskExists(r.Context(), taskID)
	if !verdict.Exists {
		if verdict.Unreachable() {
			s.logger.Warn("metadata write refused: ledger unreachable",
				slog.String("task_id", taskID),
				slog.String("error", failure.Excerpt(verdict.Err)))
		}
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !verdict.CreatedBy(body.CreatorAddress) {
		s.logger.Warn("metadata write refused: creator mismatch",
			slog.String("task_id", taskID),
			logging.MaskAddress("creator", body.CreatorAddress))
		writeError(w, http.StatusForbidden, "creator does not own task")
		return
	}

	rec := &metadata.TaskRecord{
		ChainID:        s.chainID,
		TaskID:         taskID,
		Title:          strings.TrimSpace(body.Title),
		Description:    body.Description,
		Contacts:       body.Contacts,
		CreatorAddress: body.CreatorAddress,
		Category:       strings.TrimSpace(body.Category),
	}
	created, err := s.store.Upsert(r.Context(), rec)
	if err != nil {
		s.logger.Error("metadata upsert failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to store metadata")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toResponse(rec))
}

func (s *server) getMetadata(w http.ResponseWriter, r *http.Request) {
	taskID, err := canonicalTaskID(chi.URLParam(r, "taskId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	rec, err := s.store.Get(r.Context(), s.chainID, taskID)
	if errors.Is(err, metadata.ErrNotFound) || (err == nil && rec.Orphaned()) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("metadata read failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load metadata")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rec))
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Contacts    string `json:"contacts"`
	Category    string `json:"category,omitempty"`
	URI         string `json:"uri,omitempty"`
	// Reward is a decimal token amount, e.g. "12.5".
	Reward   string `json:"reward"`
	Deadline uint64 `json:"deadline,omitempty"`
	RewardID string `json:"rewardId,omitempty"`
}

type createTaskResponse struct {
	Outcome *creation.Outcome `json:"outcome"`
}

// createTask runs the creation saga with the server wallet. When the saga
// fails after the task was written, the partial outcome is returned alongside
// the classified error.
func (s *server) createTask(w http.ResponseWriter, r *http.Request) {
	var body createTaskRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reward, err := ledger.ParseTokenAmount(body.Reward, ledger.TokenDecimals)
	if err != nil {
		writeFailure(w, failure.New(failure.KindValidation, "gateway.create_task", err))
		return
	}
	req := creation.Request{
		Title:       body.Title,
		Description: body.Description,
		Contacts:    body.Contacts,
		Category:    body.Category,
		URI:         body.URI,
		Reward:      reward,
		Deadline:    body.Deadline,
	}
	if strings.TrimSpace(body.RewardID) != "" {
		id, ok := new(big.Int).SetString(strings.TrimSpace(body.RewardID), 10)
		if !ok || id.Sign() <= 0 {
			writeFailure(w, failure.Newf(failure.KindValidation, "gateway.create_task", "invalid reward id %q", body.RewardID))
			return
		}
		req.RewardID = id
	}

	outcome, err := s.creator.Create(r.Context(), req)
	if err != nil {
		msg := failure.UserMessage(err)
		s.logger.Warn("task creation failed",
			slog.String("kind", string(failure.KindOf(err))),
			slog.String("error", failure.Excerpt(err)))
		writeJSON(w, statusFor(failure.KindOf(err)), struct {
			errorBody
			Outcome *creation.Outcome `json:"outcome,omitempty"`
		}{errorBody{Error: string(failure.KindOf(err)), Message: &msg}, outcome})
		return
	}
	writeJSON(w, http.StatusCreated, createTaskResponse{Outcome: outcome})
}
