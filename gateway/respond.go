package gateway

import (
	"encoding/json"
	"net/http"

	"taskbridge/failure"
)

type errorBody struct {
	Error   string           `json:"error"`
	Message *failure.Message `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeFailure renders err with its user-facing classification.
func writeFailure(w http.ResponseWriter, err error) {
	msg := failure.UserMessage(err)
	writeJSON(w, statusFor(failure.KindOf(err)), errorBody{Error: string(failure.KindOf(err)), Message: &msg})
}

func statusFor(kind failure.Kind) int {
	switch kind {
	case failure.KindValidation:
		return http.StatusBadRequest
	case failure.KindNotFound:
		return http.StatusNotFound
	case failure.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case failure.KindUserRejected, failure.KindInvalidState, failure.KindCompensated:
		return http.StatusConflict
	case failure.KindChainUnavailable, failure.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
