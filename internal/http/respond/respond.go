// Package respond writes JSON responses and maps domain errors to statuses.
package respond

import (
	"encoding/json"
	"net/http"

	"github.com/wolfman30/slotkeeper/internal/apperr"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Error writes err with the status its domain code maps to. Errors without a
// domain code are logged and reported as a generic 500.
func Error(w http.ResponseWriter, logger *logging.Logger, err error) {
	code, ok := apperr.CodeOf(err)
	if !ok {
		if logger == nil {
			logger = logging.Default()
		}
		logger.Error("request failed", "error", err)
		JSON(w, http.StatusInternalServerError, ErrorBody{Error: "internal error"})
		return
	}
	JSON(w, apperr.HTTPStatus(err), ErrorBody{Error: err.Error(), Code: string(code)})
}

// BadRequest writes a 400 with msg.
func BadRequest(w http.ResponseWriter, msg string) {
	JSON(w, http.StatusBadRequest, ErrorBody{Error: msg, Code: string(apperr.CodeInvalidInput)})
}
