// Package httputil writes JSON responses for the operational HTTP surface.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "usagetrail/pkg/domain-errors"
)

// WriteJSON writes v with status. Encoding failures are ignored: the header
// is already sent.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err's code onto an HTTP status. Internal and
// misconfiguration errors do not leak their message.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	body := map[string]string{"error": errorCode(code)}
	if body["error"] != "internal_error" {
		var de *dErrors.Error
		if errors.As(err, &de) {
			body["error_description"] = de.Message
		}
	}
	WriteJSON(w, StatusFor(code), body)
}

// StatusFor returns the HTTP status for a domain code.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeInvalidInput:
		return http.StatusBadRequest
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(code dErrors.Code) string {
	if code == dErrors.CodeInternal || code == dErrors.CodeMisconfigured {
		return "internal_error"
	}
	return string(code)
}
