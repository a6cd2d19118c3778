package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/example/emergency-dispatch/internal/apperr"
)

type errorPayload struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CurrentStatus string `json:"current_status,omitempty"`
}

func errorBody(kind apperr.Kind, msg, current string) map[string]errorPayload {
	return map[string]errorPayload{"error": {Kind: string(kind), Message: msg, CurrentStatus: current}}
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidArgument, apperr.KindInvalidTransition:
		return http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindPermissionDenied:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err using its kind. Internal errors are logged and
// their detail withheld from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	code := statusFor(kind)
	msg := err.Error()
	if kind == apperr.KindInternal {
		msg = "internal error"
	}
	if code >= 500 {
		s.logger.Errorw("request failed", "path", r.URL.Path, "kind", kind, "error", err, "request_id", requestIDFromContext(r.Context()))
	}
	writeJSON(w, code, errorBody(kind, msg, string(apperr.CurrentStatusOf(err))))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
