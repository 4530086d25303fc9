package api

import (
	"encoding/json"
	"net/http"

	"conductor/pkg/agent/resilience"
	"conductor/pkg/logx"
)

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// statusFor maps a failure onto its HTTP status and error code.
func statusFor(err error) (int, string) {
	switch resilience.Classify(err) {
	case resilience.KindTimeout:
		return http.StatusGatewayTimeout, "timeout"
	case resilience.KindCircuitOpen:
		return http.StatusServiceUnavailable, "service_unavailable"
	case resilience.KindAdmissionRejected:
		return http.StatusTooManyRequests, "rate_limit_exceeded"
	case resilience.KindUnitFailure:
		return http.StatusBadGateway, "unit_failure"
	case resilience.KindCanceled:
		// nginx's "client closed request"
		return 499, "canceled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError writes err as a JSON error body. The detail is the user-safe
// message only.
func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeJSON(w, status, errorBody{Error: code, Detail: resilience.UserMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Debugf("api: failed to encode response: %v", err)
	}
}
