// Package apierror provides a centralized error response format for the
// governor daemon's HTTP surface. All handlers use WriteJSON to produce
// consistent, machine-readable error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Daemon error codes. Clients can program against these stable codes.
// Do not rename or remove existing codes.
const (
	CircuitOpen         ErrorCode = "GOVERNOR_CIRCUIT_OPEN"
	UpstreamUnavailable ErrorCode = "GOVERNOR_UPSTREAM_UNAVAILABLE"
	UpstreamRejected    ErrorCode = "GOVERNOR_UPSTREAM_REJECTED"
	RequestCancelled    ErrorCode = "GOVERNOR_REQUEST_CANCELLED"
	RequestSuperseded   ErrorCode = "GOVERNOR_REQUEST_SUPERSEDED"
	BadRequest          ErrorCode = "GOVERNOR_BAD_REQUEST"
	NotFound            ErrorCode = "GOVERNOR_NOT_FOUND"
	MethodNotAllowed    ErrorCode = "GOVERNOR_METHOD_NOT_ALLOWED"
	Forbidden           ErrorCode = "GOVERNOR_FORBIDDEN"
	ShuttingDown        ErrorCode = "GOVERNOR_SHUTTING_DOWN"
	InternalError       ErrorCode = "GOVERNOR_INTERNAL_ERROR"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the hot-path errors a throttled upstream makes
// common. These omit request_id since it varies per request.
var (
	preCircuitOpen         = mustMarshal(http.StatusServiceUnavailable, CircuitOpen, "upstream circuit breaker open")
	preUpstreamUnavailable = mustMarshal(http.StatusBadGateway, UpstreamUnavailable, "upstream unavailable after retries")
	preRequestCancelled    = mustMarshal(http.StatusGatewayTimeout, RequestCancelled, "request cancelled")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. Common code+message
// combinations use pre-serialized bodies when no request ID is present.
// r may be nil when no request is available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{ //nolint:errcheck
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == CircuitOpen && status == http.StatusServiceUnavailable && message == "upstream circuit breaker open":
		return preCircuitOpen
	case code == UpstreamUnavailable && status == http.StatusBadGateway && message == "upstream unavailable after retries":
		return preUpstreamUnavailable
	case code == RequestCancelled && status == http.StatusGatewayTimeout && message == "request cancelled":
		return preRequestCancelled
	}
	return nil
}
