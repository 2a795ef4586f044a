package upstream

import (
	"fmt"
	"net/http"
)

// Error is a failure response from the CRM API. It carries the HTTP status
// so the retry layer can classify it.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("upstream: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Transient reports whether the failure is expected to resolve itself if
// retried later: the upstream's throttling signal or a server-side error.
// Any other status (remaining 4xx) is permanent and surfaces unchanged.
func (e *Error) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
