package webserver

import (
	"fmt"
	"net/http"
)

const (
	statusOK                   = http.StatusOK
	statusBadRequest           = http.StatusBadRequest
	statusForbidden            = http.StatusForbidden
	statusNotFound             = http.StatusNotFound
	statusHeaderFieldsTooLarge = http.StatusRequestHeaderFieldsTooLarge
	statusInternalServerError  = http.StatusInternalServerError
	statusNotImplemented       = http.StatusNotImplemented
	statusVersionNotSupported  = http.StatusHTTPVersionNotSupported
)

// HTTPError はエラーレスポンスとして返すべきプロトコルエラー
type HTTPError struct {
	Status int
	Reason string
}

func newHTTPError(status int, reason string) *HTTPError {
	return &HTTPError{Status: status, Reason: reason}
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Reason)
}
