package domain

import "errors"

// Proxy errors.
var (
	ErrTargetNotConfigured = errors.New("proxy target not configured")
	ErrUpstreamUnreachable = errors.New("upstream service unreachable")
	ErrConfigInvalid       = errors.New("invalid configuration")
)

// UpstreamError describes a failed upstream exchange. It matches
// ErrUpstreamUnreachable with errors.Is and unwraps to the transport error.
type UpstreamError struct {
	Target string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return ErrUpstreamUnreachable.Error()
	}
	return e.Err.Error()
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstreamUnreachable, e.Err}
}

// ErrorResponse is the JSON body of every synthetic error response.
// Message carries the proximate cause only; no stack or internal detail.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
