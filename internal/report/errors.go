package report

import "errors"

// ErrNotConfigured is returned when no provider credentials are present
var ErrNotConfigured = errors.New("email provider not configured")

// SendError is a failed provider call
type SendError struct {
	Message string
	Err     error
}

func (e *SendError) Error() string {
	return e.Message
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func newSendError(err error) *SendError {
	return &SendError{Message: err.Error(), Err: err}
}
