package dispatch

import (
	"context"
	"errors"
	"fmt"

	"pushrelay/internal/db"
)

// Transport delivers one job to one subscription. Implementations return
// nil on acceptance by the provider, or a *SendError classifying the
// failure.
type Transport interface {
	Send(ctx context.Context, sub *db.Subscription, job *Job) error
}

// SendError carries the outcome classification the engine acts on.
//
// Gone means the provider reported the endpoint permanently
// undeliverable (404/410, unregistered token): the subscription is
// deactivated. Retryable marks transient failures (429, 5xx, timeouts) a
// later sweep may resubmit; the engine itself never loop-retries.
type SendError struct {
	Code      string
	Gone      bool
	Retryable bool
	Err       error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func goneError(code string, err error) *SendError {
	return &SendError{Code: code, Gone: true, Err: err}
}

func transientError(code string, err error) *SendError {
	return &SendError{Code: code, Retryable: true, Err: err}
}

func permanentError(code string, err error) *SendError {
	return &SendError{Code: code, Err: err}
}

// asSendError normalizes any transport failure. Unclassified errors are
// treated as transient: a timeout or connection reset says nothing final
// about the endpoint.
func asSendError(err error) *SendError {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr
	}
	return transientError("transport_error", err)
}
