// Package upstream holds the error taxonomy shared by every client that talks
// to the telemetry platform or the device directory.
//
// Callers classify failures with errors.As:
//
//	var notFound *upstream.EntityNotFoundError
//	if errors.As(err, &notFound) {
//	    // 404 at the gateway boundary
//	}
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrUnauthorized is matched by a QueryError carrying a 401 status.
	ErrUnauthorized = errors.New("upstream rejected the access token")
	// ErrMalformedResponse marks a 200 whose body could not be decoded.
	ErrMalformedResponse = errors.New("malformed upstream response")
)

// AuthError reports a login or refresh call rejected by the telemetry platform.
type AuthError struct {
	Op         string // "login" or "refresh"
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("upstream %s failed with status %d", e.Op, e.StatusCode)
}

// EntityNotFoundError reports a 404 from a telemetry query.
type EntityNotFoundError struct {
	EntityType string
	EntityID   string
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("entity %s/%s not found", e.EntityType, e.EntityID)
}

// BadRequestError reports a 400 from a telemetry query. Message is the
// upstream-provided explanation.
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string {
	if e.Message == "" {
		return "upstream rejected the query"
	}
	return fmt.Sprintf("upstream rejected the query: %s", e.Message)
}

// QueryError reports any other non-2xx status from an upstream call.
// Body is kept for logs and is not part of Error().
type QueryError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *QueryError) Error() string {
	service := e.Service
	if service == "" {
		service = "telemetry"
	}
	return fmt.Sprintf("%s request failed with status %d", service, e.StatusCode)
}

// Unwrap lets errors.Is(err, ErrUnauthorized) match exhausted 401 retries.
func (e *QueryError) Unwrap() error {
	if e.StatusCode == 401 {
		return ErrUnauthorized
	}
	return nil
}

// TransportError reports a connection failure or timeout. It is never retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Timeout() {
		return fmt.Sprintf("%s timed out", e.Op)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline rather than a refused connection.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}
