package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ConfigError reports missing or invalid client configuration.
type ConfigError struct {
	Provider string
	Message  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: configuration error: %s", e.Provider, e.Message)
}

// ClientError is a 4xx response. It is never retried.
type ClientError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: client error %d: %s", e.Provider, e.Status, e.Body)
}

// ServerError is a 5xx response or a transport failure (Status 0) that
// persisted through every attempt.
type ServerError struct {
	Provider string
	Status   int
	Body     string
	Err      error
}

func (e *ServerError) Error() string {
	if e.Status == 0 && e.Err != nil {
		return fmt.Sprintf("%s: request failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: server error %d: %s", e.Provider, e.Status, e.Body)
}

func (e *ServerError) Unwrap() error { return e.Err }

// TimeoutError is returned when an attempt exceeded its deadline on every try.
type TimeoutError struct {
	Provider string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: request timed out: %v", e.Provider, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// StatusCode maps an error from Complete onto the status the original
// service reported: timeouts as 408, transport failures as 500.
func StatusCode(err error) int {
	var (
		ce *ClientError
		se *ServerError
		te *TimeoutError
	)
	switch {
	case errors.As(err, &ce):
		return ce.Status
	case errors.As(err, &se):
		if se.Status == 0 {
			return http.StatusInternalServerError
		}
		return se.Status
	case errors.As(err, &te):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var (
		se *ServerError
		te *TimeoutError
	)
	return errors.As(err, &se) || errors.As(err, &te)
}
