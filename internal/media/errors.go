package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrCancelled is the terminal error of a job or request whose every waiter went away.
var ErrCancelled = errors.New("request cancelled")

// NotFoundError means a platform has no match for the query or link.
type NotFoundError struct {
	Platform Platform
	Query    string
	Err      error
}

func (e *NotFoundError) Error() string {
	if e.Platform == "" {
		return fmt.Sprintf("no match found for %q", e.Query)
	}

	return fmt.Sprintf("no match found on %s for %q", e.Platform, e.Query)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// UnsupportedError means no adapter understands the given link, or the adapter lacks a capability.
type UnsupportedError struct {
	Input  string
	Reason string
}

func (e *UnsupportedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unsupported input %q", e.Input)
	}

	return fmt.Sprintf("unsupported input %q: %s", e.Input, e.Reason)
}

// PlatformError represents a failure reported by, or on the way to, an external platform.
type PlatformError struct {
	Platform   Platform
	Operation  string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *PlatformError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error during %s (HTTP %d): %s", e.Platform, e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("%s error during %s: %s", e.Platform, e.Operation, e.Message)
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// FetchError represents a failure while pulling the raw stream.
type FetchError struct {
	Platform  Platform
	Reason    string
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch from %s failed: %s", e.Platform, e.Reason)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// RateLimitedError means a platform budget is exhausted. It is always retryable and always backs off.
type RateLimitedError struct {
	Platform   Platform
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s, retry after %s", e.Platform, e.RetryAfter)
	}

	return fmt.Sprintf("rate limited by %s", e.Platform)
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// ConversionError represents an encoder failure. Only transient ones are worth another attempt.
type ConversionError struct {
	Format    Format
	Reason    string
	Transient bool
	Err       error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion to %s failed: %s", e.Format, e.Reason)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// TooLargeError means the encoded output outgrew the configured limit.
type TooLargeError struct {
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("artifact exceeds the %s limit", humanize.Bytes(uint64(e.Limit)))
}

// TimeoutError means a request did not finish within its deadline.
type TimeoutError struct {
	RequestID string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.RequestID, e.After)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// IsRetryable reports whether a job that failed with err may run again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		rateLimited *RateLimitedError
		fetchErr    *FetchError
		platformErr *PlatformError
		convErr     *ConversionError
	)

	switch {
	case errors.Is(err, ErrCancelled):
		return false
	case errors.As(err, &rateLimited):
		return true
	case errors.As(err, &fetchErr):
		return fetchErr.Retryable
	case errors.As(err, &platformErr):
		return platformErr.Retryable
	case errors.As(err, &convErr):
		return convErr.Transient
	default:
		return false
	}
}

// RetryAfter returns the minimum wait a platform asked for, zero if none.
func RetryAfter(err error) time.Duration {
	var rateLimited *RateLimitedError
	if errors.As(err, &rateLimited) {
		return rateLimited.RetryAfter
	}

	return 0
}

// IsTransientConversion reports whether err is a transient encoder failure.
func IsTransientConversion(err error) bool {
	var convErr *ConversionError

	return errors.As(err, &convErr) && convErr.Transient
}
