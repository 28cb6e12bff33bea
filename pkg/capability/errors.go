package capability

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass partitions provider failures for the fallback chain. Retryable
// classes advance the chain to the next provider; everything else stops it.
type ErrorClass string

const (
	ClassAuth      ErrorClass = "auth"
	ClassRateLimit ErrorClass = "rate_limit"
	ClassQuota     ErrorClass = "quota"
	ClassBadInput  ErrorClass = "bad_input"
	ClassNetwork   ErrorClass = "network"
	ClassInternal  ErrorClass = "internal"
	ClassUnknown   ErrorClass = "unknown"
)

// Retryable reports whether the fallback chain should try the next provider.
func (c ErrorClass) Retryable() bool {
	return c == ClassAuth || c == ClassRateLimit || c == ClassQuota
}

// Error is the normalized failure every adapter returns. Generate calls never
// panic across the interface boundary; all failure modes end up here.
type Error struct {
	Class    ErrorClass
	Provider string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s: %s", e.Class, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a normalized provider error.
func NewError(provider string, class ErrorClass, msg string) *Error {
	return &Error{Class: class, Provider: provider, Message: msg}
}

// WrapError normalizes an arbitrary error, classifying it from its text when
// no explicit class is known.
func WrapError(provider string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Class: Classify(err), Provider: provider, Message: err.Error(), Cause: err}
}

// classMarkers maps known substrings in provider error text to classes.
// Adapters should return typed classes directly; this matcher is the
// compatibility net for errors that reach us untyped.
var classMarkers = []struct {
	class   ErrorClass
	markers []string
}{
	{ClassRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{ClassQuota, []string{"quota", "insufficient_quota", "billing", "credit"}},
	{ClassAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"}},
	{ClassBadInput, []string{"invalid request", "bad request", "unsupported", "malformed", "400"}},
	{ClassNetwork, []string{"connection refused", "no such host", "timeout", "deadline exceeded", "eof"}},
}

// Classify derives an ErrorClass from error text, case-insensitively.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	text := strings.ToLower(err.Error())
	for _, m := range classMarkers {
		for _, marker := range m.markers {
			if strings.Contains(text, marker) {
				return m.class
			}
		}
	}
	return ClassUnknown
}

// ClassOf extracts the class of a normalized error, ClassUnknown otherwise.
func ClassOf(err error) ErrorClass {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return Classify(err)
}
