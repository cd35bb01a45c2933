package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass tells a caller what to do with a failure.
type ErrorClass int

const (
	// ErrorTransient failures may succeed when tried again.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid failures are caused by the input; drop it and carry on.
	ErrorInvalid
	// ErrorFatal failures stop the component.
	ErrorFatal
)

var classNames = [...]string{"transient", "invalid", "fatal"}

func (c ErrorClass) String() string {
	if c < 0 || int(c) >= len(classNames) {
		return "unknown"
	}
	return classNames[c]
}

var (
	ErrAlreadyStarted = errors.New("component already started")
	ErrShuttingDown   = errors.New("component is shutting down")
)

var (
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrSubscriptionFailed = errors.New("subscription failed")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrBucketNotFound     = errors.New("bucket not found")
)

var (
	ErrMalformedDelta         = errors.New("malformed delta")
	ErrSchemaViolation        = errors.New("delta does not match schema")
	ErrUnsupportedUnsubscribe = errors.New("only '{\"context\":\"*\",\"unsubscribe\":[{\"path\":\"*\"}]}' supported")
)

var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidPriorities = errors.New("invalid source priorities")
)

// sentinelClass gives unwrapped sentinels a class. Order matters only for
// errors joining several of them.
var sentinelClass = []struct {
	err   error
	class ErrorClass
}{
	{ErrInvalidConfig, ErrorFatal},
	{ErrMissingConfig, ErrorFatal},
	{ErrMalformedDelta, ErrorInvalid},
	{ErrSchemaViolation, ErrorInvalid},
	{ErrUnsupportedUnsubscribe, ErrorInvalid},
	{ErrInvalidPriorities, ErrorInvalid},
	{ErrConnectionTimeout, ErrorTransient},
	{ErrCircuitOpen, ErrorTransient},
	{context.DeadlineExceeded, ErrorTransient},
}

// Messages of unclassified errors that still look like a flaky network.
var transientHints = []string{"timeout", "connection", "network", "temporary", "unavailable"}

// ClassifiedError is an error carrying its class and where it happened.
type ClassifiedError struct {
	Class     ErrorClass
	Component string
	Operation string
	Err       error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// classOf reports the class of err and whether it is known at all.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	for _, s := range sentinelClass {
		if errors.Is(err, s.err) {
			return s.class, true
		}
	}
	return ErrorTransient, false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, known := classOf(err); known {
		return class == ErrorTransient
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsInvalid reports whether err was caused by bad input.
func IsInvalid(err error) bool {
	class, known := classOf(err)
	return err != nil && known && class == ErrorInvalid
}

// IsFatal reports whether err should stop the component.
func IsFatal(err error) bool {
	class, known := classOf(err)
	return err != nil && known && class == ErrorFatal
}

// Classify returns the class of err. Errors nobody classified count as
// transient.
func Classify(err error) ErrorClass {
	class, _ := classOf(err)
	return class
}

// Wrap adds where err happened:
//
//	Component.Method: action failed: err
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func classify(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Component: component,
		Operation: method,
		Err:       Wrap(err, component, method, action),
	}
}

// WrapTransient is Wrap for failures that may go away on retry.
func WrapTransient(err error, component, method, action string) error {
	return classify(ErrorTransient, err, component, method, action)
}

// WrapInvalid is Wrap for failures caused by bad input.
func WrapInvalid(err error, component, method, action string) error {
	return classify(ErrorInvalid, err, component, method, action)
}

// WrapFatal is Wrap for failures that should stop the component.
func WrapFatal(err error, component, method, action string) error {
	return classify(ErrorFatal, err, component, method, action)
}
