package jobs

import (
	"errors"
	"fmt"
)

// Kind classifies a handler failure and drives the worker pool's retry
// decision.
type Kind int

const (
	// KindTransient covers infrastructure faults (store unavailable,
	// network timeout to a collaborator). Retried per queue policy. Any
	// unclassified error maps here.
	KindTransient Kind = iota

	// KindBusiness covers authority or domain rejections (stamping
	// authority refuses a document, insufficient inventory). Never retried
	// at the job level; surfaced to the user via Notification.
	KindBusiness

	// KindValidation covers malformed input. Terminal, never retried.
	KindValidation

	// KindDependencyNotReady means an artifact polling wait exceeded its
	// budget. Retryable, but kept distinct from KindTransient so operators
	// can tell "infrastructure is down" from "a sibling stage is slow".
	KindDependencyNotReady

	// KindConfig covers startup wiring faults (duplicate queue
	// registration, unknown handler name). Fatal, never recovered.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindBusiness:
		return "business"
	case KindValidation:
		return "validation"
	case KindDependencyNotReady:
		return "dependency_not_ready"
	case KindConfig:
		return "config"
	default:
		return "transient"
	}
}

// Error carries a failure kind alongside the underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a transient infrastructure failure.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Businessf builds a non-retryable business rejection.
func Businessf(format string, args ...any) error {
	return &Error{Kind: KindBusiness, Err: fmt.Errorf(format, args...)}
}

// Validationf builds a terminal validation failure.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// NotReadyf builds a dependency-not-ready failure.
func NotReadyf(format string, args ...any) error {
	return &Error{Kind: KindDependencyNotReady, Err: fmt.Errorf(format, args...)}
}

// Configf builds a fatal configuration error.
func Configf(format string, args ...any) error {
	return &Error{Kind: KindConfig, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the failure kind of err. Unclassified errors are
// transient by default.
func KindOf(err error) Kind {
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	return KindTransient
}

// Retryable reports whether a failure of this kind should consume a retry
// attempt rather than dead-letter the job immediately.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindDependencyNotReady:
		return true
	default:
		return false
	}
}
