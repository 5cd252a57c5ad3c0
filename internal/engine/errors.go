package engine

import "fmt"

// FailureKind classifies why a load failed.
type FailureKind string

const (
	// KindNotFound: unresolvable model ID or missing checkpoint/config.
	KindNotFound FailureKind = "not_found"
	// KindUnsupportedFamily: the store folder classifies to no known family.
	KindUnsupportedFamily FailureKind = "unsupported_family"
	// KindLoadFailure: backend unavailable, corrupt checkpoint or device error.
	KindLoadFailure FailureKind = "load_failure"
)

// Error is a structured load failure carrying its kind. None of these
// are process-fatal; callers recover by retrying or picking another
// model.
type Error struct {
	Kind    FailureKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func failf(kind FailureKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
