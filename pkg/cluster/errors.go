package cluster

import (
	"errors"
	"fmt"

	k8serrors "k8s.io/apimachinery/pkg/api/errors"
)

// NotFoundError reports that a resource does not exist. Delete paths
// treat it as success.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// ConflictError reports that a resource already exists. Callers react
// with an update-in-place, not a failure.
type ConflictError struct {
	Kind string
	Name string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Name)
}

// TransientError wraps a network or API-server failure that the caller
// may retry. The gateway never retries internally, so callers keep
// control of the retry budget.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient cluster error: %s", e.err.Error())
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps err as retryable. For Gateway
// implementations living outside this package.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var tr *TransientError
	return errors.As(err, &tr)
}

// classify maps a k8s API error into the gateway taxonomy.
func classify(err error, kind, name string) error {
	switch {
	case err == nil:
		return nil
	case k8serrors.IsNotFound(err):
		return &NotFoundError{Kind: kind, Name: name}
	case k8serrors.IsAlreadyExists(err) || k8serrors.IsConflict(err):
		return &ConflictError{Kind: kind, Name: name}
	default:
		return &TransientError{err: err}
	}
}
