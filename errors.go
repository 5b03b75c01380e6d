package warden

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an environment, an asset or a parent
	// reference does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrCycleDetected is returned when the parent references of an
	// environment's assets cannot be ordered.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrInvalidAsset is returned for definitions that break a structural
	// rule, such as a rule with no parents.
	ErrInvalidAsset = errors.New("invalid asset")

	// ErrCompile is matched by every *CompileError.
	ErrCompile = errors.New("compile error")

	// ErrDuplicateName is the cause of a CompileError when two definitions
	// in one environment share a name.
	ErrDuplicateName = errors.New("duplicate asset name")

	// ErrParse is returned by condition and transform compilers for source
	// they cannot understand.
	ErrParse = errors.New("parse error")

	// ErrTransform is matched by every *TransformError.
	ErrTransform = errors.New("transform failed")

	// ErrNoEnvironment is returned when an operation needs an active
	// environment and none has been activated.
	ErrNoEnvironment = errors.New("no active environment")
)

// NotFoundError names the missing item and, for parent references, the
// asset that referred to it.
type NotFoundError struct {
	Name         string
	ReferencedBy string
}

func (e *NotFoundError) Error() string {
	if e.ReferencedBy != "" {
		return fmt.Sprintf("asset %q: parent %q not found", e.ReferencedBy, e.Name)
	}
	return fmt.Sprintf("%q not found", e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CycleError lists the assets whose parents could never be resolved,
// in manifest order.
type CycleError struct {
	Assets []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected among assets [%s]", strings.Join(e.Assets, ", "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycleDetected }

// InvalidAssetError reports a structural problem with one definition.
type InvalidAssetError struct {
	Asset  string
	Reason string
}

func (e *InvalidAssetError) Error() string {
	return fmt.Sprintf("asset %q: %s", e.Asset, e.Reason)
}

func (e *InvalidAssetError) Is(target error) bool { return target == ErrInvalidAsset }

// CompileError is returned by the Builder for the first definition whose
// check or transform list cannot be compiled.
type CompileError struct {
	Asset string
	// Op is the name of the failing transform operation, empty when the
	// check failed or the name was a duplicate.
	Op  string
	Err error
}

func (e *CompileError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("compiling asset %q, operation %q: %v", e.Asset, e.Op, e.Err)
	}
	return fmt.Sprintf("compiling asset %q: %v", e.Asset, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

func (e *CompileError) Is(target error) bool { return target == ErrCompile }

// TransformError is a runtime failure of one transform. It is scoped to
// the branch of the stage that produced it.
type TransformError struct {
	Asset string
	Op    string
	Index int
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("asset %q: operation %d (%s): %v", e.Asset, e.Index, e.Op, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

func (e *TransformError) Is(target error) bool { return target == ErrTransform }
