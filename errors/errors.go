package errors

import (
	"errors"
	"fmt"
)

// Category classifies error types for targeted handling and monitoring.
type Category string

const (
	CategoryDecode    Category = "decode"
	CategoryEncode    Category = "encode"
	CategoryPipeline  Category = "pipeline"
	CategoryStorage   Category = "storage"
	CategoryConfig    Category = "config"
	CategoryTransient Category = "transient"
	CategoryInput     Category = "input"

	// Domain categories.
	CategoryTooSmall   Category = "too-small"
	CategoryCORS       Category = "cors"
	CategoryWorkerInit Category = "worker-init"
	CategoryWorker     Category = "worker"
	CategoryDispatch   Category = "dispatch"
)

// ProcessingError is the structured error type used throughout the module.
type ProcessingError struct {
	Category  Category
	Op        string // operation name
	Err       error
	Retryable bool
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// New creates a non-retryable ProcessingError.
func New(category Category, op string, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Err: err}
}

// Transient creates a retryable ProcessingError.
func Transient(op string, err error) *ProcessingError {
	return &ProcessingError{Category: CategoryTransient, Op: op, Err: err, Retryable: true}
}

// Wrap wraps an existing error with context.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(category, op, err)
}

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsCategory reports whether err belongs to the given category.  Nested
// ProcessingErrors are searched as well, so a cors error wrapped by a
// pipeline step still reports as cors.
func IsCategory(err error, cat Category) bool {
	for err != nil {
		var pe *ProcessingError
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Category == cat {
			return true
		}
		err = pe.Err
	}
	return false
}

// Sentinel errors for common failure modes.
var (
	ErrUnsupportedFormat  = errors.New("unsupported image format")
	ErrInvalidDimensions  = errors.New("invalid dimensions")
	ErrEmptyInput         = errors.New("empty input")
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrTooSmall          = errors.New("image below minimum size")
	ErrTainted           = errors.New("image source is tainted by cross-origin data")
	ErrWorkerUnavailable = errors.New("dither worker unavailable")
	ErrWorkerClosed      = errors.New("dither worker closed")
	ErrDispatchTimeout   = errors.New("dither request timed out")
	ErrResourceNotFound  = errors.New("resource not found")
	ErrUnknownAction     = errors.New("unknown action")
)
