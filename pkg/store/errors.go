package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Sentinel errors for store operations, mirroring the teacher's
// errors.New + errors.Is style (pkg/queue/types.go, pkg/services/errors.go).
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when a uniqueness constraint would be
	// violated (duplicate branch name, PR number, todo order index, ...).
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrNoJobsAvailable indicates no queued job is ready to claim for this
	// machine (spec.md §4.1 process()).
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrAtCapacity indicates the global concurrent-job limit has been
	// reached (spec.md §4.1 process()).
	ErrAtCapacity = errors.New("at capacity")
)

// ValidationError wraps field-specific validation errors raised before a
// write reaches the database.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// isNoRows reports whether err is pgx.ErrNoRows, the sentinel pgx returns
// from QueryRow.Scan when the query produced zero rows.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
