package world

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for matching with errors.Is. Concrete failures are *Error values.
var (
	ErrDuplicateEntity = errors.New("duplicate entity")
	ErrEntityNotFound  = errors.New("entity not found")
	ErrMalformedEffect = errors.New("malformed effect")
	ErrSchemaMismatch  = errors.New("schema mismatch")
)

// Code categorizes store failures.
type Code string

const (
	// CodeDuplicateEntity indicates a create targeted an id that already exists.
	CodeDuplicateEntity Code = "DUPLICATE_ENTITY"

	// CodeEntityNotFound indicates an update or delete targeted a missing id.
	CodeEntityNotFound Code = "ENTITY_NOT_FOUND"

	// CodeMalformedEffect indicates the effect itself is structurally invalid.
	CodeMalformedEffect Code = "MALFORMED_EFFECT"

	// CodeSchemaMismatch indicates the resulting payload failed the collection schema.
	CodeSchemaMismatch Code = "SCHEMA_MISMATCH"
)

// Error is a single effect failure.
type Error struct {
	Code       Code
	Collection string
	ID         string
	Message    string

	// Problems holds schema validation failures for CodeSchemaMismatch.
	Problems []error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Collection != "" || e.ID != "" {
		fmt.Fprintf(&b, " (collection=%s, id=%s)", e.Collection, e.ID)
	}
	for _, p := range e.Problems {
		fmt.Fprintf(&b, "; %v", p)
	}
	return b.String()
}

// Is matches the sentinel for e.Code.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeDuplicateEntity:
		return target == ErrDuplicateEntity
	case CodeEntityNotFound:
		return target == ErrEntityNotFound
	case CodeMalformedEffect:
		return target == ErrMalformedEffect
	case CodeSchemaMismatch:
		return target == ErrSchemaMismatch
	}
	return false
}

// BatchError reports the effect that caused a batch to be rejected.
// The store is unchanged when Apply returns a BatchError.
type BatchError struct {
	Index  int
	Effect Effect
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("effect %d (%s %s/%s): %v", e.Index, e.Effect.Op, e.Effect.Collection, e.Effect.ID, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

func duplicateError(collection, id string) *Error {
	return &Error{
		Code:       CodeDuplicateEntity,
		Collection: collection,
		ID:         id,
		Message:    "entity already exists",
	}
}

func notFoundError(collection, id string) *Error {
	return &Error{
		Code:       CodeEntityNotFound,
		Collection: collection,
		ID:         id,
		Message:    "entity does not exist",
	}
}

func malformedError(eff Effect, format string, args ...any) *Error {
	return &Error{
		Code:       CodeMalformedEffect,
		Collection: eff.Collection,
		ID:         eff.ID,
		Message:    fmt.Sprintf(format, args...),
	}
}

// IsDuplicateEntity reports whether err is or wraps a duplicate-entity failure.
func IsDuplicateEntity(err error) bool {
	return errors.Is(err, ErrDuplicateEntity)
}

// IsEntityNotFound reports whether err is or wraps a missing-entity failure.
func IsEntityNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}
