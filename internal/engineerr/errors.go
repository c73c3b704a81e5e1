// Package engineerr provides the explicit error taxonomy for the query
// engine core. Every error carries enough structure for a caller to decide
// whether to reset pipelines, reject a schema, or surface a bug report.
package engineerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// EngineError is the base type for all typed errors in this package.
type EngineError struct {
	Kind  Kind
	Msg   string
	Cause error
}

// Kind categorizes an EngineError for caller dispatch.
type Kind int

const (
	KindSchemaMismatch Kind = iota
	KindUnsupportedValue
	KindRowNotFound
	KindRowConflict
	KindStaticNotSubstituted
)

func (k Kind) String() string {
	switch k {
	case KindSchemaMismatch:
		return "SchemaMismatch"
	case KindUnsupportedValue:
		return "UnsupportedValue"
	case KindRowNotFound:
		return "RowNotFound"
	case KindRowConflict:
		return "RowConflict"
	case KindStaticNotSubstituted:
		return "StaticNotSubstituted"
	default:
		return "Unknown"
	}
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// ErrSchemaMismatch is returned when a client schema references a table or
// column that is not replicated, or whose replicated type is incompatible.
type ErrSchemaMismatch struct {
	EngineError
	Table  string
	Column string
}

// NewSchemaMismatch builds a SchemaMismatch error for (table, column).
func NewSchemaMismatch(table, column, reason string) *ErrSchemaMismatch {
	return &ErrSchemaMismatch{
		EngineError: EngineError{
			Kind: KindSchemaMismatch,
			Msg:  fmt.Sprintf("%s.%s: %s", table, column, reason),
		},
		Table:  table,
		Column: column,
	}
}

// ErrUnsupportedValue is returned when a replica row holds a value outside
// representable bounds, or invalid JSON.
type ErrUnsupportedValue struct {
	EngineError
	Table  string
	Column string
}

// NewUnsupportedValue wraps an underlying decode/range error for (table, column).
func NewUnsupportedValue(table, column string, cause error) *ErrUnsupportedValue {
	return &ErrUnsupportedValue{
		EngineError: EngineError{
			Kind:  KindUnsupportedValue,
			Msg:   fmt.Sprintf("%s.%s", table, column),
			Cause: errors.WithStack(cause),
		},
		Table:  table,
		Column: column,
	}
}

// ErrRowNotFound is returned when a push attempts to remove or edit a row
// that the table source does not currently hold.
type ErrRowNotFound struct {
	EngineError
	Table string
	Key   string
}

// NewRowNotFound builds a RowNotFound error.
func NewRowNotFound(table, key string) *ErrRowNotFound {
	return &ErrRowNotFound{
		EngineError: EngineError{
			Kind: KindRowNotFound,
			Msg:  fmt.Sprintf("no row %s in %s", key, table),
		},
		Table: table,
		Key:   key,
	}
}

// ErrRowConflict is returned when a push attempts to add a row whose key
// collides with a row already present.
type ErrRowConflict struct {
	EngineError
	Table string
	Key   string
}

// NewRowConflict builds a RowConflict error.
func NewRowConflict(table, key string) *ErrRowConflict {
	return &ErrRowConflict{
		EngineError: EngineError{
			Kind: KindRowConflict,
			Msg:  fmt.Sprintf("row %s already exists in %s", key, table),
		},
		Table: table,
		Key:   key,
	}
}

// ErrStaticNotSubstituted is a programming error: an AST reached an
// executor still carrying `static` operands.
type ErrStaticNotSubstituted struct {
	EngineError
	Location string
}

// NewStaticNotSubstituted builds a StaticNotSubstituted error.
func NewStaticNotSubstituted(location string) *ErrStaticNotSubstituted {
	return &ErrStaticNotSubstituted{
		EngineError: EngineError{
			Kind: KindStaticNotSubstituted,
			Msg:  fmt.Sprintf("static operand reached executor at %s", location),
		},
		Location: location,
	}
}

// Wrap annotates err with a message using github.com/pkg/errors, preserving
// the ability to recover the original cause via errors.Cause.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}
