package types

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors for type validation
var (
	ErrEmptyChromosome    = errors.New("chromosome cannot be empty")
	ErrInvalidPosition    = errors.New("position must be >= 1")
	ErrInvalidVariantKey  = errors.New("invalid variant key")
	ErrEmptyAllele        = errors.New("reference and alternate alleles cannot both be empty")
	ErrInvalidVariantData = errors.New("invalid variant data")
)

// SchemaError reports an index schema inconsistency: a combination lookup
// miss, overlapping field offsets, a malformed field configuration or an
// unknown schema version. It is never retried.
type SchemaError struct {
	Op  string
	Msg string
	Err error
}

// NewSchemaError builds a SchemaError with a formatted message.
func NewSchemaError(op, format string, args ...any) *SchemaError {
	return &SchemaError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("schema error")
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// IsSchemaError reports whether err or any error it wraps is a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// ConflictError is returned when a batch operation cannot start because an
// operation on an overlapping file set is in the way. Resumable is set when
// the blocking operation targets exactly the requested file set and ended in
// ERROR, in which case the caller may resume it instead.
type ConflictError struct {
	Study           string
	FileIDs         []int
	BlockingID      int64
	BlockingName    string
	BlockingFileIDs []int
	BlockingStatus  string
	Resumable       bool
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("operation conflict in study %q: files %v overlap operation %d (%s, files %v) in status %s",
		e.Study, e.FileIDs, e.BlockingID, e.BlockingName, e.BlockingFileIDs, e.BlockingStatus)
	if e.Resumable {
		msg += "; resume it instead"
	}
	return msg
}

// IsConflictError reports whether err or any error it wraps is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
