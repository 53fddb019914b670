package batch

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// FailureKind classifies why a record left the happy path.
type FailureKind string

const (
	FailureParse     FailureKind = "parse"
	FailureAppend    FailureKind = "append"
	FailureRotation  FailureKind = "rotation"
	FailureTransport FailureKind = "transport"
	FailureUnknown   FailureKind = "unknown"
)

var (
	ErrFieldMissing    = errors.New("required element is missing")
	ErrFieldDuplicate  = errors.New("element appears more than once")
	ErrEmptyDocument   = errors.New("document has no root element")
	ErrMultipleRoots   = errors.New("document has more than one root element")
	ErrTextOutsideRoot = errors.New("document has text outside the root element")
)

const maxSnippet = 120

// ParseError reports a DATA record that is not well-formed XML or lacks one
// of the id, name and value elements.
type ParseError struct {
	Field   string
	Snippet string
	Err     error
}

func newParseError(field, body string, offset int64, err error) *ParseError {
	return &ParseError{Field: field, Snippet: snippet(body, offset), Err: pkgerrors.WithStack(err)}
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse record: <%s>: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("parse record: %v near %q", e.Err, e.Snippet)
}

func (e *ParseError) Unwrap() error { return e.Err }

// AppendError reports a row that could not be written to the working file.
type AppendError struct {
	Path string
	Err  error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append to %s: %v", e.Path, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

// RotationError reports a working file that could not be moved into the
// output directory. Counters are left untouched when it is returned.
type RotationError struct {
	From string
	To   string
	Err  error
}

func (e *RotationError) Error() string {
	return fmt.Sprintf("rotate %s to %s: %v", e.From, e.To, e.Err)
}

func (e *RotationError) Unwrap() error { return e.Err }

// TransportError reports a delivery that failed before its body was read.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// KindOf returns the failure class of err.
func KindOf(err error) FailureKind {
	var (
		parseErr     *ParseError
		appendErr    *AppendError
		rotationErr  *RotationError
		transportErr *TransportError
	)
	switch {
	case errors.As(err, &parseErr):
		return FailureParse
	case errors.As(err, &appendErr):
		return FailureAppend
	case errors.As(err, &rotationErr):
		return FailureRotation
	case errors.As(err, &transportErr):
		return FailureTransport
	default:
		return FailureUnknown
	}
}

// Redeliverable reports whether the broker should deliver the record again.
// Only transport and rotation failures qualify; everything else is final.
func Redeliverable(err error) bool {
	switch KindOf(err) {
	case FailureTransport, FailureRotation:
		return true
	default:
		return false
	}
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// Detail renders err for humans: the kind, the message, every wrapped cause
// and the stack captured where the failure was raised.
func Detail(err error) string {
	if err == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", KindOf(err), err.Error())
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		if _, ok := cause.(stackTracer); ok {
			continue
		}
		fmt.Fprintf(&b, "\ncaused by: %s", cause.Error())
	}

	var st stackTracer
	if errors.As(err, &st) {
		fmt.Fprintf(&b, "%+v", st.StackTrace())
	}
	return b.String()
}

func snippet(body string, offset int64) string {
	start := 0
	if offset > 0 && int(offset) < len(body) {
		start = int(offset) - maxSnippet/2
		if start < 0 {
			start = 0
		}
	}
	s := body[start:]
	if len(s) > maxSnippet {
		s = s[:maxSnippet]
	}
	return strings.ToValidUTF8(s, "")
}
