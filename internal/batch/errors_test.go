package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOfAndRedeliverable(t *testing.T) {
	cases := []struct {
		name          string
		err           error
		kind          FailureKind
		redeliverable bool
	}{
		{"parse", newParseError("id", "<x/>", 0, ErrFieldMissing), FailureParse, false},
		{"append", &AppendError{Path: "w.csv", Err: errors.New("disk full")}, FailureAppend, false},
		{"rotation", &RotationError{From: "a", To: "b", Err: errors.New("busy")}, FailureRotation, true},
		{"transport", &TransportError{Err: context.Canceled}, FailureTransport, true},
		{"wrapped transport", fmt.Errorf("handler: %w", &TransportError{Err: context.Canceled}), FailureTransport, true},
		{"plain", errors.New("boom"), FailureUnknown, false},
		{"nil", nil, FailureUnknown, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, KindOf(tc.err))
			assert.Equal(t, tc.redeliverable, Redeliverable(tc.err))
		})
	}
}

func TestParseErrorMessage(t *testing.T) {
	withField := newParseError("value", "<m/>", 0, ErrFieldMissing)
	assert.Equal(t, "parse record: <value>: required element is missing", withField.Error())
	assert.ErrorIs(t, withField, ErrFieldMissing)

	withoutField := newParseError("", "<m>", 0, ErrEmptyDocument)
	assert.Equal(t, `parse record: document has no root element near "<m>"`, withoutField.Error())
}

func TestDetailIncludesCausesAndStack(t *testing.T) {
	err := newParseError("id", "<m/>", 0, ErrFieldDuplicate)
	detail := Detail(err)

	assert.True(t, strings.HasPrefix(detail, "parse: parse record: <id>"), detail)
	assert.Contains(t, detail, "caused by: element appears more than once")
	assert.Contains(t, detail, "newParseError")
	assert.Equal(t, "", Detail(nil))
}

func TestDetailWithoutStack(t *testing.T) {
	err := &AppendError{Path: "w.csv", Err: errors.New("disk full")}
	assert.Equal(t, "append: append to w.csv: disk full\ncaused by: disk full", Detail(err))

	stacked := &TransportError{Err: pkgerrors.WithStack(context.DeadlineExceeded)}
	detail := Detail(stacked)
	assert.Contains(t, detail, "caused by: context deadline exceeded")
	assert.Contains(t, detail, "TestDetailWithoutStack")
}

func TestSnippetIsBounded(t *testing.T) {
	body := strings.Repeat("a", 500)
	assert.Len(t, snippet(body, 300), maxSnippet)
	assert.Equal(t, "short", snippet("short", 0))
	assert.Equal(t, "short", snippet("short", 99))
}
