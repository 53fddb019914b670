package batch

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransform(t *testing.T) {
	row, err := Transform(dataRecord("1", "a", "10"))
	require.NoError(t, err)
	assert.Equal(t, Row{ID: "1", Name: "a", Value: "10"}, row)
	assert.Equal(t, "1,a,10\n", row.String())
}

func TestTransformTrimsAndIgnoresOtherElements(t *testing.T) {
	body := `<?xml version="1.0"?>
<message>
  <type>DATA</type>
  <value> 20 </value>
  <name>b</name>
  <id>2</id>
  <extra><id>nested ids are not record fields</id></extra>
</message>`

	row, err := Transform(body)
	require.NoError(t, err)
	assert.Equal(t, "2,b,20\n", row.String())
}

func TestTransformFailures(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		field     string
		wantIs    error
		wantInMsg string
	}{
		{name: "missing name", body: "<message><id>1</id><value>10</value></message>", field: "name", wantIs: ErrFieldMissing},
		{name: "missing value", body: "<message><id>1</id><name>a</name></message>", field: "value", wantIs: ErrFieldMissing},
		{name: "duplicate id", body: "<message><id>1</id><id>2</id><name>a</name><value>1</value></message>", field: "id", wantIs: ErrFieldDuplicate},
		{name: "empty body", body: "", wantIs: ErrEmptyDocument},
		{name: "two roots", body: "<a></a><b></b>", wantIs: ErrMultipleRoots},
		{name: "unclosed element", body: "<message><id>1</id><name>a", field: "name", wantInMsg: "parse record: <name>"},
		{name: "mismatched tag", body: "<message><id>1</name></message>", field: "id", wantInMsg: "parse record: <id>"},
		{name: "not xml", body: "hello, world", wantIs: ErrTextOutsideRoot},
		{name: "trailing text", body: "<message><id>1</id><name>a</name><value>10</value></message>trailing junk", wantIs: ErrTextOutsideRoot},
		{name: "leading text", body: "leading junk<message><id>1</id><name>a</name><value>10</value></message>", wantIs: ErrTextOutsideRoot},
		{name: "nested id", body: "<message><meta><id>1</id></meta><name>a</name><value>10</value></message>", field: "id", wantIs: ErrFieldMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Transform(tt.body)
			require.Error(t, err)

			var parseErr *ParseError
			require.True(t, errors.As(err, &parseErr), "want *ParseError, got %T", err)
			assert.Equal(t, tt.field, parseErr.Field)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			if tt.wantInMsg != "" {
				assert.Contains(t, err.Error(), tt.wantInMsg)
			}
			assert.Equal(t, FailureParse, KindOf(err))
			assert.False(t, Redeliverable(err))
		})
	}
}

func TestParseErrorSnippetIsBounded(t *testing.T) {
	body := "<message>" + strings.Repeat("x", 1000) + "<broken"
	_, err := Transform(body)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.LessOrEqual(t, len(parseErr.Snippet), maxSnippet)
	assert.NotEmpty(t, parseErr.Snippet)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		body string
		want RecordType
	}{
		{body: eofRecord, want: TypeEOF},
		{body: "<message><type> EOF </type></message>", want: TypeEOF},
		{body: dataRecord("1", "a", "10"), want: TypeData},
		{body: "<message><type>eof</type></message>", want: TypeData},
		{body: "<message><inner><type>EOF</type></inner></message>", want: TypeData},
		{body: "<message><id>1</id>", want: TypeData},
		{body: "not xml at all", want: TypeData},
		{body: "", want: TypeData},
	}

	for _, tt := range tests {
		in := Classify("id-1", tt.body)
		if in.Type != tt.want {
			t.Fatalf("Classify(%q) = %s, want %s", tt.body, in.Type, tt.want)
		}
		if in.ID != "id-1" || in.Body != tt.body {
			t.Fatalf("Classify lost id or body: %+v", in)
		}
	}
}
