package batch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipcic/outbound-processor/internal/runtime/jsoncodec"
)

func TestQuarantineWritesArtifact(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exception")
	logger := newRecordingLogger()
	q := NewQuarantine(dir, logger)
	q.now = func() time.Time { return fixedTime }

	_, cause := Transform("<message><id>7</id></message>")
	path, ok := q.Write("msg-7", "<message><id>7</id></message>", cause)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "msg-7.json"), path)

	var artifact Artifact
	require.NoError(t, jsoncodec.Unmarshal([]byte(readFile(t, path)), &artifact))
	assert.Equal(t, "msg-7", artifact.MessageID)
	assert.Equal(t, "<message><id>7</id></message>", artifact.MessageBody)
	assert.Equal(t, FailureParse, artifact.FailureKind)
	assert.Contains(t, artifact.StackTrace, "parse: parse record: <name>")
	assert.Contains(t, artifact.StackTrace, "caused by: required element is missing")
	assert.Contains(t, artifact.StackTrace, "readFields")
	assert.True(t, artifact.FailedAt.Equal(fixedTime))

	entry, found := logger.find("Message quarantined")
	require.True(t, found)
	assert.Equal(t, "msg-7", entry.fields["message_id"])

	assert.Contains(t, readFile(t, path), "\n  \"messageId\": \"msg-7\"", "artifact should be indented")
}

func TestQuarantineOverwritesSameID(t *testing.T) {
	q := NewQuarantine(t.TempDir(), nil)

	first, ok := q.Write("dup", "first", errors.New("one"))
	require.True(t, ok)
	second, ok := q.Write("dup", "second", errors.New("two"))
	require.True(t, ok)
	require.Equal(t, first, second)

	var artifact Artifact
	require.NoError(t, jsoncodec.Unmarshal([]byte(readFile(t, second)), &artifact))
	assert.Equal(t, "second", artifact.MessageBody)
	assert.Equal(t, FailureUnknown, artifact.FailureKind)
	assert.Equal(t, []string{"dup.json"}, listDir(t, q.dir))
}

func TestQuarantineFailureIsLoggedNotReturned(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	logger := newRecordingLogger()
	q := NewQuarantine(filepath.Join(blocker, "exception"), logger)

	_, ok := q.Write("id", "body", errors.New("boom"))
	assert.False(t, ok)

	entry, found := logger.find("Failed to quarantine message")
	require.True(t, found)
	assert.Error(t, entry.err)
}

func TestSafeName(t *testing.T) {
	tests := map[string]string{
		"ID:abc-1":         "ID_abc-1",
		"../../etc/passwd": "_.._etc_passwd",
		"":                 "unknown",
		"..":               "unknown",
		"01JAB.x_y":        "01JAB.x_y",
	}
	for in, want := range tests {
		if got := safeName(in); got != want {
			t.Fatalf("safeName(%q) = %q, want %q", in, got, want)
		}
	}
}
