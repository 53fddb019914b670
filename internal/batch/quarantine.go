package batch

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sipcic/outbound-processor/internal/runtime/jsoncodec"
	"github.com/sipcic/outbound-processor/internal/runtime/logging"
)

// Artifact is the JSON document written for a quarantined record.
type Artifact struct {
	MessageID   string      `json:"messageId"`
	MessageBody string      `json:"messageBody"`
	StackTrace  string      `json:"stackTrace"`
	FailureKind FailureKind `json:"failureKind"`
	FailedAt    time.Time   `json:"failedAt"`
}

// Quarantine persists records that failed the transform or append step as
// <dir>/<messageId>.json.
type Quarantine struct {
	dir    string
	logger logging.ServiceLogger
	now    func() time.Time
}

// NewQuarantine returns a writer for dir.
func NewQuarantine(dir string, logger logging.ServiceLogger) *Quarantine {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	return &Quarantine{dir: dir, logger: logger, now: time.Now}
}

// Path returns the artifact location for id.
func (q *Quarantine) Path(id string) string {
	return filepath.Join(q.dir, safeName(id)+".json")
}

// Write stores the artifact for id, replacing any previous one. It never
// fails the caller: errors are logged and reported through ok.
func (q *Quarantine) Write(id, body string, cause error) (path string, ok bool) {
	path = q.Path(id)
	artifact := Artifact{
		MessageID:   id,
		MessageBody: body,
		StackTrace:  Detail(cause),
		FailureKind: KindOf(cause),
		FailedAt:    q.now().UTC(),
	}

	fields := logging.LogFields{"message_id": id, "path": path, "kind": artifact.FailureKind}
	if err := q.write(path, artifact); err != nil {
		q.logger.Error("Failed to quarantine message", err, fields)
		return path, false
	}
	if cause != nil {
		fields["reason"] = cause.Error()
	}
	q.logger.Info("Message quarantined", fields)
	return path, true
}

func (q *Quarantine) write(path string, artifact Artifact) error {
	data, err := jsoncodec.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(q.dir, ".quarantine-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// safeName maps a message id onto a file name without path separators.
func safeName(id string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
	name = strings.Trim(name, ".")
	if name == "" {
		return "unknown"
	}
	return name
}
