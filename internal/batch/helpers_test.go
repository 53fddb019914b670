package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sipcic/outbound-processor/internal/runtime/logging"
)

type logEntry struct {
	level  string
	msg    string
	err    error
	fields logging.LogFields
}

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  logging.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) With(fields logging.LogFields) logging.ServiceLogger {
	merged := logging.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, fields: merged}
}

func (l *recordingLogger) record(level, msg string, err error, fields logging.LogFields) {
	merged := logging.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, fields logging.LogFields) { l.record("debug", msg, nil, fields) }
func (l *recordingLogger) Info(msg string, fields logging.LogFields)  { l.record("info", msg, nil, fields) }
func (l *recordingLogger) Trace(msg string, fields logging.LogFields) { l.record("trace", msg, nil, fields) }
func (l *recordingLogger) Error(msg string, err error, fields logging.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) find(msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range *l.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

var fixedTime = time.Date(2026, 10, 19, 14, 30, 5, 0, time.Local)

type testEnv struct {
	dir          string
	workingFile  string
	outputDir    string
	exceptionDir string
	logger       *recordingLogger
	pipeline     *Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:          dir,
		workingFile:  filepath.Join(dir, "working", "working.csv"),
		outputDir:    filepath.Join(dir, "output"),
		exceptionDir: filepath.Join(dir, "exception"),
		logger:       newRecordingLogger(),
	}
	p, err := New(Options{
		WorkingFile:  env.workingFile,
		OutputDir:    env.outputDir,
		ExceptionDir: env.exceptionDir,
		Logger:       env.logger,
		Clock:        func() time.Time { return fixedTime },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.pipeline = p
	return env
}

func dataRecord(id, name, value string) string {
	return fmt.Sprintf("<message><type>DATA</type><id>%s</id><name>%s</name><value>%s</value></message>", id, name, value)
}

const eofRecord = "<message><type>EOF</type></message>"

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read dir %s: %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names
}
