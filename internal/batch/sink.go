package batch

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	pkgerrors "github.com/pkg/errors"
)

// Appender writes rows to the working file of the current batch. Calls are
// serialised and each row is either fully written or not at all.
type Appender struct {
	path string
	mu   sync.Mutex
}

// NewAppender returns an appender for the working file at path.
func NewAppender(path string) *Appender {
	return &Appender{path: path}
}

// Path returns the working file location.
func (a *Appender) Path() string {
	return a.path
}

// Append writes row as one line, creating the file and its directory when
// they do not exist yet. On a failed or short write the file is cut back to
// its previous size, or removed when this call created it.
func (a *Appender) Append(row Row) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return a.fail(err)
	}

	_, statErr := os.Stat(a.path)
	existed := statErr == nil

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return a.fail(err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return a.fail(err)
	}
	size := info.Size()

	line := row.String()
	n, err := f.WriteString(line)
	if err == nil && n < len(line) {
		err = io.ErrShortWrite
	}
	if err != nil {
		err = errors.Join(err, a.undo(f, size, existed))
		return a.fail(err)
	}

	if err := f.Close(); err != nil {
		return a.fail(err)
	}
	return nil
}

func (a *Appender) undo(f *os.File, size int64, existed bool) error {
	truncErr := f.Truncate(size)
	closeErr := f.Close()
	if !existed {
		return errors.Join(truncErr, closeErr, os.Remove(a.path))
	}
	return errors.Join(truncErr, closeErr)
}

func (a *Appender) fail(err error) error {
	return &AppendError{Path: a.path, Err: pkgerrors.WithStack(err)}
}

// Exists reports whether the working file is present.
func (a *Appender) Exists() (bool, error) {
	_, err := os.Stat(a.path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
