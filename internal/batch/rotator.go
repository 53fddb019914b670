package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/sipcic/outbound-processor/internal/runtime/logging"
)

// RotationLayout is the timestamp format of rotated file names.
const RotationLayout = "20060102_150405"

// Rotation describes one end-of-batch.
type Rotation struct {
	Path      string    `json:"path,omitempty"`
	Received  uint64    `json:"received"`
	Written   uint64    `json:"written"`
	Passed    bool      `json:"passed"`
	Skipped   bool      `json:"skipped"`
	RotatedAt time.Time `json:"rotated_at"`
}

// Result is "PASS", "FAIL" or "SKIPPED".
func (r Rotation) Result() string {
	switch {
	case r.Skipped:
		return "SKIPPED"
	case r.Passed:
		return "PASS"
	default:
		return "FAIL"
	}
}

// Rotator finalizes the working file at end-of-batch.
type Rotator struct {
	appender  *Appender
	outputDir string
	counter   *Counter
	gate      *Gate
	metrics   *Metrics
	logger    logging.ServiceLogger
	now       func() time.Time
}

// OutputPath returns the rotated file name for a rotation at t.
func (r *Rotator) OutputPath(t time.Time) string {
	return filepath.Join(r.outputDir, "output_"+t.Format(RotationLayout)+".csv")
}

// RotateAndValidate moves the working file into the output directory,
// compares the counters and resets them.
//
// Without a working file it logs and returns a skipped Rotation, leaving the
// counters alone. When the move fails it returns a *RotationError and also
// leaves the counters alone. A count mismatch is reported as FAIL but is not
// an error; the counters are reset either way.
func (r *Rotator) RotateAndValidate(ctx context.Context) (Rotation, error) {
	finish := r.gate.Drain()
	next := StateReceiving
	defer func() { finish(next) }()

	started := r.now()
	working := r.appender.Path()

	exists, err := r.appender.Exists()
	if err != nil {
		return Rotation{}, r.failed(&RotationError{From: working, Err: pkgerrors.WithStack(err)}, started)
	}
	if !exists {
		counts := r.counter.Snapshot()
		if counts == (Counts{}) {
			next = StateIdle
		}
		r.logger.Info("No working file to rotate", logging.LogFields{"path": working})
		rotation := Rotation{Received: counts.Received, Written: counts.Written, Skipped: true, RotatedAt: started}
		r.finished(rotation, started)
		return rotation, nil
	}

	target := r.OutputPath(started)
	if err := r.move(ctx, working, target); err != nil {
		return Rotation{}, r.failed(&RotationError{From: working, To: target, Err: pkgerrors.WithStack(err)}, started)
	}

	counts := r.counter.Snapshot()
	rotation := Rotation{
		Path:      target,
		Received:  counts.Received,
		Written:   counts.Written,
		Passed:    counts.Matches(),
		RotatedAt: started,
	}

	r.logger.Info("Rotated file", logging.LogFields{"path": target})
	r.logger.Info("Received XML Messages", logging.LogFields{"count": counts.Received})
	r.logger.Info("Written CSV Records", logging.LogFields{"count": counts.Written})
	r.logger.Info("Validation: "+rotation.Result(), logging.LogFields{
		"received": counts.Received,
		"written":  counts.Written,
		"path":     target,
	})

	r.counter.Reset()
	next = StateIdle
	r.finished(rotation, started)
	return rotation, nil
}

func (r *Rotator) finished(rotation Rotation, started time.Time) {
	r.gate.recordRotation(rotation)
	r.metrics.observeRotation(rotation.Result(), r.now().Sub(started))
	r.metrics.observeCounts(r.counter.Snapshot())
}

func (r *Rotator) failed(err *RotationError, started time.Time) error {
	r.logger.Error("Rotation failed", err, logging.LogFields{"from": err.From, "to": err.To})
	r.metrics.observeRotation("ERROR", r.now().Sub(started))
	return err
}

// move renames from onto to, replacing an existing file. Across file systems
// it copies into a temporary file next to the target first, so the target
// only ever appears complete.
func (r *Rotator) move(ctx context.Context, from, to string) error {
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return err
	}

	err := os.Rename(from, to)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}
	return copyAcross(ctx, from, to)
}

func copyAcross(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(to), ".rotate-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), to); err != nil {
		return err
	}

	if err := os.Remove(from); err != nil {
		// keep a single copy of the batch: the working file stays authoritative
		if rmErr := os.Remove(to); rmErr != nil {
			return errors.Join(err, rmErr)
		}
		return fmt.Errorf("remove working file after copy: %w", err)
	}
	return nil
}
