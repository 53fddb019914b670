package batch

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/sipcic/outbound-processor/internal/runtime/logging"
)

// ErrPathRequired is returned when a pipeline location is not configured.
var ErrPathRequired = errors.New("batch: working file, output and exception directories are required")

// Options configures a Pipeline.
type Options struct {
	WorkingFile  string
	OutputDir    string
	ExceptionDir string

	Logger  logging.ServiceLogger
	Metrics *Metrics
	// Clock names rotated files; defaults to time.Now.
	Clock func() time.Time
}

// Pipeline owns the shared batch state and the components acting on it.
type Pipeline struct {
	counter    *Counter
	gate       *Gate
	appender   *Appender
	quarantine *Quarantine
	rotator    *Rotator
	dispatcher *Dispatcher
}

// Status is a point-in-time view of the open batch.
type Status struct {
	State        State     `json:"state"`
	Counters     Counts    `json:"counters"`
	WorkingFile  string    `json:"working_file"`
	LastRotation *Rotation `json:"last_rotation,omitempty"`
}

// New wires a pipeline from opts.
func New(opts Options) (*Pipeline, error) {
	if opts.WorkingFile == "" || opts.OutputDir == "" || opts.ExceptionDir == "" {
		return nil, ErrPathRequired
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	p := &Pipeline{
		counter:  NewCounter(),
		gate:     NewGate(),
		appender: NewAppender(opts.WorkingFile),
	}
	p.quarantine = NewQuarantine(opts.ExceptionDir, logger.With(logging.LogFields{"component": "quarantine"}))
	p.quarantine.now = clock
	p.rotator = &Rotator{
		appender:  p.appender,
		outputDir: opts.OutputDir,
		counter:   p.counter,
		gate:      p.gate,
		metrics:   opts.Metrics,
		logger:    logger.With(logging.LogFields{"component": "rotator"}),
		now:       clock,
	}
	p.dispatcher = &Dispatcher{
		counter:    p.counter,
		gate:       p.gate,
		appender:   p.appender,
		quarantine: p.quarantine,
		rotator:    p.rotator,
		metrics:    opts.Metrics,
		logger:     logger.With(logging.LogFields{"component": "dispatcher"}),
	}
	return p, nil
}

// Handle is the Watermill handler for the input queue.
func (p *Pipeline) Handle(msg *message.Message) error {
	return p.dispatcher.Handle(msg)
}

// Dispatch processes one already classified delivery.
func (p *Pipeline) Dispatch(ctx context.Context, in InboundMessage) (Result, error) {
	return p.dispatcher.Dispatch(ctx, in)
}

// Rotate finalizes the open batch as if an EOF record had arrived.
func (p *Pipeline) Rotate(ctx context.Context) (Rotation, error) {
	return p.rotator.RotateAndValidate(ctx)
}

func (p *Pipeline) Counter() *Counter { return p.counter }

func (p *Pipeline) Gate() *Gate { return p.gate }

// Snapshot reports the batch state, counters and last rotation.
func (p *Pipeline) Snapshot() Status {
	status := Status{
		State:       p.gate.State(),
		Counters:    p.counter.Snapshot(),
		WorkingFile: p.appender.Path(),
	}
	if last, ok := p.gate.LastRotation(); ok {
		status.LastRotation = &last
	}
	return status
}
