package batch

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
	pkgerrors "github.com/pkg/errors"

	"github.com/sipcic/outbound-processor/internal/runtime/ids"
	"github.com/sipcic/outbound-processor/internal/runtime/logging"
)

// ErrNoDecision is returned by a UnitOfWork released without Commit or Rollback.
var ErrNoDecision = errors.New("batch: unit of work released without a decision")

// UnitOfWork is the transactional boundary of one delivery. The first
// Commit or Rollback decides it; Release reports the decision and rolls back
// when none was made. A nil release error acks the delivery, anything else
// hands it to the redelivery policy.
type UnitOfWork struct {
	ID string

	decided  bool
	released bool
	err      error
}

// Begin opens a unit of work for the delivery id.
func Begin(id string) *UnitOfWork {
	return &UnitOfWork{ID: id}
}

func (u *UnitOfWork) Commit() {
	if u.decided {
		return
	}
	u.decided = true
	u.err = nil
}

func (u *UnitOfWork) Rollback(err error) {
	if u.decided {
		return
	}
	if err == nil {
		err = ErrNoDecision
	}
	u.decided = true
	u.err = err
}

// Release ends the unit of work. Further calls return the same result.
func (u *UnitOfWork) Release() error {
	if !u.decided {
		u.Rollback(ErrNoDecision)
	}
	u.released = true
	return u.err
}

// Released reports whether Release was called.
func (u *UnitOfWork) Released() bool {
	return u.released
}

// Outcome is what happened to a committed delivery.
type Outcome int

const (
	OutcomeWritten Outcome = iota
	OutcomeQuarantined
	OutcomeRotated
	OutcomeRotationSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWritten:
		return "written"
	case OutcomeQuarantined:
		return "quarantined"
	case OutcomeRotated:
		return "rotated"
	case OutcomeRotationSkipped:
		return "rotation_skipped"
	default:
		return "unknown"
	}
}

// Result is the typed outcome of Dispatch.
type Result struct {
	Outcome  Outcome
	Row      Row
	Rotation Rotation
	// Failure and Artifact are set for quarantined records.
	Failure  error
	Artifact string
}

// Dispatcher routes one delivery at a time to the transform pipeline or the
// rotator.
type Dispatcher struct {
	counter    *Counter
	gate       *Gate
	appender   *Appender
	quarantine *Quarantine
	rotator    *Rotator
	metrics    *Metrics
	logger     logging.ServiceLogger
}

// Dispatch processes in within its own UnitOfWork. Parse and append failures
// are quarantined and committed; the returned error is non-nil only for
// rolled back deliveries, which are TransportError or RotationError.
func (d *Dispatcher) Dispatch(ctx context.Context, in InboundMessage) (res Result, err error) {
	uow := Begin(in.ID)
	defer func() { err = uow.Release() }()

	if ctxErr := ctx.Err(); ctxErr != nil {
		uow.Rollback(&TransportError{Err: pkgerrors.WithStack(ctxErr)})
		return Result{}, nil
	}

	if in.Type == TypeEOF {
		rotation, rotErr := d.rotator.RotateAndValidate(ctx)
		if rotErr != nil {
			uow.Rollback(rotErr)
			return Result{}, nil
		}
		uow.Commit()
		if rotation.Skipped {
			return Result{Outcome: OutcomeRotationSkipped, Rotation: rotation}, nil
		}
		return Result{Outcome: OutcomeRotated, Rotation: rotation}, nil
	}

	res = d.transformAndAppend(in)
	uow.Commit()
	return res, nil
}

func (d *Dispatcher) transformAndAppend(in InboundMessage) Result {
	release := d.gate.Admit()
	defer release()

	d.counter.IncrementReceived()
	d.metrics.observeReceived(d.counter.Snapshot())

	row, err := Transform(in.Body)
	if err == nil {
		err = d.appender.Append(row)
	}
	if err != nil {
		path, _ := d.quarantine.Write(in.ID, in.Body, err)
		d.metrics.observeQuarantined(KindOf(err))
		return Result{Outcome: OutcomeQuarantined, Failure: err, Artifact: path}
	}

	d.counter.IncrementWritten()
	d.metrics.observeWritten(d.counter.Snapshot())
	return Result{Outcome: OutcomeWritten, Row: row}
}

// Handle is a Watermill handler: a nil return acks the delivery, an error
// nacks it after the router's retry and dead-letter middleware ran.
func (d *Dispatcher) Handle(msg *message.Message) error {
	id := msg.UUID
	if id == "" {
		id = ids.CreateULID()
	}
	in := Classify(id, string(msg.Payload))

	res, err := d.Dispatch(msg.Context(), in)
	fields := logging.LogFields{"message_id": id, "type": in.Type.String()}
	if err != nil {
		d.logger.Error("Delivery rolled back", err, fields)
		return err
	}
	fields["outcome"] = res.Outcome.String()
	d.logger.Debug("Delivery committed", fields)
	return nil
}
