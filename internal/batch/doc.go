// Package batch implements the consume-transform-append-rotate pipeline.
//
// DATA records are parsed into CSV rows and appended to the working file of
// the current batch. An EOF record rotates the working file into the output
// directory and validates that every received record was written. Records
// that cannot be parsed or appended are quarantined as JSON artifacts and
// never redelivered.
//
// The pieces are small and independently testable:
//
//   - Counter tallies received and written records.
//   - Transform turns one XML record into a Row.
//   - Appender serialises rows into the working file.
//   - Quarantine persists failed records.
//   - Gate tracks the batch state and drains in-flight records before rotation.
//   - Rotator moves the working file and validates the counters.
//   - Dispatcher classifies a delivery and drives all of the above inside a
//     UnitOfWork.
//
// Pipeline wires them together and exposes a Watermill handler.
package batch
