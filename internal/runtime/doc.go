/*
Package runtime hosts the outbound processor service: a Watermill router that
consumes XML records from the input queue and feeds them to the batch
pipeline.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - Message router (Watermill)
  - Publisher and subscriber of the configured transport
  - Middleware chain
  - The batch pipeline and its handler on Config.InputQueue
  - HTTP servers for metrics and the status API

## Middleware (middleware.go)

  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of record payloads
  - Tracer: OpenTelemetry span per record
  - Metrics: Watermill router metrics on Prometheus
  - DeadLetter: Forwards records that still fail to Config.DeadLetterQueue
  - Retry: Fixed-delay redelivery of transport and rotation failures
  - Recoverer: Panic recovery

## Dead letters (deadletter.go)

Prometheus and in-memory counters for the dead-letter queue, plus replay and
purge for transports that keep a native dead-letter store.

## Stats and status API (stats.go, status.go)

Per-handler latency, throughput, error and backlog figures, served as JSON
next to the batch state under /api.

## Publishing (publisher.go)

Helpers used by the feeder to emit records and the EOF sentinel.

# Sub-packages

  - config/: Service configuration with validation
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message metadata utilities

# Usage Example

	cfg := &outbound.Config{
		PubSubSystem: "sqlite",
		SQLiteFile:   "queue.db",
		InputQueue:   "inputQueue",
		WorkingFile:  "data/working/working.csv",
		OutputDir:    "data/output",
		ExceptionDir: "data/exception",
	}

	svc := outbound.NewService(cfg, logger, ctx, outbound.ServiceDependencies{})
	svc.Start(ctx)
*/
package runtime
