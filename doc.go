// Package outbound drains an input queue of XML records into CSV batch files.
// Each DATA record is parsed, appended as one "id,name,value" row to a shared
// working file, and counted. An EOF record closes the batch: in-flight records
// are drained, the working file is moved to the output directory under a
// timestamped name, and the received and written counters are compared to
// report PASS or FAIL. Records that cannot be parsed or appended are written as
// JSON artifacts to the exception directory and the batch keeps going.
//
// Service hosts the Watermill router that feeds the pipeline. It reads the
// transport (Kafka, RabbitMQ, AWS SNS/SQS, NATS, HTTP, I/O, SQLite, PostgreSQL,
// or Go Channels) from Config, registers the default middleware chain, and
// exposes Prometheus metrics and a JSON status API. A minimal setup fills
// Config, creates a Service, and calls Start; PublishBatch is the producer side
// used by the outbound-feeder command.
//
// # Transports
//
// Ordering matters: an EOF overtaking a DATA record rotates that record into
// the next batch. Transports that cannot keep a queue in order log a warning
// at startup:
//   - channel: In-memory Go channels for tests and single-process runs
//   - kafka: Ordered within a partition; use a single-partition topic
//   - rabbitmq: AMQP durable queues
//   - aws: SNS/SQS with LocalStack support, no ordering on standard queues
//   - nats: Core NATS subjects
//   - http: Request/response delivery
//   - io: Append-only file queue with durable offsets
//   - sqlite: Embedded persistent queue with delayed delivery and dead-letter store
//   - postgres: PostgreSQL queue with SKIP LOCKED and dead-letter store
//
// # Failure handling
//
// Parse and append failures are quarantined and committed. Transport and
// rotation failures roll the delivery back; the retry middleware redelivers
// the record with a fixed delay, and once the attempts run out the record is
// published to Config.DeadLetterQueue.
package outbound
