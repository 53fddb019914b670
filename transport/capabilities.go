package transport

import "fmt"

// Capabilities describes the delivery guarantees a transport backend offers.
// The batch pipeline depends on FIFO ordering and on nack-driven redelivery,
// so the service inspects these at startup.
type Capabilities struct {
	// SupportsDelay indicates the transport can natively delay message delivery.
	SupportsDelay bool

	// SupportsNativeDLQ indicates the transport keeps its own dead-letter store.
	// When false the dead-letter queue is only the application-level topic.
	SupportsNativeDLQ bool

	// SupportsOrdering indicates the transport delivers a queue in publish order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsBatching indicates the transport can batch multiple messages.
	SupportsBatching bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates a nacked message is redelivered by the broker.
	SupportsNack bool

	// SupportsPartitioning indicates the transport spreads a topic over partitions.
	// Ordering then only holds per partition.
	SupportsPartitioning bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// RequiresDLQEmulation returns true if dead-lettered records only exist on the
// application-level dead-letter topic.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// BatchSafe reports whether batches keep their membership on this transport:
// records arrive in order and rolled-back deliveries come back.
func (c Capabilities) BatchSafe() bool {
	return c.SupportsOrdering && c.SupportsReliableDelivery()
}

// BatchWarnings lists the guarantees the batch pipeline relies on that this
// transport does not give.
func (c Capabilities) BatchWarnings() []string {
	var warnings []string
	if !c.SupportsOrdering {
		warnings = append(warnings, fmt.Sprintf("%s does not preserve publish order: records may be counted in the wrong batch", c.Name))
	}
	if c.SupportsPartitioning {
		warnings = append(warnings, fmt.Sprintf("%s orders per partition only: use a single partition for the input queue", c.Name))
	}
	if !c.SupportsReliableDelivery() {
		warnings = append(warnings, fmt.Sprintf("%s does not redeliver nacked messages: failed rotations are not retried by the broker", c.Name))
	}
	return warnings
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsBatching:     true,
		SupportsAck:          true,
		SupportsNack:         true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576, // broker default message.max.bytes
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	// AWSCapabilities for AWS SNS/SQS transport.
	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsTracing:   true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    262144, // 256KB
	}

	// SQLiteCapabilities for the SQLite-backed queue.
	SQLiteCapabilities = Capabilities{
		Name:              "sqlite",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	// PostgresCapabilities for the PostgreSQL-backed queue.
	PostgresCapabilities = Capabilities{
		Name:              "postgres",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	// HTTPCapabilities for HTTP-based transport.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
		SupportsAck:     true,
	}

	// IOCapabilities for the newline-delimited file queue.
	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}
)

// GetCapabilities returns the capabilities for a transport by name from the
// default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
