package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{"ack and nack", Capabilities{SupportsAck: true, SupportsNack: true}, true},
		{"ack only", Capabilities{SupportsAck: true}, false},
		{"nack only", Capabilities{SupportsNack: true}, false},
		{"neither", Capabilities{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestCapabilities_RequiresDLQEmulation(t *testing.T) {
	assert.False(t, Capabilities{SupportsNativeDLQ: true}.RequiresDLQEmulation())
	assert.True(t, Capabilities{}.RequiresDLQEmulation())
}

func TestCapabilities_BatchWarnings(t *testing.T) {
	t.Run("ordered reliable queue", func(t *testing.T) {
		assert.True(t, RabbitMQCapabilities.BatchSafe())
		assert.Empty(t, RabbitMQCapabilities.BatchWarnings())
	})

	t.Run("partitioned log", func(t *testing.T) {
		warnings := KafkaCapabilities.BatchWarnings()
		assert.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "single partition")
	})

	t.Run("fire and forget", func(t *testing.T) {
		warnings := NATSCapabilities.BatchWarnings()
		assert.False(t, NATSCapabilities.BatchSafe())
		assert.Len(t, warnings, 2)
		assert.Contains(t, warnings[0], "nats does not preserve publish order")
		assert.Contains(t, warnings[1], "does not redeliver")
	})
}

func TestPredefinedCapabilities(t *testing.T) {
	batchSafe := []Capabilities{
		ChannelCapabilities,
		KafkaCapabilities,
		RabbitMQCapabilities,
		SQLiteCapabilities,
		PostgresCapabilities,
		IOCapabilities,
	}
	for _, caps := range batchSafe {
		t.Run(caps.Name, func(t *testing.T) {
			assert.True(t, caps.BatchSafe())
		})
	}

	for _, caps := range []Capabilities{NATSCapabilities, AWSCapabilities, HTTPCapabilities} {
		t.Run(caps.Name, func(t *testing.T) {
			assert.False(t, caps.BatchSafe())
		})
	}

	assert.True(t, SQLiteCapabilities.SupportsNativeDLQ)
	assert.True(t, PostgresCapabilities.SupportsNativeDLQ)
	assert.Equal(t, int64(262144), AWSCapabilities.MaxMessageSize)
}

func TestGetCapabilitiesUsesDefaultRegistry(t *testing.T) {
	previous := DefaultRegistry
	DefaultRegistry = NewRegistry()
	t.Cleanup(func() { DefaultRegistry = previous })

	RegisterWithCapabilities(SQLiteCapabilities.Name, okBuilder, SQLiteCapabilities)

	assert.Equal(t, SQLiteCapabilities, GetCapabilities("sqlite"))
	assert.Equal(t, "missing", GetCapabilities("missing").Name)
}
