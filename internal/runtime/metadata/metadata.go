// Package metadata holds the header keys carried alongside queued records and
// the helpers that read them from Watermill messages.
package metadata

import (
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Reserved header keys. Custom metadata must not reuse them.
const (
	// KeyCorrelationID tracks related records across services.
	KeyCorrelationID = "correlation_id"

	// KeyEnqueuedAt records when the producer published the record (RFC3339Nano).
	KeyEnqueuedAt = "outbound_enqueued_at"

	// KeyDeliveryAttempt counts handler invocations for one delivery, starting at 1.
	KeyDeliveryAttempt = "outbound_delivery_attempt"

	// KeyBatchID groups the records a producer published as one batch.
	KeyBatchID = "outbound_batch_id"

	// KeyRecordType mirrors the record's type element for broker-side filtering.
	KeyRecordType = "outbound_record_type"

	// KeyDelay asks the SQL transports to hold the record back, e.g. "30s".
	KeyDelay = "outbound_delay"
)

// Metadata represents the headers carried alongside a record.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// FromWatermill copies Watermill metadata.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill copies metadata into a Watermill map.
func ToWatermill(md Metadata) message.Metadata {
	if len(md) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}

// DeliveryAttempt returns the attempt number stored on msg, or 0 when the
// record has not been handled yet.
func DeliveryAttempt(msg *message.Message) int {
	if msg == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Metadata.Get(KeyDeliveryAttempt))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// NextDeliveryAttempt increments the attempt counter on msg and returns it.
func NextDeliveryAttempt(msg *message.Message) int {
	if msg == nil {
		return 0
	}
	next := DeliveryAttempt(msg) + 1
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata)
	}
	msg.Metadata.Set(KeyDeliveryAttempt, strconv.Itoa(next))
	return next
}

// EnqueuedAt parses the producer timestamp. The zero time and false are
// returned when the header is absent or malformed.
func EnqueuedAt(msg *message.Message) (time.Time, bool) {
	if msg == nil {
		return time.Time{}, false
	}
	raw := msg.Metadata.Get(KeyEnqueuedAt)
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
