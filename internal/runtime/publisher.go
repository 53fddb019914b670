package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/sipcic/outbound-processor/internal/batch"
	errspkg "github.com/sipcic/outbound-processor/internal/runtime/errors"
	idspkg "github.com/sipcic/outbound-processor/internal/runtime/ids"
	metadatapkg "github.com/sipcic/outbound-processor/internal/runtime/metadata"
)

// EOFRecord is the end-of-batch sentinel published after the last DATA record.
const EOFRecord = "<message><type>EOF</type></message>"

// Producer emits raw XML records onto the configured transport.
type Producer interface {
	PublishRecord(ctx context.Context, topic, body string, metadata metadatapkg.Metadata) error
}

// NewRecordMessage wraps an XML record in a Watermill message carrying the
// enqueue time and the record type.
func NewRecordMessage(body string, metadata metadatapkg.Metadata) (*message.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, errspkg.ErrPayloadRequired
	}

	id := idspkg.CreateULID()
	msg := message.NewMessage(id, []byte(body))
	msg.Metadata = metadatapkg.ToWatermill(metadata)
	msg.Metadata.Set(metadatapkg.KeyEnqueuedAt, time.Now().UTC().Format(time.RFC3339Nano))
	msg.Metadata.Set(metadatapkg.KeyRecordType, batch.Classify(id, body).Type.String())
	return msg, nil
}

// PublishRecord publishes one XML record to topic.
func PublishRecord(ctx context.Context, publisher message.Publisher, topic, body string, metadata metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := NewRecordMessage(body, metadata)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}

// PublishBatch publishes records in order under one batch id and, when
// withEOF is set, closes the batch with EOFRecord. It stops at the first
// failure and reports how many records were published.
func PublishBatch(ctx context.Context, publisher message.Publisher, topic string, records []string, withEOF bool) (int, error) {
	if withEOF {
		records = append(records[:len(records):len(records)], EOFRecord)
	}
	md := metadatapkg.New(metadatapkg.KeyBatchID, idspkg.CreateULID())

	for i, record := range records {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return i, err
			}
		}
		if err := PublishRecord(ctx, publisher, topic, record, md); err != nil {
			return i, fmt.Errorf("publish record %d: %w", i+1, err)
		}
	}
	return len(records), nil
}

// PublishRecord emits the record using the Service publisher.
func (s *Service) PublishRecord(ctx context.Context, topic, body string, metadata metadatapkg.Metadata) error {
	if s == nil {
		return errors.New("outbound service is nil")
	}
	return PublishRecord(ctx, s.publisher, topic, body, metadata)
}
