package io

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipcic/outbound-processor/internal/runtime/config"
	"github.com/sipcic/outbound-processor/transport"
)

func TestRegister(t *testing.T) {
	previous := transport.DefaultRegistry
	transport.DefaultRegistry = transport.NewRegistry()
	t.Cleanup(func() { transport.DefaultRegistry = previous })

	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "io", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.SupportsNack)
	assert.Equal(t, transport.IOCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "queue.log")

	t.Run("creates transport with custom file", func(t *testing.T) {
		tr, err := Build(context.Background(), &config.Config{IOFile: testFile}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)
		assert.NoError(t, tr.Close())
	})

	t.Run("passes redelivery delay to subscriber factory", func(t *testing.T) {
		originalFactory := SubscriberFactory
		t.Cleanup(func() { SubscriberFactory = originalFactory })

		var gotDelay time.Duration
		var gotPath string
		SubscriberFactory = func(filePath string, redeliveryDelay time.Duration, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			gotPath = filePath
			gotDelay = redeliveryDelay
			return NewSubscriber(filePath, redeliveryDelay, logger), nil
		}

		cfg := &config.Config{IOFile: testFile, RedeliveryDelay: 3 * time.Second}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, testFile, gotPath)
		assert.Equal(t, 3*time.Second, gotDelay)
		assert.NoError(t, tr.Close())
	})

	t.Run("falls back to default file path", func(t *testing.T) {
		originalFactory := PublisherFactory
		t.Cleanup(func() { PublisherFactory = originalFactory })

		var gotPath string
		PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
			gotPath = filePath
			return NewPublisher(filePath, logger), nil
		}
		originalSub := SubscriberFactory
		t.Cleanup(func() { SubscriberFactory = originalSub })
		SubscriberFactory = func(filePath string, redeliveryDelay time.Duration, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return NewSubscriber(filePath, redeliveryDelay, logger), nil
		}

		_, err := Build(context.Background(), &config.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, DefaultFilePath, gotPath)
	})
}

func TestPublishAppendsOneLinePerMessage(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "publish.log")
	pub := NewPublisher(testFile, watermill.NopLogger{})

	msg1 := message.NewMessage("uuid-1", []byte("<A/>"))
	msg1.Metadata.Set("key", "value")
	msg2 := message.NewMessage("uuid-2", []byte("<B/>"))
	require.NoError(t, pub.Publish("inputQueue", msg1, msg2))

	content, err := os.ReadFile(testFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "uuid-1")
	assert.Contains(t, string(content), `"key":"value"`)
	assert.Equal(t, 2, countLines(content))
	assert.NoError(t, pub.Close())
}

func TestSubscribeDeliversInOrderAndFiltersTopic(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "order.log")
	pub := NewPublisher(testFile, watermill.NopLogger{})
	require.NoError(t, pub.Publish("inputQueue", message.NewMessage("1", []byte("first"))))
	require.NoError(t, pub.Publish("other", message.NewMessage("x", []byte("other"))))
	require.NoError(t, pub.Publish("inputQueue", message.NewMessage("2", []byte("second"))))

	sub := NewSubscriber(testFile, 0, watermill.NopLogger{})
	t.Cleanup(func() { _ = sub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := sub.Subscribe(ctx, "inputQueue")
	require.NoError(t, err)

	for _, want := range []string{"first", "second"} {
		msg := receive(t, ctx, messages)
		assert.Equal(t, want, string(msg.Payload))
		msg.Ack()
	}
}

func TestNackRedeliversSameRecord(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "nack.log")
	pub := NewPublisher(testFile, watermill.NopLogger{})
	require.NoError(t, pub.Publish("inputQueue", message.NewMessage("1", []byte("first"))))
	require.NoError(t, pub.Publish("inputQueue", message.NewMessage("2", []byte("second"))))

	sub := NewSubscriber(testFile, 10*time.Millisecond, watermill.NopLogger{})
	t.Cleanup(func() { _ = sub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := sub.Subscribe(ctx, "inputQueue")
	require.NoError(t, err)

	msg := receive(t, ctx, messages)
	assert.Equal(t, "first", string(msg.Payload))
	msg.Nack()

	again := receive(t, ctx, messages)
	assert.Equal(t, "first", string(again.Payload))
	again.Ack()

	next := receive(t, ctx, messages)
	assert.Equal(t, "second", string(next.Payload))
	next.Ack()
}

func TestRestartResumesAfterAckedRecord(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "resume.log")
	pub := NewPublisher(testFile, watermill.NopLogger{})
	require.NoError(t, pub.Publish("inputQueue", message.NewMessage("1", []byte("first"))))
	require.NoError(t, pub.Publish("inputQueue", message.NewMessage("2", []byte("second"))))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := NewSubscriber(testFile, 0, watermill.NopLogger{})
	messages, err := first.Subscribe(ctx, "inputQueue")
	require.NoError(t, err)
	msg := receive(t, ctx, messages)
	msg.Ack()

	// wait until the offset of the acked record is persisted
	require.Eventually(t, func() bool {
		pending, err := first.GetPendingCount("inputQueue")
		return err == nil && pending == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Close())

	second := NewSubscriber(testFile, 0, watermill.NopLogger{})
	t.Cleanup(func() { _ = second.Close() })
	messages, err = second.Subscribe(ctx, "inputQueue")
	require.NoError(t, err)

	resumed := receive(t, ctx, messages)
	assert.Equal(t, "second", string(resumed.Payload))
	resumed.Ack()
}

func TestGetPendingCountWithoutFile(t *testing.T) {
	sub := NewSubscriber(filepath.Join(t.TempDir(), "missing.log"), 0, nil)
	pending, err := sub.GetPendingCount("inputQueue")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestCorruptOffsetFile(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "corrupt.log")
	sub := NewSubscriber(testFile, 0, nil)
	require.NoError(t, os.WriteFile(sub.OffsetPath("inputQueue"), []byte("nope"), 0o600))

	_, err := sub.Subscribe(context.Background(), "inputQueue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt offset file")
}

func TestCloseIsIdempotent(t *testing.T) {
	sub := NewSubscriber(filepath.Join(t.TempDir(), "close.log"), 0, nil)
	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())
}

func receive(t *testing.T, ctx context.Context, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-messages:
		if !ok {
			t.Fatal("subscription closed")
		}
		return msg
	case <-ctx.Done():
		t.Fatal("timeout waiting for message")
	}
	return nil
}

func countLines(content []byte) int {
	n := 0
	for _, b := range content {
		if b == '\n' {
			n++
		}
	}
	return n
}
