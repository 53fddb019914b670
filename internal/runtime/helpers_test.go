package runtime

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/sipcic/outbound-processor/internal/runtime/config"
	loggingpkg "github.com/sipcic/outbound-processor/internal/runtime/logging"
	transportpkg "github.com/sipcic/outbound-processor/transport"
)

type testPublisher struct {
	mu        sync.Mutex
	published []string
	messages  []*message.Message
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, msg := range messages {
		p.published = append(p.published, topic)
		p.messages = append(p.messages, msg)
	}
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]string, len(p.published))
	copy(clone, p.published)
	return clone
}

func (p *testPublisher) Messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.messages...)
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

type mockLogger struct{}

func (m mockLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger { return m }
func (m mockLogger) Debug(msg string, fields loggingpkg.LogFields)             {}
func (m mockLogger) Info(msg string, fields loggingpkg.LogFields)              {}
func (m mockLogger) Error(msg string, err error, fields loggingpkg.LogFields)  {}
func (m mockLogger) Trace(msg string, fields loggingpkg.LogFields)             {}

type capturingLogger struct {
	mockLogger
	mu   sync.Mutex
	msgs []string
}

func (c *capturingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return c }

func (c *capturingLogger) Info(msg string, fields loggingpkg.LogFields) {
	c.record(msg)
}

func (c *capturingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	c.record(msg)
}

func (c *capturingLogger) record(msg string) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *capturingLogger) has(msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// testConfig returns a valid configuration rooted in a temporary directory.
func testConfig(t *testing.T, pubsub string) *configpkg.Config {
	t.Helper()
	dir := t.TempDir()
	return &configpkg.Config{
		PubSubSystem:    pubsub,
		InputQueue:      "records",
		WorkingFile:     filepath.Join(dir, "working", "working.csv"),
		OutputDir:       filepath.Join(dir, "output"),
		ExceptionDir:    filepath.Join(dir, "exception"),
		RedeliveryDelay: time.Millisecond,
	}
}

// stubRegistry registers a "test" transport backed by pub and sub.
func stubRegistry(pub message.Publisher, sub message.Subscriber, caps transportpkg.Capabilities) *transportpkg.Registry {
	reg := transportpkg.NewRegistry()
	reg.RegisterWithCapabilities("test", func(context.Context, transportpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{Publisher: pub, Subscriber: sub}, nil
	}, caps)
	return reg
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	pub := &testPublisher{}
	svc, err := TryNewService(context.Background(), testConfig(t, "test"), newTestLogger(), ServiceDependencies{
		Registry:   stubRegistry(pub, &testSubscriber{}, transportpkg.Capabilities{Name: "test", SupportsOrdering: true, SupportsAck: true, SupportsNack: true}),
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("TryNewService: %v", err)
	}
	return svc
}
