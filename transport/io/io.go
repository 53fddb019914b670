// Package io provides a newline-delimited file queue. Every record is one
// JSON line; the read position of each topic is kept in a sidecar offset file
// so a restarted processor resumes after the last acked record.
package io

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/sipcic/outbound-processor/internal/runtime/jsoncodec"
	"github.com/sipcic/outbound-processor/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultFilePath is the default file path if none is specified.
const DefaultFilePath = "queue.log"

// DefaultPollInterval is how long the subscriber waits at the end of the file.
const DefaultPollInterval = 50 * time.Millisecond

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewPublisher(filePath, logger), nil
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(filePath string, redeliveryDelay time.Duration, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return NewSubscriber(filePath, redeliveryDelay, logger), nil
}

func init() {
	Register()
}

// Register registers the I/O transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build creates a new I/O transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}

	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	sub, err := SubscriberFactory(filePath, cfg.GetRedeliveryDelay(), logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

type storedMessage struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata"`
	Payload  []byte            `json:"payload"`
	Topic    string            `json:"topic"`
}

// Publisher appends records to the queue file.
type Publisher struct {
	filePath string
	logger   watermill.LoggerAdapter
	mu       sync.Mutex
}

// NewPublisher returns a publisher appending to filePath.
func NewPublisher(filePath string, logger watermill.LoggerAdapter) *Publisher {
	return &Publisher{filePath: filePath, logger: logger}
}

// Publish appends messages as one write so a batch is never torn.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	var buf []byte
	for _, msg := range messages {
		line, err := jsoncodec.Marshal(storedMessage{
			UUID:     msg.UUID,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
			Topic:    topic,
		})
		if err != nil {
			return fmt.Errorf("encode message %s: %w", msg.UUID, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	return nil
}

// Subscriber tails the queue file. A record is delivered until it is acked;
// a nacked record is delivered again after the redelivery delay.
type Subscriber struct {
	filePath        string
	logger          watermill.LoggerAdapter
	redeliveryDelay time.Duration
	pollInterval    time.Duration

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSubscriber returns a subscriber reading filePath.
func NewSubscriber(filePath string, redeliveryDelay time.Duration, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{
		filePath:        filePath,
		logger:          logger,
		redeliveryDelay: redeliveryDelay,
		pollInterval:    DefaultPollInterval,
		closing:         make(chan struct{}),
	}
}

// OffsetPath returns the sidecar file holding the acked position of topic.
func (s *Subscriber) OffsetPath(topic string) string {
	return s.filePath + "." + strings.ReplaceAll(topic, string(os.PathSeparator), "_") + ".offset"
}

// Subscribe streams records of topic starting after the last acked one.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	offset, err := s.loadOffset(topic)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, offset, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, offset int64, topic string, out chan<- *message.Message) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		s.logger.Error("Failed to seek queue file", err, watermill.LogFields{"offset": offset})
		return
	}
	reader := bufio.NewReader(f)

	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// partial lines are re-read once the writer finished them
			if !s.sleep(ctx, s.pollInterval) {
				return
			}
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				s.logger.Error("Failed to seek queue file", err, watermill.LogFields{"offset": offset})
				return
			}
			reader.Reset(f)
			continue
		}
		if err != nil {
			s.logger.Error("Failed to read queue file", err, nil)
			return
		}

		if !s.deliver(ctx, line, topic, out) {
			return
		}
		offset += int64(len(line))
		if err := s.storeOffset(topic, offset); err != nil {
			s.logger.Error("Failed to store queue offset", err, watermill.LogFields{"offset": offset})
		}
	}
}

// deliver returns false when the subscriber stops before the record was acked.
func (s *Subscriber) deliver(ctx context.Context, line []byte, topic string, out chan<- *message.Message) bool {
	var sm storedMessage
	if err := jsoncodec.Unmarshal(line, &sm); err != nil {
		s.logger.Error("Skipping unreadable queue record", err, nil)
		return true
	}
	if sm.Topic != topic {
		return true
	}

	for {
		msg := message.NewMessage(sm.UUID, sm.Payload)
		for k, v := range sm.Metadata {
			msg.Metadata.Set(k, v)
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		}

		select {
		case <-msg.Acked():
			return true
		case <-msg.Nacked():
			s.logger.Debug("Record nacked, redelivering", watermill.LogFields{"uuid": sm.UUID})
			if !s.sleep(ctx, s.redeliveryDelay) {
				return false
			}
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		}
	}
}

func (s *Subscriber) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
}

func (s *Subscriber) loadOffset(topic string) (int64, error) {
	raw, err := os.ReadFile(s.OffsetPath(topic))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt offset file %s: %w", s.OffsetPath(topic), err)
	}
	return offset, nil
}

func (s *Subscriber) storeOffset(topic string, offset int64) error {
	path := s.OffsetPath(topic)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(offset, 10)), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// GetPendingCount counts the records of topic after the acked position.
func (s *Subscriber) GetPendingCount(topic string) (int64, error) {
	offset, err := s.loadOffset(topic)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	var pending int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var sm storedMessage
		if jsoncodec.Unmarshal(scanner.Bytes(), &sm) == nil && sm.Topic == topic {
			pending++
		}
	}
	return pending, scanner.Err()
}

// Close stops all subscriptions and waits for them to finish.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.wg.Wait()
	return nil
}
