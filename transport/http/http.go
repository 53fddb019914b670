// Package http lets producers push XML records to the processor over HTTP.
// A record is accepted with a 2xx response once the pipeline acked it; a
// nacked record is answered with an error status so the producer can resend.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/sipcic/outbound-processor/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

const (
	// DefaultServerAddress is where records are accepted when none is configured.
	DefaultServerAddress = ":8082"
	publishTimeout       = 30 * time.Second
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP transport. Topics map to URL paths: the queue
// "inputQueue" is served at /inputQueue and published to <publisher URL>/inputQueue.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	if serverAddr == "" {
		serverAddr = DefaultServerAddress
	}
	publisherURL := strings.TrimRight(cfg.GetHTTPPublisherURL(), "/")

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(publisherURL+topicPath(topic), msg)
			},
			Client: &nethttp.Client{Timeout: publishTimeout},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &lazyServer{Subscriber: subscriber, logger: logger},
	}, nil
}

func topicPath(topic string) string {
	if strings.HasPrefix(topic, "/") {
		return topic
	}
	return "/" + topic
}

type httpServer interface {
	StartHTTPServer() error
}

// lazyServer starts listening after the first route is registered so no
// request can reach the server before the pipeline subscribed.
type lazyServer struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	once   sync.Once
}

func (s *lazyServer) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	messages, err := s.Subscriber.Subscribe(ctx, topicPath(topic))
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		server, ok := s.Subscriber.(httpServer)
		if !ok {
			return
		}
		go func() {
			if err := server.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				s.logger.Error("HTTP subscriber server stopped", err, nil)
			}
		}()
	})
	return messages, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
