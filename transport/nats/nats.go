// Package nats provides a NATS Core transport for the input queue.
package nats

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/sipcic/outbound-processor/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

const (
	// QueueGroup makes concurrent processors share one subscription.
	QueueGroup = "outbound-processor"

	connectionName = "outbound-processor"
	maxReconnects  = -1
)

// ErrURLRequired is returned when no NATS URL is configured.
var ErrURLRequired = errors.New("nats: URL is required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS Core transport. Core NATS neither stores nor
// redelivers records, so the service warns about it at startup.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, ErrURLRequired
	}
	marshaler := &nats.NATSMarshaler{}
	options := connectionOptions(cfg.GetRedeliveryDelay(), logger)

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: QueueGroup,
			SubscribersCount: 1,
			NatsOptions:      options,
			Unmarshaler:      marshaler,
			JetStream:        nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// connectionOptions keep reconnecting forever, pausing for the redelivery
// delay between attempts, and log link changes.
func connectionOptions(reconnectWait time.Duration, logger watermill.LoggerAdapter) []nc.Option {
	if reconnectWait <= 0 {
		reconnectWait = nc.DefaultReconnectWait
	}
	return []nc.Option{
		nc.Name(connectionName),
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(maxReconnects),
		nc.ReconnectWait(reconnectWait),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				logger.Error("NATS connection lost", err, nil)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			logger.Info("NATS connection restored", watermill.LogFields{"url": conn.ConnectedUrlRedacted()})
		}),
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
