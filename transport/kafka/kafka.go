// Package kafka provides the Kafka transport for the input queue.
package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/sipcic/outbound-processor/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

const (
	// DefaultConsumerGroup is used when the config leaves the group empty.
	DefaultConsumerGroup = "outbound-processor"
	clientID             = "outbound-processor"
)

// ErrBrokersRequired is returned when no broker address is configured.
var ErrBrokersRequired = errors.New("kafka: brokers are required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
//
// Every record of a topic is keyed by the topic name, so a batch always lands
// on one partition and keeps its order. Nacked records are resent after the
// configured redelivery delay.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, ErrBrokersRequired
	}
	consumerGroup := cfg.GetKafkaConsumerGroup()
	if consumerGroup == "" {
		consumerGroup = DefaultConsumerGroup
	}
	marshaler := kafka.NewWithPartitioningMarshaler(partitionByTopic)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: publisherSaramaConfig(),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           marshaler,
			ConsumerGroup:         consumerGroup,
			NackResendSleep:       cfg.GetRedeliveryDelay(),
			OverwriteSaramaConfig: subscriberSaramaConfig(),
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

func partitionByTopic(topic string, _ *message.Message) (string, error) {
	return topic, nil
}

func publisherSaramaConfig() *sarama.Config {
	c := kafka.DefaultSaramaSyncPublisherConfig()
	c.ClientID = clientID
	return c
}

// subscriberSaramaConfig starts a new consumer group at the oldest offset so
// records published before the first start are not skipped.
func subscriberSaramaConfig() *sarama.Config {
	c := kafka.DefaultSaramaSubscriberConfig()
	c.ClientID = clientID
	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	return c
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
