// Package channel provides the in-memory queue used by tests and by single
// process runs where the feeder and the processor share one binary.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/sipcic/outbound-processor/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport.
//
// Publish blocks until the subscriber acked the record, otherwise gochannel
// fans each record out on its own goroutine and batch order is lost. The
// queue is not persistent for the same reason: gochannel replays persisted
// records concurrently. Records published before the router subscribes are
// dropped, so start the service before feeding it.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(Config(), logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Config returns the gochannel settings used by Build.
func Config() gochannel.Config {
	return gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
