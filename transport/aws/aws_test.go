package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
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
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.SupportsNativeDLQ)
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

type factories struct {
	loaderOpts int
	pubCfg     sns.PublisherConfig
	subCfg     sns.SubscriberConfig
	sqsCfg     sqs.SubscriberConfig
	accountID  string
}

func stubFactories(t *testing.T, pubErr, subErr error) (*factories, *mockPublisher) {
	t.Helper()
	originalLoader, originalResolver := DefaultConfigLoader, TopicResolverFactory
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalLoader
		TopicResolverFactory = originalResolver
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})

	f := &factories{}
	pub := &mockPublisher{}
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		f.loaderOpts = len(opts)
		return aws.Config{}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		f.accountID = accountID
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		f.pubCfg = cfg
		if pubErr != nil {
			return nil, pubErr
		}
		return pub, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		f.subCfg, f.sqsCfg = cfg, sqsCfg
		if subErr != nil {
			return nil, subErr
		}
		return &mockSubscriber{}, nil
	}
	return f, pub
}

func TestBuild(t *testing.T) {
	t.Run("wires region and account", func(t *testing.T) {
		f, pub := stubFactories(t, nil, nil)

		cfg := &config.Config{AWSRegion: "eu-central-1", AWSAccountID: "123456789012"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, pub, tr.Publisher)
		assert.Equal(t, "123456789012", f.accountID)
		assert.Equal(t, "eu-central-1", f.pubCfg.AWSConfig.Region)
		assert.Equal(t, 1, f.loaderOpts)
		assert.Empty(t, f.pubCfg.OptFns)
		assert.NotNil(t, f.subCfg.GenerateSqsQueueName)
	})

	t.Run("custom endpoint adds overrides and credentials", func(t *testing.T) {
		f, _ := stubFactories(t, nil, nil)

		cfg := &config.Config{
			AWSRegion:          "us-east-1",
			AWSEndpoint:        "http://localhost:4566",
			AWSAccessKeyID:     "test",
			AWSSecretAccessKey: "test",
		}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, localstackAccountID, f.accountID)
		assert.Equal(t, 3, f.loaderOpts)
		assert.Len(t, f.pubCfg.OptFns, 1)
		assert.Len(t, f.subCfg.OptFns, 1)
		assert.Len(t, f.sqsCfg.OptFns, 1)
	})

	t.Run("requires a region", func(t *testing.T) {
		_, err := Build(context.Background(), &config.Config{}, watermill.NopLogger{})
		assert.ErrorIs(t, err, ErrRegionRequired)
	})

	t.Run("rejects a malformed endpoint", func(t *testing.T) {
		_, err := Build(context.Background(), &config.Config{AWSRegion: "us-east-1", AWSEndpoint: "localhost"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "needs a scheme and host")
	})

	t.Run("returns error when config loader fails", func(t *testing.T) {
		stubFactories(t, nil, nil)
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}

		_, err := Build(context.Background(), &config.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubFactories(t, errors.New("publisher error"), nil)

		_, err := Build(context.Background(), &config.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes the publisher when the subscriber fails", func(t *testing.T) {
		_, pub := stubFactories(t, nil, errors.New("subscriber error"))

		_, err := Build(context.Background(), &config.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.closed)
	})
}

func TestResolveAccountID(t *testing.T) {
	logger := watermill.NopLogger{}

	assert.Equal(t, "123456789012", resolveAccountID(" '123456789012' ", false, logger))
	assert.Equal(t, "", resolveAccountID("", false, logger))
	assert.Equal(t, localstackAccountID, resolveAccountID("", true, logger))
	assert.Equal(t, localstackAccountID, resolveAccountID("42", true, logger))
	assert.Equal(t, "123456789012", resolveAccountID("123456789012", true, logger))
}

func TestEndpointURL(t *testing.T) {
	u, err := endpointURL("")
	assert.NoError(t, err)
	assert.Nil(t, u)

	u, err = endpointURL("http://localhost:4566")
	require.NoError(t, err)
	assert.Equal(t, "localhost:4566", u.Host)

	_, err = endpointURL("://bad")
	assert.Error(t, err)
}

func TestQueueNameFromTopic(t *testing.T) {
	name, err := queueNameFromTopic(context.Background(), "arn:aws:sns:us-east-1:000000000000:inputQueue")
	require.NoError(t, err)
	assert.Equal(t, "inputQueue", name)
}

func TestStaticCredentials(t *testing.T) {
	creds, err := staticCredentials("key", "secret").Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "key", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
}

type mockPublisher struct {
	closed bool
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error {
	m.closed = true
	return nil
}

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
