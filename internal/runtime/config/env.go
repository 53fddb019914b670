package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "OUTBOUND_"

// FromEnv builds a Config from OUTBOUND_* environment variables. Without
// arguments a ".env" file in the working directory is loaded when present;
// explicit files must exist. Variables already set in the process environment
// win over file values. Defaults are applied to the result.
func FromEnv(files ...string) (*Config, error) {
	if len(files) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(files...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	r := envReader{}
	cfg := Config{
		PubSubSystem:       r.str("PUBSUB_SYSTEM"),
		KafkaBrokers:       r.list("KAFKA_BROKERS"),
		KafkaConsumerGroup: r.str("KAFKA_CONSUMER_GROUP"),
		RabbitMQURL:        r.str("RABBITMQ_URL"),
		NATSURL:            r.str("NATS_URL"),
		HTTPServerAddress:  r.str("HTTP_SERVER_ADDRESS"),
		HTTPPublisherURL:   r.str("HTTP_PUBLISHER_URL"),
		IOFile:             r.str("IO_FILE"),
		SQLiteFile:         r.str("SQLITE_FILE"),
		PostgresURL:        r.str("POSTGRES_URL"),
		AWSRegion:          r.str("AWS_REGION"),
		AWSAccountID:       r.str("AWS_ACCOUNT_ID"),
		AWSAccessKeyID:     r.str("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: r.str("AWS_SECRET_ACCESS_KEY"),
		AWSEndpoint:        r.str("AWS_ENDPOINT"),

		InputQueue:         r.str("INPUT_QUEUE"),
		DeadLetterQueue:    r.str("DEAD_LETTER_QUEUE"),
		WorkingFile:        r.str("WORKING_FILE"),
		OutputDir:          r.str("OUTPUT_DIR"),
		ExceptionDir:       r.str("EXCEPTION_DIR"),
		RedeliveryAttempts: r.integer("REDELIVERY_ATTEMPTS"),
		RedeliveryDelay:    r.duration("REDELIVERY_DELAY"),

		MetricsEnabled:           r.boolean("METRICS_ENABLED"),
		MetricsPort:              r.integer("METRICS_PORT"),
		StatusEnabled:            r.boolean("STATUS_ENABLED"),
		StatusPort:               r.integer("STATUS_PORT"),
		StatusCORSAllowedOrigins: r.list("STATUS_CORS_ORIGINS"),
		LogLevel:                 r.str("LOG_LEVEL"),
	}
	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}

	cfg = cfg.WithDefaults()
	return &cfg, nil
}

type envReader struct {
	errs []error
}

func (r *envReader) str(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func (r *envReader) list(key string) []string {
	raw := r.str(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *envReader) integer(key string) int {
	raw := r.str(key)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return 0
	}
	return v
}

func (r *envReader) boolean(key string) bool {
	raw := r.str(key)
	if raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return false
	}
	return v
}

func (r *envReader) duration(key string) time.Duration {
	raw := r.str(key)
	if raw == "" {
		return 0
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return 0
	}
	return v
}
