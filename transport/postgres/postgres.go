// Package postgres provides a PostgreSQL-backed queue transport.
//
// Like the SQLite transport it delivers the records of a topic strictly in
// insertion order. The head row is locked with FOR UPDATE, so competing
// consumers queue behind each other instead of skipping ahead.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sipcic/outbound-processor/internal/runtime/jsoncodec"
	"github.com/sipcic/outbound-processor/internal/runtime/metadata"
	"github.com/sipcic/outbound-processor/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	// DefaultPollInterval is the default interval for polling new messages.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxRetries is the default number of redeliveries before DLQ.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the pause before a nacked record is redelivered.
	DefaultRetryDelay = 2 * time.Second
	// DefaultLockTimeout is the default duration a message is locked during processing.
	DefaultLockTimeout = 30 * time.Second
	// DefaultSchemaName holds the queue tables.
	DefaultSchemaName = "outbound"
)

var (
	// ErrConnectionStringRequired is returned when no URL is configured.
	ErrConnectionStringRequired = errors.New("postgres connection string is required")
	// ErrInvalidSchemaName is returned for schema names that are not plain identifiers.
	ErrInvalidSchemaName = errors.New("postgres schema name must be a lower-case identifier")
	// ErrClosed is returned when the transport is used after Close.
	ErrClosed = errors.New("postgres transport is closed")
)

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func init() {
	Register()
}

// Register registers the PostgreSQL transport and its "postgresql" alias.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

// Build creates a new PostgreSQL transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		ConnectionString: cfg.GetPostgresURL(),
		MaxRetries:       cfg.GetRedeliveryAttempts(),
		RetryDelay:       cfg.GetRedeliveryDelay(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// PollInterval is the interval for polling new messages.
	PollInterval time.Duration
	// MaxRetries is how many times a nacked record is redelivered before DLQ.
	MaxRetries int
	// RetryDelay is the fixed pause before a nacked record becomes available.
	RetryDelay time.Duration
	// LockTimeout is how long a message stays locked during processing.
	LockTimeout time.Duration
	// SchemaName is the schema to use for tables. Defaults to "outbound".
	SchemaName string
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

func (c Config) validate() error {
	if c.ConnectionString == "" {
		return ErrConnectionStringRequired
	}
	if !schemaNamePattern.MatchString(c.SchemaName) {
		return fmt.Errorf("%w: %q", ErrInvalidSchemaName, c.SchemaName)
	}
	return nil
}

// Transport implements both Publisher and Subscriber interfaces for PostgreSQL.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New connects to PostgreSQL and creates the queue schema.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}

	t := &Transport{
		db:         db,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := t.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return t, nil
}

// q expands %[1]s to the schema name, which validate restricts to identifiers.
func (t *Transport) q(query string) string {
	return fmt.Sprintf(query, t.config.SchemaName)
}

func (t *Transport) initSchema() error {
	if _, err := t.db.Exec(t.q(`CREATE SCHEMA IF NOT EXISTS %[1]s`)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	_, err := t.db.Exec(t.q(`
	CREATE TABLE IF NOT EXISTS %[1]s.messages (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB DEFAULT '{}',
		created_at TIMESTAMPTZ DEFAULT NOW(),
		available_at TIMESTAMPTZ DEFAULT NOW(),
		locked_until TIMESTAMPTZ,
		retry_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_topic_id ON %[1]s.messages(topic, id);

	CREATE TABLE IF NOT EXISTS %[1]s.dead_letter_queue (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL,
		original_topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB DEFAULT '{}',
		error_message TEXT,
		failed_at TIMESTAMPTZ DEFAULT NOW(),
		retry_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_topic ON %[1]s.dead_letter_queue(original_topic);
	`))
	return err
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

func (t *Transport) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.logger.Error("failed to rollback transaction", err, nil)
	}
}

// Publish inserts all messages in one transaction.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer t.rollback(tx)

	stmt, err := tx.Prepare(t.q(`
		INSERT INTO %[1]s.messages (uuid, topic, payload, metadata, available_at)
		VALUES ($1, $2, $3, $4, $5)
	`))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, msg := range messages {
		md, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}

		availableAt := now
		if raw := msg.Metadata.Get(metadata.KeyDelay); raw != "" {
			if delay, err := time.ParseDuration(raw); err == nil {
				availableAt = availableAt.Add(delay)
			}
		}

		if _, err := stmt.Exec(msg.UUID, topic, msg.Payload, string(md), availableAt); err != nil {
			return fmt.Errorf("insert message %s: %w", msg.UUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Subscribe delivers records of topic one at a time, oldest first.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	msgChan := make(chan *message.Message)

	t.wg.Add(1)
	go t.pollMessages(ctx, topic, msgChan)

	return msgChan, nil
}

func (t *Transport) pollMessages(ctx context.Context, topic string, msgChan chan *message.Message) {
	defer t.wg.Done()
	defer close(msgChan)

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		case <-ticker.C:
			for t.processHead(ctx, topic, msgChan) {
			}
		}
	}
}

// fetchAndLockHead locks the oldest record of topic when it is deliverable.
func (t *Transport) fetchAndLockHead(ctx context.Context, topic string) (int64, *message.Message, bool) {
	now := time.Now().UTC()
	lockUntil := now.Add(t.config.LockTimeout)

	query := t.q(`
		UPDATE %[1]s.messages
		SET locked_until = $1
		WHERE id = (
			SELECT id FROM %[1]s.messages
			WHERE topic = $2
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE
		)
		AND available_at <= $3
		AND (locked_until IS NULL OR locked_until < $3)
		RETURNING id, uuid, payload, metadata
	`)

	var id int64
	var uuid string
	var payload []byte
	var metadataJSON []byte

	err := t.db.QueryRowContext(ctx, query, lockUntil, topic, now).Scan(&id, &uuid, &payload, &metadataJSON)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			t.logger.Error("failed to fetch and lock message", err, nil)
		}
		return 0, nil, false
	}

	msg := message.NewMessage(uuid, payload)
	if len(metadataJSON) > 0 {
		md := make(message.Metadata)
		if err := jsoncodec.Unmarshal(metadataJSON, &md); err != nil {
			t.logger.Error("failed to unmarshal metadata", err, watermill.LogFields{"uuid": uuid})
		} else {
			msg.Metadata = md
		}
	}
	return id, msg, true
}

// processHead returns true when a record was delivered and settled.
func (t *Transport) processHead(ctx context.Context, topic string, msgChan chan *message.Message) bool {
	id, msg, found := t.fetchAndLockHead(ctx, topic)
	if !found {
		return false
	}

	select {
	case msgChan <- msg:
	case <-ctx.Done():
		t.unlockMessage(id)
		return false
	case <-t.closedChan:
		t.unlockMessage(id)
		return false
	}

	select {
	case <-msg.Acked():
		t.ackMessage(id)
		return true
	case <-msg.Nacked():
		t.nackMessage(id)
		return true
	case <-ctx.Done():
		t.unlockMessage(id)
	case <-t.closedChan:
		t.unlockMessage(id)
	}
	return false
}

// Settlement statements run without the subscription context so a
// cancelled subscriber still records the outcome.
func (t *Transport) ackMessage(id int64) {
	if _, err := t.db.Exec(t.q(`DELETE FROM %[1]s.messages WHERE id = $1`), id); err != nil {
		t.logger.Error("failed to ack message", err, nil)
	}
}

func (t *Transport) nackMessage(id int64) {
	var retryCount int
	if err := t.db.QueryRow(t.q(`SELECT retry_count FROM %[1]s.messages WHERE id = $1`), id).Scan(&retryCount); err != nil {
		t.logger.Error("failed to get retry count", err, nil)
		return
	}

	if retryCount >= t.config.MaxRetries {
		_, err := t.db.Exec(t.q(`
			WITH moved AS (
				DELETE FROM %[1]s.messages WHERE id = $1
				RETURNING uuid, topic, payload, metadata, retry_count
			)
			INSERT INTO %[1]s.dead_letter_queue (uuid, original_topic, payload, metadata, error_message, retry_count)
			SELECT uuid, topic, payload, metadata, 'max retries exceeded', retry_count FROM moved
		`), id)
		if err != nil {
			t.logger.Error("failed to move message to DLQ", err, nil)
		}
		return
	}

	availableAt := time.Now().UTC().Add(t.config.RetryDelay)
	_, err := t.db.Exec(t.q(`
		UPDATE %[1]s.messages
		SET retry_count = retry_count + 1,
		    locked_until = NULL,
		    available_at = $1
		WHERE id = $2
	`), availableAt, id)
	if err != nil {
		t.logger.Error("failed to nack message", err, nil)
	}
}

func (t *Transport) unlockMessage(id int64) {
	if _, err := t.db.Exec(t.q(`UPDATE %[1]s.messages SET locked_until = NULL WHERE id = $1`), id); err != nil {
		t.logger.Error("failed to unlock message", err, nil)
	}
}

// Close stops all subscriptions and closes the connection pool.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.wg.Wait()
	return t.db.Close()
}

// Capabilities returns the capabilities of this transport instance.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// GetDB returns the underlying database connection.
func (t *Transport) GetDB() *sql.DB {
	return t.db
}

// GetPendingCount returns the number of queued records for a topic.
func (t *Transport) GetPendingCount(topic string) (int64, error) {
	var count int64
	err := t.db.QueryRow(t.q(`SELECT COUNT(*) FROM %[1]s.messages WHERE topic = $1`), topic).Scan(&count)
	return count, err
}

// GetDLQCount returns the number of dead-lettered records for a topic.
func (t *Transport) GetDLQCount(topic string) (int64, error) {
	var count int64
	err := t.db.QueryRow(t.q(`SELECT COUNT(*) FROM %[1]s.dead_letter_queue WHERE original_topic = $1`), topic).Scan(&count)
	return count, err
}

// ReplayDLQMessage moves a dead-lettered record back to the end of its topic.
func (t *Transport) ReplayDLQMessage(dlqID int64) error {
	result, err := t.db.Exec(t.q(`
		WITH replayed AS (
			DELETE FROM %[1]s.dead_letter_queue WHERE id = $1
			RETURNING uuid, original_topic, payload, metadata
		)
		INSERT INTO %[1]s.messages (uuid, topic, payload, metadata, retry_count)
		SELECT uuid || '-replay-' || $2, original_topic, payload, metadata, 0
		FROM replayed
	`), dlqID, time.Now().UnixNano())
	if err != nil {
		return err
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("dead-letter record %d: %w", dlqID, sql.ErrNoRows)
	}
	return nil
}

// ReplayAllDLQ moves every dead-lettered record of a topic back to the queue.
func (t *Transport) ReplayAllDLQ(topic string) (int64, error) {
	result, err := t.db.Exec(t.q(`
		WITH replayed AS (
			DELETE FROM %[1]s.dead_letter_queue WHERE original_topic = $1
			RETURNING id, uuid, original_topic, payload, metadata
		)
		INSERT INTO %[1]s.messages (uuid, topic, payload, metadata, retry_count)
		SELECT uuid || '-replay-' || $2 || '-' || id, original_topic, payload, metadata, 0
		FROM replayed
		ORDER BY id ASC
	`), topic, time.Now().UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PurgeDLQ removes all dead-lettered records of a topic.
func (t *Transport) PurgeDLQ(topic string) (int64, error) {
	result, err := t.db.Exec(t.q(`DELETE FROM %[1]s.dead_letter_queue WHERE original_topic = $1`), topic)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListDLQMessages returns dead-lettered records, newest first.
func (t *Transport) ListDLQMessages(topic string, limit, offset int) ([]transport.DLQMessage, error) {
	rows, err := t.db.Query(t.q(`
		SELECT id, uuid, original_topic, payload, metadata, COALESCE(error_message, ''), failed_at, retry_count
		FROM %[1]s.dead_letter_queue
		WHERE original_topic = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`), topic, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []transport.DLQMessage
	for rows.Next() {
		var msg transport.DLQMessage
		var metadataJSON []byte
		if err := rows.Scan(&msg.ID, &msg.UUID, &msg.OriginalTopic, &msg.Payload, &metadataJSON, &msg.ErrorMessage, &msg.FailedAt, &msg.RetryCount); err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 {
			if err := jsoncodec.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				t.logger.Error("failed to unmarshal metadata", err, nil)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
