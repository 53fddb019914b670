// Package sqlite provides a SQLite-backed queue transport.
//
// Records of one topic are delivered strictly in insertion order: the oldest
// pending record is the only candidate, so a record waiting for redelivery
// holds back everything published after it.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/sipcic/outbound-processor/internal/runtime/jsoncodec"
	"github.com/sipcic/outbound-processor/internal/runtime/metadata"
	"github.com/sipcic/outbound-processor/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

const (
	// DefaultFilePath is used when no database file is configured.
	DefaultFilePath = "outbound_queue.db"
	// DefaultPollInterval is the default interval for polling new messages.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxRetries is the default number of redeliveries before a record
	// is moved to the dead-letter table.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the pause before a nacked record is redelivered.
	DefaultRetryDelay = 2 * time.Second
	// DefaultLockTimeout bounds how long a delivered record stays invisible
	// to other consumers while it is unacknowledged.
	DefaultLockTimeout = 30 * time.Second
)

// ErrClosed is returned when the transport is used after Close.
var ErrClosed = errors.New("sqlite transport is closed")

func init() {
	Register()
}

// Register registers the SQLite transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build creates a new SQLite transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		FilePath:   cfg.GetSQLiteFile(),
		MaxRetries: cfg.GetRedeliveryAttempts(),
		RetryDelay: cfg.GetRedeliveryDelay(),
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
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database.
	FilePath string
	// PollInterval is the interval for polling new messages.
	PollInterval time.Duration
	// MaxRetries is how many times a nacked record is redelivered before it
	// is dead-lettered.
	MaxRetries int
	// RetryDelay is the fixed pause before a nacked record becomes available.
	RetryDelay time.Duration
	// LockTimeout is how long a delivered record stays locked.
	LockTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
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
	return c
}

// Transport implements both Publisher and Subscriber interfaces for SQLite.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter
	now    func() time.Time

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New opens the database and creates the queue tables.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t := &Transport{
		db:         db,
		config:     cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		closedChan: make(chan struct{}),
	}

	if err := t.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return t, nil
}

// available_at and locked_until hold unix milliseconds.
func (t *Transport) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		available_at INTEGER NOT NULL,
		locked_until INTEGER,
		retry_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_topic_id ON messages(topic, id);

	CREATE TABLE IF NOT EXISTS dead_letter_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		original_topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT,
		error_message TEXT,
		failed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		retry_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_topic ON dead_letter_queue(original_topic);
	`
	_, err := t.db.Exec(schema)
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

	stmt, err := tx.Prepare(`
		INSERT INTO messages (uuid, topic, payload, metadata, available_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := t.now()
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

		if _, err := stmt.Exec(msg.UUID, topic, msg.Payload, string(md), availableAt.UnixMilli()); err != nil {
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
			// drain everything that is ready before waiting for the next tick
			for t.processHead(ctx, topic, msgChan) {
			}
		}
	}
}

type fetchedMessage struct {
	id       int64
	uuid     string
	payload  []byte
	metadata string
}

// fetchAndLockHead locks the oldest record of topic when it is deliverable.
func (t *Transport) fetchAndLockHead(ctx context.Context, topic string) (*fetchedMessage, bool) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Error("failed to begin transaction", err, nil)
		}
		return nil, false
	}
	defer t.rollback(tx)

	now := t.now().UnixMilli()
	row := tx.QueryRowContext(ctx, `
		SELECT id, uuid, payload, COALESCE(metadata, ''),
		       CASE WHEN available_at <= ? AND (locked_until IS NULL OR locked_until < ?) THEN 1 ELSE 0 END
		FROM messages
		WHERE topic = ?
		ORDER BY id ASC
		LIMIT 1
	`, now, now, topic)

	var fm fetchedMessage
	var ready int
	if err := row.Scan(&fm.id, &fm.uuid, &fm.payload, &fm.metadata, &ready); err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			t.logger.Error("failed to scan message", err, nil)
		}
		return nil, false
	}
	if ready == 0 {
		return nil, false
	}

	lockUntil := t.now().Add(t.config.LockTimeout).UnixMilli()
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET locked_until = ? WHERE id = ?`, lockUntil, fm.id); err != nil {
		t.logger.Error("failed to lock message", err, nil)
		return nil, false
	}

	if err := tx.Commit(); err != nil {
		t.logger.Error("failed to commit lock", err, nil)
		return nil, false
	}
	return &fm, true
}

// processHead returns true when a record was delivered and settled.
func (t *Transport) processHead(ctx context.Context, topic string, msgChan chan *message.Message) bool {
	fm, found := t.fetchAndLockHead(ctx, topic)
	if !found {
		return false
	}

	msg := message.NewMessage(fm.uuid, fm.payload)
	if fm.metadata != "" {
		md := make(message.Metadata)
		if err := jsoncodec.Unmarshal([]byte(fm.metadata), &md); err != nil {
			t.logger.Error("failed to unmarshal metadata", err, watermill.LogFields{"uuid": fm.uuid})
		} else {
			msg.Metadata = md
		}
	}

	select {
	case msgChan <- msg:
	case <-ctx.Done():
		t.unlockMessage(fm.id)
		return false
	case <-t.closedChan:
		t.unlockMessage(fm.id)
		return false
	}

	select {
	case <-msg.Acked():
		t.ackMessage(fm.id)
		return true
	case <-msg.Nacked():
		t.nackMessage(fm.id)
		return true
	case <-ctx.Done():
		t.unlockMessage(fm.id)
	case <-t.closedChan:
		t.unlockMessage(fm.id)
	}
	return false
}

func (t *Transport) ackMessage(id int64) {
	if _, err := t.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		t.logger.Error("failed to ack message", err, nil)
	}
}

func (t *Transport) nackMessage(id int64) {
	var retryCount int
	if err := t.db.QueryRow(`SELECT retry_count FROM messages WHERE id = ?`, id).Scan(&retryCount); err != nil {
		t.logger.Error("failed to get retry count", err, nil)
		return
	}

	if retryCount >= t.config.MaxRetries {
		if err := t.moveToDLQ(id, "max retries exceeded"); err != nil {
			t.logger.Error("failed to move message to DLQ", err, nil)
		}
		return
	}

	availableAt := t.now().Add(t.config.RetryDelay).UnixMilli()
	_, err := t.db.Exec(`
		UPDATE messages
		SET retry_count = retry_count + 1,
		    locked_until = NULL,
		    available_at = ?
		WHERE id = ?
	`, availableAt, id)
	if err != nil {
		t.logger.Error("failed to nack message", err, nil)
	}
}

func (t *Transport) moveToDLQ(id int64, reason string) error {
	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer t.rollback(tx)

	if _, err := tx.Exec(`
		INSERT INTO dead_letter_queue (uuid, original_topic, payload, metadata, error_message, retry_count)
		SELECT uuid, topic, payload, metadata, ?, retry_count
		FROM messages WHERE id = ?
	`, reason, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *Transport) unlockMessage(id int64) {
	if _, err := t.db.Exec(`UPDATE messages SET locked_until = NULL WHERE id = ?`, id); err != nil {
		t.logger.Error("failed to unlock message", err, nil)
	}
}

// Close stops all subscriptions and closes the database.
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
	return transport.SQLiteCapabilities
}

// GetDB returns the underlying database connection.
func (t *Transport) GetDB() *sql.DB {
	return t.db
}

// GetPendingCount returns the number of queued records for a topic.
func (t *Transport) GetPendingCount(topic string) (int64, error) {
	var count int64
	err := t.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE topic = ?`, topic).Scan(&count)
	return count, err
}

// GetDLQCount returns the number of dead-lettered records for a topic.
func (t *Transport) GetDLQCount(topic string) (int64, error) {
	var count int64
	err := t.db.QueryRow(`SELECT COUNT(*) FROM dead_letter_queue WHERE original_topic = ?`, topic).Scan(&count)
	return count, err
}

// ReplayDLQMessage moves a record from the dead-letter table back to the
// end of its original topic.
func (t *Transport) ReplayDLQMessage(dlqID int64) error {
	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer t.rollback(tx)

	now := t.now()
	result, err := tx.Exec(`
		INSERT INTO messages (uuid, topic, payload, metadata, available_at, retry_count)
		SELECT uuid || '-replay-' || ?, original_topic, payload, metadata, ?, 0
		FROM dead_letter_queue WHERE id = ?
	`, now.UnixNano(), now.UnixMilli(), dlqID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("dead-letter record %d: %w", dlqID, sql.ErrNoRows)
	}

	if _, err := tx.Exec(`DELETE FROM dead_letter_queue WHERE id = ?`, dlqID); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplayAllDLQ moves every dead-lettered record of a topic back to the queue.
func (t *Transport) ReplayAllDLQ(topic string) (int64, error) {
	tx, err := t.db.Begin()
	if err != nil {
		return 0, err
	}
	defer t.rollback(tx)

	now := t.now()
	result, err := tx.Exec(`
		INSERT INTO messages (uuid, topic, payload, metadata, available_at, retry_count)
		SELECT uuid || '-replay-' || ?, original_topic, payload, metadata, ?, 0
		FROM dead_letter_queue WHERE original_topic = ?
		ORDER BY id ASC
	`, now.UnixNano(), now.UnixMilli(), topic)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()

	if _, err := tx.Exec(`DELETE FROM dead_letter_queue WHERE original_topic = ?`, topic); err != nil {
		return 0, err
	}
	return affected, tx.Commit()
}

// PurgeDLQ removes all dead-lettered records of a topic.
func (t *Transport) PurgeDLQ(topic string) (int64, error) {
	result, err := t.db.Exec(`DELETE FROM dead_letter_queue WHERE original_topic = ?`, topic)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListDLQMessages returns dead-lettered records, newest first.
func (t *Transport) ListDLQMessages(topic string, limit, offset int) ([]transport.DLQMessage, error) {
	rows, err := t.db.Query(`
		SELECT id, uuid, original_topic, payload, COALESCE(metadata, ''), COALESCE(error_message, ''), failed_at, retry_count
		FROM dead_letter_queue
		WHERE original_topic = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, topic, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []transport.DLQMessage
	for rows.Next() {
		var msg transport.DLQMessage
		var md string
		if err := rows.Scan(&msg.ID, &msg.UUID, &msg.OriginalTopic, &msg.Payload, &md, &msg.ErrorMessage, &msg.FailedAt, &msg.RetryCount); err != nil {
			return nil, err
		}
		if md != "" {
			if err := jsoncodec.Unmarshal([]byte(md), &msg.Metadata); err != nil {
				t.logger.Error("failed to unmarshal metadata", err, nil)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
