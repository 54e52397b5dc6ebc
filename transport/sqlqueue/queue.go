// Package sqlqueue is a polling Watermill publisher and subscriber backed by a
// database/sql table. Messages of a topic are delivered one at a time in
// insertion order; the next message is claimed only after the previous one is
// acked or nacked. The sqlite and postgres transports provide the Dialect.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/corrflow/internal/runtime/jsoncodec"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxRetries   = 3
	DefaultLockTimeout  = 30 * time.Second
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("sqlqueue: queue is closed")

// Tables names the queue tables, schema-qualified where the dialect needs it.
type Tables struct {
	Messages string
	Poisoned string
}

// Dialect carries what differs between database engines.
type Dialect struct {
	Name string
	// Schema returns the statements creating the queue tables.
	Schema func(t Tables) []string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// LockClause is appended to the claim subquery, e.g. FOR UPDATE SKIP LOCKED.
	LockClause string
}

// QuestionMark is the placeholder style of SQLite and MySQL.
func QuestionMark(int) string { return "?" }

// Dollar is the placeholder style of PostgreSQL.
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Config tunes polling and redelivery.
type Config struct {
	Tables       Tables
	PollInterval time.Duration
	// MaxRetries is how often a nacked message is redelivered before it is
	// moved to the poisoned table.
	MaxRetries  int
	LockTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tables.Messages == "" {
		c.Tables.Messages = "corrflow_messages"
	}
	if c.Tables.Poisoned == "" {
		c.Tables.Poisoned = "corrflow_poisoned"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	return c
}

// Queue implements message.Publisher and message.Subscriber.
type Queue struct {
	db      *sql.DB
	dialect Dialect
	config  Config
	logger  watermill.LoggerAdapter

	closedMu sync.RWMutex
	closed   bool
	closing  chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// New creates the queue tables on db and returns a Queue owning db.
func New(db *sql.DB, dialect Dialect, cfg Config, logger watermill.LoggerAdapter) (*Queue, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	q := &Queue{
		db:      db,
		dialect: dialect,
		config:  cfg.withDefaults(),
		logger:  logger.With(watermill.LogFields{"transport": dialect.Name}),
		closing: make(chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, stmt := range dialect.Schema(q.config.Tables) {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create %s queue schema: %w", dialect.Name, err)
		}
	}
	return q, nil
}

// bind rewrites ? placeholders into the dialect's style.
func (q *Queue) bind(query string) string {
	if q.dialect.Placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(q.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (q *Queue) isClosed() bool {
	q.closedMu.RLock()
	defer q.closedMu.RUnlock()
	return q.closed
}

// Publish inserts messages in order within one transaction.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	if q.isClosed() {
		return ErrClosed
	}

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("begin publish: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			q.logger.Error("Rollback failed", err, nil)
		}
	}()

	stmt, err := tx.Prepare(q.bind(fmt.Sprintf(
		`INSERT INTO %s (uuid, topic, payload, metadata, available_at) VALUES (?, ?, ?, ?, ?)`,
		q.config.Tables.Messages)))
	if err != nil {
		return fmt.Errorf("prepare publish: %w", err)
	}
	defer stmt.Close()

	now := q.now().UnixMilli()
	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata of %s: %w", msg.UUID, err)
		}
		if _, err := stmt.Exec(msg.UUID, topic, msg.Payload, string(metadata), now); err != nil {
			return fmt.Errorf("insert %s: %w", msg.UUID, err)
		}
	}
	return tx.Commit()
}

// Subscribe starts polling topic. The channel closes when ctx is done or the
// queue is closed.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	q.closedMu.RLock()
	defer q.closedMu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}

	out := make(chan *message.Message)
	q.wg.Add(1)
	go q.poll(ctx, topic, out)
	return out, nil
}

func (q *Queue) poll(ctx context.Context, topic string, out chan<- *message.Message) {
	defer q.wg.Done()
	defer close(out)

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		// Drain the backlog before waiting for the next tick.
		for q.deliverNext(ctx, topic, out) {
		}
		select {
		case <-ctx.Done():
			return
		case <-q.closing:
			return
		case <-ticker.C:
		}
	}
}

type claimed struct {
	id      int64
	retries int
	msg     *message.Message
}

func (q *Queue) claim(ctx context.Context, topic string) (*claimed, error) {
	now := q.now()
	query := q.bind(fmt.Sprintf(`
		UPDATE %[1]s SET locked_until = ?
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE topic = ? AND available_at <= ? AND (locked_until IS NULL OR locked_until < ?)
			ORDER BY id
			LIMIT 1 %[2]s
		)
		RETURNING id, uuid, payload, metadata, retry_count`,
		q.config.Tables.Messages, q.dialect.LockClause))

	var (
		c        claimed
		uuid     string
		payload  []byte
		metadata sql.NullString
	)
	row := q.db.QueryRowContext(ctx, query, now.Add(q.config.LockTimeout).UnixMilli(), topic, now.UnixMilli(), now.UnixMilli())
	if err := row.Scan(&c.id, &uuid, &payload, &metadata, &c.retries); err != nil {
		return nil, err
	}

	c.msg = message.NewMessage(uuid, payload)
	if metadata.Valid && metadata.String != "" {
		if err := jsoncodec.Unmarshal([]byte(metadata.String), &c.msg.Metadata); err != nil {
			q.logger.Error("Dropping unreadable metadata", err, watermill.LogFields{"uuid": uuid})
			c.msg.Metadata = make(message.Metadata)
		}
	}
	return &c, nil
}

// deliverNext hands over one message and waits for its outcome. It reports
// whether another claim should be attempted right away.
func (q *Queue) deliverNext(ctx context.Context, topic string, out chan<- *message.Message) bool {
	if ctx.Err() != nil || q.isClosed() {
		return false
	}
	c, err := q.claim(ctx, topic)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			q.logger.Error("Claim failed", err, watermill.LogFields{"topic": topic})
		}
		return false
	}

	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.msg.SetContext(msgCtx)

	select {
	case out <- c.msg:
	case <-ctx.Done():
		q.unlock(c.id)
		return false
	case <-q.closing:
		q.unlock(c.id)
		return false
	}

	select {
	case <-c.msg.Acked():
		q.ack(c.id)
		return true
	case <-c.msg.Nacked():
		q.nack(c, topic)
		return true
	case <-ctx.Done():
		q.unlock(c.id)
	case <-q.closing:
		q.unlock(c.id)
	}
	return false
}

func (q *Queue) exec(query string, args ...any) {
	if _, err := q.db.Exec(q.bind(query), args...); err != nil {
		q.logger.Error("Queue update failed", err, watermill.LogFields{"query": strings.Fields(query)[0]})
	}
}

func (q *Queue) ack(id int64) {
	q.exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, q.config.Tables.Messages), id)
}

func (q *Queue) unlock(id int64) {
	q.exec(fmt.Sprintf(`UPDATE %s SET locked_until = NULL WHERE id = ?`, q.config.Tables.Messages), id)
}

func (q *Queue) nack(c *claimed, topic string) {
	if c.retries < q.config.MaxRetries {
		backoff := time.Duration(1<<c.retries) * q.config.PollInterval
		q.exec(fmt.Sprintf(
			`UPDATE %s SET retry_count = retry_count + 1, locked_until = NULL, available_at = ? WHERE id = ?`,
			q.config.Tables.Messages), q.now().Add(backoff).UnixMilli(), c.id)
		return
	}

	q.logger.Info("Poisoning message after retries", watermill.LogFields{
		"uuid":    c.msg.UUID,
		"topic":   topic,
		"retries": c.retries,
	})
	if err := q.poison(c.id); err != nil {
		q.logger.Error("Poisoning failed", err, watermill.LogFields{"uuid": c.msg.UUID})
	}
}

func (q *Queue) poison(id int64) error {
	tx, err := q.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(q.bind(fmt.Sprintf(`
		INSERT INTO %s (uuid, topic, payload, metadata, retry_count, poisoned_at)
		SELECT uuid, topic, payload, metadata, retry_count, ? FROM %s WHERE id = ?`,
		q.config.Tables.Poisoned, q.config.Tables.Messages)), q.now().UnixMilli(), id); err != nil {
		return err
	}
	if _, err := tx.Exec(q.bind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, q.config.Tables.Messages)), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *Queue) count(table, topic string) (int64, error) {
	var n int64
	err := q.db.QueryRow(q.bind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE topic = ?`, table)), topic).Scan(&n)
	return n, err
}

// PendingCount returns the number of messages of topic not yet acked.
func (q *Queue) PendingCount(topic string) (int64, error) {
	return q.count(q.config.Tables.Messages, topic)
}

// PoisonedCount returns the number of messages of topic that ran out of retries.
func (q *Queue) PoisonedCount(topic string) (int64, error) {
	return q.count(q.config.Tables.Poisoned, topic)
}

// ReplayPoisoned moves the poisoned messages of topic back to the queue, in
// their original order, with a fresh retry budget.
func (q *Queue) ReplayPoisoned(topic string) (int64, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(q.bind(fmt.Sprintf(`
		INSERT INTO %s (uuid, topic, payload, metadata, available_at)
		SELECT uuid, topic, payload, metadata, ? FROM %s WHERE topic = ? ORDER BY id`,
		q.config.Tables.Messages, q.config.Tables.Poisoned)), q.now().UnixMilli(), topic)
	if err != nil {
		return 0, err
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(q.bind(fmt.Sprintf(`DELETE FROM %s WHERE topic = ?`, q.config.Tables.Poisoned)), topic); err != nil {
		return 0, err
	}
	return moved, tx.Commit()
}

// DB exposes the underlying connection pool.
func (q *Queue) DB() *sql.DB { return q.db }

// Close stops every subscription, waits for in-flight deliveries to settle and
// closes the database.
func (q *Queue) Close() error {
	q.closedMu.Lock()
	if q.closed {
		q.closedMu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closing)
	q.closedMu.Unlock()

	q.wg.Wait()
	return q.db.Close()
}
