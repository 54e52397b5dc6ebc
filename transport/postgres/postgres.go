// Package postgres provides a PostgreSQL queue transport for corrflow.
// Several corrflow processes can share one queue: claims use
// FOR UPDATE SKIP LOCKED.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/corrflow/transport"
	"github.com/drblury/corrflow/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

// DefaultSchema holds the queue tables.
const DefaultSchema = "corrflow"

var schemaName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Dialect describes PostgreSQL to the shared queue.
var Dialect = sqlqueue.Dialect{
	Name:        TransportName,
	Placeholder: sqlqueue.Dollar,
	LockClause:  "FOR UPDATE SKIP LOCKED",
	Schema: func(t sqlqueue.Tables) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				uuid TEXT NOT NULL UNIQUE,
				topic TEXT NOT NULL,
				payload BYTEA NOT NULL,
				metadata TEXT,
				available_at BIGINT NOT NULL,
				locked_until BIGINT,
				retry_count INTEGER NOT NULL DEFAULT 0
			)`, t.Messages),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS messages_topic_id ON %s(topic, id)`, t.Messages),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				uuid TEXT NOT NULL,
				topic TEXT NOT NULL,
				payload BYTEA NOT NULL,
				metadata TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				poisoned_at BIGINT NOT NULL
			)`, t.Poisoned),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS poisoned_topic ON %s(topic)`, t.Poisoned),
		}
	},
}

func init() {
	Register()
}

// Register registers the PostgreSQL transport, also under the "postgresql" alias.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

// Build connects to the configured database as a queue serving both directions.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := Open(ctx, Config{ConnectionString: cfg.GetPostgresURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	ConnectionString string
	// Schema holds the queue tables. Defaults to DefaultSchema.
	Schema       string
	MaxOpenConns int
	MaxIdleConns int
	Queue        sqlqueue.Config
}

func (c Config) withDefaults() Config {
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.Queue.Tables == (sqlqueue.Tables{}) {
		c.Queue.Tables = sqlqueue.Tables{
			Messages: c.Schema + ".messages",
			Poisoned: c.Schema + ".poisoned",
		}
	}
	return c
}

func (c Config) validate() error {
	if c.ConnectionString == "" {
		return errors.New("postgres: connection string is required")
	}
	if !schemaName.MatchString(c.Schema) {
		return fmt.Errorf("postgres: invalid schema name %q", c.Schema)
	}
	return nil
}

// Open connects, creates the schema and tables, and returns the queue.
func Open(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqlqueue.Queue, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres queue: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	// #nosec G201 -- schema is validated against schemaName
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, cfg.Schema)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create postgres schema: %w", err)
	}

	q, err := sqlqueue.New(db, Dialect, cfg.Queue, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}
