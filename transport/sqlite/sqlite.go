// Package sqlite provides an embedded, file-backed queue transport for
// corrflow. Raw events and output rows survive restarts without a broker.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/corrflow/transport"
	"github.com/drblury/corrflow/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// DefaultFile is used when no SQLite file is configured.
const DefaultFile = "corrflow_queue.db"

// Dialect describes SQLite to the shared queue.
var Dialect = sqlqueue.Dialect{
	Name:        TransportName,
	Placeholder: sqlqueue.QuestionMark,
	Schema: func(t sqlqueue.Tables) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				uuid TEXT NOT NULL UNIQUE,
				topic TEXT NOT NULL,
				payload BLOB NOT NULL,
				metadata TEXT,
				available_at INTEGER NOT NULL,
				locked_until INTEGER,
				retry_count INTEGER NOT NULL DEFAULT 0
			)`, t.Messages),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_topic ON %[1]s(topic, id)`, t.Messages),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				uuid TEXT NOT NULL,
				topic TEXT NOT NULL,
				payload BLOB NOT NULL,
				metadata TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				poisoned_at INTEGER NOT NULL
			)`, t.Poisoned),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_topic ON %[1]s(topic)`, t.Poisoned),
		}
	},
}

func init() {
	Register()
}

// Register registers the SQLite transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build opens the configured SQLite file as a queue serving both directions.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := Open(cfg.GetSQLiteFile(), sqlqueue.Config{}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Open opens (or creates) the queue database at path.
func Open(path string, cfg sqlqueue.Config, logger watermill.LoggerAdapter) (*sqlqueue.Queue, error) {
	if path == "" {
		path = DefaultFile
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite queue: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	q, err := sqlqueue.New(db, Dialect, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}
