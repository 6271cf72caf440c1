package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/taskora/chatcore/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// DB is the SQLite reference implementation of the message store adapter.
// Confirmed mutations are published on the bus after commit; this is the
// live stream the reconciler and chat-list aggregator subscribe to.
type DB struct {
	*sql.DB

	bus     *bus.Bus
	maxBody int
	now     func() int64
}

// Options configures a store instance.
type Options struct {
	// Bus receives confirmed mutation events. May be nil.
	Bus *bus.Bus
	// MaxBodyLen bounds message content length; zero means the default.
	MaxBodyLen int
}

const defaultMaxBodyLen = 4000

// Open creates a SQLite connection with WAL mode and recommended pragmas.
func Open(path string, opts Options) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	maxBody := opts.MaxBodyLen
	if maxBody <= 0 {
		maxBody = defaultMaxBodyLen
	}
	return &DB{
		DB:      db,
		bus:     opts.Bus,
		maxBody: maxBody,
		now:     func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func (db *DB) publish(topic string, payload any) {
	if db.bus == nil {
		return
	}
	db.bus.Publish(bus.Event{
		Topic:     topic,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
