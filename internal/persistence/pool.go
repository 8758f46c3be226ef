// Package persistence owns every durable row: projects, sessions, chat
// history, summaries, operations, code intelligence and behavior tables,
// all in a single SQLite file accessed through one serialized connection.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrStorage wraps database errors that survived the busy-retry cap.
var ErrStorage = errors.New("storage error")

const (
	busyRetryCap   = 5
	busyBaseDelay  = 10 * time.Millisecond
	busyDelayLimit = 250 * time.Millisecond
)

// Pool is the process-wide database handle. A single connection plus a
// writer mutex serializes writers; BEGIN IMMEDIATE transactions take the
// write lock up front so state transitions never interleave.
type Pool struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the database at path and applies the schema.
// Pass ":memory:" for an ephemeral database in tests.
func Open(ctx context.Context, path string) (*Pool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	p := &Pool{db: db}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if err := p.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pool) Close() error { return p.db.Close() }

// Exec runs a single write statement under the writer mutex, retrying
// SQLITE_BUSY with jittered backoff up to a short cap.
func (p *Pool) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var res sql.Result
	err := p.retryBusy(ctx, func() error {
		var execErr error
		res, execErr = p.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// Query runs a read-only statement. Reads share the connection freely.
func (p *Pool) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return p.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a read-only statement returning at most one row.
func (p *Pool) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return p.db.QueryRowContext(ctx, query, args...)
}

// Tx is a handle scoped to one BEGIN IMMEDIATE transaction.
type Tx struct {
	conn *sql.Conn
	ctx  context.Context
}

func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(t.ctx, query, args...)
}

func (t *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	return t.conn.QueryContext(t.ctx, query, args...)
}

func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(t.ctx, query, args...)
}

// WithTx runs fn inside a BEGIN IMMEDIATE transaction. The write lock is
// taken when the transaction opens, so operation state transitions and
// their events land atomically.
func (p *Pool) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryBusy(ctx, func() error {
		conn, err := p.db.Conn(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			return err
		}
		if err := fn(&Tx{conn: conn, ctx: ctx}); err != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
			return err
		}
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
			return err
		}
		return nil
	})
}

func (p *Pool) retryBusy(ctx context.Context, fn func() error) error {
	delay := busyBaseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) || attempt >= busyRetryCap {
			if isBusy(err) {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
			return err
		}
		jitter := time.Duration(rand.Int63n(int64(delay / 2)))
		log.Debug().Err(err).Int("attempt", attempt).Msg("sqlite_busy_retry")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > busyDelayLimit {
			delay = busyDelayLimit
		}
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
