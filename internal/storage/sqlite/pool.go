// Package sqlite implements storage.Repositories over a pure-Go SQLite
// driver, per spec §4.4: a reader pool sized ~2×CPU plus a single-connection
// writer pool, WAL journaling, a 5s busy timeout, foreign keys on, and
// BEGIN IMMEDIATE write transactions.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"time"

	_ "modernc.org/sqlite"

	"github.com/boternity/boternity/internal/errs"
)

// Pragmas applied to every connection in both pools.
const pragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)&_pragma=synchronous(normal)"

// Pools bundles the reader and writer connection pools described in
// spec §4.4. Readers serve concurrent reads; the single-connection writer
// serializes all mutations behind BEGIN IMMEDIATE, which is what makes
// SQLite tolerate concurrent access without "database is locked" errors.
type Pools struct {
	Reader *sql.DB
	Writer *sql.DB
	path   string
}

// Open creates the reader and writer pools for the database file at path.
// readerPoolSize <= 0 defaults to 2×GOMAXPROCS, matching spec §4.4's
// "pool size ≈ 2 × CPU count".
func Open(path string, readerPoolSize int) (*Pools, error) {
	if readerPoolSize <= 0 {
		readerPoolSize = 2 * runtime.GOMAXPROCS(0)
	}

	readerDSN := "file:" + path + pragmas + "&mode=ro"
	reader, err := sql.Open("sqlite", readerDSN)
	if err != nil {
		return nil, fmt.Errorf("open reader pool: %w", err)
	}
	reader.SetMaxOpenConns(readerPoolSize)
	reader.SetMaxIdleConns(readerPoolSize)

	writerDSN := "file:" + path + pragmas + "&_txlock=immediate"
	writer, err := sql.Open("sqlite", writerDSN)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("open writer pool: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	return &Pools{Reader: reader, Writer: writer, path: path}, nil
}

// Close releases both pools.
func (p *Pools) Close() error {
	rerr := p.Reader.Close()
	werr := p.Writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// WriteTx runs fn inside a BEGIN IMMEDIATE write transaction. fn must not
// perform an external await of unbounded duration (sandbox or LLM call)
// inside the transaction, per spec §4.4 — collect such results first and
// only open the transaction to persist them.
func (p *Pools) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	// The writer DSN carries _txlock=immediate, so every BeginTx on this
	// pool issues BEGIN IMMEDIATE under the hood.
	tx, err := p.Writer.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return translate(fmt.Errorf("begin immediate: %w", err), "")
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var typed *errs.Error
		if errors.As(err, &typed) {
			return err
		}
		return translate(err, "")
	}
	if err := tx.Commit(); err != nil {
		return translate(fmt.Errorf("commit: %w", err), "")
	}
	return nil
}

// ReadTx runs fn inside a read-only transaction on the reader pool.
func (p *Pools) ReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.Reader.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// PingWithRetry waits for the writer pool to become reachable, retrying
// with a short backoff. Useful at startup before migrations run.
func PingWithRetry(ctx context.Context, db *sql.DB, attempts int, backoff time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if lastErr = db.PingContext(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("database unreachable after %d attempts: %w", attempts, lastErr)
}
