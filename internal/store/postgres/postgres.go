// Package postgres implements core.Store on a pgx connection pool.
//
// A session holds one pooled connection for the length of a run. Transactions
// are opened on that connection; savepoints are plain SQL statements.
package postgres

import (
	"context"
	"regexp"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/pendampingan/internal/config"
	"github.com/JonMunkholm/pendampingan/internal/core"
)

// Store hands out sessions backed by pooled connections.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open parses the URL, applies the pool limits and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database URL")
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return pool, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Session acquires a connection for exclusive use by one run.
func (s *Store) Session(ctx context.Context) (core.Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire connection")
	}
	return &session{queries: queries{db: conn}, conn: conn}, nil
}

type session struct {
	queries
	conn *pgxpool.Conn
}

func (s *session) Begin(ctx context.Context) (core.Tx, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	return &txn{queries: queries{db: tx}, tx: tx}, nil
}

func (s *session) Close() {
	s.conn.Release()
}

// savepointName restricts savepoint names to plain identifiers.
var savepointName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type txn struct {
	queries
	tx pgx.Tx
}

func (t *txn) exec(ctx context.Context, stmt, name string) error {
	if !savepointName.MatchString(name) {
		return errors.Errorf("invalid savepoint name %q", name)
	}
	if _, err := t.tx.Exec(ctx, stmt+" "+name); err != nil {
		return errors.Wrap(err, stmt)
	}
	return nil
}

func (t *txn) Savepoint(ctx context.Context, name string) error {
	return t.exec(ctx, "SAVEPOINT", name)
}

func (t *txn) RollbackTo(ctx context.Context, name string) error {
	return t.exec(ctx, "ROLLBACK TO SAVEPOINT", name)
}

func (t *txn) Release(ctx context.Context, name string) error {
	return t.exec(ctx, "RELEASE SAVEPOINT", name)
}

func (t *txn) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (t *txn) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errors.Wrap(err, "rollback")
	}
	return nil
}
