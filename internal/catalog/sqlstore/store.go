// Package sqlstore implements the catalog on PostgreSQL (lib/pq) and on
// embedded SQLite (ncruces/go-sqlite3). Both dialects share the same SQL:
// $N placeholders, ON CONFLICT upserts and RETURNING.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/metrics"
)

//go:embed migrations
var migrations embed.FS

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a SQL catalog. A Store returned by WithTx is bound to one
// transaction; all other Stores use the connection pool.
type Store struct {
	db      *sql.DB
	q       querier
	inTx    bool
	dialect dialect
	sealer  *TokenSealer
	now     func() time.Time

	// savepoints numbers nested WithTx calls; shared by copies of a tx Store.
	savepoints *int
}

var _ catalog.Catalog = (*Store)(nil)

// OpenPostgres opens a PostgreSQL catalog.
func OpenPostgres(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return newStore(db, postgresDialect), nil
}

// OpenSQLite opens (creating if needed) an embedded SQLite catalog at path.
func OpenSQLite(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(10000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(wal)" +
		"&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return newStore(db, sqliteDialect), nil
}

func newStore(db *sql.DB, d dialect) *Store {
	return &Store{
		db:      db,
		q:       db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetTokenSealer enables encryption of stored credential tokens.
func (s *Store) SetTokenSealer(ts *TokenSealer) {
	s.sealer = ts
}

// Driver returns "postgres" or "sqlite".
func (s *Store) Driver() string {
	return s.dialect.name
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs the embedded migrations for the store's dialect in file name
// order. Every migration is idempotent, so running them again is safe.
func (s *Store) Migrate(ctx context.Context) error {
	dir := path.Join("migrations", s.dialect.name)
	files, err := fs.Glob(migrations, path.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", path.Base(f)), zap.String("driver", s.dialect.name))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// WithTx implements catalog.Catalog. A nested call runs inside a savepoint
// of the outer transaction: its failure rolls back only its own writes.
func (s *Store) WithTx(ctx context.Context, fn func(tx catalog.Catalog) error) error {
	if s.inTx {
		return s.withSavepoint(ctx, fn)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	// No-op once committed.
	defer tx.Rollback()

	txStore := *s
	txStore.q = tx
	txStore.inTx = true
	txStore.savepoints = new(int)

	if err := fn(&txStore); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) withSavepoint(ctx context.Context, fn func(tx catalog.Catalog) error) error {
	*s.savepoints++
	name := fmt.Sprintf("sp_%d", *s.savepoints)

	if _, err := s.q.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}
	if err := fn(s); err != nil {
		if _, rbErr := s.q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("rollback to savepoint: %v (after %w)", rbErr, err)
		}
		if _, relErr := s.q.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			return fmt.Errorf("release savepoint: %v (after %w)", relErr, err)
		}
		return err
	}
	if _, err := s.q.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// ts converts a timestamp into the dialect's bind value.
func (s *Store) ts(t time.Time) any {
	return s.dialect.timeArg(t)
}

func notFound(op string, err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFoundf(op, format, args...)
	}
	return fmt.Errorf("%s: %w", op, err)
}
