// Package sql provides a relational implementation of storage.Storage for
// Postgres, MySQL and SQLite3. Queries are written once against Postgres's
// `$N` bind style and translated per-dialect; transactions run serializable
// with retry on Postgres serialization failures.
package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	// imported purely for their side-effecting database/sql.Register call.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ssocore/ssocore/csrf"
	"github.com/ssocore/ssocore/key"
	"github.com/ssocore/ssocore/servicestore"
	"github.com/ssocore/ssocore/storage"
	"github.com/ssocore/ssocore/userstore"
)

// flavor translates the canonical Postgres-style query text (`$1`, `$2`,
// ...) into a dialect's bind style and picks the transaction-retry
// behavior.
type flavor struct {
	name      string
	translate func(query string) string
	executeTx func(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error
}

var bindRegexp = regexp.MustCompile(`\$(\d+)`)

func questionMarkTranslate(query string) string {
	return bindRegexp.ReplaceAllString(query, "?")
}

func defaultExecuteTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

var flavorPostgres = flavor{
	name:      "postgres",
	translate: func(q string) string { return q },
	executeTx: func(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
		// Postgres defaults to read-committed; mutations of a user's keys
		// (revoke, csrf-gated refresh) must be serializable, so request it
		// explicitly and retry on the driver's serialization_failure code.
		for {
			tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
			if err != nil {
				return err
			}
			if err := fn(tx); err != nil {
				_ = tx.Rollback()
				var pqErr *pq.Error
				if errors.As(err, &pqErr) && pqErr.Code.Name() == "serialization_failure" {
					continue
				}
				return err
			}
			if err := tx.Commit(); err != nil {
				var pqErr *pq.Error
				if errors.As(err, &pqErr) && pqErr.Code.Name() == "serialization_failure" {
					continue
				}
				return err
			}
			return nil
		}
	},
}

var flavorMySQL = flavor{
	name:      "mysql",
	translate: questionMarkTranslate,
	executeTx: defaultExecuteTx,
}

var flavorSQLite3 = flavor{
	name:      "sqlite3",
	translate: questionMarkTranslate,
	executeTx: defaultExecuteTx,
}

// conn is the shared handle every view type (keyView, userView, ...)
// executes queries against: a *sql.DB plus its flavor.
type conn struct {
	db     *sql.DB
	flavor flavor
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, c.flavor.translate(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, c.flavor.translate(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, c.flavor.translate(query), args...)
}

func (c *conn) execTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return c.flavor.executeTx(ctx, c.db, fn)
}

// Storage wraps conn to satisfy storage.Storage; created by each dialect's
// Config.Open in config.go.
type Storage struct {
	c *conn
}

var _ storage.Storage = (*Storage)(nil)

func newStorage(db *sql.DB, f flavor) *Storage {
	return &Storage{c: &conn{db: db, flavor: f}}
}

func (s *Storage) Close() error { return s.c.db.Close() }

func (s *Storage) Keys() key.Store { return (*keyView)(s.c) }
func (s *Storage) Users() userstore.Store { return (*userView)(s.c) }
func (s *Storage) Services() servicestore.Store { return (*serviceView)(s.c) }
func (s *Storage) Audits() storage.AuditStore { return (*auditView)(s.c) }
func (s *Storage) Csrfs() csrf.Store { return &nonceView{c: s.c, table: "csrf"} }
func (s *Storage) OAuth2Codes() csrf.Store { return &nonceView{c: s.c, table: "oauth2_code"} }

// GarbageCollect reaps expired rows from both nonce tables.
func (s *Storage) GarbageCollect(ctx context.Context, now time.Time) (storage.GCResult, error) {
	return storage.GCResult{
		CsrfEntries: (&nonceView{c: s.c, table: "csrf"}).GC(ctx, now),
		OAuth2Codes: (&nonceView{c: s.c, table: "oauth2_code"}).GC(ctx, now),
	}, nil
}

// nullString / jsonColumn wrap a Go value in a driver.Valuer / sql.Scanner
// so database/sql does the marshaling transparently at Exec/Scan call
// sites.

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

type jsonColumn struct{ v any }

func encodeJSON(v any) driver.Valuer { return jsonColumn{v} }

func (j jsonColumn) Value() (driver.Value, error) {
	if j.v == nil {
		return nil, nil
	}
	b, err := json.Marshal(j.v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return b, nil
}

func decodeJSON(dest any) sql.Scanner { return &jsonDecoder{dest} }

type jsonDecoder struct{ dest any }

func (j *jsonDecoder) Scan(src any) error {
	if src == nil {
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		if s, ok := src.(string); ok {
			b = []byte(s)
		} else {
			return fmt.Errorf("expected []byte or string, got %T", src)
		}
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, j.dest)
}

var errNoRows = sql.ErrNoRows
