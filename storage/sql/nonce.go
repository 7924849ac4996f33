package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ssocore/ssocore/csrf"
)

// nonceView implements csrf.Store over one of the two single-use nonce
// tables (csrf, oauth2_code). Consume reads and deletes the row in one
// serializable transaction, so concurrent consumers see exactly one
// success and the delete commits in the same database as the key mutation
// it gates.
type nonceView struct {
	c     *conn
	table string
}

var _ csrf.Store = (*nonceView)(nil)

const nonceColumns = `id, value, service_id, created_at, expires_at`

func (v *nonceView) Create(ctx context.Context, serviceID string, ttl time.Duration) (csrf.Entry, error) {
	id, err := csrf.NewKey()
	if err != nil {
		return csrf.Entry{}, err
	}
	now := time.Now()
	e := csrf.Entry{
		Key:       id,
		Value:     id,
		ServiceID: serviceID,
		CreatedAt: now,
		TTL:       ttl,
	}
	_, err = v.c.exec(ctx, `
		INSERT INTO `+v.table+` (`+nonceColumns+`)
		VALUES ($1, $2, $3, $4, $5)`,
		e.Key, e.Value, e.ServiceID, e.CreatedAt, now.Add(ttl))
	if err != nil {
		return csrf.Entry{}, fmt.Errorf("sql: create %s entry: %w", v.table, err)
	}
	return e, nil
}

func (v *nonceView) Consume(ctx context.Context, key string) (csrf.Entry, error) {
	var e csrf.Entry
	err := v.c.execTx(ctx, func(tx *sql.Tx) error {
		var expires time.Time
		row := tx.QueryRowContext(ctx, v.c.flavor.translate(`SELECT `+nonceColumns+` FROM `+v.table+` WHERE id = $1`), key)
		if err := row.Scan(&e.Key, &e.Value, &e.ServiceID, &e.CreatedAt, &expires); err != nil {
			if errors.Is(err, errNoRows) {
				return csrf.ErrNotFoundOrUsed
			}
			return fmt.Errorf("sql: consume %s entry: %w", v.table, err)
		}
		if _, err := tx.ExecContext(ctx, v.c.flavor.translate(`DELETE FROM `+v.table+` WHERE id = $1`), key); err != nil {
			return fmt.Errorf("sql: consume %s entry: %w", v.table, err)
		}
		e.TTL = expires.Sub(e.CreatedAt)
		if time.Now().After(expires) {
			// Expired entries behave exactly like consumed ones; the row is
			// left for GC since this transaction rolls back on error return.
			return csrf.ErrNotFoundOrUsed
		}
		return nil
	})
	if err != nil {
		return csrf.Entry{}, err
	}
	return e, nil
}

func (v *nonceView) Bind(ctx context.Context, key, value string) error {
	res, err := v.c.exec(ctx, `UPDATE `+v.table+` SET value = $1 WHERE id = $2`, value, key)
	if err != nil {
		return fmt.Errorf("sql: bind %s entry: %w", v.table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sql: bind %s entry: %w", v.table, err)
	}
	if n == 0 {
		return csrf.ErrNotFoundOrUsed
	}
	return nil
}

// GC is best-effort: an error reaps nothing now and the rows stay until
// the next pass, since Consume checks expiry itself.
func (v *nonceView) GC(ctx context.Context, now time.Time) int {
	res, err := v.c.exec(ctx, `DELETE FROM `+v.table+` WHERE expires_at < $1`, now)
	if err != nil {
		return 0
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
