package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ssocore/ssocore/audit"
	"github.com/ssocore/ssocore/key"
	"github.com/ssocore/ssocore/servicestore"
	"github.com/ssocore/ssocore/storage"
	"github.com/ssocore/ssocore/userstore"
)

// keyView, userView, serviceView and auditView are conn under a distinct
// name per entity, the same "view type" technique storage/memory/memory.go
// uses to let one backing value satisfy four interfaces that would
// otherwise collide on Get/Create/Update. Unlike memory's views (which
// share a mutex-guarded map), these views share nothing but the *sql.DB
// handle — the database itself serializes access.
type keyView conn
type userView conn
type serviceView conn
type auditView conn

func (v *keyView) c() *conn     { return (*conn)(v) }
func (v *userView) c() *conn    { return (*conn)(v) }
func (v *serviceView) c() *conn { return (*conn)(v) }
func (v *auditView) c() *conn   { return (*conn)(v) }

var _ key.Store = (*keyView)(nil)
var _ userstore.Store = (*userView)(nil)
var _ servicestore.Store = (*serviceView)(nil)
var _ storage.AuditStore = (*auditView)(nil)

// --- key.Store --------------------------------------------------------

func (v *keyView) Create(ctx context.Context, k key.Key) (key.Key, error) {
	k.ID = storage.NewID()
	k.CreatedAt = time.Now()
	k.UpdatedAt = k.CreatedAt
	_, err := v.c().exec(ctx, `
		INSERT INTO keys
			(id, is_enabled, is_revoked, type, name, value, service_id, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		k.ID, k.IsEnabled, k.IsRevoked, string(k.Type), k.Name, k.Value,
		nullString(k.ServiceID), nullString(k.UserID), k.CreatedAt, k.UpdatedAt)
	if err != nil {
		return key.Key{}, fmt.Errorf("sql: create key: %w", err)
	}
	return k, nil
}

func scanKey(row interface{ Scan(...any) error }) (key.Key, error) {
	var k key.Key
	var typ string
	var serviceID, userID sql.NullString
	if err := row.Scan(&k.ID, &k.IsEnabled, &k.IsRevoked, &typ, &k.Name, &k.Value,
		&serviceID, &userID, &k.CreatedAt, &k.UpdatedAt); err != nil {
		if errors.Is(err, errNoRows) {
			return key.Key{}, storage.ErrNotFound
		}
		return key.Key{}, fmt.Errorf("sql: scan key: %w", err)
	}
	k.Type = key.Type(typ)
	k.ServiceID = fromNullString(serviceID)
	k.UserID = fromNullString(userID)
	return k, nil
}

const keyColumns = `id, is_enabled, is_revoked, type, name, value, service_id, user_id, created_at, updated_at`

func (v *keyView) Get(ctx context.Context, id string) (key.Key, error) {
	row := v.c().queryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE id = $1`, id)
	return scanKey(row)
}

func (v *keyView) GetByValue(ctx context.Context, value string) (key.Key, error) {
	row := v.c().queryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE value = $1`, value)
	return scanKey(row)
}

// GetUserKey returns the live (service, user, type) key if one exists, else
// the most recently created dead one. Revoked keys must still resolve so
// revocation flows can load a token key that is already disabled; callers
// that need a usable key check Key.Usable() themselves.
func (v *keyView) GetUserKey(ctx context.Context, serviceID, userID string, typ key.Type) (key.Key, error) {
	row := v.c().queryRow(ctx, `
		SELECT `+keyColumns+` FROM keys
		WHERE service_id = $1 AND user_id = $2 AND type = $3
		ORDER BY CASE WHEN is_enabled AND NOT is_revoked THEN 0 ELSE 1 END, created_at DESC
		LIMIT 1`,
		serviceID, userID, string(typ))
	return scanKey(row)
}

func (v *keyView) ListUserKeys(ctx context.Context, serviceID, userID string) ([]key.Key, error) {
	rows, err := v.c().query(ctx, `
		SELECT `+keyColumns+` FROM keys
		WHERE service_id = $1 AND user_id = $2
		ORDER BY created_at ASC`, serviceID, userID)
	if err != nil {
		return nil, fmt.Errorf("sql: list user keys: %w", err)
	}
	defer rows.Close()

	var out []key.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (v *keyView) Update(ctx context.Context, id string, updater func(key.Key) (key.Key, error)) (key.Key, error) {
	var result key.Key
	err := v.c().execTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, v.c().flavor.translate(`SELECT `+keyColumns+` FROM keys WHERE id = $1`), id)
		cur, err := scanKey(row)
		if err != nil {
			return err
		}
		next, err := updater(cur)
		if err != nil {
			return err
		}
		next.UpdatedAt = time.Now()
		_, err = tx.ExecContext(ctx, v.c().flavor.translate(`
			UPDATE keys SET is_enabled=$1, is_revoked=$2, type=$3, name=$4, value=$5,
				service_id=$6, user_id=$7, updated_at=$8
			WHERE id=$9`),
			next.IsEnabled, next.IsRevoked, string(next.Type), next.Name, next.Value,
			nullString(next.ServiceID), nullString(next.UserID), next.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("sql: update key: %w", err)
		}
		result = next
		return nil
	})
	if err != nil {
		return key.Key{}, err
	}
	return result, nil
}

// --- userstore.Store ----------------------------------------------------

const userColumns = `id, is_enabled, name, email, locale, timezone, password_hash, password_allow_reset, password_require_update, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (userstore.User, error) {
	var u userstore.User
	if err := row.Scan(&u.ID, &u.IsEnabled, &u.Name, &u.Email, &u.Locale, &u.Timezone,
		&u.PasswordHash, &u.PasswordAllowReset, &u.PasswordRequireUpdate, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, errNoRows) {
			return userstore.User{}, storage.ErrNotFound
		}
		return userstore.User{}, fmt.Errorf("sql: scan user: %w", err)
	}
	return u, nil
}

func (v *userView) Get(ctx context.Context, id string) (userstore.User, error) {
	row := v.c().queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByEmail compares case-insensitively: the stored email keeps the
// caller's case, the lookup folds both sides.
func (v *userView) GetByEmail(ctx context.Context, normalizedEmail string) (userstore.User, error) {
	row := v.c().queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, normalizedEmail)
	return scanUser(row)
}

func (v *userView) Create(ctx context.Context, u userstore.User) (userstore.User, error) {
	u.ID = storage.NewID()
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	_, err := v.c().exec(ctx, `
		INSERT INTO users
			(id, is_enabled, name, email, locale, timezone, password_hash, password_allow_reset, password_require_update, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, u.IsEnabled, u.Name, u.Email, u.Locale, u.Timezone,
		u.PasswordHash, u.PasswordAllowReset, u.PasswordRequireUpdate, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return userstore.User{}, fmt.Errorf("sql: create user: %w", err)
	}
	return u, nil
}

func (v *userView) Update(ctx context.Context, id string, updater func(userstore.User) (userstore.User, error)) (userstore.User, error) {
	var result userstore.User
	err := v.c().execTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, v.c().flavor.translate(`SELECT `+userColumns+` FROM users WHERE id = $1`), id)
		cur, err := scanUser(row)
		if err != nil {
			return err
		}
		next, err := updater(cur)
		if err != nil {
			return err
		}
		next.UpdatedAt = time.Now()
		_, err = tx.ExecContext(ctx, v.c().flavor.translate(`
			UPDATE users SET is_enabled=$1, name=$2, email=$3, locale=$4, timezone=$5,
				password_hash=$6, password_allow_reset=$7, password_require_update=$8, updated_at=$9
			WHERE id=$10`),
			next.IsEnabled, next.Name, next.Email, next.Locale, next.Timezone,
			next.PasswordHash, next.PasswordAllowReset, next.PasswordRequireUpdate, next.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("sql: update user: %w", err)
		}
		result = next
		return nil
	})
	if err != nil {
		return userstore.User{}, err
	}
	return result, nil
}

// --- servicestore.Store --------------------------------------------------

const serviceColumns = `id, is_enabled, name, url, provider_local_url, provider_github_oauth2_url, provider_microsoft_oauth2_url, user_allow_register, created_at, updated_at`

func scanService(row interface{ Scan(...any) error }) (servicestore.Service, error) {
	var s servicestore.Service
	if err := row.Scan(&s.ID, &s.IsEnabled, &s.Name, &s.URL, &s.ProviderLocalURL,
		&s.ProviderGithubOAuth2URL, &s.ProviderMicrosoftOAuth2URL, &s.UserAllowRegister,
		&s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, errNoRows) {
			return servicestore.Service{}, storage.ErrNotFound
		}
		return servicestore.Service{}, fmt.Errorf("sql: scan service: %w", err)
	}
	return s, nil
}

func (v *serviceView) Get(ctx context.Context, id string) (servicestore.Service, error) {
	row := v.c().queryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id)
	return scanService(row)
}

func (v *serviceView) Create(ctx context.Context, s servicestore.Service) (servicestore.Service, error) {
	s.ID = storage.NewID()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	_, err := v.c().exec(ctx, `
		INSERT INTO services
			(id, is_enabled, name, url, provider_local_url, provider_github_oauth2_url, provider_microsoft_oauth2_url, user_allow_register, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.IsEnabled, s.Name, s.URL, s.ProviderLocalURL,
		s.ProviderGithubOAuth2URL, s.ProviderMicrosoftOAuth2URL, s.UserAllowRegister,
		s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return servicestore.Service{}, fmt.Errorf("sql: create service: %w", err)
	}
	return s, nil
}

func (v *serviceView) Update(ctx context.Context, id string, updater func(servicestore.Service) (servicestore.Service, error)) (servicestore.Service, error) {
	var result servicestore.Service
	err := v.c().execTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, v.c().flavor.translate(`SELECT `+serviceColumns+` FROM services WHERE id = $1`), id)
		cur, err := scanService(row)
		if err != nil {
			return err
		}
		next, err := updater(cur)
		if err != nil {
			return err
		}
		next.UpdatedAt = time.Now()
		_, err = tx.ExecContext(ctx, v.c().flavor.translate(`
			UPDATE services SET is_enabled=$1, name=$2, url=$3, provider_local_url=$4,
				provider_github_oauth2_url=$5, provider_microsoft_oauth2_url=$6, user_allow_register=$7, updated_at=$8
			WHERE id=$9`),
			next.IsEnabled, next.Name, next.URL, next.ProviderLocalURL,
			next.ProviderGithubOAuth2URL, next.ProviderMicrosoftOAuth2URL, next.UserAllowRegister, next.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("sql: update service: %w", err)
		}
		result = next
		return nil
	})
	if err != nil {
		return servicestore.Service{}, err
	}
	return result, nil
}

func (v *serviceView) List(ctx context.Context) ([]servicestore.Service, error) {
	rows, err := v.c().query(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sql: list services: %w", err)
	}
	defer rows.Close()

	var out []servicestore.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- storage.AuditStore (audit.Sink + audit.Reader) ----------------------

func (v *auditView) Append(ctx context.Context, r audit.Record) error {
	if r.ID == "" {
		r.ID = storage.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := v.c().exec(ctx, `
		INSERT INTO audits
			(id, created_at, correlation_id, service_id, user_id, user_key_id, type, path, subject, data, status_code, terminal)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.CreatedAt, r.CorrelationID, nullString(r.ServiceID), nullString(r.UserID),
		nullString(r.UserKeyID), string(r.Type), r.Path, nullString(r.Subject),
		encodeJSON(r.Data), r.StatusCode, r.Terminal)
	if err != nil {
		return fmt.Errorf("sql: append audit: %w", err)
	}
	return nil
}

const auditColumns = `id, created_at, correlation_id, service_id, user_id, user_key_id, type, path, subject, data, status_code, terminal`

func scanAudit(row interface{ Scan(...any) error }) (audit.Record, error) {
	var r audit.Record
	var typ string
	var serviceID, userID, userKeyID, subject sql.NullString
	var data []byte
	if err := row.Scan(&r.ID, &r.CreatedAt, &r.CorrelationID, &serviceID, &userID, &userKeyID,
		&typ, &r.Path, &subject, &data, &r.StatusCode, &r.Terminal); err != nil {
		if errors.Is(err, errNoRows) {
			return audit.Record{}, storage.ErrNotFound
		}
		return audit.Record{}, fmt.Errorf("sql: scan audit: %w", err)
	}
	r.Type = audit.Type(typ)
	r.ServiceID = fromNullString(serviceID)
	r.UserID = fromNullString(userID)
	r.UserKeyID = fromNullString(userKeyID)
	r.Subject = fromNullString(subject)
	if len(data) > 0 {
		if err := decodeJSON(&r.Data).Scan(data); err != nil {
			return audit.Record{}, fmt.Errorf("sql: decode audit data: %w", err)
		}
	}
	return r, nil
}

func (v *auditView) Get(ctx context.Context, id string) (audit.Record, error) {
	row := v.c().queryRow(ctx, `SELECT `+auditColumns+` FROM audits WHERE id = $1`, id)
	return scanAudit(row)
}

// List applies audit.ListFilter, building the WHERE clause incrementally in
// Postgres's $N bind style and letting conn.query translate it for the
// active dialect.
func (v *auditView) List(ctx context.Context, f audit.ListFilter) ([]audit.Record, error) {
	query := `SELECT ` + auditColumns + ` FROM audits WHERE 1=1`
	var args []any
	arg := func(a any) string {
		args = append(args, a)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Ge != nil {
		query += ` AND created_at >= ` + arg(*f.Ge)
	}
	if f.Le != nil {
		query += ` AND created_at <= ` + arg(*f.Le)
	}
	if f.OffsetID != "" {
		query += ` AND id > ` + arg(f.OffsetID)
	}
	if len(f.ServiceIDs) > 0 {
		query += ` AND service_id IN (` + placeholders(&args, f.ServiceIDs) + `)`
	}
	if len(f.UserIDs) > 0 {
		query += ` AND user_id IN (` + placeholders(&args, f.UserIDs) + `)`
	}
	if len(f.Types) > 0 {
		strs := make([]any, len(f.Types))
		for i, t := range f.Types {
			strs[i] = string(t)
		}
		query += ` AND type IN (` + placeholders(&args, strs) + `)`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := v.c().query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sql: list audits: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		r, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func placeholders[T any](args *[]any, values []T) string {
	out := ""
	for i, val := range values {
		if i > 0 {
			out += ", "
		}
		*args = append(*args, val)
		out += fmt.Sprintf("$%d", len(*args))
	}
	return out
}

func (v *auditView) Patch(ctx context.Context, id string, subject *string, data map[string]any) (audit.Record, error) {
	var result audit.Record
	err := v.c().execTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, v.c().flavor.translate(`SELECT `+auditColumns+` FROM audits WHERE id = $1`), id)
		cur, err := scanAudit(row)
		if err != nil {
			return err
		}
		if subject != nil {
			cur.Subject = subject
		}
		if cur.Data == nil {
			cur.Data = map[string]any{}
		}
		for k, val := range data {
			cur.Data[k] = val
		}
		_, err = tx.ExecContext(ctx, v.c().flavor.translate(`UPDATE audits SET subject=$1, data=$2 WHERE id=$3`),
			nullString(cur.Subject), encodeJSON(cur.Data), id)
		if err != nil {
			return fmt.Errorf("sql: patch audit: %w", err)
		}
		result = cur
		return nil
	})
	if err != nil {
		return audit.Record{}, err
	}
	return result, nil
}
