package sql

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/XSAM/otelsql"
	mysqldriver "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/ssocore/ssocore/storage"
)

// NetworkDB holds the options common to Postgres and MySQL: host, port,
// credentials, and the connection-pool tunables.
type NetworkDB struct {
	Database string
	User     string
	Password string
	Host     string
	Port     uint16

	ConnectionTimeout int

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int
}

func withOtel(db *sql.DB, system, dbName string, port int) error {
	return otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(
		semconv.DBSystemKey.String(system),
		semconv.DBNameKey.String(dbName),
		semconv.NetPeerPortKey.Int(port),
	))
}

func applyPoolTunables(db *sql.DB, n NetworkDB) {
	if n.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(time.Duration(n.ConnMaxLifetime) * time.Second)
	}
	if n.MaxIdleConns == 0 {
		db.SetMaxIdleConns(5)
	} else {
		db.SetMaxIdleConns(n.MaxIdleConns)
	}
	if n.MaxOpenConns == 0 {
		db.SetMaxOpenConns(5)
	} else {
		db.SetMaxOpenConns(n.MaxOpenConns)
	}
}

// Postgres options for creating a Postgres-backed storage.Storage.
type Postgres struct {
	NetworkDB
	SSLMode string
}

var _ storage.Opener = (*Postgres)(nil)

func (p *Postgres) dataSourceName() string {
	host, port := p.Host, strconv.Itoa(int(p.Port))
	if h, prt, err := net.SplitHostPort(p.Host); err == nil {
		host, port = h, prt
	}
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "verify-full"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s connect_timeout=%d sslmode=%s",
		host, port, p.User, p.Password, p.Database, p.ConnectionTimeout, sslMode)
}

func (p *Postgres) Open(ctx context.Context) (storage.Storage, error) {
	db, err := otelsql.Open("postgres", p.dataSourceName(), otelsql.WithAttributes(
		semconv.DBSystemKey.String("postgresql"),
	))
	if err != nil {
		return nil, fmt.Errorf("sql: open postgres: %w", err)
	}
	if err := withOtel(db, "postgresql", p.Database, int(p.Port)); err != nil {
		return nil, fmt.Errorf("sql: register postgres metrics: %w", err)
	}
	applyPoolTunables(db, p.NetworkDB)

	s := newStorage(db, flavorPostgres)
	if err := migrate(ctx, s.c, schemaPostgres); err != nil {
		return nil, fmt.Errorf("sql: migrate postgres: %w", err)
	}
	return s, nil
}

// MySQL options for creating a MySQL-backed storage.Storage.
type MySQL struct {
	NetworkDB
}

var _ storage.Opener = (*MySQL)(nil)

func (m *MySQL) Open(ctx context.Context) (storage.Storage, error) {
	cfg := mysqldriver.Config{
		User:                 m.User,
		Passwd:               m.Password,
		DBName:               m.Database,
		AllowNativePasswords: true,
		Timeout:              time.Second * time.Duration(m.ConnectionTimeout),
		ParseTime:            true,
		Params: map[string]string{
			// Serializable isolation is the baseline conn.execTx assumes;
			// MySQL needs it spelled out per-session.
			"transaction_isolation": "'SERIALIZABLE'",
		},
	}
	if m.Host != "" {
		if m.Host[0] != '/' {
			cfg.Net = "tcp"
			cfg.Addr = m.Host
			if m.Port != 0 {
				cfg.Addr = net.JoinHostPort(m.Host, strconv.Itoa(int(m.Port)))
			}
		} else {
			cfg.Net = "unix"
			cfg.Addr = m.Host
		}
	}

	db, err := otelsql.Open("mysql", cfg.FormatDSN(), otelsql.WithAttributes(
		semconv.DBSystemKey.String("mysql"),
	))
	if err != nil {
		return nil, fmt.Errorf("sql: open mysql: %w", err)
	}
	if err := withOtel(db, "mysql", m.Database, int(m.Port)); err != nil {
		return nil, fmt.Errorf("sql: register mysql metrics: %w", err)
	}
	applyPoolTunables(db, m.NetworkDB)

	s := newStorage(db, flavorMySQL)
	if err := migrate(ctx, s.c, schemaMySQL); err != nil {
		return nil, fmt.Errorf("sql: migrate mysql: %w", err)
	}
	return s, nil
}

// SQLite3 options for creating a file- or memory-backed storage.Storage —
// the dialect this module's own tests and local development run against.
type SQLite3 struct {
	File string
}

var _ storage.Opener = (*SQLite3)(nil)

func (s *SQLite3) Open(ctx context.Context) (storage.Storage, error) {
	file := s.File
	if file == "" {
		file = ":memory:"
	}
	db, err := otelsql.Open("sqlite3", file, otelsql.WithAttributes(
		semconv.DBSystemKey.String("sqlite"),
	))
	if err != nil {
		return nil, fmt.Errorf("sql: open sqlite3: %w", err)
	}
	// sqlite3 serializes writers internally; one open connection avoids
	// "database is locked" errors from concurrent writers.
	db.SetMaxOpenConns(1)

	storageImpl := newStorage(db, flavorSQLite3)
	if err := migrate(ctx, storageImpl.c, schemaSQLite3); err != nil {
		return nil, fmt.Errorf("sql: migrate sqlite3: %w", err)
	}
	return storageImpl, nil
}
