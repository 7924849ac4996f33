package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssocore/ssocore/oauth2provider"
	"github.com/ssocore/ssocore/storage"
	"github.com/ssocore/ssocore/storage/memory"
	"github.com/ssocore/ssocore/storage/sql"
)

// Config is the config format for ssocore serve: a dynamically typed
// Storage section plus Web/Logger/Expiry/OAuth2/Tracing sections.
type Config struct {
	Web     Web     `json:"web"`
	Storage Storage `json:"storage"`
	Logger  Logger  `json:"logger"`
	Expiry  Expiry  `json:"expiry"`
	OAuth2  OAuth2  `json:"oauth2"`
	Tracing Tracing `json:"tracing"`
}

// Tracing configures the in-process OTel TracerProvider (pkg/otel); spans
// are not exported off-process, so only the sampler is an operator-facing
// knob.
type Tracing struct {
	Sampler string `json:"sampler"`
}

// Web holds the HTTP listen address and CORS policy.
type Web struct {
	HTTP           string   `json:"http"`
	AllowedOrigins []string `json:"allowedOrigins"`
	AllowedHeaders []string `json:"allowedHeaders"`
}

// Logger holds the log level and output format.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Expiry holds the three token lifetimes a token pair is minted against,
// in seconds.
type Expiry struct {
	AccessTokenSeconds  int `json:"accessTokenSeconds"`
	RefreshTokenSeconds int `json:"refreshTokenSeconds"`
	RevokeTokenSeconds  int `json:"revokeTokenSeconds"`
}

func (e Expiry) ttls() (access, refresh, revoke time.Duration) {
	access, refresh, revoke = 15*time.Minute, 30*24*time.Hour, 24*time.Hour
	if e.AccessTokenSeconds > 0 {
		access = time.Duration(e.AccessTokenSeconds) * time.Second
	}
	if e.RefreshTokenSeconds > 0 {
		refresh = time.Duration(e.RefreshTokenSeconds) * time.Second
	}
	if e.RevokeTokenSeconds > 0 {
		revoke = time.Duration(e.RevokeTokenSeconds) * time.Second
	}
	return access, refresh, revoke
}

// OAuth2 carries the per-provider client configuration; a nil
// field disables that provider entirely rather than registering a broken
// adapter.
type OAuth2 struct {
	GitHub    *oauth2provider.GitHubConfig    `json:"github"`
	Microsoft *oauth2provider.MicrosoftConfig `json:"microsoft"`
	SSO       *oauth2provider.SSOConfig       `json:"sso"`
}

// Storage holds the backend selection; the Config field's concrete type is
// picked by Type during unmarshal.
type Storage struct {
	Type   string        `json:"type"`
	Config StorageConfig `json:"config"`
}

// StorageConfig is a configuration that can open a storage.Storage —
// storage.Opener under a local name so the var-assertion block below reads
// against it directly.
type StorageConfig interface {
	Open(ctx context.Context) (storage.Storage, error)
}

// memoryConfig adapts storage/memory's New(logger) constructor — which
// never fails and takes no DSN — to the same Opener shape every SQL dialect
// satisfies, so the "memory" entry in the storages map below is uniform
// with "sqlite3"/"postgres"/"mysql".
type memoryConfig struct{}

func (memoryConfig) Open(ctx context.Context) (storage.Storage, error) {
	return memory.New(logrus.StandardLogger()), nil
}

var (
	_ StorageConfig = memoryConfig{}
	_ StorageConfig = (*sql.SQLite3)(nil)
	_ StorageConfig = (*sql.Postgres)(nil)
	_ StorageConfig = (*sql.MySQL)(nil)
)

var storages = map[string]func() StorageConfig{
	"memory":   func() StorageConfig { return memoryConfig{} },
	"sqlite3":  func() StorageConfig { return new(sql.SQLite3) },
	"postgres": func() StorageConfig { return new(sql.Postgres) },
	"mysql":    func() StorageConfig { return new(sql.MySQL) },
}

// UnmarshalJSON picks the StorageConfig implementation for Type before
// decoding Config into it.
func (s *Storage) UnmarshalJSON(b []byte) error {
	var store struct {
		Type   string          `json:"type"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(b, &store); err != nil {
		return fmt.Errorf("parse storage: %v", err)
	}
	f, ok := storages[store.Type]
	if !ok {
		return fmt.Errorf("unknown storage type %q", store.Type)
	}
	cfg := f()
	if len(store.Config) != 0 {
		data := []byte(os.ExpandEnv(string(store.Config)))
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse storage config: %v", err)
		}
	}
	*s = Storage{Type: store.Type, Config: cfg}
	return nil
}

// Validate performs the fast checks that need no I/O, so a malformed config
// file fails immediately with every problem listed at once rather than one
// connection attempt at a time.
func (c Config) Validate() error {
	var bad []string
	if c.Web.HTTP == "" {
		bad = append(bad, "web.http: no address to listen on")
	}
	if c.Storage.Config == nil {
		bad = append(bad, "storage: no storage supplied in config file")
	}
	if len(bad) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(bad, "\n\t-\t"))
	}
	return nil
}
