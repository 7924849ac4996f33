package main

import (
	"testing"

	"github.com/ghodss/yaml"
	"github.com/stretchr/testify/require"

	"github.com/ssocore/ssocore/storage/sql"
)

func TestValidConfiguration(t *testing.T) {
	c := Config{
		Storage: Storage{
			Type:   "sqlite3",
			Config: &sql.SQLite3{File: "ssocore.db"},
		},
		Web: Web{HTTP: "127.0.0.1:5557"},
	}
	require.NoError(t, c.Validate())
}

func TestInvalidConfiguration(t *testing.T) {
	err := (Config{}).Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "web.http")
	require.Contains(t, err.Error(), "storage")
}

func TestUnmarshalStoragePicksDialect(t *testing.T) {
	raw := []byte(`
web:
  http: "127.0.0.1:5557"
storage:
  type: sqlite3
  config:
    file: ssocore.db
`)
	var c Config
	require.NoError(t, yaml.Unmarshal(raw, &c))
	require.Equal(t, "sqlite3", c.Storage.Type)
	sqlite, ok := c.Storage.Config.(*sql.SQLite3)
	require.True(t, ok)
	require.Equal(t, "ssocore.db", sqlite.File)
}

func TestUnmarshalStorageMemory(t *testing.T) {
	raw := []byte(`
web:
  http: "127.0.0.1:5557"
storage:
  type: memory
`)
	var c Config
	require.NoError(t, yaml.Unmarshal(raw, &c))
	require.Equal(t, "memory", c.Storage.Type)
	require.NotNil(t, c.Storage.Config)
}

func TestUnmarshalStorageUnknownType(t *testing.T) {
	raw := []byte(`
storage:
  type: dynamodb
`)
	var c Config
	require.Error(t, yaml.Unmarshal(raw, &c))
}

func TestExpiryDefaults(t *testing.T) {
	access, refresh, revoke := (Expiry{}).ttls()
	require.Positive(t, access)
	require.Positive(t, refresh)
	require.Positive(t, revoke)
	require.Less(t, access, refresh)
}
