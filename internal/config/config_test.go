// ABOUTME: Tests for configuration loading
// ABOUTME: Verifies env expansion, duration parsing, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connect.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const minimalConfig = `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/connect.db"
auth:
  jwt_secret: "secret"
gateway:
  base_url: "https://api.z-api.io"
`

func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/connect.db", cfg.Database.Path)
	assert.Equal(t, "secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "https://api.z-api.io", cfg.Gateway.BaseURL)

	// Defaults
	assert.Equal(t, 10*time.Second, cfg.Gateway.SendTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Gateway.DedupeTTL)
	assert.Equal(t, 2*time.Minute, cfg.Presence.StaleTimeout)
	assert.False(t, cfg.Routing.AutoAssign)
	assert.False(t, cfg.Routing.ReassignOnRelease)
}

func TestLoad_FullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  http_addr: "0.0.0.0:9000"
database:
  path: "/data/connect.db"
auth:
  jwt_secret: "secret"
gateway:
  base_url: "https://api.z-api.io"
  client_token: "tok"
  send_timeout: "3s"
  dedupe_ttl: "30m"
presence:
  stale_timeout: "90s"
routing:
  auto_assign: true
  reassign_on_release: true
logging:
  level: "debug"
  format: "json"
`))
	require.NoError(t, err)

	assert.Equal(t, "tok", cfg.Gateway.ClientToken)
	assert.Equal(t, 3*time.Second, cfg.Gateway.SendTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Gateway.DedupeTTL)
	assert.Equal(t, 90*time.Second, cfg.Presence.StaleTimeout)
	assert.True(t, cfg.Routing.AutoAssign)
	assert.True(t, cfg.Routing.ReassignOnRelease)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "from-env")
	t.Setenv("TEST_CLIENT_TOKEN", "gw-token")

	cfg, err := Load(writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/connect.db"
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
gateway:
  base_url: "https://api.z-api.io"
  client_token: "${TEST_CLIENT_TOKEN}"
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "gw-token", cfg.Gateway.ClientToken)
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{"no http_addr", `
database: {path: "/tmp/x.db"}
auth: {jwt_secret: "s"}
gateway: {base_url: "https://gw"}
`},
		{"no database path", `
server: {http_addr: "localhost:8080"}
auth: {jwt_secret: "s"}
gateway: {base_url: "https://gw"}
`},
		{"no jwt secret", `
server: {http_addr: "localhost:8080"}
database: {path: "/tmp/x.db"}
gateway: {base_url: "https://gw"}
`},
		{"no gateway base url", `
server: {http_addr: "localhost:8080"}
database: {path: "/tmp/x.db"}
auth: {jwt_secret: "s"}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.config))
			assert.Error(t, err)
		})
	}
}

func TestLoad_BadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
presence:
  stale_timeout: "soon"
`))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [not: a: map"))
	assert.Error(t, err)
}
