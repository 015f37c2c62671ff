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

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, "godata.db", cfg.Cache.Filename)
	assert.Equal(t, "info", cfg.Logging.Level)

	// Built-in portal table kicks in when none are configured.
	require.NotEmpty(t, cfg.Portals)
	assert.Equal(t, "ontario", cfg.Portals[0].ID)
}

func TestLoadReadsYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9999
http:
  timeout: 5s
  rate_limit: 2.5
portals:
  - id: testportal
    type: ckan
    base_url: https://example.org
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 2.5, cfg.HTTP.RateLimit)
	require.Len(t, cfg.Portals, 1)
	assert.Equal(t, "testportal", cfg.Portals[0].ID)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "7777")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("GODATA_CACHE_DIR", "/tmp/godata-test")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/godata-test", cfg.Cache.Dir)
	assert.Equal(t, filepath.Join("/tmp/godata-test", "godata.db"), cfg.Cache.DatabasePath())
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "portal without base url",
			yaml: "portals:\n  - id: p1\n    type: ckan\n",
			want: "base_url",
		},
		{
			name: "unknown portal type",
			yaml: "portals:\n  - id: p1\n    type: socrata\n    base_url: https://example.org\n",
			want: "unknown type",
		},
		{
			name: "duplicate portal ids",
			yaml: "portals:\n  - id: p1\n    type: ckan\n    base_url: https://a.example.org\n  - id: p1\n    type: ckan\n    base_url: https://b.example.org\n",
			want: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
