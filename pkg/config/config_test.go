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
	path := filepath.Join(t.TempDir(), "storesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
source:
  endpoint: https://source.example/admin/api/graphql
  access_token: src-token
target:
  endpoint: https://target.example/admin/api/graphql
  access_token: tgt-token
resources:
  - kind: products
    query: "{ products { edges { node { id handle } } } }"
    key_field: handle
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://source.example/admin/api/graphql", cfg.Source.Endpoint)
	assert.Equal(t, 5, cfg.Reliability.RetryAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Reliability.MinCallSpacing)
	assert.Equal(t, 1.5, cfg.Poll.GrowthFactor)
	assert.Equal(t, 2*time.Hour, cfg.Poll.Timeout)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	require.Len(t, cfg.Resources, 1)
	assert.Equal(t, "handle", cfg.Resources[0].KeyField)
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("SOURCE_TOKEN", "secret-from-env")

	path := writeConfig(t, `
source:
  endpoint: https://source.example/admin/api/graphql
  access_token: ${SOURCE_TOKEN}
target:
  endpoint: https://target.example/admin/api/graphql
  access_token: tgt-token
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.Source.AccessToken)
}

func TestLoadOverridesReliability(t *testing.T) {
	path := writeConfig(t, `
source:
  endpoint: https://source.example/graphql
target:
  endpoint: https://target.example/graphql
reliability:
  retry_attempts: 8
  max_in_flight: 2
  min_call_spacing: 250ms
poll:
  timeout: 15m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Reliability.RetryAttempts)
	assert.Equal(t, 2, cfg.Reliability.MaxInFlight)
	assert.Equal(t, 250*time.Millisecond, cfg.Reliability.MinCallSpacing)
	assert.Equal(t, 15*time.Minute, cfg.Poll.Timeout)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := New()
		cfg.Source.Endpoint = "https://source.example/graphql"
		cfg.Target.Endpoint = "https://target.example/graphql"
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("missing source", func(t *testing.T) {
		cfg := base()
		cfg.Source.Endpoint = ""
		assert.ErrorContains(t, cfg.Validate(), "source endpoint")
	})

	t.Run("missing target", func(t *testing.T) {
		cfg := base()
		cfg.Target.Endpoint = ""
		assert.ErrorContains(t, cfg.Validate(), "target endpoint")
	})

	t.Run("bad growth factor", func(t *testing.T) {
		cfg := base()
		cfg.Poll.GrowthFactor = 0.5
		assert.ErrorContains(t, cfg.Validate(), "growth_factor")
	})

	t.Run("duplicate resource kind", func(t *testing.T) {
		cfg := base()
		cfg.Resources = []ResourceConfig{
			{Kind: "products"},
			{Kind: "products"},
		}
		assert.ErrorContains(t, cfg.Validate(), "declared twice")
	})

	t.Run("unnamed resource", func(t *testing.T) {
		cfg := base()
		cfg.Resources = []ResourceConfig{{Query: "{}"}}
		assert.ErrorContains(t, cfg.Validate(), "kind is required")
	})
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := New()
	cfg.Source.Endpoint = "https://source.example/graphql"
	cfg.Target.Endpoint = "https://target.example/graphql"
	cfg.Resources = []ResourceConfig{{Kind: "products", KeyField: "handle"}}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Source.Endpoint, loaded.Source.Endpoint)
	assert.Equal(t, cfg.Resources, loaded.Resources)
}
