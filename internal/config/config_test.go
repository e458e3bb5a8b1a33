package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/beetle/internal/uniqueness"
)

const fullConfig = `
database: target.db
external_source: crm
target_schema: warehouse
transformations: ./transformations
policy: step
max_parallel: 4
prepare_stage: false
unique_fields:
  clients: [name, country_code]
attach:
  source: ./source.db
  warehouse: /data/warehouse.db
`

func TestLoad_ResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beetle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "target.db"), cfg.Database)
	assert.Equal(t, filepath.Join(dir, "transformations"), cfg.Transformations)
	assert.Equal(t, filepath.Join(dir, "source.db"), cfg.Attach["source"])
	assert.Equal(t, "/data/warehouse.db", cfg.Attach["warehouse"])
	assert.Equal(t, "crm", cfg.ExternalSource)
	assert.Equal(t, "warehouse", cfg.TargetSchema)
	assert.Equal(t, "step", cfg.Policy)
	assert.Equal(t, 4, cfg.MaxParallel)
	assert.False(t, cfg.StagePrepared())
	assert.Equal(t, []string{"source", "warehouse"}, cfg.AttachNames())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
database: target.db
external_source: crm
transformations: defs
`), "")
	require.NoError(t, err)

	assert.Equal(t, "target.db", cfg.Database)
	assert.True(t, cfg.StagePrepared())
	assert.Empty(t, cfg.Policy)
	assert.Nil(t, cfg.Uniqueness(nil))
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", ``, "empty"},
		{"unknown field", "database: a\nexternal_source: b\ntransformations: c\npolcy: run\n", "polcy"},
		{"missing database", "external_source: b\ntransformations: c\n", "database is required"},
		{"missing source", "database: a\ntransformations: c\n", "external_source is required"},
		{"missing transformations", "database: a\nexternal_source: b\n", "transformations is required"},
		{"bad policy", "database: a\nexternal_source: b\ntransformations: c\npolicy: sometimes\n", "sometimes"},
		{"negative parallelism", "database: a\nexternal_source: b\ntransformations: c\nmax_parallel: -2\n", "max_parallel"},
		{"reserved attach", "database: a\nexternal_source: b\ntransformations: c\nattach:\n  main: x.db\n", "reserved"},
		{"empty attach path", "database: a\nexternal_source: b\ntransformations: c\nattach:\n  src: \"\"\n", "attach.src"},
		{"empty unique fields", "database: a\nexternal_source: b\ntransformations: c\nunique_fields:\n  clients: []\n", "unique_fields.clients"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestUniqueness_ConfigOverridesDefinitions(t *testing.T) {
	cfg := &Config{UniqueFields: map[string][]string{"clients": {"email"}}}
	base := uniqueness.Policy{
		"clients":       {"name", "country_code"},
		"organisations": {"name"},
	}

	got := cfg.Uniqueness(base)

	assert.Equal(t, uniqueness.Policy{
		"clients":       {"email"},
		"organisations": {"name"},
	}, got)
	assert.Equal(t, []string{"name", "country_code"}, base["clients"], "base must not be modified")
}
