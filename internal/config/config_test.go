package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finalarm/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAMLWithRules(t *testing.T) {
	path := writeFile(t, "finalarm.yaml", `
log_level: debug
timezone: UTC
engine:
  dispatch_timeout: 500ms
rules:
  - id: food
    name: Food budget
    kind: category_limit
    params:
      category: Groceries
      monthly_limit: "3500.00"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.DispatchTimeout)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, model.KindCategoryLimit, cfg.Rules[0].Kind)
	assert.True(t, cfg.Rules[0].Enabled)
	p := cfg.Rules[0].Params.(model.CategoryLimitParams)
	assert.Equal(t, "3500", p.MonthlyLimit.String())
}

func TestLoadAppliesDefaultRules(t *testing.T) {
	path := writeFile(t, "finalarm.json", `{"log_level":"warn"}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Rules, 6)
	assert.Equal(t, 64, cfg.Engine.SubscriberBuffer)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestLoadRejectsInvalidRule(t *testing.T) {
	path := writeFile(t, "bad.yaml", `
rules:
  - id: low
    kind: low_balance
    params:
      threshold: -5
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
}

func TestLoadRejectsDuplicateRuleIDs(t *testing.T) {
	path := writeFile(t, "dup.yaml", `
rules:
  - id: low
    kind: low_balance
    params: {threshold: 100}
  - id: low
    kind: low_balance
    params: {threshold: 200}
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "duplicate")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FINALARM_STORAGE_DSN", "file:override.db")
	t.Setenv("FINALARM_API_ADDR", ":9999")
	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, "file:override.db", cfg.Storage.DSN)
	assert.Equal(t, ":9999", cfg.API.Addr)
}

func TestManagerReloadPicksUpChanges(t *testing.T) {
	path := writeFile(t, "finalarm.yaml", "log_level: info\n")
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "info", m.Get().LogLevel)

	require.NoError(t, os.WriteFile(path, []byte("log_level: error\n"), 0o644))
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "error", m.Get().LogLevel)
}
