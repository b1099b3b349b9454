package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsComplete(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.DatabaseURL)
	assert.NotEmpty(t, cfg.ListenAddr)
	assert.NotEmpty(t, cfg.NotifyChannel)
	assert.Equal(t, 25, cfg.Engine.MaxFacts)
	assert.True(t, cfg.Engine.RegenOnReject)
	assert.NotEmpty(t, cfg.Precheck.TestPatterns)
	assert.NotEmpty(t, cfg.Precheck.ExamPatterns)
	assert.NotEmpty(t, cfg.Precheck.MedPatterns)
	assert.NotEmpty(t, cfg.Precheck.FollowupPatterns)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().ListenAddr, cfg.ListenAddr)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
listen_addr: ":9090"
log_mode: prod
llm:
  model: gpt-4o
  timeout_s: 45
engine:
  max_facts: 10
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "prod", cfg.LogMode)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 45.0, cfg.LLM.TimeoutS)
	assert.Equal(t, 10, cfg.Engine.MaxFacts)
	// Untouched keys keep their defaults.
	assert.Equal(t, Default().Engine.RecentMessages, cfg.Engine.RecentMessages)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env-host/db")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CONTEXT_MAX_FACTS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env-host/db", cfg.DatabaseURL)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 7, cfg.Engine.MaxFacts)
}

func TestLoadRejectsNonPositiveMaxFacts(t *testing.T) {
	t.Setenv("CONTEXT_MAX_FACTS", "-1")
	_, err := Load("")
	assert.Error(t, err)
}

func TestSummaryModelFallsBackToModel(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, cfg.LLM.Model, cfg.LLM.SummaryModel)
}
