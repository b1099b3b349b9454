// Package config loads patientsim configuration from an optional YAML file
// with environment-variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all patientsim configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	ListenAddr  string `yaml:"listen_addr"`
	LogMode     string `yaml:"log_mode"`

	// NotifyChannel is the postgres channel visit-summary notifications go out
	// on.
	NotifyChannel string `yaml:"notify_channel"`

	LLM      LLMConfig      `yaml:"llm"`
	Engine   EngineConfig   `yaml:"engine"`
	Precheck PrecheckConfig `yaml:"precheck"`
}

// LLMConfig configures the OpenAI-backed collaborators.
type LLMConfig struct {
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	Model        string  `yaml:"model"`
	SummaryModel string  `yaml:"summary_model"`
	EmbedModel   string  `yaml:"embed_model"`
	TimeoutS     float64 `yaml:"timeout_s"`
	MaxRetries   int     `yaml:"max_retries"`
}

// EngineConfig bounds the turn controller.
type EngineConfig struct {
	MaxFacts       int  `yaml:"max_facts"`
	RecentMessages int  `yaml:"recent_messages"`
	RegenOnReject  bool `yaml:"regen_on_reject"`
	TopSummaries   int  `yaml:"top_summaries"`
}

// PrecheckConfig carries the intent-classification pattern families. They are
// configuration data so the router can be re-tuned without code changes.
type PrecheckConfig struct {
	TestPatterns     []string `yaml:"test_patterns"`
	ExamPatterns     []string `yaml:"exam_patterns"`
	MedPatterns      []string `yaml:"med_patterns"`
	FollowupPatterns []string `yaml:"followup_patterns"`
}

// Default returns the built-in configuration, matching the pattern families
// the router ships with.
func Default() *Config {
	return &Config{
		DatabaseURL:   "postgres://localhost:5432/patientsim?sslmode=disable",
		ListenAddr:    ":8080",
		LogMode:       "dev",
		NotifyChannel: "visit_summaries",
		LLM: LLMConfig{
			Model:      "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
			TimeoutS:   20,
			MaxRetries: 2,
		},
		Engine: EngineConfig{
			MaxFacts:       25,
			RecentMessages: 20,
			RegenOnReject:  true,
			TopSummaries:   3,
		},
		Precheck: PrecheckConfig{
			TestPatterns: []string{
				`\btest(s)?\b`,
				`\blab(s)?\b`,
				`\bblood\s*work\b`,
				`\bx[- ]?ray\b`,
				`\bmri\b`,
				`\bct\b`,
				`\bultrasound\b`,
				`\bculture\b`,
				`\bpanel\b`,
				`\bswab\b`,
				`\brapid\b`,
			},
			ExamPatterns: []string{
				`\bexam\b`,
				`\bphysical\b`,
				`\bexamine\b`,
			},
			MedPatterns: []string{
				`\bmed(s)?\b`,
				`\bmedication(s)?\b`,
				`\bprescrib(e|ing|ed)?\b`,
				`\brx\b`,
			},
			FollowupPatterns: []string{
				`\bfollow[- ]?up\b`,
				`\bcome back\b`,
				`\breturn\b`,
				`\bsee you\b`,
				`\bcheck in\b`,
			},
		},
	}
}

// Load reads the YAML file at path (skipped when empty or missing) and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogMode = getEnv("LOG_MODE", cfg.LogMode)
	cfg.NotifyChannel = getEnv("POSTGRES_NOTIFY_CHANNEL", cfg.NotifyChannel)
	cfg.LLM.APIKey = getEnv("OPENAI_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.BaseURL = getEnv("OPENAI_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.Model = getEnv("OPENAI_MODEL", cfg.LLM.Model)
	cfg.LLM.SummaryModel = getEnv("OPENAI_SUMMARY_MODEL", cfg.LLM.SummaryModel)
	cfg.LLM.EmbedModel = getEnv("OPENAI_EMBED_MODEL", cfg.LLM.EmbedModel)
	cfg.Engine.MaxFacts = getEnvInt("CONTEXT_MAX_FACTS", cfg.Engine.MaxFacts)
	cfg.Engine.RecentMessages = getEnvInt("CONTEXT_LAST_K_MSGS", cfg.Engine.RecentMessages)

	if cfg.LLM.SummaryModel == "" {
		cfg.LLM.SummaryModel = cfg.LLM.Model
	}
	if cfg.Engine.MaxFacts <= 0 {
		return nil, fmt.Errorf("engine.max_facts must be positive, got %d", cfg.Engine.MaxFacts)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
