package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/happy-coder/happy/pkg/types"
)

// DefaultServerURL is the relay endpoint used when nothing overrides it.
const DefaultServerURL = "https://api.happy.engineering"

// Config is the merged client configuration.
type Config struct {
	// ServerURL is the relay endpoint (HAPPY_SERVER_URL).
	ServerURL string `json:"serverURL,omitempty"`

	// Default model per flavor; env overrides take priority.
	ClaudeModel string `json:"claudeModel,omitempty"`
	CodexModel  string `json:"codexModel,omitempty"`
	GeminiModel string `json:"geminiModel,omitempty"`

	// PermissionMode is the default mode for new sessions.
	PermissionMode string `json:"permissionMode,omitempty"`

	// AutoApprovePlan resolves plan-mode permission requests locally.
	AutoApprovePlan bool `json:"autoApprovePlan,omitempty"`

	// PermissionTimeout bounds pending permission requests; expiry denies.
	PermissionTimeout time.Duration `json:"-"`
	// PermissionTimeoutSeconds is the serialized form of PermissionTimeout.
	PermissionTimeoutSeconds int `json:"permissionTimeoutSeconds,omitempty"`

	// LogLevel for the file logger (DEBUG|INFO|WARN|ERROR).
	LogLevel string `json:"logLevel,omitempty"`

	// MasterSecret is key material for test environments only
	// (HAPPY_MASTER_SECRET). Never persisted to settings.
	MasterSecret string `json:"-"`
}

// Load reads settings.json (JSONC allowed) and applies env overrides.
// A missing settings file is not an error.
func Load(paths *Paths) (*Config, error) {
	// Development convenience; ignored when absent.
	_ = godotenv.Load()

	cfg := &Config{
		ServerURL:         DefaultServerURL,
		PermissionMode:    "default",
		PermissionTimeout: 5 * time.Minute,
		LogLevel:          "INFO",
	}

	if data, err := os.ReadFile(paths.Settings); err == nil {
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, err
		}
	}
	if cfg.PermissionTimeoutSeconds > 0 {
		cfg.PermissionTimeout = time.Duration(cfg.PermissionTimeoutSeconds) * time.Second
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// ModelFor returns the configured default model for a flavor, or empty when
// the assistant's own default should apply.
func (c *Config) ModelFor(flavor types.Flavor) string {
	switch flavor {
	case types.FlavorClaude:
		return c.ClaudeModel
	case types.FlavorCodex:
		return c.CodexModel
	case types.FlavorGemini:
		return c.GeminiModel
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HAPPY_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("ANTHROPIC_MODEL"); v != "" {
		cfg.ClaudeModel = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.CodexModel = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		cfg.GeminiModel = v
	}
	if v := os.Getenv("HAPPY_MASTER_SECRET"); v != "" {
		cfg.MasterSecret = v
	}
	if v := os.Getenv("HAPPY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
