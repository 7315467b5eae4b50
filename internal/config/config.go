// Package config loads GarageDesk's configuration from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/genai"
	"github.com/BTreeMap/GarageDesk/internal/notify"
	"github.com/BTreeMap/GarageDesk/internal/scheduler"
	"github.com/BTreeMap/GarageDesk/internal/session"
	"github.com/BTreeMap/GarageDesk/internal/util"
	"github.com/joho/godotenv"
)

const (
	// DefaultStateDir is the default directory for GarageDesk state data.
	DefaultStateDir = "/var/lib/garagedesk"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "garagedesk.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename.
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAPIAddr is the default operator API listen address.
	DefaultAPIAddr = ":8080"
	// DefaultSystemPrompt instructs the LLM when SYSTEM_PROMPT is not set.
	DefaultSystemPrompt = "Você é o assistente virtual de uma oficina mecânica. Responda em português, " +
		"de forma curta e educada, sobre orçamentos, agendamentos e serviços. Não invente preços nem prazos; " +
		"quando não souber, sugira que o cliente digite \"atendente\" para falar com a equipe."
)

// Transports accepted in TRANSPORT.
const (
	TransportNone     = "none"
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
)

// Config holds the process configuration.
type Config struct {
	StateDir    string
	DatabaseURL string
	APIAddr     string
	LogLevel    string

	Transport           string
	WhatsAppDSN         string
	WhatsAppQROutput    string
	WhatsAppNumericCode bool

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioWebhookURL string

	OpenAIKey         string
	OpenAIModel       string
	OpenAITemperature float64
	OpenAIMaxTokens   int
	GenAIDebug        bool
	SystemPrompt      string

	RedisURL     string
	RedisChannel string

	SessionTTL      time.Duration
	ContextLimit    int
	SweepSchedule   string
	DefaultPriority int

	PruneSchedule  string
	DedupRetention time.Duration
}

// Load reads .env (if present) and the environment, applying defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config.Load: no .env file loaded", "error", err)
	}

	cfg := &Config{
		StateDir: util.StringEnv("GARAGEDESK_STATE_DIR", DefaultStateDir),
		APIAddr:  util.StringEnv("API_ADDR", DefaultAPIAddr),
		LogLevel: strings.ToLower(util.StringEnv("LOG_LEVEL", "info")),

		Transport:           strings.ToLower(util.StringEnv("TRANSPORT", TransportNone)),
		WhatsAppQROutput:    util.StringEnv("WHATSAPP_QR_OUTPUT", ""),
		WhatsAppNumericCode: util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),

		TwilioAccountSID: util.StringEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  util.StringEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: util.StringEnv("TWILIO_FROM_NUMBER", ""),
		TwilioWebhookURL: util.StringEnv("TWILIO_WEBHOOK_URL", ""),

		OpenAIKey:         util.StringEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       util.StringEnv("OPENAI_MODEL", genai.DefaultModel),
		OpenAITemperature: util.ParseFloatEnv("OPENAI_TEMPERATURE", genai.DefaultTemperature),
		OpenAIMaxTokens:   util.ParseIntEnv("OPENAI_MAX_TOKENS", genai.DefaultMaxTokens),
		GenAIDebug:        util.ParseBoolEnv("GENAI_DEBUG", false),
		SystemPrompt:      util.StringEnv("SYSTEM_PROMPT", DefaultSystemPrompt),

		RedisURL:     util.StringEnv("REDIS_URL", ""),
		RedisChannel: util.StringEnv("REDIS_CHANNEL", notify.DefaultChannel),

		SessionTTL:      util.ParseDurationEnv("SESSION_TTL", session.DefaultTTL),
		ContextLimit:    util.ParseIntEnv("CONTEXT_LIMIT", session.DefaultContextLimit),
		SweepSchedule:   util.StringEnv("SWEEP_SCHEDULE", scheduler.DefaultSweepSchedule),
		DefaultPriority: util.ParseIntEnv("DEFAULT_PRIORITY", 0),

		PruneSchedule:  util.StringEnv("DEDUP_PRUNE_SCHEDULE", scheduler.DefaultPruneSchedule),
		DedupRetention: util.ParseDurationEnv("DEDUP_RETENTION", scheduler.DefaultDedupRetention),
	}
	cfg.DatabaseURL = util.StringEnv("DATABASE_URL", "")
	cfg.WhatsAppDSN = util.StringEnv("WHATSAPP_DB_DSN", "")
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills the paths that derive from StateDir. Call it again after overriding StateDir.
func (c *Config) ApplyDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultDBFileName)
	}
	if c.WhatsAppDSN == "" {
		c.WhatsAppDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// Validate checks the settings the selected transport needs.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportNone, TransportWhatsApp:
	case TransportTwilio:
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFromNumber == "" {
			return errors.New("config: TRANSPORT=twilio requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER")
		}
	default:
		return fmt.Errorf("config: unknown TRANSPORT %q (want none, whatsapp or twilio)", c.Transport)
	}
	if c.ContextLimit <= 0 {
		return fmt.Errorf("config: CONTEXT_LIMIT must be positive, got %d", c.ContextLimit)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("config: SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.DedupRetention <= 0 {
		return fmt.Errorf("config: DEDUP_RETENTION must be positive, got %s", c.DedupRetention)
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AIEnabled reports whether an OpenAI key is configured.
func (c *Config) AIEnabled() bool {
	return c.OpenAIKey != ""
}
