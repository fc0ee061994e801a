// Package config loads service settings from the environment and an optional
// YAML file through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jun/calvoice/internal/timenorm"
)

// Config is the fully resolved service configuration. Secret values are not
// stored here, only the parameter names they are resolved from.
type Config struct {
	DevMode bool

	UsersTable         string
	ConversationsTable string
	UserStore          string // "dynamodb" or "sqlite"
	SQLitePath         string
	KMSKeyID           string

	GoogleClientID          string
	GoogleClientSecretParam string
	GoogleRedirectURL       string
	GoogleScopes            []string
	CalendarID              string
	CalendarBackend         string // "google" or "memory"

	ConvoMaxTurns int
	ConvoTTL      time.Duration

	LLMEndpoint    string
	LLMAPIKeyParam string
	LLMModel       string
	STTEndpoint    string
	STTModel       string

	DefaultTimezone string

	ModelTimeout    time.Duration
	CalendarTimeout time.Duration
	StoreTimeout    time.Duration
	STTTimeout      time.Duration
	TokenTimeout    time.Duration

	LogLevel              string
	FrontendURL           string
	DevJWTSecretParam     string
	APIGatewaySecretParam string
	SweepSchedule         string
}

var defaults = map[string]any{
	"DEV_MODE":                   false,
	"USERS_TABLE":                "Users",
	"CONVERSATIONS_TABLE":        "Conversations",
	"USER_STORE":                 "dynamodb",
	"SQLITE_PATH":                "calvoice.db",
	"KMS_KEY_ID":                 "alias/calvoice-token-key",
	"GOOGLE_CLIENT_ID":           "",
	"GOOGLE_CLIENT_SECRET_PARAM": "/calvoice/google-client-secret",
	"GOOGLE_REDIRECT_URL":        "postmessage",
	"GOOGLE_SCOPES":              "https://www.googleapis.com/auth/calendar,openid,profile,email",
	"CALENDAR_ID":                "primary",
	"CALENDAR_BACKEND":           "google",
	"CONVO_MAX_TURNS":            40,
	"CONVO_TTL":                  "24h",
	"LLM_ENDPOINT":               "https://api.openai.com/v1",
	"LLM_API_KEY_PARAM":          "/calvoice/llm-api-key",
	"LLM_MODEL":                  "gpt-4o-mini",
	"STT_ENDPOINT":               "https://api.openai.com/v1",
	"STT_MODEL":                  "whisper-1",
	"DEFAULT_TIMEZONE":           "UTC",
	"MODEL_TIMEOUT":              "30s",
	"CALENDAR_TIMEOUT":           "20s",
	"STORE_TIMEOUT":              "10s",
	"STT_TIMEOUT":                "60s",
	"TOKEN_TIMEOUT":              "15s",
	"LOG_LEVEL":                  "info",
	"FRONTEND_URL":               "http://localhost:3000",
	"DEV_JWT_SECRET_PARAM":       "/calvoice/dev-jwt-secret",
	"API_GATEWAY_SECRET_PARAM":   "/calvoice/api-gateway-secret",
	"TOKEN_SWEEP_SCHEDULE":       "@every 5m",
}

// NewViper returns a viper instance with defaults applied and the environment
// bound. CLI flags may be bound on top by the caller.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional CONFIG_FILE and resolves every key.
func Load(v *viper.Viper) (*Config, error) {
	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", file, err)
		}
	}

	cfg := &Config{
		DevMode:                 v.GetBool("DEV_MODE"),
		UsersTable:              v.GetString("USERS_TABLE"),
		ConversationsTable:      v.GetString("CONVERSATIONS_TABLE"),
		UserStore:               strings.ToLower(v.GetString("USER_STORE")),
		SQLitePath:              v.GetString("SQLITE_PATH"),
		KMSKeyID:                v.GetString("KMS_KEY_ID"),
		GoogleClientID:          v.GetString("GOOGLE_CLIENT_ID"),
		GoogleClientSecretParam: v.GetString("GOOGLE_CLIENT_SECRET_PARAM"),
		GoogleRedirectURL:       v.GetString("GOOGLE_REDIRECT_URL"),
		GoogleScopes:            splitList(v.GetString("GOOGLE_SCOPES")),
		CalendarID:              v.GetString("CALENDAR_ID"),
		CalendarBackend:         strings.ToLower(v.GetString("CALENDAR_BACKEND")),
		ConvoMaxTurns:           v.GetInt("CONVO_MAX_TURNS"),
		ConvoTTL:                v.GetDuration("CONVO_TTL"),
		LLMEndpoint:             strings.TrimRight(v.GetString("LLM_ENDPOINT"), "/"),
		LLMAPIKeyParam:          v.GetString("LLM_API_KEY_PARAM"),
		LLMModel:                v.GetString("LLM_MODEL"),
		STTEndpoint:             strings.TrimRight(v.GetString("STT_ENDPOINT"), "/"),
		STTModel:                v.GetString("STT_MODEL"),
		DefaultTimezone:         v.GetString("DEFAULT_TIMEZONE"),
		ModelTimeout:            v.GetDuration("MODEL_TIMEOUT"),
		CalendarTimeout:         v.GetDuration("CALENDAR_TIMEOUT"),
		StoreTimeout:            v.GetDuration("STORE_TIMEOUT"),
		STTTimeout:              v.GetDuration("STT_TIMEOUT"),
		TokenTimeout:            v.GetDuration("TOKEN_TIMEOUT"),
		LogLevel:                v.GetString("LOG_LEVEL"),
		FrontendURL:             v.GetString("FRONTEND_URL"),
		DevJWTSecretParam:       v.GetString("DEV_JWT_SECRET_PARAM"),
		APIGatewaySecretParam:   v.GetString("API_GATEWAY_SECRET_PARAM"),
		SweepSchedule:           v.GetString("TOKEN_SWEEP_SCHEDULE"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.UserStore != "dynamodb" && c.UserStore != "sqlite" {
		return fmt.Errorf("USER_STORE must be dynamodb or sqlite, got %q", c.UserStore)
	}
	if c.CalendarBackend != "google" && c.CalendarBackend != "memory" {
		return fmt.Errorf("CALENDAR_BACKEND must be google or memory, got %q", c.CalendarBackend)
	}
	if c.CalendarBackend == "memory" && !c.DevMode {
		return fmt.Errorf("CALENDAR_BACKEND=memory requires DEV_MODE")
	}
	if c.ConvoMaxTurns <= 0 {
		return fmt.Errorf("CONVO_MAX_TURNS must be positive, got %d", c.ConvoMaxTurns)
	}
	if !timenorm.ValidZone(c.DefaultTimezone) {
		return fmt.Errorf("DEFAULT_TIMEZONE is not a known IANA zone: %q", c.DefaultTimezone)
	}
	if c.ConvoTTL <= 0 {
		return fmt.Errorf("CONVO_TTL must be positive")
	}
	for name, d := range map[string]time.Duration{
		"MODEL_TIMEOUT":    c.ModelTimeout,
		"CALENDAR_TIMEOUT": c.CalendarTimeout,
		"STORE_TIMEOUT":    c.StoreTimeout,
		"STT_TIMEOUT":      c.STTTimeout,
		"TOKEN_TIMEOUT":    c.TokenTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
