package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoreDynamoDB = "dynamodb"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	TemplatesFromStore = "store"
	TemplatesFromSSM   = "ssm"
	TemplatesFromFile  = "file"
)

type Config struct {
	Environment string
	LogLevel    slog.Level

	StoreDriver string
	StateTable  string
	DatabaseURL string
	SQLitePath  string

	TemplateSource string
	ParamPrefix    string
	TemplateFile   string
	BasePromptName string

	LLMAPIURL  string
	LLMAPIKey  string
	LLMTimeout time.Duration

	MaxPromptLength    int
	MaxResponseLength  int
	MaxSessionIDLength int

	HTTPAddr    string
	CORSOrigins []string
}

// Load reads configuration from the environment, after loading envFile (or
// ".env" when envFile is empty) if it exists.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: stat %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	v.SetDefault("environment", "dev")
	v.SetDefault("log_level", "")
	v.SetDefault("store_driver", StoreDynamoDB)
	v.SetDefault("state_table", "")
	v.SetDefault("database_url", "")
	v.SetDefault("sqlite_path", "data/tutor.db")
	v.SetDefault("template_source", TemplatesFromStore)
	v.SetDefault("param_prefix", "/homework-tutor")
	v.SetDefault("template_file", "")
	v.SetDefault("base_prompt_name", "StudentBasePrompt")
	v.SetDefault("llm_api_url", "")
	v.SetDefault("llm_api_key", "")
	v.SetDefault("llm_timeout", 60*time.Second)
	v.SetDefault("max_prompt_length", 2000)
	v.SetDefault("max_response_length", 4000)
	v.SetDefault("max_session_id_length", 100)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("cors_origins", "http://localhost:3000")
	v.AutomaticEnv()

	env := strings.ToLower(strings.TrimSpace(v.GetString("environment")))
	cfg := &Config{
		Environment:        env,
		LogLevel:           parseLevel(v.GetString("log_level"), env),
		StoreDriver:        strings.ToLower(strings.TrimSpace(v.GetString("store_driver"))),
		StateTable:         strings.TrimSpace(v.GetString("state_table")),
		DatabaseURL:        strings.TrimSpace(v.GetString("database_url")),
		SQLitePath:         strings.TrimSpace(v.GetString("sqlite_path")),
		TemplateSource:     strings.ToLower(strings.TrimSpace(v.GetString("template_source"))),
		ParamPrefix:        strings.TrimSpace(v.GetString("param_prefix")),
		TemplateFile:       strings.TrimSpace(v.GetString("template_file")),
		BasePromptName:     strings.TrimSpace(v.GetString("base_prompt_name")),
		LLMAPIURL:          strings.TrimSpace(v.GetString("llm_api_url")),
		LLMAPIKey:          strings.TrimSpace(v.GetString("llm_api_key")),
		LLMTimeout:         v.GetDuration("llm_timeout"),
		MaxPromptLength:    v.GetInt("max_prompt_length"),
		MaxResponseLength:  v.GetInt("max_response_length"),
		MaxSessionIDLength: v.GetInt("max_session_id_length"),
		HTTPAddr:           strings.TrimSpace(v.GetString("http_addr")),
		CORSOrigins:        splitList(v.GetString("cors_origins")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.StoreDriver, validation.Required, validation.In(StoreDynamoDB, StorePostgres, StoreSQLite)),
		validation.Field(&c.StateTable, validation.When(c.StoreDriver == StoreDynamoDB, validation.Required)),
		validation.Field(&c.DatabaseURL, validation.When(c.StoreDriver == StorePostgres, validation.Required)),
		validation.Field(&c.SQLitePath, validation.When(c.StoreDriver == StoreSQLite, validation.Required)),
		validation.Field(&c.TemplateSource, validation.Required, validation.In(TemplatesFromStore, TemplatesFromSSM, TemplatesFromFile)),
		validation.Field(&c.ParamPrefix, validation.When(c.TemplateSource == TemplatesFromSSM, validation.Required)),
		validation.Field(&c.TemplateFile, validation.When(c.TemplateSource == TemplatesFromFile, validation.Required)),
		validation.Field(&c.MaxPromptLength, validation.Min(1)),
		validation.Field(&c.MaxResponseLength, validation.Min(1)),
		validation.Field(&c.MaxSessionIDLength, validation.Min(1)),
	)
}

// parseLevel defaults to debug in dev and info elsewhere.
func parseLevel(s, env string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if env == "dev" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
