package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/m-mizutani/goerr/v2"
)

// Config contains all runtime settings for the tutoring service.
type Config struct {
	BindAddr                 string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout          time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	SessionInactivityTimeout time.Duration `env:"APP_SESSION_INACTIVITY_TIMEOUT" envDefault:"30m"`
	MetricsNamespace         string        `env:"APP_METRICS_NAMESPACE" envDefault:"jeebuddy"`
	AllowAnyOrigin           bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`
	LogLevel                 string        `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL string `env:"DATABASE_URL"`

	HistoryMax               int           `env:"HISTORY_MAX" envDefault:"20"`
	HistoryEvictionScope     string        `env:"HISTORY_EVICTION_SCOPE" envDefault:"user"`
	HistoryWindow            int           `env:"HISTORY_WINDOW" envDefault:"10"`
	HistoryRedactPII         bool          `env:"HISTORY_REDACT_PII" envDefault:"false"`
	HistoryRetention         time.Duration `env:"HISTORY_RETENTION" envDefault:"0s"`
	HistoryRetentionSchedule string        `env:"HISTORY_RETENTION_SCHEDULE" envDefault:"@daily"`

	PrimaryProvider   string `env:"LLM_PRIMARY_PROVIDER" envDefault:"deepseek"`
	SecondaryProvider string `env:"LLM_SECONDARY_PROVIDER" envDefault:"openai"`
	VisionProvider    string `env:"LLM_VISION_PROVIDER" envDefault:"openai"`

	OpenAIAPIKey      string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIModel       string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIDeepModel   string `env:"OPENAI_DEEP_MODEL" envDefault:"gpt-4o"`
	OpenAIVisionModel string `env:"OPENAI_VISION_MODEL" envDefault:"gpt-4o"`

	DeepSeekAPIKey    string `env:"DEEPSEEK_API_KEY"`
	DeepSeekBaseURL   string `env:"DEEPSEEK_BASE_URL" envDefault:"https://api.deepseek.com/v1"`
	DeepSeekModel     string `env:"DEEPSEEK_MODEL" envDefault:"deepseek-chat"`
	DeepSeekDeepModel string `env:"DEEPSEEK_DEEP_MODEL" envDefault:"deepseek-reasoner"`

	GroqAPIKey    string `env:"GROQ_API_KEY"`
	GroqBaseURL   string `env:"GROQ_BASE_URL" envDefault:"https://api.groq.com/openai/v1"`
	GroqModel     string `env:"GROQ_MODEL" envDefault:"llama-3.1-8b-instant"`
	GroqDeepModel string `env:"GROQ_DEEP_MODEL" envDefault:"deepseek-r1-distill-llama-70b"`

	Temperature     float64       `env:"LLM_TEMPERATURE" envDefault:"0.7"`
	DeepTemperature float64       `env:"LLM_DEEP_TEMPERATURE" envDefault:"0.3"`
	MaxTokens       int           `env:"LLM_MAX_TOKENS" envDefault:"1000"`
	DeepMaxTokens   int           `env:"LLM_DEEP_MAX_TOKENS" envDefault:"4000"`
	CallTimeout     time.Duration `env:"LLM_CALL_TIMEOUT" envDefault:"30s"`
	RequestTimeout  time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"70s"`
}

// Load reads environment variables and applies safe defaults. Variables that
// are set but blank behave as if unset.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg, env.Options{Environment: environ()}); err != nil {
		return Config{}, goerr.Wrap(err, "parse environment")
	}
	cfg.HistoryEvictionScope = strings.ToLower(cfg.HistoryEvictionScope)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.PrimaryProvider = strings.ToLower(cfg.PrimaryProvider)
	cfg.SecondaryProvider = strings.ToLower(cfg.SecondaryProvider)
	cfg.VisionProvider = strings.ToLower(cfg.VisionProvider)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return goerr.New("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s", goerr.V("value", c.SessionInactivityTimeout))
	}
	if c.HistoryMax <= 0 {
		return goerr.New("HISTORY_MAX must be positive", goerr.V("value", c.HistoryMax))
	}
	if c.HistoryWindow <= 0 {
		return goerr.New("HISTORY_WINDOW must be positive", goerr.V("value", c.HistoryWindow))
	}
	switch c.HistoryEvictionScope {
	case "user", "session":
	default:
		return goerr.New("HISTORY_EVICTION_SCOPE must be user or session", goerr.V("value", c.HistoryEvictionScope))
	}
	if c.HistoryRetention < 0 {
		return goerr.New("HISTORY_RETENTION must be >= 0", goerr.V("value", c.HistoryRetention))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return goerr.New("LOG_LEVEL must be one of debug, info, warn, error", goerr.V("value", c.LogLevel))
	}
	if !knownProvider(c.PrimaryProvider) {
		return goerr.New("LLM_PRIMARY_PROVIDER must be one of openai, deepseek, groq, mock", goerr.V("value", c.PrimaryProvider))
	}
	for key, name := range map[string]string{
		"LLM_SECONDARY_PROVIDER": c.SecondaryProvider,
		"LLM_VISION_PROVIDER":    c.VisionProvider,
	} {
		if name != ProviderNone && !knownProvider(name) {
			return goerr.New(key+" must be one of openai, deepseek, groq, mock, none", goerr.V("value", name))
		}
	}
	if c.Temperature < 0 || c.Temperature > 2 || c.DeepTemperature < 0 || c.DeepTemperature > 2 {
		return goerr.New("LLM_TEMPERATURE and LLM_DEEP_TEMPERATURE must be within [0, 2]", goerr.V("temperature", c.Temperature), goerr.V("deep_temperature", c.DeepTemperature))
	}
	if c.MaxTokens <= 0 || c.DeepMaxTokens <= 0 {
		return goerr.New("LLM_MAX_TOKENS and LLM_DEEP_MAX_TOKENS must be positive", goerr.V("max_tokens", c.MaxTokens), goerr.V("deep_max_tokens", c.DeepMaxTokens))
	}
	if c.CallTimeout <= 0 {
		return goerr.New("LLM_CALL_TIMEOUT must be positive", goerr.V("value", c.CallTimeout))
	}
	if c.RequestTimeout < c.CallTimeout {
		return goerr.New("LLM_REQUEST_TIMEOUT must be >= LLM_CALL_TIMEOUT", goerr.V("request_timeout", c.RequestTimeout), goerr.V("call_timeout", c.CallTimeout))
	}
	return nil
}

// ProviderNone disables the secondary or vision provider.
const ProviderNone = "none"

func knownProvider(name string) bool {
	switch name {
	case "openai", "deepseek", "groq", "mock":
		return true
	default:
		return false
	}
}

// environ returns the process environment with blank values dropped so that
// envDefault applies to them.
func environ() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
