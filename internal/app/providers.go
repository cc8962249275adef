package app

import (
	"log/slog"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/jeebuddy/tutor/internal/config"
	"github.com/jeebuddy/tutor/internal/dispatch"
	"github.com/jeebuddy/tutor/internal/llm"
)

// ProviderInfo summarizes which backends ended up wired, for startup logs.
type ProviderInfo struct {
	Primary   string
	Secondary string
	Vision    string
}

type candidateSet struct {
	primary   dispatch.Candidate
	secondary dispatch.Candidate
	vision    dispatch.Candidate
}

type backendSettings struct {
	apiKey    string
	apiKeyRef string
	baseURL   string
	model     string
	deepModel string
}

func settingsFor(cfg config.Config, name string) backendSettings {
	switch name {
	case llm.BackendOpenAI:
		return backendSettings{cfg.OpenAIAPIKey, "OPENAI_API_KEY", cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.OpenAIDeepModel}
	case llm.BackendDeepSeek:
		return backendSettings{cfg.DeepSeekAPIKey, "DEEPSEEK_API_KEY", cfg.DeepSeekBaseURL, cfg.DeepSeekModel, cfg.DeepSeekDeepModel}
	case llm.BackendGroq:
		return backendSettings{cfg.GroqAPIKey, "GROQ_API_KEY", cfg.GroqBaseURL, cfg.GroqModel, cfg.GroqDeepModel}
	default:
		return backendSettings{model: "mock", deepModel: "mock-deep"}
	}
}

func tierFor(cfg config.Config, s backendSettings) dispatch.Tier {
	return dispatch.Tier{
		Default: llm.ProviderConfig{
			Model:       s.model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			BaseURL:     s.baseURL,
			APIKeyRef:   s.apiKeyRef,
		},
		Deep: llm.ProviderConfig{
			Model:       s.deepModel,
			Temperature: cfg.DeepTemperature,
			MaxTokens:   cfg.DeepMaxTokens,
			BaseURL:     s.baseURL,
			APIKeyRef:   s.apiKeyRef,
		},
	}
}

// resolveProviders builds one provider per distinct backend. A primary that
// cannot be built is fatal; secondary and vision degrade to unconfigured.
func resolveProviders(cfg config.Config, logger *slog.Logger) (candidateSet, ProviderInfo, error) {
	built := map[string]llm.Provider{}
	build := func(name string) (llm.Provider, error) {
		if p, ok := built[name]; ok {
			return p, nil
		}
		s := settingsFor(cfg, name)
		p, err := llm.NewProvider(llm.BackendConfig{Name: name, APIKey: s.apiKey, BaseURL: s.baseURL})
		if err != nil {
			return nil, err
		}
		built[name] = p
		return p, nil
	}

	var set candidateSet
	var info ProviderInfo

	p, err := build(cfg.PrimaryProvider)
	if err != nil {
		return set, info, goerr.Wrap(err, "primary provider init failed", goerr.V("provider", cfg.PrimaryProvider))
	}
	set.primary = dispatch.Candidate{Provider: p, Tier: tierFor(cfg, settingsFor(cfg, cfg.PrimaryProvider))}
	info.Primary = cfg.PrimaryProvider

	optional := func(role, name string) (dispatch.Candidate, string) {
		if name == "" || name == config.ProviderNone {
			return dispatch.Candidate{}, config.ProviderNone
		}
		p, err := build(name)
		if err != nil {
			logger.Warn("provider disabled", "role", role, "provider", name, "err", err)
			return dispatch.Candidate{}, config.ProviderNone
		}
		return dispatch.Candidate{Provider: p, Tier: tierFor(cfg, settingsFor(cfg, name))}, name
	}

	set.secondary, info.Secondary = optional("secondary", cfg.SecondaryProvider)
	set.vision, info.Vision = optional("vision", cfg.VisionProvider)
	if set.vision.Provider != nil && strings.EqualFold(cfg.VisionProvider, llm.BackendOpenAI) {
		// Vision requests always use the vision-capable model.
		set.vision.Tier.Default.Model = cfg.OpenAIVisionModel
		set.vision.Tier.Deep.Model = cfg.OpenAIVisionModel
	}
	return set, info, nil
}
