package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/aistudio-relay/internal/handlers"
	"github.com/MegaGrindStone/aistudio-relay/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(ctx context.Context, systemPrompt string, logger *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	services.Parameters `yaml:",inline"`
}

type config struct {
	Port          string        `yaml:"port"`
	SystemPrompt  string        `yaml:"systemPrompt"`
	AllowedOrigin string        `yaml:"allowedOrigin"`
	Relay         relayConfig   `yaml:"relay"`
	History       historyConfig `yaml:"history"`
	LLM           llmConfig     `yaml:"llm"`
}

// relayConfig selects the relay strategy. A Pacing of zero disables pacing between chunks.
type relayConfig struct {
	Strategy string        `yaml:"strategy"`
	Pacing   time.Duration `yaml:"pacing"`
}

// historyConfig selects the history store. An empty Path keeps history in memory.
type historyConfig struct {
	Path string `yaml:"path"`
}

type compatibleConfig struct {
	BaseLLMConfig `yaml:",inline"`
	BaseURL       string `yaml:"baseURL"`
	APIKey        string `yaml:"apiKey"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type lmStudioConfig struct {
	BaseLLMConfig `yaml:",inline"`
	BaseURL       string `yaml:"baseURL"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	BaseURL       string `yaml:"baseURL"`
	APIKey        string `yaml:"apiKey"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	BaseURL       string `yaml:"baseURL"`
	APIKey        string `yaml:"apiKey"`
}

type geminiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

const (
	defaultPort          = "3001"
	defaultAllowedOrigin = "http://localhost:5173"
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string `yaml:"port"`
		SystemPrompt  string `yaml:"systemPrompt"`
		AllowedOrigin string `yaml:"allowedOrigin"`
		Relay         struct {
			Strategy string         `yaml:"strategy"`
			Pacing   *time.Duration `yaml:"pacing"`
		} `yaml:"relay"`
		History historyConfig  `yaml:"history"`
		LLM     map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = defaultPort
	}
	c.SystemPrompt = rawConfig.SystemPrompt
	c.AllowedOrigin = rawConfig.AllowedOrigin
	if c.AllowedOrigin == "" {
		c.AllowedOrigin = defaultAllowedOrigin
	}
	c.Relay.Strategy = rawConfig.Relay.Strategy
	c.Relay.Pacing = handlers.DefaultPacing
	if rawConfig.Relay.Pacing != nil {
		if *rawConfig.Relay.Pacing < 0 {
			return fmt.Errorf("relay pacing must not be negative")
		}
		c.Relay.Pacing = *rawConfig.Relay.Pacing
	}
	c.History = rawConfig.History

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "compatible":
		llm = &compatibleConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "lmstudio":
		llm = &lmStudioConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "gemini":
		llm = &geminiConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (b BaseLLMConfig) validate() error {
	if b.Model == "" {
		return fmt.Errorf("model is required")
	}
	if b.Temperature < 0 {
		return fmt.Errorf("temperature must not be negative")
	}
	if b.MaxTokens < 0 {
		return fmt.Errorf("maxTokens must not be negative")
	}
	return nil
}

func orEnv(value, key string) string {
	if value != "" {
		return value
	}
	return os.Getenv(key)
}

func (c compatibleConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.BaseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	return services.NewCompatible(c.BaseURL, c.APIKey, c.Model, systemPrompt, c.Parameters, logger), nil
}

func (o openRouterConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	apiKey := orEnv(o.APIKey, "OPENROUTER_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter api key is required")
	}
	return services.NewOpenRouter(apiKey, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (l lmStudioConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	baseURL := l.BaseURL
	if baseURL == "" {
		baseURL = services.LMStudioEndpoint
	}
	return services.NewCompatible(baseURL, "", l.Model, systemPrompt, l.Parameters, logger), nil
}

func (o openAIConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	apiKey := orEnv(o.APIKey, "OPENAI_API_KEY")
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o ollamaConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	return services.NewOllama(orEnv(o.Host, "OLLAMA_HOST"), o.Model, systemPrompt, o.Parameters, logger)
}

func (a anthropicConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	apiKey := orEnv(a.APIKey, "ANTHROPIC_API_KEY")
	return services.NewAnthropic(a.BaseURL, apiKey, a.Model, systemPrompt, a.Parameters, logger), nil
}

func (g geminiConfig) llm(ctx context.Context, systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	return services.NewGemini(ctx, orEnv(g.APIKey, "GEMINI_API_KEY"), g.Model, systemPrompt, g.Parameters, logger)
}
