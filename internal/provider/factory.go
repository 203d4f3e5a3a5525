package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"negotiatechat/internal/config"
)

const defaultMaxTokens = 4096

// NewChatModel builds the eino chat model for a configured provider.
func NewChatModel(ctx context.Context, providerName string, provCfg config.ProviderConfig, modelName string, maxTokens int) (model.ToolCallingChatModel, error) {
	if modelName == "" {
		modelName = provCfg.Model
	}
	if modelName == "" {
		return nil, fmt.Errorf("provider %s: model name required", providerName)
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	switch providerName {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURL *string
		if provCfg.BaseURL != "" {
			baseURL = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURL,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", providerName)
	}
}

// BuildRegistry binds every configured model selector to an eino provider.
func BuildRegistry(ctx context.Context, cfg *config.Config, newProvider func(ctx context.Context, name string, mc config.ModelConfig) (Provider, error)) (*Registry, error) {
	reg := NewRegistry()
	for selector, mc := range cfg.Models {
		p, err := newProvider(ctx, selector, mc)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", selector, err)
		}
		name := mc.Name
		if name == "" {
			name = selector
		}
		reg.Bind(Binding{
			Selector:     selector,
			DisplayName:  name,
			ModelID:      mc.Model,
			Provider:     p,
			ToolSet:      mc.ToolSet,
			SystemPrompt: mc.SystemPrompt,

			Description:       mc.Description,
			ContextWindow:     mc.ContextWindow,
			InputCostPerMTok:  mc.InputCostPerMTok,
			OutputCostPerMTok: mc.OutputCostPerMTok,
		})
	}
	return reg, nil
}
