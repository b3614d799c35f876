// Package llm provides the completion services behind person_job nodes.
package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dipeo/dipeo/common/logger"
	"github.com/dipeo/dipeo/common/models"
	"github.com/dipeo/dipeo/common/services"
)

// OpenAIOpts configures the OpenAI-compatible completion service.
type OpenAIOpts struct {
	APIKey       string
	BaseURL      string // empty means the public API
	DefaultModel string
	Logger       *logger.Logger
}

// OpenAI implements services.LLMService over the chat completions API.
// Any OpenAI-compatible endpoint works via BaseURL.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	log          *logger.Logger
}

// NewOpenAI creates the service.
func NewOpenAI(opts OpenAIOpts) *OpenAI {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = openai.GPT4oMini
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: opts.DefaultModel,
		log:          opts.Logger,
	}
}

var _ services.LLMService = (*OpenAI)(nil)

// Complete performs one chat completion and returns the text plus token
// usage.
func (o *OpenAI) Complete(ctx context.Context, req services.CompletionRequest) (services.CompletionResult, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return services.CompletionResult{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return services.CompletionResult{}, fmt.Errorf("chat completion returned no choices")
	}

	result := services.CompletionResult{
		Text: resp.Choices[0].Message.Content,
		Usage: models.LLMUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	o.log.Debug("completion finished", "model", model, "tokens", result.Usage.TotalTokens)
	return result, nil
}
