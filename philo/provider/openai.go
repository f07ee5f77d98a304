// Package provider implements philo.ChatClient on top of the OpenAI chat completions API.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"go.uber.org/zap"

	"github.com/theimaginaryfoundation/philo/philo"
)

// AllowedModels lists the chat models the client may be configured with.
var AllowedModels = []string{
	openai.ChatModelGPT4_1106Preview,
	openai.ChatModelGPT4,
	openai.ChatModelGPT3_5Turbo,
	openai.ChatModelGPT4o,
	openai.ChatModelGPT4oMini,
}

// structuredModels can honor strict JSON schema response formats.
var structuredModels = []string{
	openai.ChatModelGPT4o,
	openai.ChatModelGPT4oMini,
}

var (
	// ErrUnknownModel is returned at construction for a model outside AllowedModels.
	ErrUnknownModel = errors.New("unknown chat model")

	// ErrStructuredUnsupported is returned when structured output is requested for a model that lacks it.
	ErrStructuredUnsupported = errors.New("model does not support structured output")
)

// Wait tables between transport retries, indexed by attempt.
var (
	RateLimitWaitTimes   = []time.Duration{65 * time.Second, 100 * time.Second, 135 * time.Second}
	ServerErrorWaitTimes = []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second}
)

// ChatCompleter is the slice of the OpenAI client the provider uses.
type ChatCompleter interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

type completionService struct {
	client *openai.Client
}

func (s completionService) New(ctx context.Context, body openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return s.client.Chat.Completions.New(ctx, body)
}

// OpenAIChatConfig configures an OpenAIChat.
type OpenAIChatConfig struct {
	Model        string
	SystemPrompt string
	MaxTokens    int64

	// Structured requests JSON schema output whenever a request carries an output format.
	Structured bool

	Logger *zap.Logger
}

// OpenAIChat sends prompts as single-turn chat completions.
type OpenAIChat struct {
	completions ChatCompleter
	cfg         OpenAIChatConfig
	logger      *zap.Logger
}

// NewOpenAIChat validates cfg and wraps client.
func NewOpenAIChat(client *openai.Client, cfg OpenAIChatConfig) (*OpenAIChat, error) {
	if client == nil {
		return nil, errors.New("NewOpenAIChat: client is nil")
	}
	return newOpenAIChat(completionService{client: client}, cfg)
}

// SupportsStructured reports whether model can honor strict JSON schema output.
func SupportsStructured(model string) bool {
	return slices.Contains(structuredModels, model)
}

func newOpenAIChat(completions ChatCompleter, cfg OpenAIChatConfig) (*OpenAIChat, error) {
	if !slices.Contains(AllowedModels, cfg.Model) {
		return nil, fmt.Errorf("%w: %q (allowed: %s)", ErrUnknownModel, cfg.Model, strings.Join(AllowedModels, ", "))
	}
	if cfg.Structured && !SupportsStructured(cfg.Model) {
		return nil, fmt.Errorf("%w: %q", ErrStructuredUnsupported, cfg.Model)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIChat{
		completions: completions,
		cfg:         cfg,
		logger:      logger.With(zap.String("model", cfg.Model)),
	}, nil
}

// Model returns the configured model name.
func (c *OpenAIChat) Model() string { return c.cfg.Model }

// Send implements philo.ChatClient.
func (c *OpenAIChat) Send(ctx context.Context, req philo.ChatRequest) (philo.ChatResponse, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if s := strings.TrimSpace(c.cfg.SystemPrompt); s != "" {
		msgs = append(msgs, openai.SystemMessage(s))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Seed:        openai.Int(req.Seed),
		Temperature: openai.Float(req.Temperature),
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.cfg.MaxTokens)
	}

	structured := c.cfg.Structured && req.Format != nil
	if structured {
		schema, err := ItemsSchema(req.Format.Row)
		if err != nil {
			return philo.ChatResponse{}, fmt.Errorf("Send: schema: %w", err)
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        req.Format.Name,
					Description: openai.String("A list of " + req.Format.Name + " rows"),
					Schema:      schema,
					Strict:      openai.Bool(true),
				},
			},
		}
	}

	start := time.Now()
	resp, err := CallWithRetry(ctx, c.completions, params, c.logger)
	if err != nil {
		return philo.ChatResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return philo.ChatResponse{}, errors.New("Send: response has no choices")
	}
	text := resp.Choices[0].Message.Content
	if structured {
		text, err = UnwrapItems(text)
		if err != nil {
			return philo.ChatResponse{}, fmt.Errorf("Send: %w", err)
		}
	}
	c.logger.Debug("chat completion",
		zap.Int64("seed", req.Seed),
		zap.Float64("temperature", req.Temperature),
		zap.Bool("structured", structured),
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)))

	model := resp.Model
	if model == "" {
		model = c.cfg.Model
	}
	return philo.ChatResponse{Text: text, Model: model}, nil
}

// CallWithRetry sends params, waiting and retrying on rate limits and server errors.
func CallWithRetry(ctx context.Context, completions ChatCompleter, params openai.ChatCompletionNewParams, logger *zap.Logger) (*openai.ChatCompletion, error) {
	const maxRetries = 3
	if logger == nil {
		logger = zap.NewNop()
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := completions.New(ctx, params)
		if err == nil {
			return resp, nil
		}
		var wait []time.Duration
		switch {
		case isRateLimitError(err):
			wait = RateLimitWaitTimes
		case isServerError(err):
			wait = ServerErrorWaitTimes
		default:
			return nil, err
		}
		if attempt >= maxRetries-1 || attempt >= len(wait) {
			return nil, err
		}
		logger.Warn("chat completion failed, waiting to retry",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait[attempt]),
			zap.Error(err))
		if err := sleep(ctx, wait[attempt]); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed after %d attempts due to OpenAI API issues", maxRetries)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "server_error")
}
