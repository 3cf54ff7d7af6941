package workflow

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com"
	defaultAnthropicMaxTokens = 1024
)

// AnthropicConfig configures an AnthropicUnit.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	Temperature  float64
	Prompt       string
	SystemPrompt string
	HTTPClient   *http.Client
}

// AnthropicUnit generates one piece of content per Messages API call.
type AnthropicUnit struct {
	client anthropic.Client
	cfg    AnthropicConfig
}

// NewAnthropicUnit validates cfg and builds the SDK client.
func NewAnthropicUnit(cfg AnthropicConfig) (*AnthropicUnit, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Model = strings.TrimSpace(cfg.Model)
	cfg.Prompt = strings.TrimSpace(cfg.Prompt)
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic model is required")
	}
	if cfg.Prompt == "" {
		return nil, errors.New("workflow prompt is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(cfg.APIKey),
		anthropicoption.WithBaseURL(resolvedAnthropicBaseURL(cfg.BaseURL)),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, anthropicoption.WithHTTPClient(cfg.HTTPClient))
	}
	return &AnthropicUnit{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

func resolvedAnthropicBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		base = defaultAnthropicBaseURL
	}
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/v1")
	return strings.TrimRight(base, "/") + "/"
}

func (u *AnthropicUnit) Generate(ctx context.Context) (Output, error) {
	params := anthropic.MessageNewParams{
		MaxTokens: int64(u.cfg.MaxTokens),
		Model:     anthropic.Model(u.cfg.Model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(u.cfg.Prompt)),
		},
	}
	if s := strings.TrimSpace(u.cfg.SystemPrompt); s != "" {
		params.System = []anthropic.TextBlockParam{{Text: s}}
	}
	if u.cfg.Temperature != 0 {
		params.Temperature = anthropic.Float(u.cfg.Temperature)
	}
	msg, err := u.client.Messages.New(ctx, params)
	if err != nil {
		return Output{}, err
	}
	var content strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if content.Len() > 0 {
				content.WriteString("\n")
			}
			content.WriteString(variant.Text)
		}
	}
	return Output{
		Content:   strings.TrimSpace(content.String()),
		Source:    "anthropic:" + u.cfg.Model,
		CreatedAt: time.Now(),
	}, nil
}
