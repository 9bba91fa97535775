// Package anthropic provides a model.CompletionService implementation backed
// by the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/hupe1980/planmesh/model"
)

// Options configure the Anthropic completion adapter (model id, temperature,
// max tokens, API key).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Service wraps the Anthropic Messages API behind the generic
// model.CompletionService interface.
type Service struct {
	client *anthropic.Client
	opts   Options
}

// New creates a new Anthropic completion service using the official client.
func New(optFns ...func(o *Options)) *Service {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.2,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Service{client: &client, opts: opts}
}

// NewFromClient creates a new Anthropic completion service from an existing
// client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Service {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.2,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Service{client: client, opts: opts}
}

// Complete implements model.CompletionService.
func (s *Service) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	temperature := s.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	params := anthropic.MessageNewParams{
		Model:       s.opts.Model,
		MaxTokens:   s.opts.MaxTokens,
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &model.ProviderError{Provider: "anthropic", Transient: isTransient(err), Err: err}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	return &model.Response{Text: text.String()}, nil
}

// Info implements model.CompletionService.
func (s *Service) Info() model.Info {
	return model.Info{Name: string(s.opts.Model), Provider: "anthropic"}
}

// isTransient classifies provider errors worth retrying.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"429", "500", "502", "503", "529", "overloaded", "timeout", "connection"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
