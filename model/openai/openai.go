// Package openai provides a model.CompletionService implementation backed by
// the OpenAI Chat Completions API. The adapter is deliberately minimal: the
// engine issues one prompt per classification or planning decision and reads
// back a single completed message.
package openai

import (
	"context"
	"strings"

	"github.com/hupe1980/planmesh/model"
	"github.com/openai/openai-go"
)

// Options configure the OpenAI completion adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Service wraps the OpenAI Chat Completions API behind the generic
// model.CompletionService interface.
type Service struct {
	client *openai.Client
	opts   Options
}

// New creates a new OpenAI completion service using the official client,
// reading credentials from the environment.
func New(optFns ...func(o *Options)) *Service {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a new OpenAI completion service from an existing
// client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Service {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.2,
		MaxCompletionTokens: 4096,
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

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               s.opts.Model,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(s.opts.MaxCompletionTokens),
	}

	completion, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, &model.ProviderError{Provider: "openai", Transient: isTransient(err), Err: err}
	}
	if len(completion.Choices) == 0 {
		return nil, &model.ProviderError{Provider: "openai", Err: errNoChoices}
	}

	return &model.Response{Text: completion.Choices[0].Message.Content}, nil
}

// Info implements model.CompletionService.
func (s *Service) Info() model.Info {
	return model.Info{Name: s.opts.Model, Provider: "openai"}
}

var errNoChoices = &emptyCompletionError{}

type emptyCompletionError struct{}

func (*emptyCompletionError) Error() string { return "completion returned no choices" }

// isTransient classifies provider errors worth retrying. The SDK surfaces
// HTTP status in the error string for API errors; context cancellation is
// never transient.
func isTransient(err error) bool {
	if err == nil || ctxDone(err) {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"429", "500", "502", "503", "504", "timeout", "connection"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func ctxDone(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}
