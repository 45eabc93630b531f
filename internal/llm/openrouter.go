package llm

import (
	"context"
	"errors"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/stonebridge-group/diligence-cli/internal/resilience"
	"github.com/stonebridge-group/diligence-cli/pkg/openrouter"
)

// OpenRouterProvider adapts pkg/openrouter to the Provider interface.
type OpenRouterProvider struct {
	name   string
	client openrouter.Client
}

// NewOpenRouterProvider wraps an OpenAI-compatible client as a routable provider.
func NewOpenRouterProvider(name string, client openrouter.Client) *OpenRouterProvider {
	return &OpenRouterProvider{name: name, client: client}
}

func (p *OpenRouterProvider) Name() string {
	return p.name
}

func (p *OpenRouterProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	ccReq := openrouter.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		ccReq.Messages = append(ccReq.Messages, openrouter.Message{Role: "system", Content: req.System})
	}
	ccReq.Messages = append(ccReq.Messages, openrouter.Message{Role: "user", Content: req.Prompt})
	if req.MaxTokens > 0 {
		mt := int(req.MaxTokens)
		ccReq.MaxTokens = &mt
	}
	if req.ResponseFormat != "" {
		ccReq.ResponseFormat = &openrouter.ResponseFormat{Type: req.ResponseFormat}
	}

	resp, err := p.client.ChatCompletion(ctx, ccReq)
	if err != nil {
		return nil, classifyOpenRouterError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, eris.Errorf("openrouter provider %s: empty choices", p.name)
	}

	choice := resp.Choices[0]
	return &Response{
		Text:       choice.Message.Content,
		Model:      resp.Model,
		Provider:   p.name,
		StopReason: choice.FinishReason,
		Usage: Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}, nil
}

func classifyOpenRouterError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openrouter.APIError
	if errors.As(err, &apiErr) {
		if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return resilience.NewTransientError(apiErr, apiErr.StatusCode)
		}
		if apiErr.StatusCode == http.StatusBadRequest ||
			apiErr.StatusCode == http.StatusNotFound ||
			apiErr.StatusCode == http.StatusUnprocessableEntity {
			return resilience.NewBadRequestError(apiErr)
		}
		return eris.Wrap(apiErr, "openrouter provider")
	}
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(err, 0)
	}
	return eris.Wrap(err, "openrouter provider")
}
