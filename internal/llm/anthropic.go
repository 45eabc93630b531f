package llm

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/stonebridge-group/diligence-cli/internal/resilience"
	"github.com/stonebridge-group/diligence-cli/pkg/anthropic"
)

// AnthropicProvider adapts pkg/anthropic to the Provider interface.
type AnthropicProvider struct {
	name   string
	client anthropic.Client
}

// NewAnthropicProvider wraps an Anthropic client as a routable provider.
func NewAnthropicProvider(name string, client anthropic.Client) *AnthropicProvider {
	return &AnthropicProvider{name: name, client: client}
}

func (p *AnthropicProvider) Name() string {
	return p.name
}

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	msgReq := anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}
	if req.System != "" {
		msgReq.System = anthropic.CachedSystemBlocks(req.System)
	}

	resp, err := p.client.CreateMessage(ctx, msgReq)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "" || b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}

	resp.Usage.LogCost(resp.Model, "facility_extraction")

	return &Response{
		Text:       sb.String(),
		Model:      resp.Model,
		Provider:   p.name,
		StopReason: resp.StopReason,
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

// classifyAnthropicError sorts SDK failures into the retry taxonomy. The SDK
// flattens HTTP status into the error text, so classification is pattern-based.
func classifyAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid_request") || strings.Contains(msg, "400"):
		return resilience.NewBadRequestError(err)
	case resilience.IsTransient(err):
		return resilience.NewTransientError(err, 0)
	default:
		return eris.Wrap(err, "anthropic provider")
	}
}
