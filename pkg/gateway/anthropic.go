package gateway

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hirebay/hirebay/pkg/fault"
)

// anthropicClient serves llm-completion through the Anthropic Messages API.
type anthropicClient struct{}

func (a *anthropicClient) invoke(ctx context.Context, call *providerCall) (*providerOutput, error) {
	spec := call.req.Spec
	model := spec.Model
	if model == "" {
		model = call.cfg.Model
	}

	opts := []option.RequestOption{option.WithAPIKey(call.apiKey)}
	if call.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(call.cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := int64(spec.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(spec.Prompt)),
		},
	}
	if spec.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: spec.System}}
	}
	if spec.Temperature > 0 {
		params.Temperature = anthropic.Float(spec.Temperature)
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderError, "anthropic completion failed")
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &providerOutput{
		content:     sb.String(),
		model:       string(msg.Model),
		inputUnits:  msg.Usage.InputTokens,
		outputUnits: msg.Usage.OutputTokens,
	}, nil
}
