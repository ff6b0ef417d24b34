package gateway

import (
	"context"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
)

// openaiClient serves llm-completion and llm-embedding through any
// OpenAI-compatible API.
type openaiClient struct{}

func (o *openaiClient) invoke(ctx context.Context, call *providerCall) (*providerOutput, error) {
	switch call.req.Family {
	case models.FamilyLLMCompletion:
		return o.complete(ctx, call)
	case models.FamilyLLMEmbedding:
		return o.embed(ctx, call)
	}
	return nil, fault.New(fault.CategoryUpstream, fault.CodeUnknownProvider,
		"openai adapter does not serve %s", call.req.Family)
}

func (o *openaiClient) complete(ctx context.Context, call *providerCall) (*providerOutput, error) {
	spec := call.req.Spec
	model := spec.Model
	if model == "" {
		model = call.cfg.Model
	}
	llm, err := newOpenAILLM(call.cfg, call.apiKey, openai.WithModel(model))
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderError, "openai client init failed")
	}

	var msgs []llms.MessageContent
	if spec.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, spec.System))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, spec.Prompt))

	maxTokens := spec.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	callOpts := []llms.CallOption{llms.WithMaxTokens(maxTokens)}
	if spec.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(spec.Temperature))
	}

	resp, err := llm.GenerateContent(ctx, msgs, callOpts...)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderError, "openai completion failed")
	}
	if len(resp.Choices) == 0 {
		return nil, fault.New(fault.CategoryUpstream, fault.CodeProviderError, "openai returned no choices")
	}

	choice := resp.Choices[0]
	out := &providerOutput{content: choice.Content, model: model}
	in, okIn := genInfoUnits(choice.GenerationInfo, "PromptTokens")
	outTok, okOut := genInfoUnits(choice.GenerationInfo, "CompletionTokens")
	if okIn && okOut {
		out.inputUnits, out.outputUnits = in, outTok
	} else {
		out.inputUnits = estimateTokens(spec.Prompt) + estimateTokens(spec.System)
		out.outputUnits = estimateTokens(choice.Content)
		out.unitsEstimated = true
	}
	return out, nil
}

func (o *openaiClient) embed(ctx context.Context, call *providerCall) (*providerOutput, error) {
	spec := call.req.Spec
	model := spec.Model
	if model == "" {
		model = call.cfg.Model
	}
	llm, err := newOpenAILLM(call.cfg, call.apiKey, openai.WithEmbeddingModel(model))
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderError, "openai client init failed")
	}

	vecs, err := llm.CreateEmbedding(ctx, spec.Texts)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderError, "openai embedding failed")
	}

	// The embeddings endpoint reports no usage through this client; meter
	// the same estimate the budget gate priced.
	var in int64
	for _, t := range spec.Texts {
		in += estimateTokens(t)
	}
	return &providerOutput{
		embeddings:     vecs,
		model:          model,
		inputUnits:     in,
		unitsEstimated: true,
	}, nil
}

func newOpenAILLM(cfg *config.ProviderConfig, apiKey string, extra ...openai.Option) (*openai.LLM, error) {
	opts := []openai.Option{openai.WithToken(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, extra...)
	return openai.New(opts...)
}

// genInfoUnits digs a token count out of langchaingo's loosely typed
// generation info.
func genInfoUnits(info map[string]any, key string) (int64, bool) {
	v, ok := info[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
