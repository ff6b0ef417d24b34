package gateway

import (
	"context"

	"github.com/hirebay/hirebay/pkg/config"
)

// providerCall carries everything an adapter needs for one invocation. The
// api key arrives per call so BYOK and managed keys flow identically; the
// user id scopes tenant-partitioned stores such as vector namespaces.
type providerCall struct {
	userID int64
	apiKey string
	cfg    *config.ProviderConfig
	req    *Request
}

// providerOutput is what an adapter reports back: the payload plus the
// units the settlement step meters.
type providerOutput struct {
	content    string
	embeddings [][]float32
	matches    []Match
	upserted   int
	results    []SearchResult
	model      string

	inputUnits  int64
	outputUnits int64
	// unitsEstimated is set when the provider response carries no usage
	// accounting and the units fall back to the request-side estimate.
	unitsEstimated bool
}

// providerClient executes calls for one provider type. Adapters are
// stateless aside from connection reuse and must respect ctx deadlines.
type providerClient interface {
	invoke(ctx context.Context, call *providerCall) (*providerOutput, error)
}

func defaultClients() map[config.ProviderType]providerClient {
	return map[config.ProviderType]providerClient{
		config.ProviderTypeAnthropic: &anthropicClient{},
		config.ProviderTypeOpenAI:    &openaiClient{},
		config.ProviderTypeRedis:     newVectorClient(),
		config.ProviderTypeWebSearch: newWebSearchClient(),
	}
}
