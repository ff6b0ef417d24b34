package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hirebay/hirebay/pkg/fault"
)

// websearchClient serves web-search through a SerpAPI-compatible HTTP API.
type websearchClient struct {
	http *http.Client
}

func newWebSearchClient() *websearchClient {
	// Deadlines come from the per-call context.
	return &websearchClient{http: &http.Client{}}
}

func (w *websearchClient) invoke(ctx context.Context, call *providerCall) (*providerOutput, error) {
	if call.cfg.BaseURL == "" {
		return nil, fault.New(fault.CategoryUpstream, fault.CodeProviderError, "websearch provider has no base_url")
	}
	u, err := url.Parse(call.cfg.BaseURL)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderError, "websearch base_url is invalid")
	}

	max := call.req.Spec.MaxResults
	if max <= 0 {
		max = defaultMaxSearchResults
	}
	q := u.Query()
	q.Set("q", call.req.Spec.Query)
	q.Set("num", strconv.Itoa(max))
	if call.apiKey != "" {
		q.Set("api_key", call.apiKey)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderError, "websearch request build failed")
	}
	resp, err := w.http.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderError, "websearch request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fault.New(fault.CategoryUpstream, fault.CodeProviderError,
			"websearch returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fault.Wrap(err, fault.CategoryUpstream, fault.CodeProviderError, "websearch response is not json")
	}

	results := make([]SearchResult, 0, len(payload.OrganicResults))
	for _, r := range payload.OrganicResults {
		if len(results) >= max {
			break
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return &providerOutput{results: results, inputUnits: 1}, nil
}
