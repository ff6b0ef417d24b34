package gateway

import (
	"strings"

	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
)

const (
	// defaultMaxOutputTokens bounds both the cost estimate and the actual
	// provider call when the request does not set max_tokens.
	defaultMaxOutputTokens = 1024

	// defaultTopK is the KNN result count when the request does not set one.
	defaultTopK = 10

	// defaultMaxSearchResults caps a web search when the request does not
	// set max_results.
	defaultMaxSearchResults = 10
)

// estimateTokens over-approximates the token count of a string. Four
// characters per token is the usual planning figure; the ceiling plus one
// keeps short strings from rounding down to zero.
func estimateTokens(s string) int64 {
	if s == "" {
		return 0
	}
	return int64((len(s)+3)/4) + 1
}

// estimateUnits returns the upper-bound metered units for a request. The
// budget gate prices these before any provider is contacted, so the
// estimate must never undershoot what the call can actually consume.
func estimateUnits(req *Request) (inputUnits, outputUnits int64) {
	switch req.Family {
	case models.FamilyLLMCompletion:
		in := estimateTokens(req.Spec.Prompt) + estimateTokens(req.Spec.System)
		out := int64(req.Spec.MaxTokens)
		if out <= 0 {
			out = defaultMaxOutputTokens
		}
		return in, out
	case models.FamilyLLMEmbedding:
		var in int64
		for _, t := range req.Spec.Texts {
			in += estimateTokens(t)
		}
		return in, 0
	case models.FamilyVectorOp:
		if req.Operation == config.GatewayOpUpsert {
			return int64(len(req.Spec.Vectors)), 0
		}
		return 1, 0
	case models.FamilyWebSearch:
		return 1, 0
	}
	return 0, 0
}

// checkShape validates the request against the canonical operation set of
// its family and rejects payloads missing the fields that operation needs.
func checkShape(req *Request) error {
	switch req.Family {
	case models.FamilyLLMCompletion:
		if req.Operation != config.GatewayOpComplete {
			return fault.New(fault.CategoryValidation, fault.CodeUnknownOperation,
				"operation %q is not valid for %s", req.Operation, req.Family)
		}
		if req.Spec.Prompt == "" {
			return fault.Validation(fault.CodeSchemaViolation, "$.spec.prompt", "prompt is required")
		}
	case models.FamilyLLMEmbedding:
		if req.Operation != config.GatewayOpEmbed {
			return fault.New(fault.CategoryValidation, fault.CodeUnknownOperation,
				"operation %q is not valid for %s", req.Operation, req.Family)
		}
		if len(req.Spec.Texts) == 0 {
			return fault.Validation(fault.CodeSchemaViolation, "$.spec.texts", "at least one text is required")
		}
	case models.FamilyVectorOp:
		// Namespaces become key segments and scan patterns, so the
		// separator and glob metacharacters are reserved.
		if strings.ContainsAny(req.Spec.Namespace, `:*?[]\`) {
			return fault.Validation(fault.CodeSchemaViolation, "$.spec.namespace", "namespace contains reserved characters")
		}
		switch req.Operation {
		case config.GatewayOpUpsert:
			if len(req.Spec.Vectors) == 0 {
				return fault.Validation(fault.CodeSchemaViolation, "$.spec.vectors", "at least one vector is required")
			}
			for i, v := range req.Spec.Vectors {
				if v.ID == "" {
					return fault.Validation(fault.CodeSchemaViolation,
						"$.spec.vectors", "vector %d has no id", i)
				}
				if len(v.Values) == 0 {
					return fault.Validation(fault.CodeSchemaViolation,
						"$.spec.vectors", "vector %q has no values", v.ID)
				}
			}
		case config.GatewayOpQuery:
			if len(req.Spec.QueryVector) == 0 {
				return fault.Validation(fault.CodeSchemaViolation, "$.spec.query_vector", "query vector is required")
			}
		default:
			return fault.New(fault.CategoryValidation, fault.CodeUnknownOperation,
				"operation %q is not valid for %s", req.Operation, req.Family)
		}
	case models.FamilyWebSearch:
		if req.Operation != config.GatewayOpSearch {
			return fault.New(fault.CategoryValidation, fault.CodeUnknownOperation,
				"operation %q is not valid for %s", req.Operation, req.Family)
		}
		if req.Spec.Query == "" {
			return fault.Validation(fault.CodeSchemaViolation, "$.spec.query", "query is required")
		}
	}
	return nil
}
