package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ResourceFamily classifies metered external resources.
type ResourceFamily string

const (
	FamilyLLMCompletion ResourceFamily = "llm-completion"
	FamilyLLMEmbedding  ResourceFamily = "llm-embedding"
	FamilyVectorOp      ResourceFamily = "vector-op"
	FamilyWebSearch     ResourceFamily = "web-search"
)

// Valid reports whether f is a known resource family.
func (f ResourceFamily) Valid() bool {
	switch f {
	case FamilyLLMCompletion, FamilyLLMEmbedding, FamilyVectorOp, FamilyWebSearch:
		return true
	}
	return false
}

// MetaMap is a small string map stored as JSON. Values are digests and
// labels, never raw request or response bodies and never secrets.
type MetaMap map[string]string

func (m MetaMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *MetaMap) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case nil:
		*m = nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into MetaMap", src)
	}
}

// UsageRow is one append-only billing record for a gateway call. Rows are
// written in the same transaction that advances the user's window spend and
// are never updated or deleted.
type UsageRow struct {
	ID        int64     `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	Version   int64     `db:"version" json:"version"`

	ExecutionID int64          `db:"execution_id" json:"execution_id"`
	Family      ResourceFamily `db:"family" json:"family"`
	Provider    string         `db:"provider" json:"provider"`
	Model       string         `db:"model" json:"model,omitempty"`
	Operation   string         `db:"operation" json:"operation"`

	// InputUnits and OutputUnits are family-specific: tokens in/out for
	// completions, tokens in / vectors out for embeddings, vectors touched
	// for vector ops, queries for web search.
	InputUnits  int64 `db:"input_units" json:"input_units"`
	OutputUnits int64 `db:"output_units" json:"output_units"`

	Cost     decimal.Decimal `db:"cost" json:"cost"`
	Metadata MetaMap         `db:"metadata" json:"metadata,omitempty"`
}
