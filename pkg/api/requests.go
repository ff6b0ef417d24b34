package api

import "encoding/json"

// hireRequest creates a hiring. Config may be absent; the lifecycle layer
// normalizes it to an empty document.
type hireRequest struct {
	UserID  int64           `json:"user_id" binding:"required"`
	AgentID int64           `json:"agent_id" binding:"required"`
	Config  json.RawMessage `json:"config"`
}

// configRequest replaces a hiring's stored config.
type configRequest struct {
	Config json.RawMessage `json:"config" binding:"required"`
}

// executeRequest dispatches one operation. Operation defaults to execute;
// an absent input runs the operation with an empty document.
type executeRequest struct {
	Operation string          `json:"operation"`
	Input     json.RawMessage `json:"input"`
}

// credentialRequest stores a provider API key for a user.
type credentialRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}
