package domain

import (
	"encoding/json"
	"time"
)

// Evaluation is the audit record of one KB risk evaluation.
type Evaluation struct {
	ID          string    `json:"id"`
	EntityID    string    `json:"entityId,omitempty"`
	Source      string    `json:"source"` // "sync" or "async"
	Status      string    `json:"status"` // "ALRT" or "NALT"
	Score       float64   `json:"score"`
	Labels      []string  `json:"labels"`
	Explanation string    `json:"explanation"`
	KBVersion   string    `json:"kbVersion"`
	Timestamp   time.Time `json:"timestamp"`

	// Result is the full engine output as produced, kept verbatim for audit.
	Result json.RawMessage `json:"result"`

	Metadata EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID        string `json:"traceId"`
	EvalMs         int64  `json:"evalMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	EngineVersion  string `json:"engineVersion"`
}

// Decision status constants
const (
	StatusAlert   = "ALRT" // score reached the alert threshold
	StatusNoAlert = "NALT"
)

// Evaluation sources
const (
	SourceSync  = "sync"
	SourceAsync = "async"
)
