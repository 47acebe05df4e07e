package schema

import "encoding/json"

// Stream part types for the v5 UI-message protocol.
const (
	PartStart      = "start"
	PartTextStart  = "text-start"
	PartTextDelta  = "text-delta"
	PartTextEnd    = "text-end"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
	PartData       = "data"
	PartError      = "error"
	PartFinishStep = "finish-step"
	PartFinish     = "finish"
)

// StreamPart is one typed frame of the v5 UI-message stream. Each part is
// serialized as a single SSE data frame.
type StreamPart struct {
	Type    string          `json:"type"`
	RunID   string          `json:"runId,omitempty"`
	ID      string          `json:"id,omitempty"` // node path for step-scoped parts
	Delta   string          `json:"delta,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Status  RunStatus       `json:"status,omitempty"`
	Message string          `json:"message,omitempty"` // error parts
}
