package streaming

import (
	"encoding/json"

	"github.com/rendis/stepflow/pkg/schema"
)

// PartMapper converts the scheduler's TransitionEvent sequence into v5
// UI-message stream parts. It is stateful: incremental step-output deltas
// for a node are bracketed by text-start/text-end parts, so one mapper
// instance serves exactly one stream.
type PartMapper struct {
	textOpen map[string]bool
}

// NewPartMapper creates a mapper for a single stream.
func NewPartMapper() *PartMapper {
	return &PartMapper{textOpen: make(map[string]bool)}
}

// Map renders one transition event as zero or more stream parts.
func (m *PartMapper) Map(ev schema.TransitionEvent) []schema.StreamPart {
	switch ev.Type {
	case schema.EventRunStarted, schema.EventRunResumed:
		return []schema.StreamPart{{Type: schema.PartStart, RunID: ev.RunID}}

	case schema.EventStepStarted:
		return []schema.StreamPart{{Type: schema.PartToolCall, RunID: ev.RunID, ID: ev.Path, Input: ev.Payload}}

	case schema.EventStepOutput:
		var body struct {
			Delta string `json:"delta"`
		}
		_ = json.Unmarshal(ev.Payload, &body)
		parts := make([]schema.StreamPart, 0, 2)
		if !m.textOpen[ev.Path] {
			m.textOpen[ev.Path] = true
			parts = append(parts, schema.StreamPart{Type: schema.PartTextStart, RunID: ev.RunID, ID: ev.Path})
		}
		return append(parts, schema.StreamPart{Type: schema.PartTextDelta, RunID: ev.RunID, ID: ev.Path, Delta: body.Delta})

	case schema.EventStepSucceeded:
		parts := m.closeText(ev)
		parts = append(parts,
			schema.StreamPart{Type: schema.PartToolResult, RunID: ev.RunID, ID: ev.Path, Output: ev.Payload},
			schema.StreamPart{Type: schema.PartFinishStep, RunID: ev.RunID, ID: ev.Path},
		)
		return parts

	case schema.EventStepFailed:
		parts := m.closeText(ev)
		parts = append(parts,
			schema.StreamPart{Type: schema.PartError, RunID: ev.RunID, ID: ev.Path, Message: errorMessage(ev.Payload)},
			schema.StreamPart{Type: schema.PartFinishStep, RunID: ev.RunID, ID: ev.Path},
		)
		return parts

	case schema.EventStepSuspended, schema.EventStepWaiting, schema.EventStepSkipped, schema.EventEventReceived:
		return []schema.StreamPart{{Type: schema.PartData, RunID: ev.RunID, ID: ev.Path, Data: ev.Payload}}

	case schema.EventRunFinished, schema.EventRunSuspended, schema.EventRunCanceled:
		parts := m.closeAll(ev.RunID)
		return append(parts, schema.StreamPart{Type: schema.PartFinish, RunID: ev.RunID, Status: ev.Status})
	}
	return nil
}

func (m *PartMapper) closeText(ev schema.TransitionEvent) []schema.StreamPart {
	if !m.textOpen[ev.Path] {
		return nil
	}
	delete(m.textOpen, ev.Path)
	return []schema.StreamPart{{Type: schema.PartTextEnd, RunID: ev.RunID, ID: ev.Path}}
}

func (m *PartMapper) closeAll(runID string) []schema.StreamPart {
	var parts []schema.StreamPart
	for path := range m.textOpen {
		parts = append(parts, schema.StreamPart{Type: schema.PartTextEnd, RunID: runID, ID: path})
	}
	m.textOpen = make(map[string]bool)
	return parts
}

func errorMessage(payload json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return string(payload)
}
