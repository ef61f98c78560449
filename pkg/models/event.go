// Package models provides domain types shared across the skills runtime.
package models

import (
	"time"
)

// Event is the unified record model for the run event stream. Every state
// transition of a run is captured as one Event, appended to the run's WAL
// before any observer sees it.
//
// Design principles:
//   - Single Type discriminator with a generic payload map
//   - Timestamps are monotonic within a WAL prefix; ties preserve append order
//   - The WAL line index, not the timestamp, is the authoritative ordering
type Event struct {
	// Type identifies the kind of event. Closed set, see the EventType
	// constants below.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted (RFC3339 on the wire).
	Timestamp time.Time `json:"timestamp"`

	// RunID identifies the run that owns the WAL this event belongs to.
	RunID string `json:"run_id"`

	// TurnID identifies the LLM turn, when applicable.
	TurnID string `json:"turn_id,omitempty"`

	// StepID identifies the budgeted step, when applicable.
	StepID string `json:"step_id,omitempty"`

	// Payload carries type-specific fields. Sanitized by construction:
	// no env values, file content, stdin bytes, or patch bodies ever
	// appear here.
	Payload map[string]any `json:"payload,omitempty"`
}

// EventType identifies the kind of run event.
type EventType string

const (
	// Run lifecycle
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventRunCancelled EventType = "run_cancelled"

	// Prompt assembly
	EventPromptCompiled EventType = "prompt_compiled"
	EventSkillInjected  EventType = "skill_injected"

	// Model streaming
	EventLLMRequestStarted    EventType = "llm_request_started"
	EventLLMResponseDelta     EventType = "llm_response_delta"
	EventLLMResponseCompleted EventType = "llm_response_completed"

	// Tool execution
	EventToolCallRequested EventType = "tool_call_requested"
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallFinished  EventType = "tool_call_finished"

	// Approvals and human I/O
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalDecided   EventType = "approval_decided"
	EventHumanRequest      EventType = "human_request"
	EventHumanResponse     EventType = "human_response"

	// Planning
	EventPlanUpdated EventType = "plan_updated"
)

// Terminal reports whether the event type ends a run. Exactly one terminal
// event is emitted per run and no event may follow it.
func (t EventType) Terminal() bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	}
	return false
}

// NewEvent builds an event with the timestamp set to now.
func NewEvent(eventType EventType, runID string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Payload:   payload,
	}
}
