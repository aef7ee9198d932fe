package model

import "encoding/json"

// EventType distinguishes a live declaration from its tombstone.
type EventType string

const (
	EventUpsert    EventType = "upsert"
	EventTombstone EventType = "tombstone"
)

// PolicyEvent is one entry in the resource-watch stream: the namespace's
// current declaration document, or a tombstone when the declaration was
// removed. Raw is kept alongside the parsed form so the reconciler can
// re-validate persisted state instead of trusting it.
type PolicyEvent struct {
	Type      EventType       `json:"type"`
	Namespace string          `json:"namespace"`
	Raw       json.RawMessage `json:"document,omitempty"`
}

// Phase is the reconciler's per-namespace state.
type Phase string

const (
	PhaseUnseen    Phase = "unseen"
	PhaseCompiling Phase = "compiling"
	PhaseApplied   Phase = "applied"
	PhaseDegraded  Phase = "degraded"
	PhaseRemoved   Phase = "removed"
)
