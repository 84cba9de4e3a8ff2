package batch

import (
	"errors"
	"time"

	"github.com/vietddude/recoverd/internal/core/domain"
)

// State is an alias for domain.RetryBatchStatus for internal use.
type State = domain.RetryBatchStatus

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Every state has exactly one successor; Done is terminal.
var ValidTransitions = map[State][]State{
	domain.RetryBatchStatusMarkingDocuments: {domain.RetryBatchStatusStaging},
	domain.RetryBatchStatusStaging:          {domain.RetryBatchStatusForwarding},
	domain.RetryBatchStatusForwarding:       {domain.RetryBatchStatusDone},
	domain.RetryBatchStatusDone:             {},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// IsAfter reports whether a comes strictly later in the lifecycle than b.
func IsAfter(a, b State) bool {
	oa, ob := a.Ordinal(), b.Ordinal()
	return oa >= 0 && ob >= 0 && oa > ob
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s State) bool {
	return len(ValidTransitions[s]) == 0
}

// Next returns the successor of s, or false if s is terminal or unknown.
func Next(s State) (State, bool) {
	targets := ValidTransitions[s]
	if len(targets) == 0 {
		return "", false
	}
	return targets[0], true
}

// Transition represents a state change with metadata.
type Transition struct {
	BatchID   string    `json:"batch_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTransition creates a new transition record.
func NewTransition(batchID string, from, to State, reason string) Transition {
	return Transition{
		BatchID:   batchID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case domain.RetryBatchStatusMarkingDocuments:
		return "Marking - flagging failures for retry, not yet confirmed"
	case domain.RetryBatchStatusStaging:
		return "Staging - moving flagged messages into the staging queue"
	case domain.RetryBatchStatusForwarding:
		return "Forwarding - redelivering staged messages to their endpoints"
	case domain.RetryBatchStatusDone:
		return "Done - batch fully processed"
	default:
		return "Unknown state"
	}
}
