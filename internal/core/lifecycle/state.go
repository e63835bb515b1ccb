package lifecycle

import (
	"fmt"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
)

// State is an alias for domain.Status for internal use.
type State = domain.Status

// ValidTransitions defines allowed request status transitions.
// Key is the current status, value is the list of valid next statuses.
var ValidTransitions = map[State][]State{
	domain.StatusPending: {
		domain.StatusApproved,
		domain.StatusRejected,
		domain.StatusExpired,
	},
	domain.StatusApproved: {domain.StatusSubmitted, domain.StatusExpired},
	// approved again only when the adapter failed before accepting the transfer
	domain.StatusSubmitted: {domain.StatusExecuted, domain.StatusApproved},
}

// CanTransition checks if a transition from one status to another is valid.
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

// Transition represents a status change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string, at time.Time) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: at,
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// Apply moves req to the target status and stamps the matching timestamps.
func Apply(req *domain.Request, to State, reason string, at time.Time) (Transition, error) {
	t := NewTransition(req.Status, to, reason, at)
	if !t.IsValid() {
		if req.Status == domain.StatusExecuted {
			return t, domain.ErrAlreadyExecuted
		}
		return t, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStateTransition, t.From, t.To)
	}

	req.Status = to
	req.UpdatedAt = at
	switch to {
	case domain.StatusApproved:
		if t.From == domain.StatusPending {
			req.DecidedAt = &at
		}
	case domain.StatusRejected, domain.StatusExpired:
		req.DecidedAt = &at
	case domain.StatusExecuted:
		req.ExecutedAt = &at
	}
	return t, nil
}

// StateDescription returns a human-readable description of a status.
func StateDescription(s State) string {
	switch s {
	case domain.StatusPending:
		return "Pending - collecting approvals"
	case domain.StatusApproved:
		return "Approved - quorum met, awaiting execution"
	case domain.StatusSubmitted:
		return "Submitted - handed to chain adapter, awaiting confirmation"
	case domain.StatusExecuted:
		return "Executed - funds moved"
	case domain.StatusRejected:
		return "Rejected - declined or cancelled"
	case domain.StatusExpired:
		return "Expired - not executed before deadline"
	default:
		return "Unknown state"
	}
}
