package approval

import (
	"fmt"

	"github.com/vietddude/custody/internal/core/domain"
)

// Tally is the vote count on one request.
type Tally struct {
	Approvals  int `json:"approvals"`
	Rejections int `json:"rejections"`
	Required   int `json:"required"`
}

// Reached reports whether quorum was met.
func (t Tally) Reached() bool {
	return t.Approvals >= t.Required
}

// Remaining is the number of approvals still missing.
func (t Tally) Remaining() int {
	return max(t.Required-t.Approvals, 0)
}

// Count tallies signatures against the required quorum.
func Count(sigs []*domain.Signature, required int) Tally {
	t := Tally{Required: required}
	for _, s := range sigs {
		switch s.Decision {
		case domain.DecisionApprove:
			t.Approvals++
		case domain.DecisionReject:
			t.Rejections++
		}
	}
	return t
}

// Vote is the outcome of applying one signature to a pending request.
type Vote int

const (
	VoteCounted Vote = iota
	VoteQuorumReached
	VoteRejected
)

// Apply records a decision on the request counter. The counter only grows.
func Apply(req *domain.Request, d domain.Decision) (Vote, error) {
	if req.Status != domain.StatusPending {
		return VoteCounted, domain.ErrAlreadyDecided
	}
	switch d {
	case domain.DecisionReject:
		return VoteRejected, nil
	case domain.DecisionApprove:
		req.CurrentApprovals++
		if req.QuorumReached() {
			return VoteQuorumReached, nil
		}
		return VoteCounted, nil
	}
	return VoteCounted, domain.Validationf("unknown decision %q", d)
}

// Verify checks that the stored counter matches the signatures.
func Verify(req *domain.Request, sigs []*domain.Signature) error {
	t := Count(sigs, req.RequiredApprovals)
	if t.Approvals != req.CurrentApprovals {
		return fmt.Errorf("request %s counts %d approvals but has %d signatures",
			req.ID, req.CurrentApprovals, t.Approvals)
	}
	return nil
}
