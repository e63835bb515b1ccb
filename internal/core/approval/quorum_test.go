package approval

import (
	"errors"
	"testing"

	"github.com/vietddude/custody/internal/core/domain"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name     string
		status   domain.Status
		current  int
		required int
		decision domain.Decision
		want     Vote
		wantErr  error
		wantNext int
	}{
		{"first of two", domain.StatusPending, 0, 2, domain.DecisionApprove, VoteCounted, nil, 1},
		{"reaches quorum", domain.StatusPending, 1, 2, domain.DecisionApprove, VoteQuorumReached, nil, 2},
		{"reject keeps count", domain.StatusPending, 1, 2, domain.DecisionReject, VoteRejected, nil, 1},
		{"already approved", domain.StatusApproved, 2, 2, domain.DecisionApprove, VoteCounted, domain.ErrAlreadyDecided, 2},
		{"unknown decision", domain.StatusPending, 0, 1, domain.Decision("maybe"), VoteCounted, domain.ErrValidation, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &domain.Request{Status: tt.status, CurrentApprovals: tt.current, RequiredApprovals: tt.required}
			got, err := Apply(req, tt.decision)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("vote = %v, want %v", got, tt.want)
			}
			if req.CurrentApprovals != tt.wantNext {
				t.Errorf("current = %d, want %d", req.CurrentApprovals, tt.wantNext)
			}
		})
	}
}

func TestCountAndVerify(t *testing.T) {
	sigs := []*domain.Signature{
		{ApproverID: "a", Decision: domain.DecisionApprove},
		{ApproverID: "b", Decision: domain.DecisionApprove},
		{ApproverID: "c", Decision: domain.DecisionReject},
	}
	tally := Count(sigs, 3)
	if tally.Approvals != 2 || tally.Rejections != 1 || tally.Remaining() != 1 || tally.Reached() {
		t.Errorf("unexpected tally: %+v", tally)
	}

	req := &domain.Request{ID: "r", RequiredApprovals: 3, CurrentApprovals: 2}
	if err := Verify(req, sigs); err != nil {
		t.Errorf("unexpected mismatch: %v", err)
	}
	req.CurrentApprovals = 3
	if err := Verify(req, sigs); err == nil {
		t.Error("expected mismatch")
	}
}
