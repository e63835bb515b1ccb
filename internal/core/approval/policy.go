package approval

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/risk"
	"github.com/vietddude/custody/internal/infra/storage"
)

// Intent is what a caller wants to move.
type Intent struct {
	SubjectKind   domain.SubjectKind `json:"subject_kind"`
	SubjectID     string             `json:"subject_id"`
	Type          domain.RequestType `json:"type"`
	Amount        decimal.Decimal    `json:"amount"`
	Destination   string             `json:"destination"`
	Description   string             `json:"description,omitempty"`
	Urgency       domain.Urgency     `json:"urgency,omitempty"`
	Justification string             `json:"justification,omitempty"`

	// Chain, when set, must match the subject's chain.
	Chain domain.ChainID `json:"chain,omitempty"`
	// MinApprovals raises the quorum above the scored value.
	MinApprovals int `json:"-"`
	// Source overrides the subject address as the sending side.
	Source string `json:"-"`
}

// Validate checks fields every subject needs and fills defaults.
func (in *Intent) Validate() error {
	in.Destination = strings.TrimSpace(in.Destination)
	switch {
	case in.SubjectID == "":
		return domain.Validationf("subject id is required")
	case !in.Amount.IsPositive():
		return domain.Validationf("amount must be positive")
	case in.Destination == "":
		return domain.Validationf("destination is required")
	}
	switch in.Type {
	case domain.RequestWithdrawal, domain.RequestTransfer, domain.RequestReversal:
	default:
		return domain.Validationf("unknown request type %q", in.Type)
	}
	switch in.Urgency {
	case "":
		in.Urgency = domain.UrgencyNormal
	case domain.UrgencyNormal, domain.UrgencyHigh:
	default:
		return domain.Validationf("unknown urgency %q", in.Urgency)
	}
	return nil
}

// Admission is what a subject policy contributes to a new request.
type Admission struct {
	// Risk carries the tier and ceiling; the manager fills history fields.
	Risk         risk.Input
	MinApprovals int
	Chain        domain.ChainID
	Currency     string
	Source       string
}

// SubjectPolicy holds the rules specific to wallets or vaults. All methods run
// inside the caller's unit of work.
type SubjectPolicy interface {
	// Admit validates the intent against the subject at initiation.
	Admit(ctx context.Context, tx storage.Tx, in *Intent, now time.Time) (*Admission, error)

	// Reserve runs after req was stored as submitted. It locks the subject,
	// re-checks its rules with req counted and books the amount. An error
	// rolls the whole unit of work back.
	Reserve(ctx context.Context, tx storage.Tx, req *domain.Request, now time.Time) error

	// Release runs after req was returned to approved because the adapter
	// refused the transfer, and undoes Reserve.
	Release(ctx context.Context, tx storage.Tx, req *domain.Request, now time.Time) error
}
