package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether the decision is one the workflow understands.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Proof binds an approval to the exact payload the approver reviewed.
type Proof struct {
	PayloadDigest string `json:"payload_digest"`
	Reference     string `json:"reference,omitempty"`
}

// Signature is one approver's vote on a request. At most one exists per
// (request, approver).
type Signature struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"request_id"`
	ApproverID    string    `json:"approver_id"`
	Decision      Decision  `json:"decision"`
	Reference     string    `json:"reference,omitempty"`
	PayloadDigest string    `json:"payload_digest"`
	CreatedAt     time.Time `json:"created_at"`
}

// Reversal links an executed request to the request that undoes it.
type Reversal struct {
	ID                string           `json:"id"`
	OriginalRequestID string           `json:"original_request_id"`
	ReversalRequestID string           `json:"reversal_request_id"`
	Reason            string           `json:"reason"`
	PartialAmount     *decimal.Decimal `json:"partial_amount,omitempty"`
	InitiatorID       string           `json:"initiator_id"`
	CreatedAt         time.Time        `json:"created_at"`
}
