package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/domain"
)

type requestRow struct {
	ID                string          `db:"id"`
	SubjectKind       string          `db:"subject_kind"`
	SubjectID         string          `db:"subject_id"`
	RequestType       string          `db:"request_type"`
	Amount            decimal.Decimal `db:"amount"`
	Currency          string          `db:"currency"`
	Chain             string          `db:"chain"`
	Source            string          `db:"source"`
	Destination       string          `db:"destination"`
	Description       string          `db:"description"`
	Justification     string          `db:"justification"`
	Urgency           string          `db:"urgency"`
	InitiatorID       string          `db:"initiator_id"`
	RequiredApprovals int             `db:"required_approvals"`
	CurrentApprovals  int             `db:"current_approvals"`
	RiskScore         int             `db:"risk_score"`
	RiskLevel         string          `db:"risk_level"`
	Status            string          `db:"status"`
	PayloadDigest     string          `db:"payload_digest"`
	Overridden        bool            `db:"overridden"`
	OverrideReason    string          `db:"override_reason"`
	ExternalReference string          `db:"external_reference"`
	SpentAt           *time.Time      `db:"spent_at"`
	AttemptID         string          `db:"attempt_id"`
	AttemptUntil      *time.Time      `db:"attempt_until"`
	CreatedAt         time.Time       `db:"created_at"`
	ExpiresAt         time.Time       `db:"expires_at"`
	DecidedAt         *time.Time      `db:"decided_at"`
	ExecutedAt        *time.Time      `db:"executed_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
	Version           int64           `db:"version"`
}

func (r requestRow) toDomain() *domain.Request {
	return &domain.Request{
		ID:                r.ID,
		SubjectKind:       domain.SubjectKind(r.SubjectKind),
		SubjectID:         r.SubjectID,
		Type:              domain.RequestType(r.RequestType),
		Amount:            r.Amount,
		Currency:          r.Currency,
		Chain:             domain.ChainID(r.Chain),
		Source:            r.Source,
		Destination:       r.Destination,
		Description:       r.Description,
		Justification:     r.Justification,
		Urgency:           domain.Urgency(r.Urgency),
		InitiatorID:       r.InitiatorID,
		RequiredApprovals: r.RequiredApprovals,
		CurrentApprovals:  r.CurrentApprovals,
		RiskScore:         r.RiskScore,
		RiskLevel:         domain.RiskLevel(r.RiskLevel),
		Status:            domain.Status(r.Status),
		PayloadDigest:     r.PayloadDigest,
		Overridden:        r.Overridden,
		OverrideReason:    r.OverrideReason,
		ExternalReference: r.ExternalReference,
		SpentAt:           utc(r.SpentAt),
		AttemptID:         r.AttemptID,
		AttemptUntil:      utc(r.AttemptUntil),
		CreatedAt:         r.CreatedAt.UTC(),
		ExpiresAt:         r.ExpiresAt.UTC(),
		DecidedAt:         utc(r.DecidedAt),
		ExecutedAt:        utc(r.ExecutedAt),
		UpdatedAt:         r.UpdatedAt.UTC(),
		Version:           r.Version,
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

const requestColumns = `id, subject_kind, subject_id, request_type, amount, currency, chain, source,
	destination, description, justification, urgency, initiator_id, required_approvals,
	current_approvals, risk_score, risk_level, status, payload_digest, overridden, override_reason,
	external_reference, spent_at, attempt_id, attempt_until, created_at, expires_at, decided_at,
	executed_at, updated_at, version`

// RequestRepo implements storage.RequestRepository using PostgreSQL.
type RequestRepo struct {
	q sqlx.ExtContext
}

func (r *RequestRepo) Create(ctx context.Context, req *domain.Request) error {
	if req.Version == 0 {
		req.Version = 1
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO approval_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31)`,
		req.ID, string(req.SubjectKind), req.SubjectID, string(req.Type), req.Amount, req.Currency,
		string(req.Chain), req.Source, req.Destination, req.Description, req.Justification,
		string(req.Urgency), req.InitiatorID, req.RequiredApprovals, req.CurrentApprovals,
		req.RiskScore, string(req.RiskLevel), string(req.Status), req.PayloadDigest, req.Overridden,
		req.OverrideReason, req.ExternalReference, req.SpentAt, req.AttemptID, req.AttemptUntil,
		req.CreatedAt, req.ExpiresAt, req.DecidedAt, req.ExecutedAt, req.UpdatedAt, req.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	return nil
}

func (r *RequestRepo) Get(ctx context.Context, id string) (*domain.Request, error) {
	return r.get(ctx, id, "")
}

func (r *RequestRepo) GetForUpdate(ctx context.Context, id string) (*domain.Request, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *RequestRepo) get(ctx context.Context, id, lock string) (*domain.Request, error) {
	var row requestRow
	err := sqlx.GetContext(ctx, r.q, &row,
		`SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`+lock, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return row.toDomain(), nil
}

// Update only touches the mutable columns; the payload fields are fixed at creation.
func (r *RequestRepo) Update(ctx context.Context, req *domain.Request) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE approval_requests SET
			current_approvals = $3, status = $4, overridden = $5, override_reason = $6,
			external_reference = $7, spent_at = $8, attempt_id = $9, attempt_until = $10,
			decided_at = $11, executed_at = $12, updated_at = $13, version = version + 1
		WHERE id = $1 AND version = $2`,
		req.ID, req.Version, req.CurrentApprovals, string(req.Status), req.Overridden,
		req.OverrideReason, req.ExternalReference, req.SpentAt, req.AttemptID, req.AttemptUntil,
		req.DecidedAt, req.ExecutedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: request %s version %d", domain.ErrConflict, req.ID, req.Version)
	}
	req.Version++
	return nil
}

func (r *RequestRepo) ListPendingFor(ctx context.Context, approverID string, now time.Time) ([]*domain.Request, error) {
	return r.list(ctx, `SELECT `+requestColumns+` FROM approval_requests ar
		WHERE ar.status = 'pending' AND ar.expires_at >= $2 AND ar.initiator_id <> $1
		  AND NOT EXISTS (
		      SELECT 1 FROM approval_signatures s
		      WHERE s.request_id = ar.id AND s.approver_id = $1)
		ORDER BY ar.created_at, ar.id`, approverID, now)
}

func (r *RequestRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Request, error) {
	if limit <= 0 {
		limit = 500
	}
	return r.list(ctx, `SELECT `+requestColumns+` FROM approval_requests
		WHERE status IN ('pending', 'approved') AND expires_at < $1
		ORDER BY expires_at, id LIMIT $2`, now, limit)
}

func (r *RequestRepo) list(ctx context.Context, query string, args ...any) ([]*domain.Request, error) {
	var rows []requestRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	out := make([]*domain.Request, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *RequestRepo) SumSpent(ctx context.Context, subjectID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := sqlx.GetContext(ctx, r.q, &total, `
		SELECT COALESCE(SUM(amount), 0) FROM approval_requests
		WHERE subject_id = $1
			AND request_type IN ('withdrawal', 'transfer')
			AND status IN ('submitted', 'executed')
			AND spent_at > $2`, subjectID, since)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum spent amount: %w", err)
	}
	return total, nil
}

func (r *RequestRepo) CountExecutedSince(ctx context.Context, subjectID string, since time.Time) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, r.q, &n, `
		SELECT COUNT(*) FROM approval_requests
		WHERE subject_id = $1 AND status = 'executed' AND executed_at > $2`, subjectID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return n, nil
}

func (r *RequestRepo) DestinationUsed(ctx context.Context, subjectID, destination string) (bool, error) {
	var used bool
	err := sqlx.GetContext(ctx, r.q, &used, `
		SELECT EXISTS (
			SELECT 1 FROM approval_requests
			WHERE subject_id = $1 AND destination = $2 AND status = 'executed'
		)`, subjectID, destination)
	if err != nil {
		return false, fmt.Errorf("failed to check destination history: %w", err)
	}
	return used, nil
}

func (r *RequestRepo) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	if err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT status, COUNT(*) AS count FROM approval_requests GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	out := make(map[domain.Status]int, len(rows))
	for _, row := range rows {
		out[domain.Status(row.Status)] = row.Count
	}
	return out, nil
}

type signatureRow struct {
	ID            string    `db:"id"`
	RequestID     string    `db:"request_id"`
	ApproverID    string    `db:"approver_id"`
	Decision      string    `db:"decision"`
	Reference     string    `db:"reference"`
	PayloadDigest string    `db:"payload_digest"`
	CreatedAt     time.Time `db:"created_at"`
}

// SignatureRepo implements storage.SignatureRepository using PostgreSQL.
type SignatureRepo struct {
	q sqlx.ExtContext
}

func (r *SignatureRepo) Create(ctx context.Context, s *domain.Signature) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO approval_signatures (id, request_id, approver_id, decision, reference, payload_digest, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.RequestID, s.ApproverID, string(s.Decision), s.Reference, s.PayloadDigest, s.CreatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateApproval
	}
	if err != nil {
		return fmt.Errorf("failed to save signature: %w", err)
	}
	return nil
}

func (r *SignatureRepo) ListByRequest(ctx context.Context, requestID string) ([]*domain.Signature, error) {
	var rows []signatureRow
	err := sqlx.SelectContext(ctx, r.q, &rows, `
		SELECT id, request_id, approver_id, decision, reference, payload_digest, created_at
		FROM approval_signatures WHERE request_id = $1 ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}
	out := make([]*domain.Signature, 0, len(rows))
	for _, row := range rows {
		out = append(out, &domain.Signature{
			ID:            row.ID,
			RequestID:     row.RequestID,
			ApproverID:    row.ApproverID,
			Decision:      domain.Decision(row.Decision),
			Reference:     row.Reference,
			PayloadDigest: row.PayloadDigest,
			CreatedAt:     row.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func (r *SignatureRepo) VotedBy(ctx context.Context, approverID string, requestIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(requestIDs) == 0 {
		return out, nil
	}
	var ids []string
	err := sqlx.SelectContext(ctx, r.q, &ids, `
		SELECT request_id FROM approval_signatures
		WHERE approver_id = $1 AND request_id = ANY($2)`, approverID, requestIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
