package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/custody/internal/core/domain"
)

type auditRow struct {
	Sequence   int64     `db:"sequence"`
	ID         string    `db:"id"`
	ActorID    string    `db:"actor_id"`
	ActorType  string    `db:"actor_type"`
	Operation  string    `db:"operation"`
	SubjectID  string    `db:"subject_id"`
	ScopeID    string    `db:"scope_id"`
	Detail     string    `db:"detail"`
	Decision   string    `db:"decision"`
	Severity   string    `db:"severity"`
	OccurredAt time.Time `db:"occurred_at"`
}

// AuditRepo implements storage.AuditRepository using PostgreSQL.
// The table rejects UPDATE and DELETE through a trigger.
type AuditRepo struct {
	q sqlx.ExtContext
}

func (r *AuditRepo) Append(ctx context.Context, e *domain.AuditEntry) error {
	detail := "{}"
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("failed to encode audit detail: %w", err)
		}
		detail = string(b)
	}

	var seq int64
	err := sqlx.GetContext(ctx, r.q, &seq, `
		INSERT INTO audit_entries (id, actor_id, actor_type, operation, subject_id, scope_id,
			detail, decision, severity, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)
		RETURNING sequence`,
		e.ID, e.ActorID, string(e.ActorType), e.Operation, e.SubjectID, e.ScopeID,
		detail, string(e.Decision), string(e.Severity), e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	e.Sequence = seq
	return nil
}

func (r *AuditRepo) List(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.ScopeID != "" {
		add("scope_id = $%d", f.ScopeID)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Operation != "" {
		add("operation = $%d", f.Operation)
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("occurred_at <= $%d", f.Until)
	}

	query := `SELECT sequence, id, actor_id, actor_type, operation, subject_id, scope_id,
		detail::text AS detail, decision, severity, occurred_at FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at, sequence"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var rows []auditRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	out := make([]*domain.AuditEntry, 0, len(rows))
	for _, row := range rows {
		e := &domain.AuditEntry{
			ID:         row.ID,
			Sequence:   row.Sequence,
			ActorID:    row.ActorID,
			ActorType:  domain.ActorType(row.ActorType),
			Operation:  row.Operation,
			SubjectID:  row.SubjectID,
			ScopeID:    row.ScopeID,
			Decision:   domain.AuditDecision(row.Decision),
			Severity:   domain.Severity(row.Severity),
			OccurredAt: row.OccurredAt.UTC(),
		}
		if row.Detail != "" && row.Detail != "{}" {
			if err := json.Unmarshal([]byte(row.Detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode audit detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}
