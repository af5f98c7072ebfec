package repo

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"permitline/internal/domain"
)

func (r Repo) InsertHistory(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO approval_history(id, form_id, role, actor_email, decision, reason, from_stage, to_stage, created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		h.ID, h.FormID, h.Role, h.ActorEmail, h.Decision, nullable(h.Reason), h.FromStage, h.ToStage, h.CreatedAt)
	return errors.Wrapf(err, "insert history for form %s", h.FormID)
}

func (r Repo) ListHistory(ctx context.Context, formID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, form_id, role, actor_email, decision, reason, from_stage, to_stage, created_at
FROM approval_history WHERE form_id=? ORDER BY created_at ASC, rowid ASC`, formID)
	if err != nil {
		return nil, errors.Wrapf(err, "list history of %s", formID)
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var reason sql.NullString
		if err := rows.Scan(&h.ID, &h.FormID, &h.Role, &h.ActorEmail, &h.Decision, &reason, &h.FromStage, &h.ToStage, &h.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		h.Reason = reason.String
		res = append(res, h)
	}
	return res, errors.Wrap(rows.Err(), "list history")
}

// LatestRejection returns the most recent rejecting entry of a form.
func (r Repo) LatestRejection(ctx context.Context, tx *sql.Tx, formID string) (domain.HistoryEntry, error) {
	var h domain.HistoryEntry
	var reason sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id, form_id, role, actor_email, decision, reason, from_stage, to_stage, created_at
FROM approval_history WHERE form_id=? AND to_stage=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, formID, domain.StageRejected).
		Scan(&h.ID, &h.FormID, &h.Role, &h.ActorEmail, &h.Decision, &reason, &h.FromStage, &h.ToStage, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, errors.Wrap(err, "latest rejection")
	}
	h.Reason = reason.String
	return h, nil
}
