package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"permitline/internal/domain"
)

const workflowColumns = `id,form_id,stage,approvals_json,closure_json,asset_director_replacer,asset_director_delegate,hse_director_replacer,hse_director_delegate,hse_partners_json,rejection_reason,rejected_by,rejection_count,reset_for_rejection,reassignment_required,version,created_at,updated_at`

func encodeWorkflow(w domain.Workflow) (string, string, error) {
	approvals, err := json.Marshal(w.Approvals)
	if err != nil {
		return "", "", errors.Wrap(err, "encode approvals")
	}
	closure, err := json.Marshal(w.Closure)
	if err != nil {
		return "", "", errors.Wrap(err, "encode closure")
	}
	return string(approvals), string(closure), nil
}

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	approvals, closure, err := encodeWorkflow(w)
	if err != nil {
		return err
	}
	if w.Version == 0 {
		w.Version = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO workflows(`+workflowColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.FormID, w.Stage, approvals, closure,
		nullable(w.AssetDirectorReplacer), boolInt(w.AssetDirectorDelegate),
		nullable(w.HSEDirectorReplacer), boolInt(w.HSEDirectorDelegate), marshalList(w.HSEPartners),
		nullable(w.RejectionReason), nullable(string(w.RejectedBy)), w.RejectionCount, w.ResetForRejection,
		boolInt(w.ReassignmentRequired), w.Version, w.CreatedAt, w.UpdatedAt)
	return errors.Wrapf(err, "insert workflow for form %s", w.FormID)
}

// UpdateWorkflow writes w when the stored version still equals w.Version and returns the new version.
func (r Repo) UpdateWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) (int64, error) {
	approvals, closure, err := encodeWorkflow(w)
	if err != nil {
		return 0, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workflows SET stage=?, approvals_json=?, closure_json=?, asset_director_replacer=?, asset_director_delegate=?, hse_director_replacer=?, hse_director_delegate=?, hse_partners_json=?, rejection_reason=?, rejected_by=?, rejection_count=?, reset_for_rejection=?, reassignment_required=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		w.Stage, approvals, closure,
		nullable(w.AssetDirectorReplacer), boolInt(w.AssetDirectorDelegate),
		nullable(w.HSEDirectorReplacer), boolInt(w.HSEDirectorDelegate), marshalList(w.HSEPartners),
		nullable(w.RejectionReason), nullable(string(w.RejectedBy)), w.RejectionCount, w.ResetForRejection,
		boolInt(w.ReassignmentRequired), w.UpdatedAt, w.ID, w.Version)
	if err != nil {
		return 0, errors.Wrapf(err, "update workflow %s", w.ID)
	}
	if err := r.checkConditional(ctx, tx, res, "workflows", "workflow", w.ID); err != nil {
		return 0, err
	}
	return w.Version + 1, nil
}

func scanWorkflow(row rowScanner) (domain.Workflow, error) {
	var (
		w                             domain.Workflow
		approvals, closure            string
		adReplacer, hseReplacer       sql.NullString
		partners, reason, rejectedBy  sql.NullString
		adDelegate, hseDelegate, reas int
	)
	err := row.Scan(&w.ID, &w.FormID, &w.Stage, &approvals, &closure, &adReplacer, &adDelegate, &hseReplacer, &hseDelegate,
		&partners, &reason, &rejectedBy, &w.RejectionCount, &w.ResetForRejection, &reas, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, errors.Wrap(err, "scan workflow")
	}
	if err := json.Unmarshal([]byte(approvals), &w.Approvals); err != nil {
		return w, errors.Wrapf(err, "decode approvals of workflow %s", w.ID)
	}
	if err := json.Unmarshal([]byte(closure), &w.Closure); err != nil {
		return w, errors.Wrapf(err, "decode closure of workflow %s", w.ID)
	}
	w.AssetDirectorReplacer = adReplacer.String
	w.AssetDirectorDelegate = adDelegate == 1
	w.HSEDirectorReplacer = hseReplacer.String
	w.HSEDirectorDelegate = hseDelegate == 1
	w.HSEPartners = unmarshalList(partners)
	w.RejectionReason = reason.String
	w.RejectedBy = domain.Role(rejectedBy.String)
	w.ReassignmentRequired = reas == 1
	return w, nil
}

func (r Repo) GetWorkflowByForm(ctx context.Context, tx *sql.Tx, formID string) (domain.Workflow, error) {
	return scanWorkflow(r.q(tx).QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE form_id=?`, formID))
}
