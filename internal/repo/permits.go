package repo

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"permitline/internal/domain"
)

const permitColumns = `id,form_id,type,date,start_time,end_time,status,issuer_email,decision,decided_at,order_index,created_at`

func (r Repo) InsertWorkPermit(ctx context.Context, tx *sql.Tx, p domain.WorkPermit) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO work_permits(`+permitColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.FormID, p.Type, p.Date, p.StartTime, p.EndTime, p.Status, p.IssuerEmail, p.Decision, nullable(p.DecidedAt), p.OrderIndex, p.CreatedAt)
	return errors.Wrapf(err, "insert work permit %s", p.ID)
}

func (r Repo) UpdateWorkPermit(ctx context.Context, tx *sql.Tx, p domain.WorkPermit) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE work_permits SET date=?, start_time=?, end_time=?, status=?, issuer_email=?, decision=?, decided_at=? WHERE id=? AND form_id=?`,
		p.Date, p.StartTime, p.EndTime, p.Status, p.IssuerEmail, p.Decision, nullable(p.DecidedAt), p.ID, p.FormID)
	if err != nil {
		return errors.Wrapf(err, "update work permit %s", p.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListWorkPermits(ctx context.Context, tx *sql.Tx, formID string) ([]domain.WorkPermit, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+permitColumns+` FROM work_permits WHERE form_id=? ORDER BY date ASC, start_time ASC, order_index ASC`, formID)
	if err != nil {
		return nil, errors.Wrapf(err, "list work permits of %s", formID)
	}
	defer rows.Close()
	var res []domain.WorkPermit
	for rows.Next() {
		var p domain.WorkPermit
		var decidedAt sql.NullString
		if err := rows.Scan(&p.ID, &p.FormID, &p.Type, &p.Date, &p.StartTime, &p.EndTime, &p.Status, &p.IssuerEmail, &p.Decision, &decidedAt, &p.OrderIndex, &p.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan work permit")
		}
		p.DecidedAt = decidedAt.String
		res = append(res, p)
	}
	return res, errors.Wrap(rows.Err(), "list work permits")
}

func (r Repo) InsertJobTask(ctx context.Context, tx *sql.Tx, t domain.JobTask) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO job_tasks(id,form_id,idx,description,initial_risk,residual_risk,safeguard_ids_json,custom_safeguards_json) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.FormID, t.Index, t.Description, nullable(string(t.InitialRisk)), nullable(string(t.ResidualRisk)),
		marshalList(t.SafeguardIDs), marshalList(t.CustomSafeguards))
	return errors.Wrapf(err, "insert job task %s", t.ID)
}

// ReplaceJobTasks swaps the task list of a form wholesale.
func (r Repo) ReplaceJobTasks(ctx context.Context, tx *sql.Tx, formID string, tasks []domain.JobTask) error {
	if err := r.DeleteWhere(ctx, tx, "job_tasks", formID); err != nil {
		return err
	}
	for _, t := range tasks {
		t.FormID = formID
		if err := r.InsertJobTask(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListJobTasks(ctx context.Context, tx *sql.Tx, formID string) ([]domain.JobTask, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,form_id,idx,description,initial_risk,residual_risk,safeguard_ids_json,custom_safeguards_json FROM job_tasks WHERE form_id=? ORDER BY idx ASC`, formID)
	if err != nil {
		return nil, errors.Wrapf(err, "list job tasks of %s", formID)
	}
	defer rows.Close()
	var res []domain.JobTask
	for rows.Next() {
		var t domain.JobTask
		var initial, residual, ids, custom sql.NullString
		if err := rows.Scan(&t.ID, &t.FormID, &t.Index, &t.Description, &initial, &residual, &ids, &custom); err != nil {
			return nil, errors.Wrap(err, "scan job task")
		}
		t.InitialRisk = domain.RiskLevel(initial.String)
		t.ResidualRisk = domain.RiskLevel(residual.String)
		t.SafeguardIDs = unmarshalList(ids)
		t.CustomSafeguards = unmarshalList(custom)
		res = append(res, t)
	}
	return res, errors.Wrap(rows.Err(), "list job tasks")
}
