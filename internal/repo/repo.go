package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"permitline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q runs against tx when present, else the pool.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalList(v []string) any {
	if len(v) == 0 {
		return nil
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s.String), &out)
	return out
}

// Match is a server-side filter clause.
type Match struct {
	Field string
	Value string
	// Prefix turns the clause into a startswith match.
	Prefix bool
}

func Eq(field, value string) Match     { return Match{Field: field, Value: value} }
func Prefix(field, value string) Match { return Match{Field: field, Value: value, Prefix: true} }

var formFields = map[string]string{
	"status":               "f.status",
	"originator":           "f.originator_email",
	"performing_authority": "f.performing_authority_email",
	"company":              "f.company",
	"asset_id":             "f.asset_id",
	"reference_number":     "f.reference_number",
	"project_title":        "f.project_title",
	"stage":                "w.stage",
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func buildWhere(fields map[string]string, matches []Match) (string, []any, error) {
	var clauses []string
	var args []any
	for _, m := range matches {
		if m.Value == "" {
			continue
		}
		col, ok := fields[m.Field]
		if !ok {
			return "", nil, errors.Errorf("unknown filter field %q", m.Field)
		}
		if m.Prefix {
			clauses = append(clauses, col+` LIKE ? ESCAPE '\'`)
			args = append(args, escapeLike(m.Value)+"%")
			continue
		}
		clauses = append(clauses, col+"=?")
		args = append(args, m.Value)
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}

const formColumns = `f.id,f.reference_number,f.previous_reference_number,f.status,f.extended_to,f.payload_json,f.version,f.created_at,f.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanForm(row rowScanner) (domain.Form, error) {
	var (
		f                 domain.Form
		ref, prev, extend sql.NullString
		payload           string
		status            string
		version           int64
		createdAt         string
		updatedAt         string
		id                string
	)
	if err := row.Scan(&id, &ref, &prev, &status, &extend, &payload, &version, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return f, ErrNotFound
		}
		return f, errors.Wrap(err, "scan form")
	}
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return f, errors.Wrapf(err, "decode form %s", id)
	}
	f.ID = id
	f.ReferenceNumber = ref.String
	f.PreviousReferenceNumber = prev.String
	f.Status = domain.FormStatus(status)
	f.ExtendedTo = extend.String
	f.Version = version
	f.CreatedAt = createdAt
	f.UpdatedAt = updatedAt
	return f, nil
}

func (r Repo) InsertForm(ctx context.Context, tx *sql.Tx, f domain.Form) error {
	if f.Version == 0 {
		f.Version = 1
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encode form")
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO forms(id,reference_number,previous_reference_number,asset_id,asset_details_id,company,project_title,originator_email,performing_authority_email,overall_risk,urgent,status,extended_to,payload_json,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, nullable(f.ReferenceNumber), nullable(f.PreviousReferenceNumber), nullable(f.AssetID), nullable(f.AssetDetailsID),
		nullable(f.Company), nullable(f.ProjectTitle), f.OriginatorEmail, nullable(f.PerformingAuthorityEmail), nullable(string(f.OverallRisk)),
		boolInt(f.Urgent), f.Status, nullable(f.ExtendedTo), string(payload), f.Version, f.CreatedAt, f.UpdatedAt)
	return errors.Wrapf(err, "insert form %s", f.ID)
}

// UpdateForm writes f when the stored version still equals f.Version and returns the new version.
func (r Repo) UpdateForm(ctx context.Context, tx *sql.Tx, f domain.Form) (int64, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return 0, errors.Wrap(err, "encode form")
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE forms SET reference_number=?, previous_reference_number=?, asset_id=?, asset_details_id=?, company=?, project_title=?, originator_email=?, performing_authority_email=?, overall_risk=?, urgent=?, status=?, extended_to=?, payload_json=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		nullable(f.ReferenceNumber), nullable(f.PreviousReferenceNumber), nullable(f.AssetID), nullable(f.AssetDetailsID),
		nullable(f.Company), nullable(f.ProjectTitle), f.OriginatorEmail, nullable(f.PerformingAuthorityEmail), nullable(string(f.OverallRisk)),
		boolInt(f.Urgent), f.Status, nullable(f.ExtendedTo), string(payload), f.UpdatedAt, f.ID, f.Version)
	if err != nil {
		return 0, errors.Wrapf(err, "update form %s", f.ID)
	}
	if err := r.checkConditional(ctx, tx, res, "forms", "form", f.ID); err != nil {
		return 0, err
	}
	return f.Version + 1, nil
}

func (r Repo) checkConditional(ctx context.Context, tx *sql.Tx, res sql.Result, table, entity, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err := r.q(tx).QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id=?`, table), id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "check %s %s", entity, id)
	}
	return &domain.ConflictError{Entity: entity, ID: id}
}

func (r Repo) GetForm(ctx context.Context, tx *sql.Tx, id string) (domain.Form, error) {
	return scanForm(r.q(tx).QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms f WHERE f.id=?`, id))
}

func (r Repo) GetFormByReference(ctx context.Context, tx *sql.Tx, ref string) (domain.Form, error) {
	return scanForm(r.q(tx).QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms f WHERE f.reference_number=?`, ref))
}

type FormFilter struct {
	Match []Match
	// Participant restricts to forms where the email appears on the form or its workflow.
	Participant string
	Limit       int
	Offset      int
}

func (r Repo) ListForms(ctx context.Context, filter FormFilter) ([]domain.Form, error) {
	where, args, err := buildWhere(formFields, filter.Match)
	if err != nil {
		return nil, err
	}
	if filter.Participant != "" {
		clause := `(f.originator_email=? COLLATE NOCASE OR f.performing_authority_email=? COLLATE NOCASE OR instr(lower(w.approvals_json), lower(?)) > 0)`
		if where == "" {
			where = "WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, filter.Participant, filter.Participant, `"`+filter.Participant+`"`)
	}
	query := `SELECT ` + formColumns + ` FROM forms f LEFT JOIN workflows w ON w.form_id=f.id ` + where + ` ORDER BY f.created_at DESC, f.id DESC`
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list forms")
	}
	defer rows.Close()
	var res []domain.Form
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, errors.Wrap(rows.Err(), "list forms")
}

// ReferenceNumbersWithPrefix returns every reference number starting with prefix.
func (r Repo) ReferenceNumbersWithPrefix(ctx context.Context, tx *sql.Tx, prefix string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT reference_number FROM forms WHERE reference_number LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, errors.Wrap(err, "query reference numbers")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, errors.Wrap(err, "scan reference number")
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

var parentLists = map[string]string{
	"job_tasks":        "form_id",
	"work_permits":     "form_id",
	"approval_history": "form_id",
}

// DeleteWhere removes every row of list owned by parentID.
func (r Repo) DeleteWhere(ctx context.Context, tx *sql.Tx, list, parentID string) error {
	field, ok := parentLists[list]
	if !ok {
		return errors.Errorf("list %q has no parent reference", list)
	}
	_, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s=?`, list, field), parentID)
	return errors.Wrapf(err, "delete %s of %s", list, parentID)
}
