package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"permitline/internal/config"
	"permitline/internal/domain"
	"permitline/internal/engine/auth"
	"permitline/internal/engine/gate"
	"permitline/internal/engine/renewal"
	"permitline/internal/engine/roles"
	"permitline/internal/engine/stage"
	"permitline/internal/events"
	"permitline/internal/refno"
	"permitline/internal/repo"
)

// Engine is the permit workflow orchestrator. Every command runs in one transaction.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Directory auth.Directory
	Machine   *stage.Machine
	Now       func() time.Time
	NewID     func() string
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Directory: auth.Service{Repo: r},
		Machine:   stage.NewMachine(),
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) machine() *stage.Machine {
	if e.Machine != nil {
		return e.Machine
	}
	return stage.NewMachine()
}

func (e Engine) directory() auth.Directory {
	if e.Directory != nil {
		return e.Directory
	}
	return auth.Service{Repo: e.Repo}
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) gateSettings() gate.Settings {
	return gate.Settings{
		LeadTime:        e.Config.LeadTime(),
		HazardThreshold: e.Config.Permit.RiskAssessmentHazardThreshold,
		OthersHazard:    e.Config.Permit.OthersHazard,
		Companies:       e.Config.CompanyNames(),
		WorkCategories:  e.Config.WorkCategoryIDs(),
		Location:        e.Config.Location(),
	}
}

func (e Engine) refGenerator() refno.Generator {
	return refno.Generator{Store: e.Repo, Category: e.Config.Permit.FormCategory}
}

func logger(formID, actor string) *log.Entry {
	return log.WithField("form_id", formID).WithField("actor", actor)
}

// inTx runs fn in one transaction. Domain errors pass through; anything else
// becomes a DependencyError naming op, and nothing is committed.
func (e Engine) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return &domain.DependencyError{Op: op + ": begin", Err: err}
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return &domain.DependencyError{Op: op + ": commit", Err: err}
	}
	return nil
}

func classify(op string, err error) error {
	var (
		vErr  *domain.ValidationError
		aErr  *domain.AuthorizationError
		cErr  *domain.CapacityError
		cfErr *domain.ConflictError
		dErr  *domain.DependencyError
		nfErr *domain.NotFoundError
	)
	switch {
	case errors.As(err, &vErr), errors.As(err, &aErr), errors.As(err, &cErr),
		errors.As(err, &cfErr), errors.As(err, &dErr), errors.As(err, &nfErr):
		return err
	}
	return &domain.DependencyError{Op: op, Err: err}
}

// aggregate is one form with everything it owns.
type aggregate struct {
	form  domain.Form
	wf    *domain.Workflow
	asset *domain.AssetDetails
	rows  []domain.WorkPermit
	tasks []domain.JobTask
}

func (a *aggregate) draft() gate.Draft {
	return gate.Draft{Form: a.form, Tasks: a.tasks}
}

func (a *aggregate) tracker(loc *time.Location) renewal.Tracker {
	return renewal.New(a.form, a.rows, loc)
}

func (e Engine) load(ctx context.Context, tx *sql.Tx, formID string) (*aggregate, error) {
	form, err := e.Repo.GetForm(ctx, tx, formID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, &domain.NotFoundError{Entity: "form", ID: formID}
	}
	if err != nil {
		return nil, &domain.DependencyError{Op: "load form", Err: err}
	}
	agg := &aggregate{form: form}
	wf, err := e.Repo.GetWorkflowByForm(ctx, tx, formID)
	switch {
	case err == nil:
		agg.wf = &wf
	case !errors.Is(err, repo.ErrNotFound):
		return nil, &domain.DependencyError{Op: "load workflow", Err: err}
	}
	if form.AssetDetailsID != "" {
		asset, err := e.Repo.GetAsset(ctx, tx, form.AssetDetailsID)
		switch {
		case err == nil:
			agg.asset = &asset
		case !errors.Is(err, repo.ErrNotFound):
			return nil, &domain.DependencyError{Op: "load asset details", Err: err}
		}
	}
	if agg.rows, err = e.Repo.ListWorkPermits(ctx, tx, formID); err != nil {
		return nil, &domain.DependencyError{Op: "load work permits", Err: err}
	}
	if agg.tasks, err = e.Repo.ListJobTasks(ctx, tx, formID); err != nil {
		return nil, &domain.DependencyError{Op: "load job tasks", Err: err}
	}
	if err := e.expireRows(ctx, tx, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// expireRows closes open rows whose window has passed. Undecided rows lapse.
func (e Engine) expireRows(ctx context.Context, tx *sql.Tx, agg *aggregate) error {
	expired := agg.tracker(e.Config.Location()).Expired(e.now())
	if len(expired) == 0 {
		return nil
	}
	closed := map[string]bool{}
	for _, row := range expired {
		evtType := events.PermitRowExpired
		if row.AwaitingIssuer() {
			evtType = events.PermitRowLapsed
		}
		row.Status = domain.PermitClosed
		if err := e.Repo.UpdateWorkPermit(ctx, tx, row); err != nil {
			return &domain.DependencyError{Op: "expire work permit", Err: err}
		}
		if err := e.events().Append(ctx, tx, evtType, agg.form.ID, "work_permit", row.ID, "system", events.EventPayload{
			"date": row.Date, "end_time": row.EndTime, "decision": row.Decision,
		}); err != nil {
			return err
		}
		closed[row.ID] = true
	}
	for i := range agg.rows {
		if closed[agg.rows[i].ID] {
			agg.rows[i].Status = domain.PermitClosed
		}
	}
	return nil
}

// closeOpenRows force-closes every open schedule row.
func (e Engine) closeOpenRows(ctx context.Context, tx *sql.Tx, agg *aggregate) error {
	for i, row := range agg.rows {
		if row.Status == domain.PermitClosed {
			continue
		}
		row.Status = domain.PermitClosed
		if err := e.Repo.UpdateWorkPermit(ctx, tx, row); err != nil {
			return &domain.DependencyError{Op: "close work permit", Err: err}
		}
		agg.rows[i] = row
	}
	return nil
}

// persist writes form and workflow with conditional updates.
func (e Engine) persist(ctx context.Context, tx *sql.Tx, agg *aggregate, ts string) error {
	agg.form.UpdatedAt = ts
	v, err := e.Repo.UpdateForm(ctx, tx, agg.form)
	if err != nil {
		return err
	}
	agg.form.Version = v
	if agg.wf == nil {
		return nil
	}
	agg.wf.UpdatedAt = ts
	v, err = e.Repo.UpdateWorkflow(ctx, tx, *agg.wf)
	if err != nil {
		return err
	}
	agg.wf.Version = v
	return nil
}

func (e Engine) snapshot(ctx context.Context, tx *sql.Tx, formID string) (domain.Snapshot, error) {
	agg, err := e.load(ctx, tx, formID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return agg.snapshot(), nil
}

func (a *aggregate) snapshot() domain.Snapshot {
	rows := append([]domain.WorkPermit{}, a.rows...)
	renewal.Sort(rows)
	tasks := append([]domain.JobTask{}, a.tasks...)
	return domain.Snapshot{Form: a.form, Workflow: a.wf, Permits: rows, Tasks: tasks}
}

// checkVersion enforces If-Match semantics against the workflow, or the form for drafts.
func checkVersion(agg *aggregate, expected int64) error {
	if expected <= 0 {
		return nil
	}
	if agg.wf != nil {
		if agg.wf.Version != expected {
			return &domain.ConflictError{Entity: "workflow", ID: agg.wf.ID}
		}
		return nil
	}
	if agg.form.Version != expected {
		return &domain.ConflictError{Entity: "form", ID: agg.form.ID}
	}
	return nil
}

// membership asks the directory which gating groups the caller belongs to. It
// must run before a command opens its transaction.
func (e Engine) membership(ctx context.Context, actor string) (roles.Membership, error) {
	var m roles.Membership
	if strings.TrimSpace(actor) == "" {
		return m, &domain.AuthorizationError{Reason: "caller identity required"}
	}
	dir := e.directory()
	var err error
	if m.PermitOriginator, err = dir.IsUserInGroup(ctx, e.Config.Groups.PermitOriginator, actor); err != nil {
		return m, classify("directory lookup", err)
	}
	if m.PerformingAuthority, err = dir.IsUserInGroup(ctx, e.Config.Groups.PerformingAuthority, actor); err != nil {
		return m, classify("directory lookup", err)
	}
	return m, nil
}

func (a *aggregate) roleSet(actor string, m roles.Membership) roles.RoleSet {
	return roles.Resolve(actor, roles.AssignmentsFor(a.form, a.wf, a.asset), m)
}

func (e Engine) history(ctx context.Context, tx *sql.Tx, formID string, role domain.Role, actor string, d domain.Decision, reason string, from, to domain.Stage, ts string) error {
	return e.Repo.InsertHistory(ctx, tx, domain.HistoryEntry{
		ID:         e.newID(),
		FormID:     formID,
		Role:       role,
		ActorEmail: actor,
		Decision:   d,
		Reason:     reason,
		FromStage:  from,
		ToStage:    to,
		CreatedAt:  ts,
	})
}

func requireWorkflow(agg *aggregate) error {
	if agg.wf == nil {
		return &domain.AuthorizationError{Stage: domain.StageNew, Reason: "form has not been submitted"}
	}
	return nil
}

// Get returns the aggregate of one form.
func (e Engine) Get(ctx context.Context, formID string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := e.inTx(ctx, "get form", func(tx *sql.Tx) error {
		var err error
		snap, err = e.snapshot(ctx, tx, formID)
		return err
	})
	return snap, err
}

// List returns form headers matching filter.
func (e Engine) List(ctx context.Context, filter repo.FormFilter) ([]domain.Form, error) {
	forms, err := e.Repo.ListForms(ctx, filter)
	if err != nil {
		return nil, classify("list forms", err)
	}
	return forms, nil
}

// History returns the approval history of a form, oldest first.
func (e Engine) History(ctx context.Context, formID string) ([]domain.HistoryEntry, error) {
	if _, err := e.Repo.GetForm(ctx, nil, formID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &domain.NotFoundError{Entity: "form", ID: formID}
		}
		return nil, classify("load form", err)
	}
	entries, err := e.Repo.ListHistory(ctx, formID)
	if err != nil {
		return nil, classify("list history", err)
	}
	return entries, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
