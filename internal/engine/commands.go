package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"permitline/internal/domain"
	"permitline/internal/engine/gate"
	"permitline/internal/engine/renewal"
	"permitline/internal/engine/roles"
	"permitline/internal/engine/stage"
	"permitline/internal/events"
)

// FormInput is the editable content of a form. Form.ID empty means a new draft.
type FormInput struct {
	Form                  domain.Form
	Tasks                 []domain.JobTask
	AssetDirectorDelegate bool
	HSEDirectorDelegate   bool
	ExpectedVersion       int64
}

type DecideInput struct {
	FormID   string
	Actor    string
	Decision domain.Decision
	Reason   string
	// IssuerEmail lets the performing authority pick the permit issuer on approval.
	IssuerEmail     string
	ExpectedVersion int64
}

// IssueInput is the permit issuer's section plus approval.
type IssueInput struct {
	FormID                string
	Actor                 string
	Tasks                 []domain.JobTask
	OverallRisk           domain.RiskLevel
	DetailedRisk          bool
	DetailedRiskReference string
	Checks                domain.IssuerChecks
	ExpectedVersion       int64
}

type RiskAssessmentInput struct {
	FormID          string
	Actor           string
	Tasks           []domain.JobTask
	OverallRisk     domain.RiskLevel
	ExpectedVersion int64
}

type CloseInput struct {
	FormID          string
	Actor           string
	Decision        domain.Decision
	Reason          string
	ExpectedVersion int64
}

type CancelInput struct {
	FormID          string
	Actor           string
	Reason          string
	ExpectedVersion int64
}

// applyContent copies editable fields, leaving identity and lifecycle fields alone.
func applyContent(dst *domain.Form, src domain.Form) {
	dst.AssetID = strings.TrimSpace(src.AssetID)
	dst.AssetCategory = strings.TrimSpace(src.AssetCategory)
	dst.AssetDetailsID = strings.TrimSpace(src.AssetDetailsID)
	dst.Company = strings.TrimSpace(src.Company)
	dst.ProjectTitle = strings.TrimSpace(src.ProjectTitle)
	dst.WorkCategories = src.WorkCategories
	dst.Hazards = src.Hazards
	dst.HazardsOther = src.HazardsOther
	dst.Precautions = src.Precautions
	dst.ProtectiveEquipment = src.ProtectiveEquipment
	dst.Machinery = src.Machinery
	dst.HACWorkArea = src.HACWorkArea
	dst.OverallRisk = src.OverallRisk
	dst.DetailedRisk = src.DetailedRisk
	dst.DetailedRiskReference = src.DetailedRiskReference
	dst.Urgent = src.Urgent
	dst.PerformingAuthorityEmail = strings.TrimSpace(src.PerformingAuthorityEmail)
	dst.Schedule = src.Schedule
	dst.Checks = src.Checks
}

// normalizeCategories fills title and validity from configuration.
func (e Engine) normalizeCategories(cats []domain.WorkCategory) []domain.WorkCategory {
	out := make([]domain.WorkCategory, 0, len(cats))
	for _, c := range cats {
		if known, ok := e.Config.WorkCategory(c.ID); ok {
			c = known
		}
		out = append(out, c)
	}
	return out
}

func (e Engine) prepareTasks(formID string, tasks []domain.JobTask) []domain.JobTask {
	out := make([]domain.JobTask, 0, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			t.ID = e.newID()
		}
		t.FormID = formID
		t.Index = i
		out = append(out, t)
	}
	return out
}

// openDraft loads or creates the draft an originator is editing.
func (e Engine) openDraft(ctx context.Context, tx *sql.Tx, actor string, m roles.Membership, in FormInput) (*aggregate, bool, error) {
	if in.Form.ID == "" {
		agg := &aggregate{form: domain.Form{
			ID:              e.newID(),
			OriginatorEmail: actor,
			Status:          domain.FormSaved,
			CreatedAt:       e.now().UTC().Format(time.RFC3339),
		}}
		if err := agg.roleSet(actor, m).Require(domain.RolePermitOriginator, domain.StageNew); err != nil {
			return nil, false, err
		}
		return agg, true, nil
	}
	agg, err := e.load(ctx, tx, in.Form.ID)
	if err != nil {
		return nil, false, err
	}
	if agg.form.Status == domain.FormSubmitted || agg.wf != nil {
		return nil, false, &domain.ValidationError{Messages: []string{"Form has already been submitted"}}
	}
	if !domain.SameEmail(agg.form.OriginatorEmail, actor) {
		return nil, false, &domain.AuthorizationError{Role: domain.RolePermitOriginator, Stage: domain.StageNew, Reason: "only the originator may edit a draft"}
	}
	if err := agg.roleSet(actor, m).Require(domain.RolePermitOriginator, domain.StageNew); err != nil {
		return nil, false, err
	}
	if err := checkVersion(agg, in.ExpectedVersion); err != nil {
		return nil, false, err
	}
	return agg, false, nil
}

func (e Engine) writeDraft(ctx context.Context, tx *sql.Tx, agg *aggregate, created bool, ts string) error {
	if created {
		agg.form.UpdatedAt = ts
		agg.form.Version = 1
		if err := e.Repo.InsertForm(ctx, tx, agg.form); err != nil {
			return err
		}
	} else if err := e.persist(ctx, tx, agg, ts); err != nil {
		return err
	}
	return e.Repo.ReplaceJobTasks(ctx, tx, agg.form.ID, agg.tasks)
}

// Save stores a draft without validation.
func (e Engine) Save(ctx context.Context, actor string, in FormInput) (domain.Snapshot, error) {
	m, err := e.membership(ctx, actor)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	err = e.inTx(ctx, "save form", func(tx *sql.Tx) error {
		agg, created, err := e.openDraft(ctx, tx, actor, m, in)
		if err != nil {
			return err
		}
		ts := e.now().UTC().Format(time.RFC3339)
		applyContent(&agg.form, in.Form)
		agg.form.WorkCategories = e.normalizeCategories(agg.form.WorkCategories)
		agg.tasks = e.prepareTasks(agg.form.ID, in.Tasks)
		if err := e.writeDraft(ctx, tx, agg, created, ts); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.FormSaved, agg.form.ID, "form", agg.form.ID, actor, events.EventPayload{
			"created": created,
		}); err != nil {
			return err
		}
		snap, err = e.snapshot(ctx, tx, agg.form.ID)
		return err
	})
	if err != nil {
		logger(in.Form.ID, actor).WithError(err).Warn("save form failed")
	}
	return snap, err
}

// Submit validates the draft, assigns a reference number and opens the approval chain.
func (e Engine) Submit(ctx context.Context, actor string, in FormInput) (domain.Snapshot, error) {
	m, err := e.membership(ctx, actor)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	err = e.inTx(ctx, "submit form", func(tx *sql.Tx) error {
		agg, created, err := e.openDraft(ctx, tx, actor, m, in)
		if err != nil {
			return err
		}
		applyContent(&agg.form, in.Form)
		agg.tasks = e.prepareTasks(agg.form.ID, in.Tasks)
		if err := e.submit(ctx, tx, agg, created, actor, in.AssetDirectorDelegate, in.HSEDirectorDelegate); err != nil {
			return err
		}
		snap, err = e.snapshot(ctx, tx, agg.form.ID)
		return err
	})
	if err != nil {
		logger(in.Form.ID, actor).WithError(err).Warn("submit form failed")
		return snap, err
	}
	logger(snap.Form.ID, actor).WithField("reference_number", snap.Form.ReferenceNumber).
		WithField("stage", snap.Workflow.Stage).Info("form submitted")
	return snap, nil
}

// submit gates the draft and creates its workflow. Used by Submit and Extend.
func (e Engine) submit(ctx context.Context, tx *sql.Tx, agg *aggregate, created bool, actor string, adDelegate, hseDelegate bool) error {
	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	agg.form.WorkCategories = e.normalizeCategories(agg.form.WorkCategories)

	msgs := gate.SubmitMessages(agg.draft(), now, e.gateSettings())
	agg.asset = nil
	if agg.form.AssetDetailsID != "" {
		asset, err := e.Repo.GetAsset(ctx, tx, agg.form.AssetDetailsID)
		switch {
		case err == nil:
			agg.asset = &asset
		case isNotFound(err):
			msgs = append(msgs, fmt.Sprintf("Asset details %q were not found", agg.form.AssetDetailsID))
		default:
			return &domain.DependencyError{Op: "load asset details", Err: err}
		}
	}
	if err := domain.NewValidationError(msgs); err != nil {
		return err
	}

	if agg.form.ReferenceNumber == "" {
		code, ok := e.Config.CompanyCode(agg.form.Company)
		if !ok {
			code = strings.ToUpper(strings.ReplaceAll(agg.form.Company, " ", ""))
		}
		ref, err := e.refGenerator().Next(ctx, tx, code, now.In(e.Config.Location()))
		if err != nil {
			return err
		}
		agg.form.ReferenceNumber = ref
	}
	agg.form.Status = domain.FormSubmitted
	if err := e.writeDraft(ctx, tx, agg, created, ts); err != nil {
		return err
	}

	wf := &domain.Workflow{
		ID:        e.newID(),
		FormID:    agg.form.ID,
		Stage:     domain.StageNew,
		CreatedAt: ts,
		UpdatedAt: ts,
		Version:   1,
	}
	entry := e.resetChain(agg, wf, actor, ts, adDelegate, hseDelegate)
	agg.wf = wf
	if err := e.Repo.InsertWorkflow(ctx, tx, *wf); err != nil {
		return err
	}
	if err := e.recordEntry(ctx, tx, agg, actor, domain.StageNew, entry, ts); err != nil {
		return err
	}
	return e.events().Append(ctx, tx, events.FormSubmitted, agg.form.ID, "form", agg.form.ID, actor, events.EventPayload{
		"reference_number": agg.form.ReferenceNumber,
		"stage":            entry,
		"urgent":           agg.form.Urgent,
	})
}

// resetChain assigns every role from the form and asset, auto-approves the
// originator and moves the workflow to its entry stage.
func (e Engine) resetChain(agg *aggregate, wf *domain.Workflow, actor, ts string, adDelegate, hseDelegate bool) domain.Stage {
	var asset domain.AssetDetails
	if agg.asset != nil {
		asset = *agg.asset
	}
	wf.Approvals = map[domain.Role]domain.Approval{
		domain.RolePermitOriginator:    {Email: actor, Status: domain.StatusApproved, DecidedAt: ts},
		domain.RolePerformingAuthority: {Email: agg.form.PerformingAuthorityEmail, Status: domain.StatusPending},
		domain.RolePermitIssuer:        {Email: agg.form.Schedule.IssuerEmail, Status: domain.StatusPending},
		domain.RoleAssetDirector:       {Email: asset.AssetDirector, Status: domain.StatusPending},
		domain.RoleHSEDirector:         {Email: asset.HSEDirector, Status: domain.StatusPending},
		domain.RoleAssetManager:        {Email: asset.AssetManager, Status: domain.StatusPending},
	}
	wf.Closure = domain.Approval{Status: domain.StatusPending}
	wf.AssetDirectorReplacer = asset.AssetDirectorReplacer
	wf.HSEDirectorReplacer = asset.HSEDirectorReplacer
	wf.HSEPartners = asset.HSEPartners
	wf.AssetDirectorDelegate = adDelegate && asset.AssetDirectorReplacer != ""
	wf.HSEDirectorDelegate = hseDelegate && asset.HSEDirectorReplacer != ""
	wf.RejectionReason = ""
	wf.RejectedBy = ""

	entry, collapsed := stage.Entry(agg.form.Urgent, actor, agg.form.PerformingAuthorityEmail)
	if collapsed {
		wf.SetApproval(domain.RolePerformingAuthority, domain.Approval{Email: actor, Status: domain.StatusApproved, DecidedAt: ts})
	}
	wf.Stage = entry
	return entry
}

func (e Engine) recordEntry(ctx context.Context, tx *sql.Tx, agg *aggregate, actor string, from, entry domain.Stage, ts string) error {
	if err := e.history(ctx, tx, agg.form.ID, domain.RolePermitOriginator, actor, domain.DecisionApproved, "", from, entry, ts); err != nil {
		return err
	}
	if agg.wf.Approval(domain.RolePerformingAuthority).Status == domain.StatusApproved && entry == domain.StageApprovedFromPOToPI {
		return e.history(ctx, tx, agg.form.ID, domain.RolePerformingAuthority, actor, domain.DecisionApproved, "", from, entry, ts)
	}
	return nil
}

// Decide records the decision of whichever role holds the baton.
func (e Engine) Decide(ctx context.Context, in DecideInput) (domain.Snapshot, error) {
	m, err := e.membership(ctx, in.Actor)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	err = e.inTx(ctx, "decide", func(tx *sql.Tx) error {
		agg, err := e.load(ctx, tx, in.FormID)
		if err != nil {
			return err
		}
		if err := requireWorkflow(agg); err != nil {
			return err
		}
		if err := checkVersion(agg, in.ExpectedVersion); err != nil {
			return err
		}
		s := agg.wf.Stage
		role, err := agg.roleSet(in.Actor, m).Actor(e.machine().ExpectedActors(stage.ActionDecide, s), s)
		if err != nil {
			return err
		}
		if role == domain.RolePerformingAuthority && in.Decision == domain.DecisionApproved {
			if err := assignIssuer(agg, in.IssuerEmail); err != nil {
				return err
			}
		}
		if err := e.applyDecision(ctx, tx, agg, in.Actor, role, in.Decision, in.Reason); err != nil {
			return err
		}
		snap = agg.snapshot()
		return nil
	})
	if err != nil {
		logger(in.FormID, in.Actor).WithError(err).Warn("decision refused")
	}
	return snap, err
}

func assignIssuer(agg *aggregate, issuer string) error {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = agg.form.Schedule.IssuerEmail
	}
	if issuer == "" {
		return &domain.ValidationError{Messages: []string{"Permit issuer is required"}}
	}
	agg.form.Schedule.IssuerEmail = issuer
	pi := agg.wf.Approval(domain.RolePermitIssuer)
	pi.Email = issuer
	agg.wf.SetApproval(domain.RolePermitIssuer, pi)
	return nil
}

// applyDecision validates, transitions and persists one approval-chain decision.
func (e Engine) applyDecision(ctx context.Context, tx *sql.Tx, agg *aggregate, actor string, role domain.Role, decision domain.Decision, reason string) error {
	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	if err := gate.Approve(role, decision, reason, agg.draft(), e.gateSettings()); err != nil {
		return err
	}
	risk := agg.form.OverallRisk
	if !risk.Valid() {
		risk = gate.DeriveOverallRisk(agg.tasks)
		if role == domain.RolePermitIssuer && decision == domain.DecisionApproved {
			agg.form.OverallRisk = risk
		}
	}
	wf := agg.wf
	out, err := e.machine().Transition(stage.Input{
		Action:   stage.ActionDecide,
		Stage:    wf.Stage,
		Role:     role,
		Decision: decision,
		Risk:     risk,
		Urgent:   agg.form.Urgent,
	})
	if err != nil {
		return err
	}
	wf.SetApproval(role, domain.Approval{Email: actor, Status: decision.Status(), DecidedAt: ts, Reason: reason})
	for _, eff := range out.Effects {
		switch eff {
		case stage.EffectReject:
			wf.RejectionReason = reason
			wf.RejectedBy = role
			wf.RejectionCount++
		case stage.EffectResetPA:
			pa := wf.Approval(domain.RolePerformingAuthority)
			wf.SetApproval(domain.RolePerformingAuthority, domain.Approval{Email: pa.Email, Status: domain.StatusPending})
			wf.SetApproval(role, domain.Approval{Email: actor, Status: domain.StatusPending, DecidedAt: ts, Reason: reason})
		case stage.EffectIssuePermit:
			row := renewal.IssuanceRow(e.newID(), agg.form, wf.Approval(domain.RolePermitIssuer).Email, now)
			if err := e.Repo.InsertWorkPermit(ctx, tx, row); err != nil {
				return err
			}
			agg.rows = append(agg.rows, row)
			if err := e.events().Append(ctx, tx, events.PermitIssued, agg.form.ID, "work_permit", row.ID, actor, events.EventPayload{
				"reference_number": agg.form.ReferenceNumber,
				"issuer":           row.IssuerEmail,
			}); err != nil {
				return err
			}
		}
	}
	wf.Stage = out.To
	wf.ReassignmentRequired = false
	if err := e.persist(ctx, tx, agg, ts); err != nil {
		return err
	}
	if err := e.history(ctx, tx, agg.form.ID, role, actor, decision, reason, out.From, out.To, ts); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.WorkflowDecided, agg.form.ID, "workflow", wf.ID, actor, events.EventPayload{
		"role":     role,
		"decision": decision,
		"from":     out.From,
		"to":       out.To,
	}); err != nil {
		return err
	}
	logger(agg.form.ID, actor).WithField("role", role).WithField("from", out.From).
		WithField("to", out.To).Info("workflow decided")
	return nil
}

// mergeRiskAssessment applies risk and safeguard edits to existing job tasks.
// Descriptions stay as the originator wrote them.
func mergeRiskAssessment(existing, updates []domain.JobTask) ([]domain.JobTask, error) {
	if len(updates) == 0 {
		return existing, nil
	}
	byID := make(map[string]domain.JobTask, len(updates))
	for _, u := range updates {
		byID[u.ID] = u
	}
	var msgs []string
	for id := range byID {
		found := false
		for _, t := range existing {
			if t.ID == id {
				found = true
				break
			}
		}
		if !found {
			msgs = append(msgs, fmt.Sprintf("Job task %q does not exist", id))
		}
	}
	if err := domain.NewValidationError(msgs); err != nil {
		return nil, err
	}
	out := make([]domain.JobTask, len(existing))
	for i, t := range existing {
		if u, ok := byID[t.ID]; ok {
			t.InitialRisk = u.InitialRisk
			t.ResidualRisk = u.ResidualRisk
			t.SafeguardIDs = u.SafeguardIDs
			t.CustomSafeguards = u.CustomSafeguards
		}
		out[i] = t
	}
	return out, nil
}

// Issue records the permit issuer's section and approves in one step.
func (e Engine) Issue(ctx context.Context, in IssueInput) (domain.Snapshot, error) {
	m, err := e.membership(ctx, in.Actor)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	err = e.inTx(ctx, "issue", func(tx *sql.Tx) error {
		agg, err := e.load(ctx, tx, in.FormID)
		if err != nil {
			return err
		}
		if err := requireWorkflow(agg); err != nil {
			return err
		}
		if err := checkVersion(agg, in.ExpectedVersion); err != nil {
			return err
		}
		s := agg.wf.Stage
		if !e.machine().Expects(stage.ActionDecide, s, domain.RolePermitIssuer) {
			return &domain.AuthorizationError{Role: domain.RolePermitIssuer, Stage: s, Reason: "the permit issuer does not hold the baton"}
		}
		if err := agg.roleSet(in.Actor, m).Require(domain.RolePermitIssuer, s); err != nil {
			return err
		}
		if agg.tasks, err = mergeRiskAssessment(agg.tasks, in.Tasks); err != nil {
			return err
		}
		if err := e.Repo.ReplaceJobTasks(ctx, tx, agg.form.ID, agg.tasks); err != nil {
			return err
		}
		agg.form.OverallRisk = in.OverallRisk
		agg.form.DetailedRisk = in.DetailedRisk
		agg.form.DetailedRiskReference = in.DetailedRiskReference
		agg.form.Checks = in.Checks
		if err := e.applyDecision(ctx, tx, agg, in.Actor, domain.RolePermitIssuer, domain.DecisionApproved, ""); err != nil {
			return err
		}
		snap = agg.snapshot()
		return nil
	})
	if err != nil {
		logger(in.FormID, in.Actor).WithError(err).Warn("issue refused")
	}
	return snap, err
}

// UpdateRiskAssessment lets the permit issuer or HSE director revise task risks
// and safeguards after submission.
func (e Engine) UpdateRiskAssessment(ctx context.Context, in RiskAssessmentInput) (domain.Snapshot, error) {
	m, err := e.membership(ctx, in.Actor)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	err = e.inTx(ctx, "update risk assessment", func(tx *sql.Tx) error {
		agg, err := e.load(ctx, tx, in.FormID)
		if err != nil {
			return err
		}
		if err := requireWorkflow(agg); err != nil {
			return err
		}
		if err := checkVersion(agg, in.ExpectedVersion); err != nil {
			return err
		}
		s := agg.wf.Stage
		if s.Terminal() {
			return &domain.AuthorizationError{Stage: s, Reason: "the form is closed"}
		}
		rs := agg.roleSet(in.Actor, m)
		role, err := rs.Actor([]domain.Role{domain.RolePermitIssuer, domain.RoleHSEDirector}, s)
		if err != nil {
			return err
		}
		if agg.tasks, err = mergeRiskAssessment(agg.tasks, in.Tasks); err != nil {
			return err
		}
		if err := e.Repo.ReplaceJobTasks(ctx, tx, agg.form.ID, agg.tasks); err != nil {
			return err
		}
		if in.OverallRisk != "" {
			if !in.OverallRisk.Valid() {
				return &domain.ValidationError{Messages: []string{fmt.Sprintf("Overall risk %q is invalid", in.OverallRisk)}}
			}
			agg.form.OverallRisk = in.OverallRisk
		}
		ts := e.now().UTC().Format(time.RFC3339)
		if err := e.persist(ctx, tx, agg, ts); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.FormSaved, agg.form.ID, "job_task", "", in.Actor, events.EventPayload{
			"role":  role,
			"tasks": len(in.Tasks),
		}); err != nil {
			return err
		}
		snap = agg.snapshot()
		return nil
	})
	return snap, err
}

// Close handles the originator's closure request or withdrawal and the asset
// manager's closure decision.
func (e Engine) Close(ctx context.Context, in CloseInput) (domain.Snapshot, error) {
	m, err := e.membership(ctx, in.Actor)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if in.Decision == "" {
		in.Decision = domain.DecisionApproved
	}
	var snap domain.Snapshot
	err = e.inTx(ctx, "close", func(tx *sql.Tx) error {
		agg, err := e.load(ctx, tx, in.FormID)
		if err != nil {
			return err
		}
		if err := requireWorkflow(agg); err != nil {
			return err
		}
		if err := checkVersion(agg, in.ExpectedVersion); err != nil {
			return err
		}
		wf := agg.wf
		s := wf.Stage
		role, err := agg.roleSet(in.Actor, m).Actor(e.machine().ExpectedActors(stage.ActionClose, s), s)
		if err != nil {
			return err
		}
		if err := domain.NewValidationError(gate.DecisionMessages(role, in.Decision, in.Reason)); err != nil {
			return err
		}
		switch {
		case role == domain.RolePermitOriginator && s == domain.StageClosedByPO && in.Decision == domain.DecisionApproved:
			if wf.Closure.Status == domain.StatusApproved {
				return &domain.ValidationError{Messages: []string{"Closure has already been requested"}}
			}
		case role == domain.RoleAssetManager && s == domain.StageClosedByPO:
			if wf.Closure.Status != domain.StatusApproved {
				return &domain.ValidationError{Messages: []string{"Closure has not been requested"}}
			}
		}
		out, err := e.machine().Transition(stage.Input{
			Action:   stage.ActionClose,
			Stage:    s,
			Role:     role,
			Decision: in.Decision,
			Risk:     agg.form.OverallRisk,
			Urgent:   agg.form.Urgent,
		})
		if err != nil {
			return err
		}
		ts := e.now().UTC().Format(time.RFC3339)
		decided := domain.Approval{Email: in.Actor, Status: in.Decision.Status(), DecidedAt: ts, Reason: in.Reason}
		am := wf.Approval(domain.RoleAssetManager)
		if role == domain.RolePermitOriginator {
			wf.Closure = decided
			wf.SetApproval(domain.RoleAssetManager, domain.Approval{Email: am.Email, Status: domain.StatusPending})
		} else {
			wf.SetApproval(role, decided)
		}
		if out.Has(stage.EffectResetAssetManager) {
			wf.Closure = domain.Approval{Email: wf.Closure.Email, Status: domain.StatusPending}
		}
		if out.Has(stage.EffectCloseRows) {
			if err := e.closeOpenRows(ctx, tx, agg); err != nil {
				return err
			}
		}
		wf.Stage = out.To
		if err := e.persist(ctx, tx, agg, ts); err != nil {
			return err
		}
		if err := e.history(ctx, tx, agg.form.ID, role, in.Actor, in.Decision, in.Reason, out.From, out.To, ts); err != nil {
			return err
		}
		evt := events.ClosureRequested
		if out.To == domain.StageClosedByAssetManager {
			evt = events.FormClosed
		}
		if err := e.events().Append(ctx, tx, evt, agg.form.ID, "workflow", wf.ID, in.Actor, events.EventPayload{
			"role":     role,
			"decision": in.Decision,
			"from":     out.From,
			"to":       out.To,
		}); err != nil {
			return err
		}
		snap = agg.snapshot()
		return nil
	})
	if err != nil {
		logger(in.FormID, in.Actor).WithError(err).Warn("closure refused")
	}
	return snap, err
}

// Cancel permanently closes a form that has not been issued.
func (e Engine) Cancel(ctx context.Context, in CancelInput) (domain.Snapshot, error) {
	m, err := e.membership(ctx, in.Actor)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	err = e.inTx(ctx, "cancel", func(tx *sql.Tx) error {
		agg, err := e.load(ctx, tx, in.FormID)
		if err != nil {
			return err
		}
		if err := requireWorkflow(agg); err != nil {
			return err
		}
		if err := checkVersion(agg, in.ExpectedVersion); err != nil {
			return err
		}
		s := agg.wf.Stage
		if err := agg.roleSet(in.Actor, m).Require(domain.RolePermitOriginator, s); err != nil {
			return err
		}
		out, err := e.machine().Transition(stage.Input{Action: stage.ActionCancel, Stage: s, Role: domain.RolePermitOriginator})
		if err != nil {
			return err
		}
		if out.Has(stage.EffectCloseRows) {
			if err := e.closeOpenRows(ctx, tx, agg); err != nil {
				return err
			}
		}
		ts := e.now().UTC().Format(time.RFC3339)
		agg.wf.Stage = out.To
		if err := e.persist(ctx, tx, agg, ts); err != nil {
			return err
		}
		if err := e.history(ctx, tx, agg.form.ID, domain.RolePermitOriginator, in.Actor, domain.DecisionRejected, in.Reason, out.From, out.To, ts); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.FormCancelled, agg.form.ID, "workflow", agg.wf.ID, in.Actor, events.EventPayload{
			"from":   out.From,
			"reason": in.Reason,
		}); err != nil {
			return err
		}
		snap = agg.snapshot()
		return nil
	})
	if err == nil {
		logger(in.FormID, in.Actor).Info("form cancelled")
	}
	return snap, err
}
