package engine

import (
	"context"
	"database/sql"
	"time"

	"permitline/internal/domain"
	"permitline/internal/engine/gate"
	"permitline/internal/events"
)

// ReassignmentAdvisory is returned once after a rejected form is resubmitted.
const ReassignmentAdvisory = "Approvers were reset after the rejection; confirm the performing authority, permit issuer and asset approvers before the chain proceeds"

// ResubmitInput carries the originator's corrected form. A nil Form keeps the
// stored content, but the performing authority and permit issuer picks are
// always cleared and must come back in Form.
type ResubmitInput struct {
	FormID                string
	Actor                 string
	Form                  *domain.Form
	Tasks                 []domain.JobTask
	AssetDirectorDelegate bool
	HSEDirectorDelegate   bool
	ExpectedVersion       int64
}

// Resubmit resets a rejected workflow and restarts the chain with the
// originator's auto-approval. The reset runs once per rejection.
func (e Engine) Resubmit(ctx context.Context, in ResubmitInput) (domain.Snapshot, error) {
	m, err := e.membership(ctx, in.Actor)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	err = e.inTx(ctx, "resubmit", func(tx *sql.Tx) error {
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
		if wf.Stage != domain.StageRejected {
			return &domain.AuthorizationError{Role: domain.RolePermitOriginator, Stage: wf.Stage, Reason: "only a rejected form can be resubmitted"}
		}
		if err := agg.roleSet(in.Actor, m).Require(domain.RolePermitOriginator, wf.Stage); err != nil {
			return err
		}
		if wf.ResetForRejection >= wf.RejectionCount {
			return &domain.ConflictError{Entity: "workflow", ID: wf.ID}
		}

		now := e.now()
		ts := now.UTC().Format(time.RFC3339)
		agg.form.PerformingAuthorityEmail = ""
		agg.form.Schedule.IssuerEmail = ""
		if in.Form != nil {
			applyContent(&agg.form, *in.Form)
			agg.form.WorkCategories = e.normalizeCategories(agg.form.WorkCategories)
		}
		if in.Tasks != nil {
			agg.tasks = e.prepareTasks(agg.form.ID, in.Tasks)
		}
		msgs := gate.SubmitMessages(agg.draft(), now, e.gateSettings())
		agg.asset = nil
		if agg.form.AssetDetailsID != "" {
			asset, err := e.Repo.GetAsset(ctx, tx, agg.form.AssetDetailsID)
			switch {
			case err == nil:
				agg.asset = &asset
			case isNotFound(err):
				msgs = append(msgs, "Asset details were not found")
			default:
				return &domain.DependencyError{Op: "load asset details", Err: err}
			}
		}
		if err := domain.NewValidationError(msgs); err != nil {
			return err
		}
		if err := e.Repo.ReplaceJobTasks(ctx, tx, agg.form.ID, agg.tasks); err != nil {
			return err
		}

		rejectedBy, reason := wf.RejectedBy, wf.RejectionReason
		adDelegate := in.AssetDirectorDelegate
		hseDelegate := in.HSEDirectorDelegate
		if agg.form.Urgent || agg.form.OverallRisk == domain.RiskHigh {
			adDelegate, hseDelegate = false, false
		}
		entry := e.resetChain(agg, wf, in.Actor, ts, adDelegate, hseDelegate)
		wf.ResetForRejection = wf.RejectionCount
		wf.ReassignmentRequired = true
		if err := e.persist(ctx, tx, agg, ts); err != nil {
			return err
		}
		if err := e.recordEntry(ctx, tx, agg, in.Actor, domain.StageRejected, entry, ts); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.WorkflowResubmitted, agg.form.ID, "workflow", wf.ID, in.Actor, events.EventPayload{
			"rejected_by":      rejectedBy,
			"rejection_reason": reason,
			"rejection_count":  wf.RejectionCount,
			"stage":            entry,
		}); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.WorkflowReassignmentNeeded, agg.form.ID, "workflow", wf.ID, in.Actor, events.EventPayload{
			"advisory": ReassignmentAdvisory,
		}); err != nil {
			return err
		}
		snap = agg.snapshot()
		snap.Advisory = ReassignmentAdvisory
		return nil
	})
	if err != nil {
		logger(in.FormID, in.Actor).WithError(err).Warn("resubmit refused")
		return snap, err
	}
	logger(in.FormID, in.Actor).WithField("stage", snap.Workflow.Stage).Info("form resubmitted")
	return snap, nil
}
