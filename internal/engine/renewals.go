package engine

import (
	"context"
	"database/sql"
	"time"

	"permitline/internal/domain"
	"permitline/internal/engine/gate"
	"permitline/internal/engine/renewal"
	"permitline/internal/engine/roles"
	"permitline/internal/events"
)

type RenewalInput struct {
	FormID string
	Actor  string
	Row    domain.ScheduleRequest
}

type RenewalDecisionInput struct {
	FormID   string
	RowID    string
	Actor    string
	Decision domain.Decision
}

// ExtendInput raises a follow-up form once renewal capacity is used up.
type ExtendInput struct {
	FormID                string
	Actor                 string
	Row                   domain.ScheduleRequest
	AssetDirectorDelegate bool
	HSEDirectorDelegate   bool
}

func (e Engine) requireIssuedOriginator(agg *aggregate, actor string, m roles.Membership) error {
	if err := requireWorkflow(agg); err != nil {
		return err
	}
	s := agg.wf.Stage
	if err := agg.roleSet(actor, m).Require(domain.RolePermitOriginator, s); err != nil {
		return err
	}
	if s != domain.StageIssued && s != domain.StageApprovedFromHSEToPO {
		return &domain.AuthorizationError{Role: domain.RolePermitOriginator, Stage: s, Reason: "the permit is not issued"}
	}
	return nil
}

// AddRenewal appends a pending renewal row for the issuer to decide.
func (e Engine) AddRenewal(ctx context.Context, in RenewalInput) (domain.Snapshot, error) {
	m, err := e.membership(ctx, in.Actor)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	err = e.inTx(ctx, "add renewal", func(tx *sql.Tx) error {
		agg, err := e.load(ctx, tx, in.FormID)
		if err != nil {
			return err
		}
		if err := e.requireIssuedOriginator(agg, in.Actor, m); err != nil {
			return err
		}
		settings := e.gateSettings()
		if err := domain.NewValidationError(gate.ScheduleMessages(in.Row, settings)); err != nil {
			return err
		}
		now := e.now()
		tr := agg.tracker(settings.Location)
		if err := tr.CheckAdd(in.Row, now, agg.form.ExtendedTo != ""); err != nil {
			return err
		}
		row := tr.NextRow(e.newID(), agg.form.ID, in.Row, now)
		if err := e.Repo.InsertWorkPermit(ctx, tx, row); err != nil {
			return err
		}
		agg.rows = append(agg.rows, row)
		if err := e.events().Append(ctx, tx, events.RenewalAdded, agg.form.ID, "work_permit", row.ID, in.Actor, events.EventPayload{
			"date":       row.Date,
			"start_time": row.StartTime,
			"end_time":   row.EndTime,
			"issuer":     row.IssuerEmail,
			"remaining":  tr.Remaining() - 1,
		}); err != nil {
			return err
		}
		snap = agg.snapshot()
		return nil
	})
	if err != nil {
		logger(in.FormID, in.Actor).WithError(err).Warn("renewal refused")
	}
	return snap, err
}

// ApproveRenewal records the issuer's decision on a pending renewal row. The
// workflow stage does not move.
func (e Engine) ApproveRenewal(ctx context.Context, in RenewalDecisionInput) (domain.Snapshot, error) {
	if err := gate.RenewalDecision(in.Decision); err != nil {
		return domain.Snapshot{}, err
	}
	m, err := e.membership(ctx, in.Actor)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	err = e.inTx(ctx, "decide renewal", func(tx *sql.Tx) error {
		agg, err := e.load(ctx, tx, in.FormID)
		if err != nil {
			return err
		}
		if err := requireWorkflow(agg); err != nil {
			return err
		}
		s := agg.wf.Stage
		if !s.Issued() {
			return &domain.AuthorizationError{Role: domain.RolePermitIssuer, Stage: s, Reason: "the permit is not issued"}
		}
		idx := -1
		for i, r := range agg.rows {
			if r.ID == in.RowID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return &domain.NotFoundError{Entity: "work_permit", ID: in.RowID}
		}
		row := agg.rows[idx]
		if !domain.SameEmail(row.IssuerEmail, in.Actor) {
			return &domain.AuthorizationError{Role: domain.RolePermitIssuer, Stage: s, Reason: "caller is not the issuer of this permit row"}
		}
		a := roles.AssignmentsFor(agg.form, agg.wf, agg.asset).WithRowIssuer(row.IssuerEmail)
		if err := roles.Resolve(in.Actor, a, m).Require(domain.RolePermitIssuer, s); err != nil {
			return err
		}
		row, err = renewal.Decide(row, in.Decision, e.now())
		if err != nil {
			return err
		}
		if err := e.Repo.UpdateWorkPermit(ctx, tx, row); err != nil {
			return err
		}
		agg.rows[idx] = row
		if err := e.events().Append(ctx, tx, events.RenewalDecided, agg.form.ID, "work_permit", row.ID, in.Actor, events.EventPayload{
			"decision": in.Decision,
		}); err != nil {
			return err
		}
		snap = agg.snapshot()
		return nil
	})
	if err != nil {
		logger(in.FormID, in.Actor).WithError(err).Warn("renewal decision refused")
	}
	return snap, err
}

// Extend raises a new form prefilled from the exhausted one and submits it. The
// original is marked as extended and accepts no further renewals.
func (e Engine) Extend(ctx context.Context, in ExtendInput) (domain.Snapshot, error) {
	m, err := e.membership(ctx, in.Actor)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	err = e.inTx(ctx, "extend", func(tx *sql.Tx) error {
		orig, err := e.load(ctx, tx, in.FormID)
		if err != nil {
			return err
		}
		if err := e.requireIssuedOriginator(orig, in.Actor, m); err != nil {
			return err
		}
		now := e.now()
		tr := orig.tracker(e.Config.Location())
		if orig.form.ExtendedTo != "" {
			return &domain.CapacityError{Capacity: tr.Capacity, Used: tr.Used(), Reason: "the permit has already been extended"}
		}
		if p, ok := tr.Pending(); ok {
			return &domain.ValidationError{Messages: []string{"Permit row " + p.ID + " is still awaiting the issuer decision"}}
		}
		if tr.Remaining() > 0 {
			return &domain.ValidationError{Messages: []string{"Renewals are still available for this permit"}}
		}
		if !tr.LatestEnded(now) {
			return &domain.ValidationError{Messages: []string{"The current permit has not ended yet"}}
		}

		next := &aggregate{form: domain.Form{
			ID:                      e.newID(),
			PreviousReferenceNumber: orig.form.ReferenceNumber,
			OriginatorEmail:         in.Actor,
			Status:                  domain.FormSaved,
			CreatedAt:               now.UTC().Format(time.RFC3339),
		}}
		applyContent(&next.form, orig.form)
		next.form.Schedule = in.Row
		next.form.Checks = domain.IssuerChecks{}
		tasks := make([]domain.JobTask, 0, len(orig.tasks))
		for _, t := range orig.tasks {
			t.ID = ""
			tasks = append(tasks, t)
		}
		next.tasks = e.prepareTasks(next.form.ID, tasks)
		if err := e.submit(ctx, tx, next, true, in.Actor, in.AssetDirectorDelegate, in.HSEDirectorDelegate); err != nil {
			return err
		}

		orig.form.ExtendedTo = next.form.ID
		if err := e.persist(ctx, tx, orig, now.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.FormExtended, orig.form.ID, "form", next.form.ID, in.Actor, events.EventPayload{
			"extended_to":      next.form.ID,
			"reference_number": next.form.ReferenceNumber,
		}); err != nil {
			return err
		}
		snap, err = e.snapshot(ctx, tx, next.form.ID)
		return err
	})
	if err != nil {
		logger(in.FormID, in.Actor).WithError(err).Warn("extend refused")
		return snap, err
	}
	logger(in.FormID, in.Actor).WithField("extended_to", snap.Form.ID).Info("form extended")
	return snap, nil
}
