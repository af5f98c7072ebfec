package engine

import (
	"context"
	"database/sql"

	"permitline/internal/domain"
	"permitline/internal/engine/renewal"
	"permitline/internal/engine/roles"
	"permitline/internal/engine/stage"
)

// Actions is what a caller may do on one form right now.
type Actions struct {
	FormID         string        `json:"form_id"`
	Stage          domain.Stage  `json:"stage"`
	Roles          roles.Flags   `json:"roles"`
	ExpectedActors []domain.Role `json:"expected_actors"`
	CanEdit        bool          `json:"can_edit"`
	CanDecide      bool          `json:"can_decide"`
	CanIssue       bool          `json:"can_issue"`
	CanClose       bool          `json:"can_close"`
	CanCancel      bool          `json:"can_cancel"`
	CanRenewPermit bool          `json:"can_renew_permit"`
	CanExtend      bool          `json:"can_extend"`
	CanResubmit    bool          `json:"can_resubmit"`
	PendingRowIDs  []string      `json:"pending_row_ids,omitempty"`
	RenewalsLeft   int           `json:"renewals_left"`
}

// Actions resolves the caller's roles on a form and reports the commands open to them.
func (e Engine) Actions(ctx context.Context, formID, actor string) (Actions, error) {
	m, err := e.membership(ctx, actor)
	if err != nil {
		return Actions{}, err
	}
	var out Actions
	err = e.inTx(ctx, "actions", func(tx *sql.Tx) error {
		agg, err := e.load(ctx, tx, formID)
		if err != nil {
			return err
		}
		out = e.actionsFor(agg, actor, m)
		return nil
	})
	return out, err
}

func (e Engine) actionsFor(agg *aggregate, actor string, m roles.Membership) Actions {
	rs := agg.roleSet(actor, m)
	out := Actions{FormID: agg.form.ID, Stage: domain.StageNew, Roles: rs.Flags()}
	if agg.wf == nil {
		out.CanEdit = domain.SameEmail(agg.form.OriginatorEmail, actor) && rs.Has(domain.RolePermitOriginator)
		return out
	}
	s := agg.wf.Stage
	mc := e.machine()
	out.Stage = s
	out.ExpectedActors = mc.ExpectedActors(stage.ActionDecide, s)
	if _, err := rs.Actor(out.ExpectedActors, s); err == nil {
		out.CanDecide = true
	}
	out.CanIssue = mc.Expects(stage.ActionDecide, s, domain.RolePermitIssuer) && rs.Require(domain.RolePermitIssuer, s) == nil
	if stage.CanClose(s) {
		if _, err := rs.Actor(mc.ExpectedActors(stage.ActionClose, s), s); err == nil {
			out.CanClose = true
		}
	}
	uniquePO := rs.Unique(domain.RolePermitOriginator)
	out.CanCancel = stage.CanCancel(s) && uniquePO
	out.CanResubmit = s == domain.StageRejected && uniquePO && agg.wf.ResetForRejection < agg.wf.RejectionCount

	now := e.now()
	extended := agg.form.ExtendedTo != ""
	tr := agg.tracker(e.Config.Location())
	out.RenewalsLeft = tr.Remaining()
	out.CanRenewPermit = renewal.CanRenewPermit(uniquePO, s, tr, now, extended)
	out.CanExtend = renewal.CanExtend(uniquePO, s, tr, now, extended)
	for _, r := range tr.Rows {
		if r.AwaitingIssuer() && domain.SameEmail(r.IssuerEmail, actor) && !domain.SameEmail(agg.form.OriginatorEmail, actor) {
			out.PendingRowIDs = append(out.PendingRowIDs, r.ID)
		}
	}
	return out
}
