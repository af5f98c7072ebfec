package stage

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"permitline/internal/domain"
)

// Action distinguishes the command driving a transition.
type Action string

const (
	ActionDecide Action = "decide"
	ActionClose  Action = "close"
	ActionCancel Action = "cancel"
)

// RiskCond restricts a rule to a range of overall risk.
type RiskCond int

const (
	AnyRisk RiskCond = iota
	NotHighRisk
	HighRisk
)

func (c RiskCond) match(r domain.RiskLevel) bool {
	switch c {
	case NotHighRisk:
		return r != domain.RiskHigh
	case HighRisk:
		return r == domain.RiskHigh
	}
	return true
}

// UrgencyCond restricts a rule to urgent or regular submissions.
type UrgencyCond int

const (
	AnyUrgency UrgencyCond = iota
	RegularOnly
	UrgentOnly
)

func (c UrgencyCond) match(urgent bool) bool {
	switch c {
	case RegularOnly:
		return !urgent
	case UrgentOnly:
		return urgent
	}
	return true
}

// Effect lists side effects the orchestrator applies with the stage change.
type Effect int

const (
	EffectNone Effect = iota
	// EffectIssuePermit creates the first schedule row approved by the issuer.
	EffectIssuePermit
	// EffectResetPA puts the performing authority back to Pending.
	EffectResetPA
	// EffectResetAssetManager puts the asset manager back to Pending and reopens closure.
	EffectResetAssetManager
	// EffectCloseRows closes every open schedule row.
	EffectCloseRows
	// EffectReject freezes the chain with the decision's reason.
	EffectReject
)

// Rule is one row of the transition table.
type Rule struct {
	Action   Action
	From     domain.Stage
	Role     domain.Role
	Decision domain.Decision
	Risk     RiskCond
	Urgency  UrgencyCond
	To       domain.Stage
	Effects  []Effect
}

func decide(from domain.Stage, role domain.Role, d domain.Decision, to domain.Stage, effects ...Effect) Rule {
	return Rule{Action: ActionDecide, From: from, Role: role, Decision: d, To: to, Effects: effects}
}

func rules() []Rule {
	var out []Rule

	for _, from := range []domain.Stage{domain.StageApprovedFromPOToPA, domain.StageApprovedFromPIToPA} {
		approve := decide(from, domain.RolePerformingAuthority, domain.DecisionApproved, domain.StageApprovedFromPAToPI)
		approve.Urgency = RegularOnly
		out = append(out, approve,
			decide(from, domain.RolePerformingAuthority, domain.DecisionRejected, domain.StageRejected, EffectReject))
	}

	for _, from := range []domain.Stage{domain.StageApprovedFromPOToPI, domain.StageApprovedFromPAToPI} {
		issue := decide(from, domain.RolePermitIssuer, domain.DecisionApproved, domain.StageIssued, EffectIssuePermit)
		issue.Risk = NotHighRisk
		escalate := decide(from, domain.RolePermitIssuer, domain.DecisionApproved, domain.StageApprovedFromPIToAsset)
		escalate.Risk = HighRisk
		ret := decide(from, domain.RolePermitIssuer, domain.DecisionReturned, domain.StageApprovedFromPIToPA, EffectResetPA)
		ret.Urgency = RegularOnly
		out = append(out, issue, escalate, ret,
			decide(from, domain.RolePermitIssuer, domain.DecisionRejected, domain.StageRejected, EffectReject))
	}

	for _, from := range []domain.Stage{domain.StageApprovedFromPIToAsset, domain.StageApprovedFromPOToAssetUrgent} {
		out = append(out,
			decide(from, domain.RoleAssetDirector, domain.DecisionApproved, domain.StageApprovedFromAssetToHSE),
			decide(from, domain.RoleAssetDirector, domain.DecisionRejected, domain.StageRejected, EffectReject))
	}

	out = append(out,
		decide(domain.StageApprovedFromAssetToHSE, domain.RoleHSEDirector, domain.DecisionApproved, domain.StageIssued, EffectIssuePermit),
		decide(domain.StageApprovedFromAssetToHSE, domain.RoleHSEDirector, domain.DecisionRejected, domain.StageRejected, EffectReject),
	)

	for _, from := range []domain.Stage{domain.StageIssued, domain.StageApprovedFromHSEToPO} {
		out = append(out, Rule{Action: ActionClose, From: from, Role: domain.RolePermitOriginator, Decision: domain.DecisionApproved, To: domain.StageClosedByPO})
	}
	out = append(out,
		// re-request after an asset manager rejection
		Rule{Action: ActionClose, From: domain.StageClosedByPO, Role: domain.RolePermitOriginator, Decision: domain.DecisionApproved, To: domain.StageClosedByPO},
		// withdrawal
		Rule{Action: ActionClose, From: domain.StageClosedByPO, Role: domain.RolePermitOriginator, Decision: domain.DecisionRejected, To: domain.StageIssued},
	)
	for _, from := range []domain.Stage{domain.StageClosedByPO, domain.StageApprovedFromPOToAssetManager} {
		out = append(out,
			Rule{Action: ActionClose, From: from, Role: domain.RoleAssetManager, Decision: domain.DecisionApproved, To: domain.StageClosedByAssetManager, Effects: []Effect{EffectCloseRows}},
			Rule{Action: ActionClose, From: from, Role: domain.RoleAssetManager, Decision: domain.DecisionRejected, To: domain.StageClosedByPO, Effects: []Effect{EffectResetAssetManager}},
		)
	}

	for _, from := range cancellable.ToSlice() {
		out = append(out, Rule{Action: ActionCancel, From: from, Role: domain.RolePermitOriginator, To: domain.StagePermanentlyClosed, Effects: []Effect{EffectCloseRows}})
	}
	return out
}

var cancellable = mapset.NewSet(
	domain.StageNew,
	domain.StageApprovedFromPOToPA,
	domain.StageApprovedFromPIToPA,
	domain.StageApprovedFromPOToPI,
	domain.StageApprovedFromPAToPI,
	domain.StageApprovedFromPOToAssetUrgent,
	domain.StageApprovedFromPIToAsset,
	domain.StageApprovedFromAssetToHSE,
	domain.StageRejected,
)

var closable = mapset.NewSet(
	domain.StageIssued,
	domain.StageApprovedFromHSEToPO,
	domain.StageClosedByPO,
	domain.StageApprovedFromPOToAssetManager,
)

// DefaultRules is the transition table evaluated in order; the first match wins.
var DefaultRules = rules()

// Input is everything a transition depends on.
type Input struct {
	Action   Action
	Stage    domain.Stage
	Role     domain.Role
	Decision domain.Decision
	Risk     domain.RiskLevel
	Urgent   bool
}

type Outcome struct {
	From    domain.Stage
	To      domain.Stage
	Effects []Effect
}

func (o Outcome) Has(e Effect) bool {
	for _, x := range o.Effects {
		if x == e {
			return true
		}
	}
	return false
}

// Machine evaluates a transition table.
type Machine struct {
	rules []Rule
}

func NewMachine() *Machine {
	return &Machine{rules: DefaultRules}
}

// Transition computes the next stage. A caller whose role is not expected at the
// stage gets an AuthorizationError; a decision the stage does not accept gets a ValidationError.
func (m *Machine) Transition(in Input) (Outcome, error) {
	if in.Action == "" {
		in.Action = ActionDecide
	}
	if !in.Stage.Valid() {
		return Outcome{}, &domain.AuthorizationError{Role: in.Role, Stage: in.Stage, Reason: "unknown stage"}
	}
	expected := false
	for _, r := range m.rules {
		if r.Action != in.Action || r.From != in.Stage || r.Role != in.Role {
			continue
		}
		expected = true
		if r.Decision != "" && r.Decision != in.Decision {
			continue
		}
		if !r.Risk.match(in.Risk) || !r.Urgency.match(in.Urgent) {
			continue
		}
		return Outcome{From: in.Stage, To: r.To, Effects: r.Effects}, nil
	}
	if !expected {
		return Outcome{}, &domain.AuthorizationError{
			Role:   in.Role,
			Stage:  in.Stage,
			Reason: fmt.Sprintf("%s is not the expected actor for %s", in.Role.Short(), in.Action),
		}
	}
	return Outcome{}, &domain.ValidationError{Messages: []string{
		fmt.Sprintf("decision %q is not allowed for %s at stage %s", in.Decision, in.Role.Short(), in.Stage),
	}}
}

// ExpectedActors returns the roles that may act at stage for action, in table order.
func (m *Machine) ExpectedActors(action Action, s domain.Stage) []domain.Role {
	seen := mapset.NewThreadUnsafeSet[domain.Role]()
	var out []domain.Role
	for _, r := range m.rules {
		if r.Action == action && r.From == s && seen.Add(r.Role) {
			out = append(out, r.Role)
		}
	}
	return out
}

// Expects reports whether role holds the baton at stage for action.
func (m *Machine) Expects(action Action, s domain.Stage, role domain.Role) bool {
	for _, r := range m.ExpectedActors(action, s) {
		if r == role {
			return true
		}
	}
	return false
}

// Entry is the stage a freshly submitted or resubmitted workflow lands in after
// PO auto-approval. The boolean reports whether PA was collapsed into PO.
func Entry(urgent bool, originator, performingAuthority string) (domain.Stage, bool) {
	if urgent {
		return domain.StageApprovedFromPOToAssetUrgent, false
	}
	if performingAuthority != "" && domain.SameEmail(originator, performingAuthority) {
		return domain.StageApprovedFromPOToPI, true
	}
	return domain.StageApprovedFromPOToPA, false
}

// CanCancel reports whether the PO may still cancel, which is only before issuance.
func CanCancel(s domain.Stage) bool { return cancellable.Contains(s) }

// CanClose reports whether closure is in progress or may be requested.
func CanClose(s domain.Stage) bool { return closable.Contains(s) }

// AwaitingDecision reports whether any role owes a decision at s.
func AwaitingDecision(s domain.Stage) bool {
	return s.PreIssuance() && s != domain.StageNew
}
