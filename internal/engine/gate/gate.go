package gate

import (
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"permitline/internal/domain"
)

// Settings are the configurable inputs of the gates.
type Settings struct {
	LeadTime        time.Duration
	HazardThreshold int
	OthersHazard    string
	Companies       []string
	WorkCategories  []string
	Location        *time.Location
}

// Draft is the payload checked by the gates.
type Draft struct {
	Form  domain.Form
	Tasks []domain.JobTask
}

// HazardCount counts distinct selected hazards.
func HazardCount(hazards []string) int {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, h := range hazards {
		if h = strings.TrimSpace(h); h != "" {
			set.Add(h)
		}
	}
	return set.Cardinality()
}

// RiskAssessmentRequired reports whether job tasks must be assessed.
func (s Settings) RiskAssessmentRequired(f domain.Form) bool {
	threshold := s.HazardThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return HazardCount(f.Hazards) >= threshold
}

type collector []string

func (c *collector) require(ok bool, format string, args ...any) {
	if !ok {
		*c = append(*c, fmt.Sprintf(format, args...))
	}
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func nonEmpty(items []string) bool {
	for _, it := range items {
		if !blank(it) {
			return true
		}
	}
	return false
}

// SubmitMessages lists every missing or invalid field of a submission.
func SubmitMessages(d Draft, now time.Time, s Settings) []string {
	var c collector
	f := d.Form

	c.require(!blank(f.AssetID), "Asset ID is required")
	c.require(!blank(f.AssetCategory), "Asset category is required")
	c.require(!blank(f.AssetDetailsID), "Asset details are required")
	c.require(!blank(f.ProjectTitle), "Project title is required")
	if blank(f.Company) {
		c.require(false, "Company is required")
	} else if len(s.Companies) > 0 {
		c.require(mapset.NewThreadUnsafeSet(s.Companies...).Contains(f.Company), "Company %q is not recognised", f.Company)
	}

	if len(f.WorkCategories) == 0 {
		c.require(false, "At least one work category is required")
	} else {
		known := mapset.NewThreadUnsafeSet(s.WorkCategories...)
		for _, wc := range f.WorkCategories {
			if known.Cardinality() > 0 && !known.Contains(wc.ID) {
				c.require(false, "Work category %q is not recognised", wc.ID)
				continue
			}
			// the issuance row consumes one unit of validity
			c.require(wc.RenewalValidity > 0, "Work category %q allows no permit", wc.ID)
		}
	}

	sched := f.Schedule
	c.require(!blank(sched.Date), "Permit date is required")
	c.require(!blank(sched.StartTime), "Permit start time is required")
	c.require(!blank(sched.IssuerEmail), "Permit issuer is required")
	if !blank(sched.Date) && !blank(sched.StartTime) {
		start, _, err := sched.Window(s.Location)
		switch {
		case err != nil:
			c.require(false, "Permit date and time are invalid")
		case !f.Urgent && start.Before(now.Add(s.LeadTime)):
			c.require(false, "Permit start must be at least %d hours from now for a non-urgent submission", int(s.LeadTime.Hours()))
		}
	}

	c.require(f.Urgent || !blank(f.PerformingAuthorityEmail), "Performing authority is required")
	c.require(!blank(f.HACWorkArea), "HAC work area is required")
	c.require(nonEmpty(f.Precautions), "At least one precaution is required")
	c.require(nonEmpty(f.ProtectiveEquipment), "At least one protective equipment item is required")
	c.require(nonEmpty(f.Machinery), "At least one machinery or tool is required")

	if s.RiskAssessmentRequired(f) {
		c.require(len(d.Tasks) > 0, "At least one job task is required when %d or more hazards are selected", threshold(s))
		for i, task := range d.Tasks {
			c.require(!blank(task.Description), "Job task row %d: task description is required", i+1)
		}
	}
	if s.OthersHazard != "" && mapset.NewThreadUnsafeSet(f.Hazards...).Contains(s.OthersHazard) {
		c.require(!blank(f.HazardsOther), "Description for the %q hazard is required", s.OthersHazard)
	}
	return c
}

func threshold(s Settings) int {
	if s.HazardThreshold <= 0 {
		return 3
	}
	return s.HazardThreshold
}

// Submit returns a ValidationError listing every missing field, or nil.
func Submit(d Draft, now time.Time, s Settings) error {
	return domain.NewValidationError(SubmitMessages(d, now, s))
}

// DecisionMessages checks the fields every approving role must provide.
func DecisionMessages(role domain.Role, decision domain.Decision, reason string) []string {
	var c collector
	switch decision {
	case domain.DecisionApproved, domain.DecisionRejected, domain.DecisionReturned:
	case "", domain.DecisionPending:
		c.require(false, "%s decision is required", role.Short())
	default:
		c.require(false, "%s decision %q is invalid", role.Short(), decision)
	}
	if decision == domain.DecisionRejected || decision == domain.DecisionReturned {
		c.require(!blank(reason), "%s rejection reason is required", role.Short())
	}
	return c
}

// IssuerMessages checks what the permit issuer must complete before approving.
func IssuerMessages(d Draft, s Settings) []string {
	var c collector
	f := d.Form
	if s.RiskAssessmentRequired(f) {
		c.require(len(d.Tasks) > 0, "At least one job task is required when %d or more hazards are selected", threshold(s))
		for i, task := range d.Tasks {
			c.require(task.InitialRisk.Valid(), "Job task row %d: initial risk is required", i+1)
			c.require(task.ResidualRisk.Valid(), "Job task row %d: residual risk is required", i+1)
		}
		c.require(f.OverallRisk.Valid(), "Overall risk is required")
		if f.DetailedRisk {
			c.require(!blank(f.DetailedRiskReference), "Detailed risk assessment reference is required")
		}
	}
	ch := f.Checks
	if ch.GasTestRequired {
		c.require(!blank(ch.GasTestResult), "Gas test result is required")
	}
	if ch.FireWatchRequired {
		c.require(!blank(ch.FireWatchAssignee), "Fire watch assignee is required")
	}
	if ch.AttachmentsRequired {
		c.require(!blank(ch.AttachmentDetails), "Attachment details are required")
	}
	if ch.ToolboxTalk.Checked {
		c.require(!blank(ch.ToolboxTalk.Conductor), "Toolbox talk conductor is required")
		c.require(!blank(ch.ToolboxTalk.HSEReference), "Toolbox talk HSE reference is required")
		if blank(ch.ToolboxTalk.Date) {
			c.require(false, "Toolbox talk date is required")
		} else {
			_, err := time.Parse(domain.DateLayout, ch.ToolboxTalk.Date)
			c.require(err == nil, "Toolbox talk date %q is invalid", ch.ToolboxTalk.Date)
		}
	}
	return c
}

// Approve runs the approve gate for role. Issuer approvals include the issuer checks.
func Approve(role domain.Role, decision domain.Decision, reason string, d Draft, s Settings) error {
	msgs := DecisionMessages(role, decision, reason)
	if role == domain.RolePermitIssuer && decision == domain.DecisionApproved {
		msgs = append(msgs, IssuerMessages(d, s)...)
	}
	return domain.NewValidationError(msgs)
}

// RenewalDecision gates an issuer decision on a schedule row.
func RenewalDecision(decision domain.Decision) error {
	var c collector
	c.require(decision == domain.DecisionApproved || decision == domain.DecisionRejected,
		"Renewal decision must be Approved or Rejected")
	return domain.NewValidationError(c)
}

// ScheduleMessages checks a requested schedule row.
func ScheduleMessages(row domain.ScheduleRequest, s Settings) []string {
	var c collector
	c.require(!blank(row.Date), "Permit date is required")
	c.require(!blank(row.StartTime), "Permit start time is required")
	c.require(!blank(row.EndTime), "Permit end time is required")
	c.require(!blank(row.IssuerEmail), "Permit issuer is required")
	if !blank(row.Date) && !blank(row.StartTime) {
		_, _, err := row.Window(s.Location)
		c.require(err == nil, "Permit date and time are invalid")
	}
	return c
}

// DeriveOverallRisk returns the highest residual risk across tasks, falling back
// to initial risk, and Low when nothing is assessed.
func DeriveOverallRisk(tasks []domain.JobTask) domain.RiskLevel {
	best := domain.RiskLevel("")
	for _, t := range tasks {
		r := t.ResidualRisk
		if !r.Valid() {
			r = t.InitialRisk
		}
		if r.Rank() > best.Rank() {
			best = r
		}
	}
	if !best.Valid() {
		return domain.RiskLow
	}
	return best
}
