package renewal

import (
	"fmt"
	"sort"
	"time"

	"permitline/internal/domain"
)

// Tracker is the schedule of one form, kept in chronological order.
type Tracker struct {
	Rows     []domain.WorkPermit
	Capacity int
	Location *time.Location
}

// New sorts rows and takes capacity from the form's work categories.
func New(form domain.Form, rows []domain.WorkPermit, loc *time.Location) Tracker {
	sorted := append([]domain.WorkPermit(nil), rows...)
	Sort(sorted)
	return Tracker{Rows: sorted, Capacity: form.RenewalValidity(), Location: loc}
}

// Sort orders rows by date, start time, then order index.
func Sort(rows []domain.WorkPermit) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.OrderIndex < b.OrderIndex
	})
}

func (t Tracker) Used() int { return len(t.Rows) }

func (t Tracker) Remaining() int {
	if r := t.Capacity - t.Used(); r > 0 {
		return r
	}
	return 0
}

// Pending returns the row awaiting an issuer decision, if any.
func (t Tracker) Pending() (domain.WorkPermit, bool) {
	for _, r := range t.Rows {
		if r.AwaitingIssuer() {
			return r, true
		}
	}
	return domain.WorkPermit{}, false
}

func (t Tracker) Latest() (domain.WorkPermit, bool) {
	if len(t.Rows) == 0 {
		return domain.WorkPermit{}, false
	}
	return t.Rows[len(t.Rows)-1], true
}

// LatestEnded reports whether the most recent row has finished at now.
func (t Tracker) LatestEnded(now time.Time) bool {
	latest, ok := t.Latest()
	if !ok {
		return false
	}
	_, end, err := latest.Window(t.Location)
	if err != nil {
		return false
	}
	return !end.After(now)
}

// Expired returns open rows whose window has passed. Rows still awaiting the
// issuer are included and lapse undecided.
func (t Tracker) Expired(now time.Time) []domain.WorkPermit {
	var out []domain.WorkPermit
	for _, r := range t.Rows {
		if r.Status != domain.PermitOpen || r.Decision == domain.StatusRejected {
			continue
		}
		_, end, err := r.Window(t.Location)
		if err != nil || end.After(now) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Open returns rows not yet closed.
func (t Tracker) Open() []domain.WorkPermit {
	var out []domain.WorkPermit
	for _, r := range t.Rows {
		if r.Status != domain.PermitClosed {
			out = append(out, r)
		}
	}
	return out
}

// CheckAdd validates a renewal request against capacity and chronology.
func (t Tracker) CheckAdd(req domain.ScheduleRequest, now time.Time, extended bool) error {
	if extended {
		return &domain.CapacityError{Capacity: t.Capacity, Used: t.Used(), Reason: "renewals are closed because the permit was extended"}
	}
	if p, ok := t.Pending(); ok {
		return &domain.CapacityError{
			Capacity: t.Capacity,
			Used:     t.Used(),
			Reason:   fmt.Sprintf("permit row %s is still awaiting the issuer decision", p.ID),
		}
	}
	if t.Remaining() == 0 {
		return &domain.CapacityError{Capacity: t.Capacity, Used: t.Used(), ExtendAvailable: true}
	}
	if !t.LatestEnded(now) {
		return &domain.ValidationError{Messages: []string{"The current permit has not ended yet"}}
	}
	latest, _ := t.Latest()
	_, prevEnd, err := latest.Window(t.Location)
	if err != nil {
		return &domain.ValidationError{Messages: []string{"The current permit has an invalid schedule"}}
	}
	start, _, err := req.Window(t.Location)
	if err != nil {
		return &domain.ValidationError{Messages: []string{"Permit date and time are invalid"}}
	}
	if start.Before(prevEnd) {
		return &domain.ValidationError{Messages: []string{"Renewal must start after the previous permit ended"}}
	}
	return nil
}

// NextRow builds the row appended by a renewal.
func (t Tracker) NextRow(id, formID string, req domain.ScheduleRequest, now time.Time) domain.WorkPermit {
	return domain.WorkPermit{
		ID:          id,
		FormID:      formID,
		Type:        domain.PermitRenewal,
		Date:        req.Date,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Status:      domain.PermitOpen,
		IssuerEmail: req.IssuerEmail,
		Decision:    domain.StatusPending,
		OrderIndex:  t.nextOrder(),
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}
}

func (t Tracker) nextOrder() int {
	max := -1
	for _, r := range t.Rows {
		if r.OrderIndex > max {
			max = r.OrderIndex
		}
	}
	return max + 1
}

// IssuanceRow is the first schedule row, approved by the issuer at issuance.
func IssuanceRow(id string, form domain.Form, issuer string, now time.Time) domain.WorkPermit {
	ts := now.UTC().Format(time.RFC3339)
	if issuer == "" {
		issuer = form.Schedule.IssuerEmail
	}
	return domain.WorkPermit{
		ID:          id,
		FormID:      form.ID,
		Type:        domain.PermitNew,
		Date:        form.Schedule.Date,
		StartTime:   form.Schedule.StartTime,
		EndTime:     form.Schedule.EndTime,
		Status:      domain.PermitOpen,
		IssuerEmail: issuer,
		Decision:    domain.StatusApproved,
		DecidedAt:   ts,
		CreatedAt:   ts,
	}
}

// Decide applies an issuer decision to a pending row. Rejected rows are closed.
func Decide(row domain.WorkPermit, decision domain.Decision, now time.Time) (domain.WorkPermit, error) {
	if !row.AwaitingIssuer() {
		return row, &domain.ValidationError{Messages: []string{fmt.Sprintf("permit row %s is not awaiting a decision", row.ID)}}
	}
	row.Decision = decision.Status()
	row.DecidedAt = now.UTC().Format(time.RFC3339)
	if row.Decision == domain.StatusRejected {
		row.Status = domain.PermitClosed
	}
	return row, nil
}

func issued(s domain.Stage) bool {
	return s == domain.StageIssued || s == domain.StageApprovedFromHSEToPO
}

// CanRenewPermit reports whether the originator may add a renewal now.
func CanRenewPermit(uniqueOriginator bool, s domain.Stage, t Tracker, now time.Time, extended bool) bool {
	if !uniqueOriginator || !issued(s) || extended {
		return false
	}
	if _, pending := t.Pending(); pending {
		return false
	}
	return t.Remaining() > 0 && t.LatestEnded(now)
}

// CanExtend reports whether capacity is exhausted and a follow-up form may be raised.
func CanExtend(uniqueOriginator bool, s domain.Stage, t Tracker, now time.Time, extended bool) bool {
	if !uniqueOriginator || !issued(s) || extended {
		return false
	}
	if _, pending := t.Pending(); pending {
		return false
	}
	return t.Remaining() == 0 && t.LatestEnded(now)
}
