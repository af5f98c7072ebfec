package renewal_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permitline/internal/domain"
	"permitline/internal/engine/renewal"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func form(validity ...int) domain.Form {
	f := domain.Form{ID: "f1"}
	for i, v := range validity {
		f.WorkCategories = append(f.WorkCategories, domain.WorkCategory{ID: string(rune('a' + i)), RenewalValidity: v})
	}
	return f
}

func row(id, date string, decision domain.Status, order int) domain.WorkPermit {
	return domain.WorkPermit{
		ID: id, FormID: "f1", Type: domain.PermitRenewal,
		Date: date, StartTime: "07:00", EndTime: "17:00",
		Status: domain.PermitOpen, Decision: decision, OrderIndex: order,
	}
}

func TestCapacityIsMinimumValidity(t *testing.T) {
	tr := renewal.New(form(5, 2, 7), nil, time.UTC)
	assert.Equal(t, 2, tr.Capacity)
	assert.Equal(t, 0, renewal.New(form(), nil, time.UTC).Capacity)
}

func TestRowsSortedChronologically(t *testing.T) {
	tr := renewal.New(form(5), []domain.WorkPermit{
		row("c", "2024-03-09", domain.StatusApproved, 2),
		row("a", "2024-03-07", domain.StatusApproved, 0),
		row("b", "2024-03-08", domain.StatusApproved, 1),
	}, time.UTC)
	ids := []string{tr.Rows[0].ID, tr.Rows[1].ID, tr.Rows[2].ID}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestAddRefusedWhileRowPending(t *testing.T) {
	tr := renewal.New(form(5), []domain.WorkPermit{
		row("a", "2024-03-07", domain.StatusApproved, 0),
		row("b", "2024-03-08", domain.StatusPending, 1),
	}, time.UTC)
	err := tr.CheckAdd(domain.ScheduleRequest{Date: "2024-03-11", StartTime: "07:00", EndTime: "17:00"}, now, false)
	var capErr *domain.CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.False(t, capErr.ExtendAvailable)
	assert.Contains(t, capErr.Error(), "awaiting")
}

func TestAddAtCapacitySignalsExtend(t *testing.T) {
	tr := renewal.New(form(2), []domain.WorkPermit{
		row("a", "2024-03-07", domain.StatusApproved, 0),
		row("b", "2024-03-08", domain.StatusApproved, 1),
	}, time.UTC)
	err := tr.CheckAdd(domain.ScheduleRequest{Date: "2024-03-11", StartTime: "07:00", EndTime: "17:00"}, now, false)
	var capErr *domain.CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.True(t, capErr.ExtendAvailable)
	assert.Equal(t, 2, capErr.Capacity)
	assert.Equal(t, 2, capErr.Used)
	assert.True(t, renewal.CanExtend(true, domain.StageIssued, tr, now, false))
	assert.False(t, renewal.CanRenewPermit(true, domain.StageIssued, tr, now, false))
}

func TestAddRequiresLatestEnded(t *testing.T) {
	tr := renewal.New(form(3), []domain.WorkPermit{row("a", "2024-03-10", domain.StatusApproved, 0)}, time.UTC)
	err := tr.CheckAdd(domain.ScheduleRequest{Date: "2024-03-11", StartTime: "07:00", EndTime: "17:00"}, now, false)
	var vErr *domain.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.False(t, renewal.CanRenewPermit(true, domain.StageIssued, tr, now, false))

	later := now.Add(6 * time.Hour)
	require.NoError(t, tr.CheckAdd(domain.ScheduleRequest{Date: "2024-03-11", StartTime: "07:00", EndTime: "17:00"}, later, false))
	assert.True(t, renewal.CanRenewPermit(true, domain.StageIssued, tr, later, false))
	assert.False(t, renewal.CanRenewPermit(false, domain.StageIssued, tr, later, false))
	assert.False(t, renewal.CanRenewPermit(true, domain.StageClosedByPO, tr, later, false))
}

func TestAddRefusedAfterExtension(t *testing.T) {
	tr := renewal.New(form(3), []domain.WorkPermit{row("a", "2024-03-07", domain.StatusApproved, 0)}, time.UTC)
	err := tr.CheckAdd(domain.ScheduleRequest{Date: "2024-03-11", StartTime: "07:00", EndTime: "17:00"}, now, true)
	var capErr *domain.CapacityError
	require.True(t, errors.As(err, &capErr))
}

func TestAddRejectsOverlap(t *testing.T) {
	tr := renewal.New(form(3), []domain.WorkPermit{row("a", "2024-03-07", domain.StatusApproved, 0)}, time.UTC)
	err := tr.CheckAdd(domain.ScheduleRequest{Date: "2024-03-07", StartTime: "08:00", EndTime: "17:00"}, now, false)
	var vErr *domain.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, []string{"Renewal must start after the previous permit ended"}, vErr.Messages)
}

func TestRowCountNeverExceedsCapacity(t *testing.T) {
	tr := renewal.New(form(3), []domain.WorkPermit{renewal.IssuanceRow("r0", domain.Form{ID: "f1", Schedule: domain.ScheduleRequest{Date: "2024-03-01", StartTime: "07:00", EndTime: "17:00", IssuerEmail: "pi@example.com"}}, "", now)}, time.UTC)
	day := 2
	for {
		req := domain.ScheduleRequest{Date: time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC).Format(domain.DateLayout), StartTime: "07:00", EndTime: "17:00", IssuerEmail: "pi@example.com"}
		if err := tr.CheckAdd(req, now, false); err != nil {
			var capErr *domain.CapacityError
			require.True(t, errors.As(err, &capErr))
			break
		}
		r := tr.NextRow("r", "f1", req, now)
		r, err := renewal.Decide(r, domain.DecisionApproved, now)
		require.NoError(t, err)
		tr.Rows = append(tr.Rows, r)
		day++
		require.LessOrEqual(t, tr.Used(), tr.Capacity)
	}
	assert.Equal(t, 3, tr.Used())
}

func TestExpiredRows(t *testing.T) {
	tr := renewal.New(form(5), []domain.WorkPermit{
		row("a", "2024-03-07", domain.StatusApproved, 0),
		row("b", "2024-03-10", domain.StatusApproved, 1),
		row("c", "2024-03-08", domain.StatusPending, 2),
	}, time.UTC)
	expired := tr.Expired(now)
	require.Len(t, expired, 2)
	assert.Equal(t, "a", expired[0].ID)
	assert.Equal(t, "c", expired[1].ID, "an undecided row lapses once its window ends")
}

func TestDecide(t *testing.T) {
	r := row("a", "2024-03-11", domain.StatusPending, 1)
	approved, err := renewal.Decide(r, domain.DecisionApproved, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Decision)
	assert.Equal(t, domain.PermitOpen, approved.Status)
	assert.NotEmpty(t, approved.DecidedAt)

	rejected, err := renewal.Decide(r, domain.DecisionRejected, now)
	require.NoError(t, err)
	assert.Equal(t, domain.PermitClosed, rejected.Status)

	_, err = renewal.Decide(approved, domain.DecisionApproved, now)
	require.Error(t, err)
}

func TestIssuanceRow(t *testing.T) {
	f := domain.Form{ID: "f1", Schedule: domain.ScheduleRequest{Date: "2024-03-11", StartTime: "07:00", EndTime: "17:00", IssuerEmail: "pi@example.com"}}
	r := renewal.IssuanceRow("r1", f, "", now)
	assert.Equal(t, domain.PermitNew, r.Type)
	assert.Equal(t, domain.StatusApproved, r.Decision)
	assert.Equal(t, "pi@example.com", r.IssuerEmail)
	assert.Equal(t, 0, r.OrderIndex)
}
