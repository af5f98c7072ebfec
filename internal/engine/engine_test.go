package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permitline/internal/app"
	"permitline/internal/config"
	"permitline/internal/db"
	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/migrate"
	"permitline/internal/repo"
)

const (
	po    = "po@example.com"
	pa    = "pa@example.com"
	pi    = "pi@example.com"
	ad    = "ad@example.com"
	adRep = "ad-rep@example.com"
	hse   = "hse@example.com"
	am    = "am@example.com"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func (env testEnv) advance(to time.Time) { *env.clock = to }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.WorkCategories = []domain.WorkCategory{
		{ID: "general", Title: "General", RenewalValidity: 7},
		{ID: "hot-work", Title: "Hot work", RenewalValidity: 2},
		{ID: "once", Title: "No renewal", RenewalValidity: 0},
	}
	cfg.Assets = []domain.AssetDetails{{
		ID:                    "asset-1",
		Category:              "Pumps",
		Title:                 "Pump 1",
		AssetDirector:         ad,
		AssetDirectorReplacer: adRep,
		AssetManager:          am,
		HSEPartners:           []string{"partner@example.com"},
		HSEDirector:           hse,
	}}
	cfg.Directory.Groups = map[string][]string{
		cfg.Groups.PermitOriginator:    {po},
		cfg.Groups.PerformingAuthority: {pa, po},
	}
	ctx := context.Background()
	require.NoError(t, app.Seed(ctx, repo.Repo{DB: conn}, cfg))

	eng := engine.New(conn, cfg)
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: ctx, clock: &clock}
}

func draft() domain.Form {
	return domain.Form{
		AssetID:                  "P-100",
		AssetCategory:            "Pumps",
		AssetDetailsID:           "asset-1",
		Company:                  "Main Contractor",
		ProjectTitle:             "Replace seal",
		WorkCategories:           []domain.WorkCategory{{ID: "hot-work"}},
		Hazards:                  []string{"Heat"},
		Precautions:              []string{"Barrier"},
		ProtectiveEquipment:      []string{"Gloves"},
		Machinery:                []string{"Grinder"},
		HACWorkArea:              "Zone 2",
		PerformingAuthorityEmail: pa,
		Schedule: domain.ScheduleRequest{
			Date:        "2024-03-03",
			StartTime:   "08:00",
			EndTime:     "17:00",
			IssuerEmail: pi,
		},
	}
}

func (env testEnv) submit(t *testing.T, f domain.Form) domain.Snapshot {
	t.Helper()
	snap, err := env.Engine.Submit(env.Ctx, po, engine.FormInput{Form: f})
	require.NoError(t, err)
	return snap
}

func (env testEnv) decide(t *testing.T, formID, actor string, d domain.Decision, reason string) domain.Snapshot {
	t.Helper()
	snap, err := env.Engine.Decide(env.Ctx, engine.DecideInput{FormID: formID, Actor: actor, Decision: d, Reason: reason})
	require.NoError(t, err)
	return snap
}

func (env testEnv) issued(t *testing.T) domain.Snapshot {
	t.Helper()
	snap := env.submit(t, draft())
	env.decide(t, snap.Form.ID, pa, domain.DecisionApproved, "")
	snap, err := env.Engine.Issue(env.Ctx, engine.IssueInput{FormID: snap.Form.ID, Actor: pi, OverallRisk: domain.RiskLow})
	require.NoError(t, err)
	require.Equal(t, domain.StageIssued, snap.Workflow.Stage)
	return snap
}

func TestSubmitAssignsReferenceAndAutoApprovesOriginator(t *testing.T) {
	env := newTestEnv(t)
	snap := env.submit(t, draft())

	assert.Equal(t, "MC-HSE-PTW-20240301-01", snap.Form.ReferenceNumber)
	assert.Equal(t, domain.FormSubmitted, snap.Form.Status)
	require.NotNil(t, snap.Workflow)
	assert.Equal(t, domain.StageApprovedFromPOToPA, snap.Workflow.Stage)
	assert.Equal(t, domain.StatusApproved, snap.Workflow.Approval(domain.RolePermitOriginator).Status)
	assert.Equal(t, domain.StatusPending, snap.Workflow.Approval(domain.RolePerformingAuthority).Status)
	assert.Equal(t, ad, snap.Workflow.Approval(domain.RoleAssetDirector).Email)
	assert.Equal(t, []string{"partner@example.com"}, snap.Workflow.HSEPartners)
	assert.Equal(t, 2, snap.Form.WorkCategories[0].RenewalValidity)
	assert.Empty(t, snap.Permits)

	second := env.submit(t, draft())
	assert.Equal(t, "MC-HSE-PTW-20240301-02", second.Form.ReferenceNumber)
}

func TestSaveThenSubmitDraft(t *testing.T) {
	env := newTestEnv(t)
	saved, err := env.Engine.Save(env.Ctx, po, engine.FormInput{Form: domain.Form{ProjectTitle: "half done"}})
	require.NoError(t, err)
	assert.Equal(t, domain.FormSaved, saved.Form.Status)
	assert.Nil(t, saved.Workflow)

	f := draft()
	f.ID = saved.Form.ID
	snap, err := env.Engine.Submit(env.Ctx, po, engine.FormInput{Form: f, ExpectedVersion: saved.Form.Version})
	require.NoError(t, err)
	assert.Equal(t, saved.Form.ID, snap.Form.ID)
	assert.Equal(t, "Replace seal", snap.Form.ProjectTitle)

	_, err = env.Engine.Save(env.Ctx, po, engine.FormInput{Form: f})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestSaveRequiresOriginatorGroup(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Save(env.Ctx, pi, engine.FormInput{Form: draft()})
	var aErr *domain.AuthorizationError
	require.ErrorAs(t, err, &aErr)
}

func TestSubmitGateNamesTaskRow(t *testing.T) {
	env := newTestEnv(t)
	f := draft()
	f.Hazards = []string{"Heat", "Noise", "Height"}
	_, err := env.Engine.Submit(env.Ctx, po, engine.FormInput{
		Form:  f,
		Tasks: []domain.JobTask{{Description: "Isolate"}, {Description: " "}},
	})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Messages, "Job task row 2: task description is required")

	forms, err := env.Engine.List(env.Ctx, repo.FormFilter{})
	require.NoError(t, err)
	assert.Empty(t, forms)
}

func TestSubmitRefusesCategoryWithoutValidity(t *testing.T) {
	env := newTestEnv(t)
	f := draft()
	f.WorkCategories = append(f.WorkCategories, domain.WorkCategory{ID: "once"})
	_, err := env.Engine.Submit(env.Ctx, po, engine.FormInput{Form: f})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, []string{`Work category "once" allows no permit`}, vErr.Messages)

	forms, err := env.Engine.List(env.Ctx, repo.FormFilter{})
	require.NoError(t, err)
	assert.Empty(t, forms)
}

func TestSubmitRequiresLeadTimeUnlessUrgent(t *testing.T) {
	env := newTestEnv(t)
	f := draft()
	f.Schedule.Date = "2024-03-01"
	f.Schedule.StartTime = "18:00"
	f.Schedule.EndTime = "20:00"
	_, err := env.Engine.Submit(env.Ctx, po, engine.FormInput{Form: f})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Messages, "Permit start must be at least 24 hours from now for a non-urgent submission")

	f.Urgent = true
	f.PerformingAuthorityEmail = ""
	snap := env.submit(t, f)
	assert.Equal(t, domain.StageApprovedFromPOToAssetUrgent, snap.Workflow.Stage)
}

func TestLowRiskPathIssuesPermit(t *testing.T) {
	env := newTestEnv(t)
	snap := env.submit(t, draft())

	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{FormID: snap.Form.ID, Actor: pi, Decision: domain.DecisionApproved})
	var aErr *domain.AuthorizationError
	require.ErrorAs(t, err, &aErr, "issuer may not act before the performing authority")

	snap = env.decide(t, snap.Form.ID, pa, domain.DecisionApproved, "")
	assert.Equal(t, domain.StageApprovedFromPAToPI, snap.Workflow.Stage)

	snap, err = env.Engine.Issue(env.Ctx, engine.IssueInput{FormID: snap.Form.ID, Actor: pi, OverallRisk: domain.RiskMedium})
	require.NoError(t, err)
	assert.Equal(t, domain.StageIssued, snap.Workflow.Stage)
	require.Len(t, snap.Permits, 1)
	row := snap.Permits[0]
	assert.Equal(t, domain.PermitNew, row.Type)
	assert.Equal(t, domain.StatusApproved, row.Decision)
	assert.Equal(t, pi, row.IssuerEmail)
	assert.Equal(t, "2024-03-03", row.Date)

	history, err := env.Engine.History(env.Ctx, snap.Form.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.RolePermitIssuer, history[2].Role)
	assert.Equal(t, domain.StageIssued, history[2].ToStage)

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilter{FormID: snap.Form.ID, Type: "permit.issued"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestHighRiskPathGoesThroughAssetAndHSE(t *testing.T) {
	env := newTestEnv(t)
	snap := env.submit(t, draft())
	env.decide(t, snap.Form.ID, pa, domain.DecisionApproved, "")

	snap, err := env.Engine.Issue(env.Ctx, engine.IssueInput{FormID: snap.Form.ID, Actor: pi, OverallRisk: domain.RiskHigh})
	require.NoError(t, err)
	assert.Equal(t, domain.StageApprovedFromPIToAsset, snap.Workflow.Stage)
	assert.Empty(t, snap.Permits)

	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{FormID: snap.Form.ID, Actor: hse, Decision: domain.DecisionApproved})
	var aErr *domain.AuthorizationError
	require.ErrorAs(t, err, &aErr)

	snap = env.decide(t, snap.Form.ID, ad, domain.DecisionApproved, "")
	assert.Equal(t, domain.StageApprovedFromAssetToHSE, snap.Workflow.Stage)
	snap = env.decide(t, snap.Form.ID, hse, domain.DecisionApproved, "")
	assert.Equal(t, domain.StageIssued, snap.Workflow.Stage)
	assert.Len(t, snap.Permits, 1)
}

func TestUrgentPathSkipsPerformingAuthority(t *testing.T) {
	env := newTestEnv(t)
	f := draft()
	f.Urgent = true
	snap := env.submit(t, f)
	assert.Equal(t, domain.StageApprovedFromPOToAssetUrgent, snap.Workflow.Stage)

	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{FormID: snap.Form.ID, Actor: pa, Decision: domain.DecisionApproved})
	var aErr *domain.AuthorizationError
	require.ErrorAs(t, err, &aErr)

	env.decide(t, snap.Form.ID, ad, domain.DecisionApproved, "")
	snap = env.decide(t, snap.Form.ID, hse, domain.DecisionApproved, "")
	assert.Equal(t, domain.StageIssued, snap.Workflow.Stage)

	history, err := env.Engine.History(env.Ctx, snap.Form.ID)
	require.NoError(t, err)
	for _, h := range history {
		assert.NotEqual(t, domain.RolePerformingAuthority, h.Role)
	}
}

func TestDelegateReplacerActsForAssetDirector(t *testing.T) {
	env := newTestEnv(t)
	f := draft()
	f.Urgent = true
	snap, err := env.Engine.Submit(env.Ctx, po, engine.FormInput{Form: f, AssetDirectorDelegate: true})
	require.NoError(t, err)

	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{FormID: snap.Form.ID, Actor: ad, Decision: domain.DecisionApproved})
	var aErr *domain.AuthorizationError
	require.ErrorAs(t, err, &aErr)

	snap = env.decide(t, snap.Form.ID, adRep, domain.DecisionApproved, "")
	assert.Equal(t, domain.StageApprovedFromAssetToHSE, snap.Workflow.Stage)
}

func TestOriginatorAsPerformingAuthorityCollapses(t *testing.T) {
	env := newTestEnv(t)
	f := draft()
	f.PerformingAuthorityEmail = po
	snap := env.submit(t, f)
	assert.Equal(t, domain.StageApprovedFromPOToPI, snap.Workflow.Stage)
	assert.Equal(t, domain.StatusApproved, snap.Workflow.Approval(domain.RolePerformingAuthority).Status)
}

func TestIssuerReturnLoop(t *testing.T) {
	env := newTestEnv(t)
	snap := env.submit(t, draft())
	env.decide(t, snap.Form.ID, pa, domain.DecisionApproved, "")

	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{FormID: snap.Form.ID, Actor: pi, Decision: domain.DecisionReturned})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)

	snap = env.decide(t, snap.Form.ID, pi, domain.DecisionReturned, "wrong isolation point")
	assert.Equal(t, domain.StageApprovedFromPIToPA, snap.Workflow.Stage)
	assert.Equal(t, domain.StatusPending, snap.Workflow.Approval(domain.RolePerformingAuthority).Status)

	snap = env.decide(t, snap.Form.ID, pa, domain.DecisionApproved, "")
	assert.Equal(t, domain.StageApprovedFromPAToPI, snap.Workflow.Stage)
}

func TestPerformingAuthorityPicksIssuer(t *testing.T) {
	env := newTestEnv(t)
	snap := env.submit(t, draft())
	snap, err := env.Engine.Decide(env.Ctx, engine.DecideInput{
		FormID: snap.Form.ID, Actor: pa, Decision: domain.DecisionApproved, IssuerEmail: "other-pi@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "other-pi@example.com", snap.Form.Schedule.IssuerEmail)

	_, err = env.Engine.Issue(env.Ctx, engine.IssueInput{FormID: snap.Form.ID, Actor: pi, OverallRisk: domain.RiskLow})
	var aErr *domain.AuthorizationError
	require.ErrorAs(t, err, &aErr)
	_, err = env.Engine.Issue(env.Ctx, engine.IssueInput{FormID: snap.Form.ID, Actor: "other-pi@example.com", OverallRisk: domain.RiskLow})
	require.NoError(t, err)
}

func TestIssueRequiresIssuerChecks(t *testing.T) {
	env := newTestEnv(t)
	snap := env.submit(t, draft())
	env.decide(t, snap.Form.ID, pa, domain.DecisionApproved, "")
	_, err := env.Engine.Issue(env.Ctx, engine.IssueInput{
		FormID: snap.Form.ID,
		Actor:  pi,
		Checks: domain.IssuerChecks{GasTestRequired: true, ToolboxTalk: domain.ToolboxTalk{Checked: true}},
	})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, []string{
		"Gas test result is required",
		"Toolbox talk conductor is required",
		"Toolbox talk HSE reference is required",
		"Toolbox talk date is required",
	}, vErr.Messages)

	got, err := env.Engine.Get(env.Ctx, snap.Form.ID)
	require.NoError(t, err)
	assert.False(t, got.Form.Checks.GasTestRequired, "a refused issue writes nothing")
}

func TestOverallRiskDerivedFromTasks(t *testing.T) {
	env := newTestEnv(t)
	f := draft()
	snap, err := env.Engine.Submit(env.Ctx, po, engine.FormInput{Form: f, Tasks: []domain.JobTask{{Description: "Cut pipe"}}})
	require.NoError(t, err)
	env.decide(t, snap.Form.ID, pa, domain.DecisionApproved, "")

	task := snap.Tasks[0]
	task.InitialRisk = domain.RiskHigh
	task.ResidualRisk = domain.RiskMedium
	task.Description = "ignored"
	snap, err = env.Engine.Issue(env.Ctx, engine.IssueInput{FormID: snap.Form.ID, Actor: pi, Tasks: []domain.JobTask{task}})
	require.NoError(t, err)
	assert.Equal(t, domain.RiskMedium, snap.Form.OverallRisk)
	assert.Equal(t, domain.StageIssued, snap.Workflow.Stage)
	assert.Equal(t, "Cut pipe", snap.Tasks[0].Description)
}

func TestRiskAssessmentEditableOnlyByIssuerOrHSE(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Engine.Submit(env.Ctx, po, engine.FormInput{Form: draft(), Tasks: []domain.JobTask{{Description: "Lift"}}})
	require.NoError(t, err)
	task := snap.Tasks[0]
	task.ResidualRisk = domain.RiskLow

	_, err = env.Engine.UpdateRiskAssessment(env.Ctx, engine.RiskAssessmentInput{FormID: snap.Form.ID, Actor: po, Tasks: []domain.JobTask{task}})
	var aErr *domain.AuthorizationError
	require.ErrorAs(t, err, &aErr)

	snap, err = env.Engine.UpdateRiskAssessment(env.Ctx, engine.RiskAssessmentInput{FormID: snap.Form.ID, Actor: hse, Tasks: []domain.JobTask{task}})
	require.NoError(t, err)
	assert.Equal(t, domain.RiskLow, snap.Tasks[0].ResidualRisk)

	_, err = env.Engine.UpdateRiskAssessment(env.Ctx, engine.RiskAssessmentInput{FormID: snap.Form.ID, Actor: hse, Tasks: []domain.JobTask{{ID: "nope"}}})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestRejectionAndResubmission(t *testing.T) {
	env := newTestEnv(t)
	snap := env.submit(t, draft())

	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{FormID: snap.Form.ID, Actor: pa, Decision: domain.DecisionRejected})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, []string{"PA rejection reason is required"}, vErr.Messages)

	snap = env.decide(t, snap.Form.ID, pa, domain.DecisionRejected, "missing isolation")
	assert.Equal(t, domain.StageRejected, snap.Workflow.Stage)
	assert.Equal(t, "missing isolation", snap.Workflow.RejectionReason)
	assert.Equal(t, domain.RolePerformingAuthority, snap.Workflow.RejectedBy)

	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{FormID: snap.Form.ID, Actor: pa, Decision: domain.DecisionApproved})
	var aErr *domain.AuthorizationError
	require.ErrorAs(t, err, &aErr, "rejected workflows accept no decisions")

	_, err = env.Engine.Resubmit(env.Ctx, engine.ResubmitInput{FormID: snap.Form.ID, Actor: pa})
	require.ErrorAs(t, err, &aErr)

	f := snap.Form
	f.Urgent = true
	snap, err = env.Engine.Resubmit(env.Ctx, engine.ResubmitInput{FormID: snap.Form.ID, Actor: po, Form: &f, AssetDirectorDelegate: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StageApprovedFromPOToAssetUrgent, snap.Workflow.Stage)
	assert.Equal(t, engine.ReassignmentAdvisory, snap.Advisory)
	assert.True(t, snap.Workflow.ReassignmentRequired)
	assert.False(t, snap.Workflow.AssetDirectorDelegate, "urgent resubmission clears delegate selections")
	assert.Empty(t, snap.Workflow.RejectionReason)
	assert.Equal(t, domain.StatusPending, snap.Workflow.Approval(domain.RolePerformingAuthority).Status)
	assert.Equal(t, "Replace seal", snap.Form.ProjectTitle)
	assert.Equal(t, 1, snap.Workflow.ResetForRejection)

	_, err = env.Engine.Resubmit(env.Ctx, engine.ResubmitInput{FormID: snap.Form.ID, Actor: po})
	require.ErrorAs(t, err, &aErr, "second resubmit without a new rejection is refused")

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilter{FormID: snap.Form.ID, Type: "workflow.reassignment_required"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)

	snap = env.decide(t, snap.Form.ID, ad, domain.DecisionApproved, "")
	assert.False(t, snap.Workflow.ReassignmentRequired)
}

func TestResubmitRequiresFreshApproverPicks(t *testing.T) {
	env := newTestEnv(t)
	snap := env.submit(t, draft())
	env.decide(t, snap.Form.ID, pa, domain.DecisionApproved, "")
	snap = env.decide(t, snap.Form.ID, pi, domain.DecisionRejected, "gas readings missing")
	require.Equal(t, domain.StageRejected, snap.Workflow.Stage)

	_, err := env.Engine.Resubmit(env.Ctx, engine.ResubmitInput{FormID: snap.Form.ID, Actor: po})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Subset(t, vErr.Messages, []string{"Permit issuer is required", "Performing authority is required"})

	got, err := env.Engine.Get(env.Ctx, snap.Form.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageRejected, got.Workflow.Stage, "a refused resubmit writes nothing")
	assert.Equal(t, pi, got.Form.Schedule.IssuerEmail)

	f := got.Form
	f.Schedule.IssuerEmail = "other-pi@example.com"
	snap, err = env.Engine.Resubmit(env.Ctx, engine.ResubmitInput{FormID: snap.Form.ID, Actor: po, Form: &f})
	require.NoError(t, err)
	assert.Equal(t, domain.StageApprovedFromPOToPA, snap.Workflow.Stage)
	assert.Equal(t, "other-pi@example.com", snap.Workflow.Approval(domain.RolePermitIssuer).Email)
	assert.Equal(t, domain.StatusPending, snap.Workflow.Approval(domain.RolePermitIssuer).Status)
}

func TestCancelOnlyBeforeIssuance(t *testing.T) {
	env := newTestEnv(t)
	snap := env.submit(t, draft())
	_, err := env.Engine.Cancel(env.Ctx, engine.CancelInput{FormID: snap.Form.ID, Actor: pa})
	var aErr *domain.AuthorizationError
	require.ErrorAs(t, err, &aErr)

	snap, err = env.Engine.Cancel(env.Ctx, engine.CancelInput{FormID: snap.Form.ID, Actor: po, Reason: "no longer needed"})
	require.NoError(t, err)
	assert.Equal(t, domain.StagePermanentlyClosed, snap.Workflow.Stage)

	issued := env.issued(t)
	_, err = env.Engine.Cancel(env.Ctx, engine.CancelInput{FormID: issued.Form.ID, Actor: po})
	require.ErrorAs(t, err, &aErr)
}

func TestClosureFlow(t *testing.T) {
	env := newTestEnv(t)
	snap := env.issued(t)
	id := snap.Form.ID

	_, err := env.Engine.Close(env.Ctx, engine.CloseInput{FormID: id, Actor: am, Decision: domain.DecisionApproved})
	var aErr *domain.AuthorizationError
	require.ErrorAs(t, err, &aErr, "asset manager waits for the closure request")

	snap, err = env.Engine.Close(env.Ctx, engine.CloseInput{FormID: id, Actor: po})
	require.NoError(t, err)
	assert.Equal(t, domain.StageClosedByPO, snap.Workflow.Stage)
	assert.Equal(t, domain.StatusApproved, snap.Workflow.Closure.Status)

	snap, err = env.Engine.Close(env.Ctx, engine.CloseInput{FormID: id, Actor: am, Decision: domain.DecisionRejected, Reason: "site not clean"})
	require.NoError(t, err)
	assert.Equal(t, domain.StageClosedByPO, snap.Workflow.Stage)
	assert.Equal(t, domain.StatusPending, snap.Workflow.Closure.Status)

	_, err = env.Engine.Close(env.Ctx, engine.CloseInput{FormID: id, Actor: am, Decision: domain.DecisionApproved})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)

	_, err = env.Engine.Close(env.Ctx, engine.CloseInput{FormID: id, Actor: po})
	require.NoError(t, err)
	snap, err = env.Engine.Close(env.Ctx, engine.CloseInput{FormID: id, Actor: am, Decision: domain.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, domain.StageClosedByAssetManager, snap.Workflow.Stage)
	for _, row := range snap.Permits {
		assert.Equal(t, domain.PermitClosed, row.Status)
	}
}

func TestClosureWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	snap := env.issued(t)
	_, err := env.Engine.Close(env.Ctx, engine.CloseInput{FormID: snap.Form.ID, Actor: po})
	require.NoError(t, err)
	snap, err = env.Engine.Close(env.Ctx, engine.CloseInput{FormID: snap.Form.ID, Actor: po, Decision: domain.DecisionRejected, Reason: "more work found"})
	require.NoError(t, err)
	assert.Equal(t, domain.StageIssued, snap.Workflow.Stage)
}

func TestRenewalCapacityAndExtend(t *testing.T) {
	env := newTestEnv(t)
	snap := env.issued(t)
	id := snap.Form.ID

	renew := engine.RenewalInput{FormID: id, Actor: po, Row: domain.ScheduleRequest{Date: "2024-03-04", StartTime: "08:00", EndTime: "17:00", IssuerEmail: pi}}
	_, err := env.Engine.AddRenewal(env.Ctx, renew)
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr, "the current permit has not ended")

	env.advance(time.Date(2024, 3, 3, 18, 0, 0, 0, time.UTC))
	snap, err = env.Engine.AddRenewal(env.Ctx, renew)
	require.NoError(t, err)
	require.Len(t, snap.Permits, 2)
	assert.Equal(t, domain.PermitClosed, snap.Permits[0].Status, "expired row closes lazily")
	pending := snap.Permits[1]
	assert.Equal(t, domain.PermitRenewal, pending.Type)
	assert.Equal(t, domain.StatusPending, pending.Decision)

	_, err = env.Engine.ApproveRenewal(env.Ctx, engine.RenewalDecisionInput{FormID: id, RowID: pending.ID, Actor: po, Decision: domain.DecisionApproved})
	var aErr *domain.AuthorizationError
	require.ErrorAs(t, err, &aErr)

	snap, err = env.Engine.ApproveRenewal(env.Ctx, engine.RenewalDecisionInput{FormID: id, RowID: pending.ID, Actor: pi, Decision: domain.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, snap.Permits[1].Decision)
	assert.Equal(t, domain.StageIssued, snap.Workflow.Stage)

	env.advance(time.Date(2024, 3, 4, 18, 0, 0, 0, time.UTC))
	renew.Row.Date = "2024-03-05"
	_, err = env.Engine.AddRenewal(env.Ctx, renew)
	var cErr *domain.CapacityError
	require.ErrorAs(t, err, &cErr)
	assert.True(t, cErr.ExtendAvailable)
	assert.Equal(t, 2, cErr.Used)

	acts, err := env.Engine.Actions(env.Ctx, id, po)
	require.NoError(t, err)
	assert.False(t, acts.CanRenewPermit)
	assert.True(t, acts.CanExtend)

	next, err := env.Engine.Extend(env.Ctx, engine.ExtendInput{FormID: id, Actor: po, Row: domain.ScheduleRequest{
		Date: "2024-03-07", StartTime: "08:00", EndTime: "17:00", IssuerEmail: pi,
	}})
	require.NoError(t, err)
	assert.NotEqual(t, id, next.Form.ID)
	assert.Equal(t, "MC-HSE-PTW-20240301-01", next.Form.PreviousReferenceNumber)
	assert.Equal(t, "MC-HSE-PTW-20240304-01", next.Form.ReferenceNumber)
	assert.Equal(t, domain.StageApprovedFromPOToPA, next.Workflow.Stage)

	orig, err := env.Engine.Get(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, next.Form.ID, orig.Form.ExtendedTo)
	_, err = env.Engine.AddRenewal(env.Ctx, renew)
	require.ErrorAs(t, err, &cErr)
	_, err = env.Engine.Extend(env.Ctx, engine.ExtendInput{FormID: id, Actor: po, Row: renew.Row})
	require.ErrorAs(t, err, &cErr)
}

func TestRenewalRejectedRowCloses(t *testing.T) {
	env := newTestEnv(t)
	snap := env.issued(t)
	env.advance(time.Date(2024, 3, 3, 18, 0, 0, 0, time.UTC))
	snap, err := env.Engine.AddRenewal(env.Ctx, engine.RenewalInput{FormID: snap.Form.ID, Actor: po, Row: domain.ScheduleRequest{
		Date: "2024-03-04", StartTime: "08:00", EndTime: "17:00", IssuerEmail: pi,
	}})
	require.NoError(t, err)

	_, err = env.Engine.AddRenewal(env.Ctx, engine.RenewalInput{FormID: snap.Form.ID, Actor: po, Row: domain.ScheduleRequest{
		Date: "2024-03-05", StartTime: "08:00", EndTime: "17:00", IssuerEmail: pi,
	}})
	var cErr *domain.CapacityError
	require.ErrorAs(t, err, &cErr, "one pending renewal at a time")
	assert.False(t, cErr.ExtendAvailable)

	snap, err = env.Engine.ApproveRenewal(env.Ctx, engine.RenewalDecisionInput{FormID: snap.Form.ID, RowID: snap.Permits[1].ID, Actor: pi, Decision: domain.DecisionRejected})
	require.NoError(t, err)
	assert.Equal(t, domain.PermitClosed, snap.Permits[1].Status)
	assert.Equal(t, domain.StatusRejected, snap.Permits[1].Decision)
}

func TestUndecidedRenewalLapses(t *testing.T) {
	env := newTestEnv(t)
	f := draft()
	f.WorkCategories = []domain.WorkCategory{{ID: "general"}}
	snap := env.submit(t, f)
	env.decide(t, snap.Form.ID, pa, domain.DecisionApproved, "")
	snap, err := env.Engine.Issue(env.Ctx, engine.IssueInput{FormID: snap.Form.ID, Actor: pi, OverallRisk: domain.RiskLow})
	require.NoError(t, err)
	id := snap.Form.ID

	env.advance(time.Date(2024, 3, 3, 18, 0, 0, 0, time.UTC))
	snap, err = env.Engine.AddRenewal(env.Ctx, engine.RenewalInput{FormID: id, Actor: po, Row: domain.ScheduleRequest{
		Date: "2024-03-04", StartTime: "08:00", EndTime: "17:00", IssuerEmail: pi,
	}})
	require.NoError(t, err)
	pending := snap.Permits[1]

	env.advance(time.Date(2024, 3, 4, 18, 0, 0, 0, time.UTC))
	snap, err = env.Engine.Get(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PermitClosed, snap.Permits[1].Status)
	assert.Equal(t, domain.StatusPending, snap.Permits[1].Decision)

	_, err = env.Engine.ApproveRenewal(env.Ctx, engine.RenewalDecisionInput{FormID: id, RowID: pending.ID, Actor: pi, Decision: domain.DecisionApproved})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)

	snap, err = env.Engine.AddRenewal(env.Ctx, engine.RenewalInput{FormID: id, Actor: po, Row: domain.ScheduleRequest{
		Date: "2024-03-05", StartTime: "08:00", EndTime: "17:00", IssuerEmail: pi,
	}})
	require.NoError(t, err)
	assert.Len(t, snap.Permits, 3)

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilter{FormID: id, Type: "permit.row.lapsed"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestRenewalIssuerMustHoldNoOtherRole(t *testing.T) {
	env := newTestEnv(t)
	snap := env.issued(t)
	env.advance(time.Date(2024, 3, 3, 18, 0, 0, 0, time.UTC))
	snap, err := env.Engine.AddRenewal(env.Ctx, engine.RenewalInput{FormID: snap.Form.ID, Actor: po, Row: domain.ScheduleRequest{
		Date: "2024-03-04", StartTime: "08:00", EndTime: "17:00", IssuerEmail: am,
	}})
	require.NoError(t, err)

	_, err = env.Engine.ApproveRenewal(env.Ctx, engine.RenewalDecisionInput{FormID: snap.Form.ID, RowID: snap.Permits[1].ID, Actor: am, Decision: domain.DecisionApproved})
	var aErr *domain.AuthorizationError
	require.ErrorAs(t, err, &aErr)
	assert.Equal(t, domain.RolePermitIssuer, aErr.Role)
}

func TestStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	snap := env.submit(t, draft())
	stale := snap.Workflow.Version
	env.decide(t, snap.Form.ID, pa, domain.DecisionApproved, "")

	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{FormID: snap.Form.ID, Actor: pi, Decision: domain.DecisionApproved, ExpectedVersion: stale})
	var cfErr *domain.ConflictError
	require.ErrorAs(t, err, &cfErr)
	assert.Equal(t, "workflow", cfErr.Entity)
}

func TestActionsReflectRoles(t *testing.T) {
	env := newTestEnv(t)
	snap := env.submit(t, draft())

	acts, err := env.Engine.Actions(env.Ctx, snap.Form.ID, po)
	require.NoError(t, err)
	assert.True(t, acts.Roles.IsPermitOriginatorUnique)
	assert.False(t, acts.CanDecide)
	assert.True(t, acts.CanCancel)
	assert.False(t, acts.CanClose)

	acts, err = env.Engine.Actions(env.Ctx, snap.Form.ID, pa)
	require.NoError(t, err)
	assert.True(t, acts.CanDecide)
	assert.Equal(t, []domain.Role{domain.RolePerformingAuthority}, acts.ExpectedActors)
}

func TestUnknownFormIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Get(env.Ctx, "missing")
	var nf *domain.NotFoundError
	require.True(t, errors.As(err, &nf))
	_, err = env.Engine.History(env.Ctx, "missing")
	require.ErrorAs(t, err, &nf)
}
