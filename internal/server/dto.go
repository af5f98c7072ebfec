package server

import (
	"encoding/json"

	"permitline/internal/config"
	"permitline/internal/domain"
)

// Request payloads

// FormContent is the editable part of a form. Work categories are referenced by id.
type FormContent struct {
	AssetID                  string                 `json:"asset_id,omitempty"`
	AssetCategory            string                 `json:"asset_category,omitempty"`
	AssetDetailsID           string                 `json:"asset_details_id,omitempty"`
	Company                  string                 `json:"company,omitempty"`
	ProjectTitle             string                 `json:"project_title,omitempty"`
	WorkCategories           []string               `json:"work_categories,omitempty"`
	Hazards                  []string               `json:"hazards,omitempty"`
	HazardsOther             string                 `json:"hazards_other,omitempty"`
	Precautions              []string               `json:"precautions,omitempty"`
	ProtectiveEquipment      []string               `json:"protective_equipment,omitempty"`
	Machinery                []string               `json:"machinery,omitempty"`
	HACWorkArea              string                 `json:"hac_work_area,omitempty"`
	OverallRisk              domain.RiskLevel       `json:"overall_risk,omitempty" enum:"Low,Medium,High"`
	DetailedRisk             bool                   `json:"detailed_risk,omitempty"`
	DetailedRiskReference    string                 `json:"detailed_risk_reference,omitempty"`
	Urgent                   bool                   `json:"urgent,omitempty"`
	PerformingAuthorityEmail string                 `json:"performing_authority_email,omitempty"`
	Schedule                 domain.ScheduleRequest `json:"schedule,omitempty"`
	Checks                   *ChecksRequest         `json:"checks,omitempty"`
}

type TaskRequest struct {
	ID               string           `json:"id,omitempty" doc:"Existing task id; empty adds a row"`
	Description      string           `json:"description,omitempty"`
	InitialRisk      domain.RiskLevel `json:"initial_risk,omitempty" enum:"Low,Medium,High"`
	ResidualRisk     domain.RiskLevel `json:"residual_risk,omitempty" enum:"Low,Medium,High"`
	SafeguardIDs     []string         `json:"safeguard_ids,omitempty"`
	CustomSafeguards []string         `json:"custom_safeguards,omitempty"`
}

type ToolboxTalkRequest struct {
	Checked      bool   `json:"checked,omitempty"`
	Conductor    string `json:"conductor,omitempty"`
	HSEReference string `json:"hse_reference,omitempty"`
	Date         string `json:"date,omitempty" format:"date"`
}

type ChecksRequest struct {
	GasTestRequired     bool               `json:"gas_test_required,omitempty"`
	GasTestResult       string             `json:"gas_test_result,omitempty"`
	FireWatchRequired   bool               `json:"fire_watch_required,omitempty"`
	FireWatchAssignee   string             `json:"fire_watch_assignee,omitempty"`
	AttachmentsRequired bool               `json:"attachments_required,omitempty"`
	AttachmentDetails   string             `json:"attachment_details,omitempty"`
	ToolboxTalk         ToolboxTalkRequest `json:"toolbox_talk,omitempty"`
}

type FormRequest struct {
	Form                  FormContent   `json:"form"`
	Tasks                 []TaskRequest `json:"tasks,omitempty"`
	AssetDirectorDelegate bool          `json:"asset_director_delegate,omitempty"`
	HSEDirectorDelegate   bool          `json:"hse_director_delegate,omitempty"`
}

type DecisionRequest struct {
	Decision    domain.Decision `json:"decision" enum:"Approved,Rejected,Returned"`
	Reason      string          `json:"reason,omitempty"`
	IssuerEmail string          `json:"issuer_email,omitempty"`
}

type IssueRequest struct {
	Tasks                 []TaskRequest    `json:"tasks,omitempty"`
	OverallRisk           domain.RiskLevel `json:"overall_risk,omitempty" enum:"Low,Medium,High"`
	DetailedRisk          bool             `json:"detailed_risk,omitempty"`
	DetailedRiskReference string           `json:"detailed_risk_reference,omitempty"`
	Checks                ChecksRequest    `json:"checks"`
}

type RiskAssessmentRequest struct {
	Tasks       []TaskRequest    `json:"tasks"`
	OverallRisk domain.RiskLevel `json:"overall_risk,omitempty" enum:"Low,Medium,High"`
}

type ClosureRequest struct {
	Decision domain.Decision `json:"decision" enum:"Approved,Rejected"`
	Reason   string          `json:"reason,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ResubmitRequest struct {
	Form                  *FormContent  `json:"form,omitempty"`
	Tasks                 []TaskRequest `json:"tasks,omitempty"`
	AssetDirectorDelegate bool             `json:"asset_director_delegate,omitempty"`
	HSEDirectorDelegate   bool             `json:"hse_director_delegate,omitempty"`
}

type RenewalRequest struct {
	Row domain.ScheduleRequest `json:"row"`
}

type RenewalDecisionRequest struct {
	Decision domain.Decision `json:"decision" enum:"Approved,Rejected"`
}

type ExtendRequest struct {
	Row                   domain.ScheduleRequest `json:"row"`
	AssetDirectorDelegate bool                   `json:"asset_director_delegate,omitempty"`
	HSEDirectorDelegate   bool                   `json:"hse_director_delegate,omitempty"`
}

type DevLoginRequest struct {
	Email string `json:"email"`
}

// Responses

type SnapshotResponse struct {
	Form     domain.Form         `json:"form"`
	Workflow *domain.Workflow    `json:"workflow,omitempty"`
	Stage    domain.Stage        `json:"stage"`
	Permits  []domain.WorkPermit `json:"permits"`
	Tasks    []domain.JobTask    `json:"tasks"`
	Advisory string              `json:"advisory,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	FormID     string         `json:"form_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type MeResponse struct {
	Email               string `json:"email"`
	DisplayName         string `json:"display_name,omitempty"`
	Source              string `json:"source"`
	PermitOriginator    bool   `json:"permit_originator"`
	PerformingAuthority bool   `json:"performing_authority"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ConfigResponse struct {
	FormCategory        string                `json:"form_category"`
	SubmissionLeadHours int                   `json:"submission_lead_hours"`
	Timezone            string                `json:"timezone"`
	Companies           []config.Company      `json:"companies"`
	WorkCategories      []domain.WorkCategory `json:"work_categories"`
}

type paginatedForms struct {
	Items      []domain.Form `json:"items"`
	NextOffset int           `json:"next_offset,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type historyList struct {
	Items []domain.HistoryEntry `json:"items"`
}

type userList struct {
	Items []domain.User `json:"items"`
}

type assetList struct {
	Items []domain.AssetDetails `json:"items"`
}

// Conversion helpers

func (c FormContent) form() domain.Form {
	f := domain.Form{
		AssetID:                  c.AssetID,
		AssetCategory:            c.AssetCategory,
		AssetDetailsID:           c.AssetDetailsID,
		Company:                  c.Company,
		ProjectTitle:             c.ProjectTitle,
		Hazards:                  c.Hazards,
		HazardsOther:             c.HazardsOther,
		Precautions:              c.Precautions,
		ProtectiveEquipment:      c.ProtectiveEquipment,
		Machinery:                c.Machinery,
		HACWorkArea:              c.HACWorkArea,
		OverallRisk:              c.OverallRisk,
		DetailedRisk:             c.DetailedRisk,
		DetailedRiskReference:    c.DetailedRiskReference,
		Urgent:                   c.Urgent,
		PerformingAuthorityEmail: c.PerformingAuthorityEmail,
		Schedule:                 c.Schedule,
	}
	for _, id := range c.WorkCategories {
		f.WorkCategories = append(f.WorkCategories, domain.WorkCategory{ID: id})
	}
	if c.Checks != nil {
		f.Checks = c.Checks.checks()
	}
	return f
}

func (c ChecksRequest) checks() domain.IssuerChecks {
	return domain.IssuerChecks{
		GasTestRequired:     c.GasTestRequired,
		GasTestResult:       c.GasTestResult,
		FireWatchRequired:   c.FireWatchRequired,
		FireWatchAssignee:   c.FireWatchAssignee,
		AttachmentsRequired: c.AttachmentsRequired,
		AttachmentDetails:   c.AttachmentDetails,
		ToolboxTalk:         domain.ToolboxTalk(c.ToolboxTalk),
	}
}

// jobTasks returns nil for a nil slice so commands can tell "unchanged" from "cleared".
func jobTasks(in []TaskRequest) []domain.JobTask {
	if in == nil {
		return nil
	}
	out := make([]domain.JobTask, 0, len(in))
	for _, t := range in {
		out = append(out, domain.JobTask{
			ID:               t.ID,
			Description:      t.Description,
			InitialRisk:      t.InitialRisk,
			ResidualRisk:     t.ResidualRisk,
			SafeguardIDs:     t.SafeguardIDs,
			CustomSafeguards: t.CustomSafeguards,
		})
	}
	return out
}

func snapshotResponse(s domain.Snapshot) SnapshotResponse {
	res := SnapshotResponse{
		Form:     s.Form,
		Workflow: s.Workflow,
		Stage:    domain.StageNew,
		Permits:  nonNilSlice(s.Permits),
		Tasks:    nonNilSlice(s.Tasks),
		Advisory: s.Advisory,
	}
	if s.Workflow != nil {
		res.Stage = s.Workflow.Stage
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		FormID:     e.FormID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) ConfigResponse {
	return ConfigResponse{
		FormCategory:        cfg.Permit.FormCategory,
		SubmissionLeadHours: cfg.Permit.SubmissionLeadHours,
		Timezone:            cfg.Location().String(),
		Companies:           nonNilSlice(cfg.Companies),
		WorkCategories:      nonNilSlice(cfg.WorkCategories),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
