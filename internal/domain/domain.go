package domain

import (
	"fmt"
	"strings"
	"time"
)

type FormStatus string

const (
	FormSaved     FormStatus = "Saved"
	FormSubmitted FormStatus = "Submitted"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// Rank orders risk levels; unknown values rank below Low.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	}
	return 0
}

func (r RiskLevel) Valid() bool { return r.Rank() > 0 }

type Role string

const (
	RolePermitOriginator    Role = "PermitOriginator"
	RolePerformingAuthority Role = "PerformingAuthority"
	RolePermitIssuer        Role = "PermitIssuer"
	RoleAssetDirector       Role = "AssetDirector"
	RoleAssetManager        Role = "AssetManager"
	RoleHSEDirector         Role = "HSEDirector"
)

// Roles lists every workflow role in chain order.
var Roles = []Role{
	RolePermitOriginator,
	RolePerformingAuthority,
	RolePermitIssuer,
	RoleAssetDirector,
	RoleHSEDirector,
	RoleAssetManager,
}

// Short returns the abbreviation used in messages.
func (r Role) Short() string {
	switch r {
	case RolePermitOriginator:
		return "PO"
	case RolePerformingAuthority:
		return "PA"
	case RolePermitIssuer:
		return "PI"
	case RoleAssetDirector:
		return "Asset Director"
	case RoleAssetManager:
		return "Asset Manager"
	case RoleHSEDirector:
		return "HSE Director"
	}
	return string(r)
}

type Status string

const (
	StatusPending  Status = "Pending"
	StatusApproved Status = "Approved"
	StatusRejected Status = "Rejected"
	StatusClosed   Status = "Closed"
)

type Decision string

const (
	DecisionPending  Decision = "Pending"
	DecisionApproved Decision = "Approved"
	DecisionRejected Decision = "Rejected"
	// DecisionReturned sends the permit from the issuer back to the performing authority.
	DecisionReturned Decision = "Returned"
)

func (d Decision) Status() Status {
	switch d {
	case DecisionApproved:
		return StatusApproved
	case DecisionRejected, DecisionReturned:
		return StatusRejected
	}
	return StatusPending
}

type PermitType string

const (
	PermitNew     PermitType = "new"
	PermitRenewal PermitType = "renewal"
)

type PermitStatus string

const (
	PermitOpen   PermitStatus = "new"
	PermitClosed PermitStatus = "Closed"
)

type WorkCategory struct {
	ID              string `json:"id" yaml:"id"`
	Title           string `json:"title" yaml:"title"`
	RenewalValidity int    `json:"renewal_validity" yaml:"renewal_validity"`
}

// AssetDetails carries the approver assignment selected by the asset.
type AssetDetails struct {
	ID                    string   `json:"id" yaml:"id"`
	Category              string   `json:"category" yaml:"category"`
	Title                 string   `json:"title" yaml:"title"`
	AssetDirector         string   `json:"asset_director" yaml:"asset_director"`
	AssetDirectorReplacer string   `json:"asset_director_replacer,omitempty" yaml:"asset_director_replacer"`
	AssetManager          string   `json:"asset_manager" yaml:"asset_manager"`
	HSEPartners           []string `json:"hse_partners,omitempty" yaml:"hse_partners"`
	HSEDirector           string   `json:"hse_director" yaml:"hse_director"`
	HSEDirectorReplacer   string   `json:"hse_director_replacer,omitempty" yaml:"hse_director_replacer"`
}

// ScheduleRequest is the requested first permit window chosen by the originator.
type ScheduleRequest struct {
	Date        string `json:"date,omitempty" format:"date"`
	StartTime   string `json:"start_time,omitempty" example:"07:00"`
	EndTime     string `json:"end_time,omitempty" example:"17:00"`
	IssuerEmail string `json:"issuer_email,omitempty"`
}

func (s ScheduleRequest) Window(loc *time.Location) (time.Time, time.Time, error) {
	return window(s.Date, s.StartTime, s.EndTime, loc)
}

type ToolboxTalk struct {
	Checked      bool   `json:"checked"`
	Conductor    string `json:"conductor,omitempty"`
	HSEReference string `json:"hse_reference,omitempty"`
	Date         string `json:"date,omitempty" format:"date"`
}

// IssuerChecks holds the conditional requirements the issuer must satisfy.
type IssuerChecks struct {
	GasTestRequired     bool        `json:"gas_test_required"`
	GasTestResult       string      `json:"gas_test_result,omitempty"`
	FireWatchRequired   bool        `json:"fire_watch_required"`
	FireWatchAssignee   string      `json:"fire_watch_assignee,omitempty"`
	AttachmentsRequired bool        `json:"attachments_required"`
	AttachmentDetails   string      `json:"attachment_details,omitempty"`
	ToolboxTalk         ToolboxTalk `json:"toolbox_talk"`
}

type Form struct {
	ID                       string          `json:"id"`
	ReferenceNumber          string          `json:"reference_number,omitempty"`
	PreviousReferenceNumber  string          `json:"previous_reference_number,omitempty"`
	AssetID                  string          `json:"asset_id"`
	AssetCategory            string          `json:"asset_category"`
	AssetDetailsID           string          `json:"asset_details_id"`
	Company                  string          `json:"company"`
	ProjectTitle             string          `json:"project_title"`
	WorkCategories           []WorkCategory  `json:"work_categories"`
	Hazards                  []string        `json:"hazards,omitempty"`
	HazardsOther             string          `json:"hazards_other,omitempty"`
	Precautions              []string        `json:"precautions,omitempty"`
	ProtectiveEquipment      []string        `json:"protective_equipment,omitempty"`
	Machinery                []string        `json:"machinery,omitempty"`
	HACWorkArea              string          `json:"hac_work_area,omitempty"`
	OverallRisk              RiskLevel       `json:"overall_risk,omitempty" enum:"Low,Medium,High,"`
	DetailedRisk             bool            `json:"detailed_risk"`
	DetailedRiskReference    string          `json:"detailed_risk_reference,omitempty"`
	Urgent                   bool            `json:"urgent"`
	Status                   FormStatus      `json:"status" enum:"Saved,Submitted"`
	OriginatorEmail          string          `json:"originator_email"`
	PerformingAuthorityEmail string          `json:"performing_authority_email,omitempty"`
	Schedule                 ScheduleRequest `json:"schedule"`
	Checks                   IssuerChecks    `json:"checks"`
	ExtendedTo               string          `json:"extended_to,omitempty"`
	Version                  int64           `json:"version"`
	CreatedAt                string          `json:"created_at" format:"date-time"`
	UpdatedAt                string          `json:"updated_at" format:"date-time"`
}

// RenewalValidity is the smallest validity across the selected work categories.
func (f Form) RenewalValidity() int {
	if len(f.WorkCategories) == 0 {
		return 0
	}
	min := f.WorkCategories[0].RenewalValidity
	for _, c := range f.WorkCategories[1:] {
		if c.RenewalValidity < min {
			min = c.RenewalValidity
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

type JobTask struct {
	ID               string    `json:"id"`
	FormID           string    `json:"form_id"`
	Index            int       `json:"index"`
	Description      string    `json:"description"`
	InitialRisk      RiskLevel `json:"initial_risk,omitempty" enum:"Low,Medium,High,"`
	ResidualRisk     RiskLevel `json:"residual_risk,omitempty" enum:"Low,Medium,High,"`
	SafeguardIDs     []string  `json:"safeguard_ids,omitempty"`
	CustomSafeguards []string  `json:"custom_safeguards,omitempty"`
}

// Approval is one role's slot in the approval chain.
type Approval struct {
	Email     string `json:"email,omitempty"`
	Status    Status `json:"status" enum:"Pending,Approved,Rejected,Closed"`
	DecidedAt string `json:"decided_at,omitempty" format:"date-time"`
	Reason    string `json:"reason,omitempty"`
}

type Workflow struct {
	ID                    string            `json:"id"`
	FormID                string            `json:"form_id"`
	Stage                 Stage             `json:"stage"`
	Approvals             map[Role]Approval `json:"approvals"`
	Closure               Approval          `json:"closure"`
	AssetDirectorReplacer string            `json:"asset_director_replacer,omitempty"`
	AssetDirectorDelegate bool              `json:"asset_director_delegate"`
	HSEDirectorReplacer   string            `json:"hse_director_replacer,omitempty"`
	HSEDirectorDelegate   bool              `json:"hse_director_delegate"`
	HSEPartners           []string          `json:"hse_partners,omitempty"`
	RejectionReason       string            `json:"rejection_reason,omitempty"`
	RejectedBy            Role              `json:"rejected_by,omitempty"`
	RejectionCount        int               `json:"rejection_count"`
	ResetForRejection     int               `json:"reset_for_rejection"`
	ReassignmentRequired  bool              `json:"reassignment_required"`
	Version               int64             `json:"version"`
	CreatedAt             string            `json:"created_at" format:"date-time"`
	UpdatedAt             string            `json:"updated_at" format:"date-time"`
}

// Approval returns the slot for role, defaulting to Pending.
func (w *Workflow) Approval(role Role) Approval {
	if a, ok := w.Approvals[role]; ok {
		if a.Status == "" {
			a.Status = StatusPending
		}
		return a
	}
	return Approval{Status: StatusPending}
}

func (w *Workflow) SetApproval(role Role, a Approval) {
	if w.Approvals == nil {
		w.Approvals = map[Role]Approval{}
	}
	w.Approvals[role] = a
}

// AssigneeEmail returns the authoritative identity for role, honouring delegate toggles.
func (w *Workflow) AssigneeEmail(role Role) string {
	switch role {
	case RoleAssetDirector:
		if w.AssetDirectorDelegate {
			return w.AssetDirectorReplacer
		}
	case RoleHSEDirector:
		if w.HSEDirectorDelegate {
			return w.HSEDirectorReplacer
		}
	}
	return w.Approval(role).Email
}

type WorkPermit struct {
	ID          string       `json:"id"`
	FormID      string       `json:"form_id"`
	Type        PermitType   `json:"type" enum:"new,renewal"`
	Date        string       `json:"date" format:"date"`
	StartTime   string       `json:"start_time"`
	EndTime     string       `json:"end_time"`
	Status      PermitStatus `json:"status" enum:"new,Closed"`
	IssuerEmail string       `json:"issuer_email"`
	Decision    Status       `json:"decision" enum:"Pending,Approved,Rejected,Closed"`
	DecidedAt   string       `json:"decided_at,omitempty" format:"date-time"`
	OrderIndex  int          `json:"order_index"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
}

func (p WorkPermit) Window(loc *time.Location) (time.Time, time.Time, error) {
	return window(p.Date, p.StartTime, p.EndTime, loc)
}

// AwaitingIssuer reports whether the row is open and undecided.
func (p WorkPermit) AwaitingIssuer() bool {
	return p.Status == PermitOpen && (p.Decision == "" || p.Decision == StatusPending)
}

// Snapshot is the aggregate returned by every workflow command.
type Snapshot struct {
	Form     Form         `json:"form"`
	Workflow *Workflow    `json:"workflow,omitempty"`
	Permits  []WorkPermit `json:"permits"`
	Tasks    []JobTask    `json:"tasks"`
	Advisory string       `json:"advisory,omitempty"`
}

type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type HistoryEntry struct {
	ID         string   `json:"id"`
	FormID     string   `json:"form_id"`
	Role       Role     `json:"role"`
	ActorEmail string   `json:"actor_email"`
	Decision   Decision `json:"decision"`
	Reason     string   `json:"reason,omitempty"`
	FromStage  Stage    `json:"from_stage"`
	ToStage    Stage    `json:"to_stage"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	FormID     string `json:"form_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserEmail string `json:"user_email"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

func window(date, start, end string, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	from, err := time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start %q %q: %w", date, start, err)
	}
	if end == "" {
		return from, from, nil
	}
	to, err := time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+end, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end %q %q: %w", date, end, err)
	}
	// overnight shifts end on the following day
	if !to.After(from) {
		to = to.Add(24 * time.Hour)
	}
	return from, to, nil
}

// SameEmail compares directory identities case-insensitively; empty never matches.
func SameEmail(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
