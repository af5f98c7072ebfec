package roles

import (
	"encoding/json"

	mapset "github.com/deckarep/golang-set/v2"

	"permitline/internal/domain"
)

// Assignments is the per-form view of who is assigned to which role.
type Assignments struct {
	Stage                 domain.Stage
	NewForm               bool
	Originator            string
	PerformingAuthority   string
	PermitIssuer          string
	AssetDirector         string
	AssetDirectorReplacer string
	AssetDirectorDelegate bool
	AssetManager          string
	HSEPartners           []string
	HSEDirector           string
	HSEDirectorReplacer   string
	HSEDirectorDelegate   bool
}

// Membership carries the caller's directory group membership.
type Membership struct {
	PermitOriginator    bool
	PerformingAuthority bool
}

// AssignmentsFor derives assignments from the aggregate. wf may be nil for unsubmitted forms;
// asset falls back when the workflow has not recorded identities yet.
func AssignmentsFor(form domain.Form, wf *domain.Workflow, asset *domain.AssetDetails) Assignments {
	a := Assignments{
		Stage:               domain.StageNew,
		NewForm:             form.ID == "" || form.Status != domain.FormSubmitted,
		Originator:          form.OriginatorEmail,
		PerformingAuthority: form.PerformingAuthorityEmail,
		PermitIssuer:        form.Schedule.IssuerEmail,
	}
	if asset != nil {
		a.AssetDirector = asset.AssetDirector
		a.AssetDirectorReplacer = asset.AssetDirectorReplacer
		a.AssetManager = asset.AssetManager
		a.HSEPartners = asset.HSEPartners
		a.HSEDirector = asset.HSEDirector
		a.HSEDirectorReplacer = asset.HSEDirectorReplacer
	}
	if wf == nil {
		return a
	}
	a.Stage = wf.Stage
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&a.Originator, wf.Approval(domain.RolePermitOriginator).Email)
	override(&a.PerformingAuthority, wf.Approval(domain.RolePerformingAuthority).Email)
	override(&a.PermitIssuer, wf.Approval(domain.RolePermitIssuer).Email)
	override(&a.AssetDirector, wf.Approval(domain.RoleAssetDirector).Email)
	override(&a.AssetDirectorReplacer, wf.AssetDirectorReplacer)
	override(&a.AssetManager, wf.Approval(domain.RoleAssetManager).Email)
	override(&a.HSEDirector, wf.Approval(domain.RoleHSEDirector).Email)
	override(&a.HSEDirectorReplacer, wf.HSEDirectorReplacer)
	if len(wf.HSEPartners) > 0 {
		a.HSEPartners = wf.HSEPartners
	}
	a.AssetDirectorDelegate = wf.AssetDirectorDelegate
	a.HSEDirectorDelegate = wf.HSEDirectorDelegate
	return a
}

func (a Assignments) authoritativeAssetDirector() string {
	if a.AssetDirectorDelegate {
		return a.AssetDirectorReplacer
	}
	return a.AssetDirector
}

func (a Assignments) authoritativeHSEDirector() string {
	if a.HSEDirectorDelegate {
		return a.HSEDirectorReplacer
	}
	return a.HSEDirector
}

// Email returns the identity assigned to role on this form.
func (a Assignments) Email(role domain.Role) string {
	switch role {
	case domain.RolePermitOriginator:
		return a.Originator
	case domain.RolePerformingAuthority:
		return a.PerformingAuthority
	case domain.RolePermitIssuer:
		return a.PermitIssuer
	case domain.RoleAssetDirector:
		return a.authoritativeAssetDirector()
	case domain.RoleAssetManager:
		return a.AssetManager
	case domain.RoleHSEDirector:
		return a.authoritativeHSEDirector()
	}
	return ""
}

// WithRowIssuer returns the assignments a schedule row decision is checked
// against: the row's issuer holds the issuer role on the issued permit.
func (a Assignments) WithRowIssuer(issuer string) Assignments {
	a.PermitIssuer = issuer
	a.Stage = domain.StageIssued
	return a
}

// Collapsed reports whether PA is the originator.
func (a Assignments) Collapsed() bool {
	return domain.SameEmail(a.Originator, a.PerformingAuthority)
}

var issuerStages = mapset.NewSet(
	domain.StageApprovedFromPAToPI,
	domain.StageApprovedFromPOToPI,
	domain.StageIssued,
)

// RoleSet is the resolved set of roles a user holds on one form.
type RoleSet struct {
	Email  string
	held   mapset.Set[domain.Role]
	unique mapset.Set[domain.Role]
}

// Resolve computes the caller's roles for one form.
func Resolve(email string, a Assignments, m Membership) RoleSet {
	rs := RoleSet{
		Email:  email,
		held:   mapset.NewThreadUnsafeSet[domain.Role](),
		unique: mapset.NewThreadUnsafeSet[domain.Role](),
	}
	if email == "" {
		return rs
	}
	if m.PermitOriginator && (a.NewForm || domain.SameEmail(email, a.Originator)) {
		rs.held.Add(domain.RolePermitOriginator)
	}
	if m.PerformingAuthority && domain.SameEmail(email, a.PerformingAuthority) {
		rs.held.Add(domain.RolePerformingAuthority)
	}
	if domain.SameEmail(email, a.PermitIssuer) && issuerStages.Contains(a.Stage) {
		rs.held.Add(domain.RolePermitIssuer)
	}
	if domain.SameEmail(email, a.authoritativeAssetDirector()) {
		rs.held.Add(domain.RoleAssetDirector)
	}
	if domain.SameEmail(email, a.AssetManager) {
		rs.held.Add(domain.RoleAssetManager)
	}
	if domain.SameEmail(email, a.authoritativeHSEDirector()) {
		rs.held.Add(domain.RoleHSEDirector)
	}

	collapsed := a.Collapsed()
	for _, role := range rs.held.ToSlice() {
		conflict := false
		for _, other := range domain.Roles {
			if other == role {
				continue
			}
			if collapsed && collapsePair(role, other) {
				continue
			}
			if domain.SameEmail(email, a.Email(other)) {
				conflict = true
				break
			}
		}
		if !conflict {
			rs.unique.Add(role)
		}
	}
	return rs
}

func collapsePair(a, b domain.Role) bool {
	return (a == domain.RolePermitOriginator && b == domain.RolePerformingAuthority) ||
		(a == domain.RolePerformingAuthority && b == domain.RolePermitOriginator)
}

func (rs RoleSet) Has(role domain.Role) bool {
	return rs.held != nil && rs.held.Contains(role)
}

// Unique reports whether the caller holds role and no other role on the form.
func (rs RoleSet) Unique(role domain.Role) bool {
	return rs.unique != nil && rs.unique.Contains(role)
}

// Roles returns held roles in chain order.
func (rs RoleSet) Roles() []domain.Role {
	var out []domain.Role
	for _, r := range domain.Roles {
		if rs.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// Flags is the wire view of a RoleSet.
type Flags struct {
	IsPermitOriginator          bool `json:"is_permit_originator"`
	IsPermitOriginatorUnique    bool `json:"is_permit_originator_unique"`
	IsPerformingAuthority       bool `json:"is_performing_authority"`
	IsPerformingAuthorityUnique bool `json:"is_performing_authority_unique"`
	IsPermitIssuer              bool `json:"is_permit_issuer"`
	IsPermitIssuerUnique        bool `json:"is_permit_issuer_unique"`
	IsAssetDirector             bool `json:"is_asset_director"`
	IsAssetDirectorUnique       bool `json:"is_asset_director_unique"`
	IsAssetManager              bool `json:"is_asset_manager"`
	IsAssetManagerUnique        bool `json:"is_asset_manager_unique"`
	IsHSEDirector               bool `json:"is_hse_director"`
	IsHSEDirectorUnique         bool `json:"is_hse_director_unique"`
}

func (rs RoleSet) Flags() Flags {
	return Flags{
		IsPermitOriginator:          rs.Has(domain.RolePermitOriginator),
		IsPermitOriginatorUnique:    rs.Unique(domain.RolePermitOriginator),
		IsPerformingAuthority:       rs.Has(domain.RolePerformingAuthority),
		IsPerformingAuthorityUnique: rs.Unique(domain.RolePerformingAuthority),
		IsPermitIssuer:              rs.Has(domain.RolePermitIssuer),
		IsPermitIssuerUnique:        rs.Unique(domain.RolePermitIssuer),
		IsAssetDirector:             rs.Has(domain.RoleAssetDirector),
		IsAssetDirectorUnique:       rs.Unique(domain.RoleAssetDirector),
		IsAssetManager:              rs.Has(domain.RoleAssetManager),
		IsAssetManagerUnique:        rs.Unique(domain.RoleAssetManager),
		IsHSEDirector:               rs.Has(domain.RoleHSEDirector),
		IsHSEDirectorUnique:         rs.Unique(domain.RoleHSEDirector),
	}
}

func (rs RoleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(rs.Flags())
}

// Require returns an AuthorizationError unless the caller uniquely holds role.
func (rs RoleSet) Require(role domain.Role, s domain.Stage) error {
	if !rs.Has(role) {
		return &domain.AuthorizationError{Role: role, Stage: s, Reason: "caller does not hold this role"}
	}
	if !rs.Unique(role) {
		return &domain.AuthorizationError{Role: role, Stage: s, Reason: "caller holds another role on this form"}
	}
	return nil
}

// Actor picks the first uniquely held role among candidates.
func (rs RoleSet) Actor(candidates []domain.Role, s domain.Stage) (domain.Role, error) {
	var firstErr error
	for _, r := range candidates {
		err := rs.Require(r, s)
		if err == nil {
			return r, nil
		}
		if firstErr == nil || rs.Has(r) {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = &domain.AuthorizationError{Stage: s, Reason: "no role may act at this stage"}
	}
	return "", firstErr
}
