package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/repo"
)

type snapshotOutput struct {
	ETag string `header:"ETag"`
	Body SnapshotResponse
}

func snapshotResult(s domain.Snapshot) *snapshotOutput {
	return &snapshotOutput{ETag: etag(s), Body: snapshotResponse(s)}
}

var commandErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusBadGateway,
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Permit settings, companies and work categories",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: configResponse(e.Config)}, nil
	})
}

func registerForms(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "save-form",
		Method:        http.MethodPost,
		Path:          "/forms",
		Summary:       "Save a new draft",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Body FormRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := formInput(input.Body)
		in.Form.ID = ""
		snap, err := e.Save(ctx, actor, in)
		if err != nil {
			return nil, handleError(err)
		}
		return snapshotResult(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-form",
		Method:      http.MethodPut,
		Path:        "/forms/{form_id}",
		Summary:     "Save an existing draft",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		FormID  string      `path:"form_id"`
		IfMatch string      `header:"If-Match"`
		Body    FormRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		version, vErr := parseIfMatch(input.IfMatch)
		if vErr != nil {
			return nil, vErr
		}
		in := formInput(input.Body)
		in.Form.ID = input.FormID
		in.ExpectedVersion = version
		snap, err := e.Save(ctx, actor, in)
		if err != nil {
			return nil, handleError(err)
		}
		return snapshotResult(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-new-form",
		Method:        http.MethodPost,
		Path:          "/forms/submit",
		Summary:       "Create and submit a form in one step",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Body FormRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := formInput(input.Body)
		in.Form.ID = ""
		snap, err := e.Submit(ctx, actor, in)
		if err != nil {
			return nil, handleError(err)
		}
		return snapshotResult(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-form",
		Method:      http.MethodPost,
		Path:        "/forms/{form_id}/submit",
		Summary:     "Submit a saved draft",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		FormID  string      `path:"form_id"`
		IfMatch string      `header:"If-Match"`
		Body    FormRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		version, vErr := parseIfMatch(input.IfMatch)
		if vErr != nil {
			return nil, vErr
		}
		in := formInput(input.Body)
		in.Form.ID = input.FormID
		in.ExpectedVersion = version
		snap, err := e.Submit(ctx, actor, in)
		if err != nil {
			return nil, handleError(err)
		}
		return snapshotResult(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-forms",
		Method:      http.MethodGet,
		Path:        "/forms",
		Summary:     "List forms",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"Saved,Submitted,"`
		Stage      string `query:"stage"`
		Originator string `query:"originator"`
		Company    string `query:"company"`
		AssetID    string `query:"asset_id"`
		Reference  string `query:"reference" doc:"Reference number prefix"`
		Project    string `query:"project" doc:"Project title prefix"`
		Mine       bool   `query:"mine" doc:"Only forms the caller takes part in"`
		Limit      int    `query:"limit"`
		Offset     int    `query:"offset"`
	}) (*struct {
		Body paginatedForms `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		offset := input.Offset
		if offset < 0 {
			offset = 0
		}
		filter := repo.FormFilter{
			Match: []repo.Match{
				repo.Eq("status", input.Status),
				repo.Eq("stage", input.Stage),
				repo.Eq("originator", input.Originator),
				repo.Eq("company", input.Company),
				repo.Eq("asset_id", input.AssetID),
				repo.Prefix("reference_number", input.Reference),
				repo.Prefix("project_title", input.Project),
			},
			Limit:  limit + 1,
			Offset: offset,
		}
		if input.Mine {
			filter.Participant = actor
		}
		items, err := e.List(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedForms{Items: nonNilSlice(items)}
		if len(items) > limit {
			resp.Items = items[:limit]
			resp.NextOffset = offset + limit
		}
		return &struct {
			Body paginatedForms `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-form",
		Method:      http.MethodGet,
		Path:        "/forms/{form_id}",
		Summary:     "Get a form with its workflow, permit rows and tasks",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		FormID string `path:"form_id"`
	}) (*snapshotOutput, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		snap, err := e.Get(ctx, input.FormID)
		if err != nil {
			return nil, handleError(err)
		}
		return snapshotResult(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "form-actions",
		Method:      http.MethodGet,
		Path:        "/forms/{form_id}/actions",
		Summary:     "Roles and commands available to the caller",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		FormID string `path:"form_id"`
	}) (*struct {
		Body engine.Actions `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		acts, err := e.Actions(ctx, input.FormID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		acts.ExpectedActors = nonNilSlice(acts.ExpectedActors)
		return &struct {
			Body engine.Actions `json:"body"`
		}{Body: acts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "form-history",
		Method:      http.MethodGet,
		Path:        "/forms/{form_id}/history",
		Summary:     "Approval history, oldest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		FormID string `path:"form_id"`
	}) (*struct {
		Body historyList `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.History(ctx, input.FormID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body historyList `json:"body"`
		}{Body: historyList{Items: nonNilSlice(items)}}, nil
	})
}

func formInput(req FormRequest) engine.FormInput {
	return engine.FormInput{
		Form:                  req.Form.form(),
		Tasks:                 jobTasks(req.Tasks),
		AssetDirectorDelegate: req.AssetDirectorDelegate,
		HSEDirectorDelegate:   req.HSEDirectorDelegate,
	}
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "decide",
		Method:      http.MethodPost,
		Path:        "/forms/{form_id}/decisions",
		Summary:     "Approve, reject or return at the current stage",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		FormID  string          `path:"form_id"`
		IfMatch string          `header:"If-Match"`
		Body    DecisionRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		version, vErr := parseIfMatch(input.IfMatch)
		if vErr != nil {
			return nil, vErr
		}
		snap, err := e.Decide(ctx, engine.DecideInput{
			FormID:          input.FormID,
			Actor:           actor,
			Decision:        input.Body.Decision,
			Reason:          input.Body.Reason,
			IssuerEmail:     input.Body.IssuerEmail,
			ExpectedVersion: version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return snapshotResult(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue",
		Method:      http.MethodPost,
		Path:        "/forms/{form_id}/issue",
		Summary:     "Permit issuer section and approval",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		FormID  string       `path:"form_id"`
		IfMatch string       `header:"If-Match"`
		Body    IssueRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		version, vErr := parseIfMatch(input.IfMatch)
		if vErr != nil {
			return nil, vErr
		}
		snap, err := e.Issue(ctx, engine.IssueInput{
			FormID:                input.FormID,
			Actor:                 actor,
			Tasks:                 jobTasks(input.Body.Tasks),
			OverallRisk:           input.Body.OverallRisk,
			DetailedRisk:          input.Body.DetailedRisk,
			DetailedRiskReference: input.Body.DetailedRiskReference,
			Checks:                input.Body.Checks.checks(),
			ExpectedVersion:       version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return snapshotResult(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-risk-assessment",
		Method:      http.MethodPut,
		Path:        "/forms/{form_id}/tasks",
		Summary:     "Edit task risk levels and safeguards",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		FormID  string                `path:"form_id"`
		IfMatch string                `header:"If-Match"`
		Body    RiskAssessmentRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		version, vErr := parseIfMatch(input.IfMatch)
		if vErr != nil {
			return nil, vErr
		}
		snap, err := e.UpdateRiskAssessment(ctx, engine.RiskAssessmentInput{
			FormID:          input.FormID,
			Actor:           actor,
			Tasks:           jobTasks(input.Body.Tasks),
			OverallRisk:     input.Body.OverallRisk,
			ExpectedVersion: version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return snapshotResult(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close",
		Method:      http.MethodPost,
		Path:        "/forms/{form_id}/closure",
		Summary:     "Request, withdraw or confirm closure",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		FormID  string         `path:"form_id"`
		IfMatch string         `header:"If-Match"`
		Body    ClosureRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		version, vErr := parseIfMatch(input.IfMatch)
		if vErr != nil {
			return nil, vErr
		}
		snap, err := e.Close(ctx, engine.CloseInput{
			FormID:          input.FormID,
			Actor:           actor,
			Decision:        input.Body.Decision,
			Reason:          input.Body.Reason,
			ExpectedVersion: version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return snapshotResult(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel",
		Method:      http.MethodPost,
		Path:        "/forms/{form_id}/cancel",
		Summary:     "Cancel a form before issuance",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		FormID  string        `path:"form_id"`
		IfMatch string        `header:"If-Match"`
		Body    CancelRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		version, vErr := parseIfMatch(input.IfMatch)
		if vErr != nil {
			return nil, vErr
		}
		snap, err := e.Cancel(ctx, engine.CancelInput{
			FormID:          input.FormID,
			Actor:           actor,
			Reason:          input.Body.Reason,
			ExpectedVersion: version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return snapshotResult(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resubmit",
		Method:      http.MethodPost,
		Path:        "/forms/{form_id}/resubmit",
		Summary:     "Resubmit a rejected form",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		FormID  string          `path:"form_id"`
		IfMatch string          `header:"If-Match"`
		Body    ResubmitRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		version, vErr := parseIfMatch(input.IfMatch)
		if vErr != nil {
			return nil, vErr
		}
		var form *domain.Form
		if input.Body.Form != nil {
			f := input.Body.Form.form()
			form = &f
		}
		snap, err := e.Resubmit(ctx, engine.ResubmitInput{
			FormID:                input.FormID,
			Actor:                 actor,
			Form:                  form,
			Tasks:                 jobTasks(input.Body.Tasks),
			AssetDirectorDelegate: input.Body.AssetDirectorDelegate,
			HSEDirectorDelegate:   input.Body.HSEDirectorDelegate,
			ExpectedVersion:       version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return snapshotResult(snap), nil
	})
}

func registerRenewals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-renewal",
		Method:        http.MethodPost,
		Path:          "/forms/{form_id}/renewals",
		Summary:       "Request a renewal row",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		FormID string         `path:"form_id"`
		Body   RenewalRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.AddRenewal(ctx, engine.RenewalInput{FormID: input.FormID, Actor: actor, Row: input.Body.Row})
		if err != nil {
			return nil, handleError(err)
		}
		return snapshotResult(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-renewal",
		Method:      http.MethodPost,
		Path:        "/forms/{form_id}/renewals/{row_id}/decision",
		Summary:     "Issuer decision on a renewal row",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		FormID string                 `path:"form_id"`
		RowID  string                 `path:"row_id"`
		Body   RenewalDecisionRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.ApproveRenewal(ctx, engine.RenewalDecisionInput{
			FormID:   input.FormID,
			RowID:    input.RowID,
			Actor:    actor,
			Decision: input.Body.Decision,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return snapshotResult(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "extend",
		Method:        http.MethodPost,
		Path:          "/forms/{form_id}/extend",
		Summary:       "Raise a follow-up form once renewals are used up",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		FormID string        `path:"form_id"`
		Body   ExtendRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.Extend(ctx, engine.ExtendInput{
			FormID:                input.FormID,
			Actor:                 actor,
			Row:                   input.Body.Row,
			AssetDirectorDelegate: input.Body.AssetDirectorDelegate,
			HSEDirectorDelegate:   input.Body.HSEDirectorDelegate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return snapshotResult(snap), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		FormID     string `query:"form_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		Cursor     string `query:"cursor"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			before = parsed
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilter{
			FormID:     input.FormID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(&domain.DependencyError{Op: "list events", Err: err})
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDirectory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "search-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "People picker",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Q string `query:"q"`
	}) (*struct {
		Body userList `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		users, err := e.Directory.SearchUsers(ctx, input.Q)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body userList `json:"body"`
		}{Body: userList{Items: nonNilSlice(users)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "group-members",
		Method:      http.MethodGet,
		Path:        "/groups/{group}/members",
		Summary:     "Members of the originator or performing authority group",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Group string `path:"group" enum:"permit-originator,performing-authority"`
	}) (*struct {
		Body userList `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var group string
		switch input.Group {
		case "permit-originator":
			group = e.Config.Groups.PermitOriginator
		case "performing-authority":
			group = e.Config.Groups.PerformingAuthority
		default:
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown group", map[string]any{"group": input.Group})
		}
		users, err := e.Directory.GroupMembers(ctx, group)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body userList `json:"body"`
		}{Body: userList{Items: nonNilSlice(users)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assets",
		Method:      http.MethodGet,
		Path:        "/assets",
		Summary:     "Asset approver assignments",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
		Title    string `query:"title" doc:"Title prefix"`
	}) (*struct {
		Body assetList `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		assets, err := e.Repo.ListAssets(ctx, repo.Eq("category", input.Category), repo.Prefix("title", input.Title))
		if err != nil {
			return nil, handleError(&domain.DependencyError{Op: "list assets", Err: err})
		}
		return &struct {
			Body assetList `json:"body"`
		}{Body: assetList{Items: nonNilSlice(assets)}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp := MeResponse{Email: principal.Email, Source: principal.Source}
		if u, err := e.Directory.ResolveUser(ctx, principal.Email); err == nil {
			resp.DisplayName = u.DisplayName
		}
		var err error
		if resp.PermitOriginator, err = e.Directory.IsUserInGroup(ctx, e.Config.Groups.PermitOriginator, principal.Email); err != nil {
			return nil, handleError(err)
		}
		if resp.PerformingAuthority, err = e.Directory.IsUserInGroup(ctx, e.Config.Groups.PerformingAuthority, principal.Email); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for a directory user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		email := strings.TrimSpace(input.Body.Email)
		if email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email is required", nil)
		}
		u, err := e.Directory.ResolveUser(ctx, email)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := signDevToken(authCfg.JWTSecret, u.Email)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
