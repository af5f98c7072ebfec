package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permitline/internal/app"
	"permitline/internal/config"
	"permitline/internal/db"
	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/events"
	"permitline/internal/migrate"
	"permitline/internal/repo"
)

const (
	testSecret = "test-secret"
	po         = "po@example.com"
	pa         = "pa@example.com"
	pi         = "pi@example.com"
	am         = "am@example.com"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Assets = []domain.AssetDetails{{
		ID:            "asset-1",
		Category:      "Pumps",
		Title:         "Pump 1",
		AssetDirector: "ad@example.com",
		AssetManager:  am,
		HSEDirector:   "hse@example.com",
	}}
	cfg.Directory.Users = []config.DirectoryUser{
		{Email: po, DisplayName: "Olive Originator"},
		{Email: pa, DisplayName: "Pat Authority"},
		{Email: pi, DisplayName: "Ivy Issuer"},
		{Email: am, DisplayName: "Max Manager"},
	}
	cfg.Directory.Groups = map[string][]string{
		cfg.Groups.PermitOriginator:    {po},
		cfg.Groups.PerformingAuthority: {pa},
	}
	return cfg
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	cfg := testConfig()
	require.NoError(t, app.Seed(context.Background(), repo.Repo{DB: conn}, cfg))

	e := engine.New(conn, cfg)
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return clock }
	if auth.JWTSecret == "" {
		auth.JWTSecret = testSecret
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func bearer(t *testing.T, email string) map[string]string {
	t.Helper()
	token, err := signDevToken(testSecret, email)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func formBody() map[string]any {
	return map[string]any{
		"form": map[string]any{
			"asset_id":                   "P-100",
			"asset_category":             "Pumps",
			"asset_details_id":           "asset-1",
			"company":                    "Main Contractor",
			"project_title":              "Replace seal",
			"work_categories":            []string{"hot-work"},
			"hazards":                    []string{"Heat"},
			"precautions":                []string{"Barrier"},
			"protective_equipment":       []string{"Gloves"},
			"machinery":                  []string{"Grinder"},
			"hac_work_area":              "Zone 2",
			"performing_authority_email": pa,
			"schedule": map[string]any{
				"date":         "2024-03-03",
				"start_time":   "08:00",
				"end_time":     "17:00",
				"issuer_email": pi,
			},
		},
		"tasks": []map[string]any{{"description": "Isolate pump"}},
	}
}

func submitForm(t *testing.T, srv *testServer) SnapshotResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/forms/submit", formBody(), bearer(t, po))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var snap SnapshotResponse
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestOpenAPIDocumentIsPublic(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowActorHeader: true})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var doc struct {
		Paths      map[string]map[string]json.RawMessage `json:"paths"`
		Components struct {
			SecuritySchemes map[string]json.RawMessage `json:"securitySchemes"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc.Paths, "/v0/forms/{form_id}/decisions")
	assert.Contains(t, doc.Components.SecuritySchemes, "bearerAuth")
	assert.Contains(t, doc.Components.SecuritySchemes, "actorHeader")
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/forms", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/forms", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)

	// the actor header is ignored unless explicitly enabled
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/forms", nil, map[string]string{"X-Actor-Email": po})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestLowRiskApprovalChainOverHTTP(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := srv.Client()

	snap := submitForm(t, srv)
	assert.Equal(t, "MC-HSE-PTW-20240301-01", snap.Form.ReferenceNumber)
	assert.Equal(t, domain.StageApprovedFromPOToPA, snap.Stage)
	require.Len(t, snap.Tasks, 1)
	formURL := srv.URL + "/v0/forms/" + snap.Form.ID

	res, data := doJSON(t, client, http.MethodPost, formURL+"/decisions", map[string]any{"decision": "Approved"}, bearer(t, pa))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, domain.StageApprovedFromPAToPI, snap.Stage)
	assert.NotEmpty(t, res.Header.Get("ETag"))

	res, data = doJSON(t, client, http.MethodPost, formURL+"/issue", map[string]any{
		"overall_risk": "Low",
		"checks":       map[string]any{},
	}, bearer(t, pi))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, domain.StageIssued, snap.Stage)
	require.Len(t, snap.Permits, 1)
	assert.Equal(t, domain.PermitNew, snap.Permits[0].Type)

	res, data = doJSON(t, client, http.MethodGet, formURL+"/history", nil, bearer(t, am))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var hist historyList
	require.NoError(t, json.Unmarshal(data, &hist))
	require.Len(t, hist.Items, 3)
	assert.Equal(t, domain.RolePermitOriginator, hist.Items[0].Role)
	assert.Equal(t, domain.StageIssued, hist.Items[2].ToStage)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?form_id="+snap.Form.ID+"&limit=2", nil, bearer(t, po))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	assert.NotEmpty(t, page.NextCursor)
	assert.Greater(t, page.Items[0].ID, page.Items[1].ID)
}

func TestSubmitValidationEnvelope(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	body := formBody()
	form := body["form"].(map[string]any)
	delete(form, "project_title")
	delete(form, "hac_work_area")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/forms/submit", body, bearer(t, po))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	assert.Equal(t, "validation_failed", apiErr.Code)
	missing, ok := apiErr.Details["missing"].([]any)
	require.True(t, ok, string(data))
	assert.GreaterOrEqual(t, len(missing), 2)
}

func TestWrongRoleIsForbidden(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	snap := submitForm(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/forms/"+snap.Form.ID+"/decisions",
		map[string]any{"decision": "Approved"}, bearer(t, am))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "forbidden", decodeError(t, data).Code)
}

func TestStaleIfMatchConflicts(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	snap := submitForm(t, srv)
	headers := bearer(t, pa)

	headers["If-Match"] = `"99"`
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/forms/"+snap.Form.ID+"/decisions",
		map[string]any{"decision": "Approved"}, headers)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "conflict", decodeError(t, data).Code)

	headers["If-Match"] = "abc"
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/forms/"+snap.Form.ID+"/decisions",
		map[string]any{"decision": "Approved"}, headers)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestUnknownFormIsNotFound(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/forms/missing", nil, bearer(t, po))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", decodeError(t, data).Code)
}

func TestActionsForCaller(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	snap := submitForm(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/forms/"+snap.Form.ID+"/actions", nil, bearer(t, pa))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var acts engine.Actions
	require.NoError(t, json.Unmarshal(data, &acts))
	assert.True(t, acts.CanDecide)
	assert.False(t, acts.CanCancel)
	assert.Equal(t, []domain.Role{domain.RolePerformingAuthority}, acts.ExpectedActors)
}

func TestAPIKeyAuthenticatesDirectoryUser(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	require.NoError(t, srv.Engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID:        "key-1",
		UserEmail: po,
		KeyHash:   repo.HashAPIKey("s3cret"),
	}))

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "s3cret"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me MeResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, po, me.Email)
	assert.Equal(t, "api_key", me.Source)
	assert.Equal(t, "Olive Originator", me.DisplayName)
	assert.True(t, me.PermitOriginator)
	assert.False(t, me.PerformingAuthority)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv := newTestServer(t, AuthConfig{DevLogin: true})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"email": pa}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me MeResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, pa, me.Email)
	assert.True(t, me.PerformingAuthority)

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"email": "stranger@example.com"}, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestDirectoryLookups(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowActorHeader: true})
	headers := map[string]string{"X-Actor-Email": po}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/users?q=pat", nil, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var users userList
	require.NoError(t, json.Unmarshal(data, &users))
	require.Len(t, users.Items, 1)
	assert.Equal(t, pa, users.Items[0].Email)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/groups/performing-authority/members", nil, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &users))
	require.Len(t, users.Items, 1)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/assets?category=Pumps", nil, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var assets assetList
	require.NoError(t, json.Unmarshal(data, &assets))
	require.Len(t, assets.Items, 1)
	assert.Equal(t, am, assets.Items[0].AssetManager)
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	// events older than the first poll are not replayed
	_, err := srv.Engine.Save(ctx, po, engine.FormInput{Form: domain.Form{ProjectTitle: "draft"}})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{events.FormSubmitted}, Secret: "shh"}}
	d := NewWebhookDispatcher(srv.Engine.Repo, cfg)
	require.NotNil(t, d)
	d.DispatchAll(ctx)

	snap := submitForm(t, srv)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, events.FormSubmitted, received[0].Type)
	assert.Equal(t, snap.Form.ID, received[0].FormID)
	assert.Equal(t, events.FormSubmitted, headers[0].Get("X-Permitline-Event"))
	assert.Equal(t, "shh", headers[0].Get("X-Permitline-Secret"))
}

func TestNoWebhooksNoDispatcher(t *testing.T) {
	assert.Nil(t, NewWebhookDispatcher(repo.Repo{}, config.Default()))
}
