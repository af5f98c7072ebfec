package permitlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal permitline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Form represents the API form model (partial).
type Form struct {
	ID              string `json:"id"`
	ReferenceNumber string `json:"reference_number"`
	Status          string `json:"status"`
	ProjectTitle    string `json:"project_title"`
	OriginatorEmail string `json:"originator_email"`
	OverallRisk     string `json:"overall_risk"`
	ExtendedTo      string `json:"extended_to"`
	Version         int64  `json:"version"`
}

// Approval is one role's slot in the chain.
type Approval struct {
	Email     string `json:"email"`
	Status    string `json:"status"`
	DecidedAt string `json:"decided_at"`
	Reason    string `json:"reason"`
}

type Workflow struct {
	ID              string              `json:"id"`
	Stage           string              `json:"stage"`
	Approvals       map[string]Approval `json:"approvals"`
	Closure         Approval            `json:"closure"`
	RejectionReason string              `json:"rejection_reason"`
	RejectedBy      string              `json:"rejected_by"`
	Version         int64               `json:"version"`
}

// Permit is an issued or renewal permit row.
type Permit struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Date        string `json:"date"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Status      string `json:"status"`
	IssuerEmail string `json:"issuer_email"`
	Decision    string `json:"decision"`
}

// Snapshot is returned by every workflow command.
type Snapshot struct {
	Form     Form      `json:"form"`
	Workflow *Workflow `json:"workflow"`
	Stage    string    `json:"stage"`
	Permits  []Permit  `json:"permits"`
	Advisory string    `json:"advisory"`
	// ETag is the version token to send back as If-Match.
	ETag string `json:"-"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	FormID     string         `json:"form_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Actions describes what the caller may do on a form.
type Actions struct {
	FormID         string          `json:"form_id"`
	Stage          string          `json:"stage"`
	Roles          map[string]bool `json:"roles"`
	ExpectedActors []string        `json:"expected_actors"`
	CanEdit        bool            `json:"can_edit"`
	CanDecide      bool            `json:"can_decide"`
	CanIssue       bool            `json:"can_issue"`
	CanClose       bool            `json:"can_close"`
	CanCancel      bool            `json:"can_cancel"`
	CanRenewPermit bool            `json:"can_renew_permit"`
	CanExtend      bool            `json:"can_extend"`
	CanResubmit    bool            `json:"can_resubmit"`
	RenewalsLeft   int             `json:"renewals_left"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Submit validates and submits a new form. form uses the API's form field names.
func (c *Client) Submit(ctx context.Context, form map[string]any, tasks []map[string]any) (Snapshot, error) {
	body := map[string]any{"form": form, "tasks": tasks}
	return c.snapshot(ctx, http.MethodPost, "forms/submit", "", body)
}

// Get fetches a form snapshot.
func (c *Client) Get(ctx context.Context, formID string) (Snapshot, error) {
	return c.snapshot(ctx, http.MethodGet, "forms/"+url.PathEscape(formID), "", nil)
}

// Decide approves, rejects or returns at the current stage. ifMatch may be empty.
func (c *Client) Decide(ctx context.Context, formID, decision, reason, ifMatch string) (Snapshot, error) {
	body := map[string]any{"decision": decision}
	if reason != "" {
		body["reason"] = reason
	}
	return c.snapshot(ctx, http.MethodPost, fmt.Sprintf("forms/%s/decisions", url.PathEscape(formID)), ifMatch, body)
}

// Issue submits the issuer section. issue holds tasks, overall_risk and checks.
func (c *Client) Issue(ctx context.Context, formID string, issue map[string]any, ifMatch string) (Snapshot, error) {
	return c.snapshot(ctx, http.MethodPost, fmt.Sprintf("forms/%s/issue", url.PathEscape(formID)), ifMatch, issue)
}

// Close requests or confirms closure.
func (c *Client) Close(ctx context.Context, formID, decision, reason string) (Snapshot, error) {
	body := map[string]any{"decision": decision}
	if reason != "" {
		body["reason"] = reason
	}
	return c.snapshot(ctx, http.MethodPost, fmt.Sprintf("forms/%s/closure", url.PathEscape(formID)), "", body)
}

// Resubmit restarts a rejected form. form must name the performing authority
// and permit issuer again; the rejected picks are not carried over.
func (c *Client) Resubmit(ctx context.Context, formID string, form map[string]any) (Snapshot, error) {
	return c.snapshot(ctx, http.MethodPost, fmt.Sprintf("forms/%s/resubmit", url.PathEscape(formID)), "", map[string]any{"form": form})
}

// Renew requests a renewal row.
func (c *Client) Renew(ctx context.Context, formID, date, start, end, issuer string) (Snapshot, error) {
	body := map[string]any{"row": map[string]string{
		"date":         date,
		"start_time":   start,
		"end_time":     end,
		"issuer_email": issuer,
	}}
	return c.snapshot(ctx, http.MethodPost, fmt.Sprintf("forms/%s/renewals", url.PathEscape(formID)), "", body)
}

// Actions returns what the caller may do on a form.
func (c *Client) Actions(ctx context.Context, formID string) (Actions, error) {
	var resp Actions
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("forms/%s/actions", url.PathEscape(formID)), "", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	_, err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp)
	return resp, err
}

func (c *Client) snapshot(ctx context.Context, method, endpoint, ifMatch string, body any) (Snapshot, error) {
	var resp Snapshot
	h, err := c.do(ctx, method, endpoint, ifMatch, body, &resp)
	if err == nil {
		resp.ETag = h.Get("ETag")
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint, ifMatch string, body any, out any) (http.Header, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return resp.Header, apiErr
	}
	if out != nil {
		return resp.Header, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.Header, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
