package permitlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideSendsIfMatchAndReadsETag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/forms/f-1/decisions", r.URL.Path)
		assert.Equal(t, `"2"`, r.Header.Get("If-Match"))
		assert.Equal(t, "k-1", r.Header.Get("X-Api-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Approved", body["decision"])
		_, hasReason := body["reason"]
		assert.False(t, hasReason)
		w.Header().Set("ETag", `"3"`)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"form":     map[string]any{"id": "f-1", "reference_number": "MC-HSE-PTW-20240301-01"},
			"workflow": map[string]any{"stage": "ApprovedFromPAToPI", "version": 3},
			"stage":    "ApprovedFromPAToPI",
		})
	}))
	defer srv.Close()

	c := New(srv.URL + "/v0/")
	c.APIKey = "k-1"
	snap, err := c.Decide(context.Background(), "f-1", "Approved", "", `"2"`)
	require.NoError(t, err)
	assert.Equal(t, `"3"`, snap.ETag)
	assert.Equal(t, "ApprovedFromPAToPI", snap.Stage)
	assert.Equal(t, "MC-HSE-PTW-20240301-01", snap.Form.ReferenceNumber)
	require.NotNil(t, snap.Workflow)
	assert.EqualValues(t, 3, snap.Workflow.Version)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"validation_failed","message":"validation failed: Project title is required","details":{"missing":["Project title is required"]}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	c.APIKey = "ignored"
	_, err := c.Submit(context.Background(), map[string]any{"company": "MC"}, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "validation_failed", apiErr.Code)
	assert.Contains(t, apiErr.Details["missing"], "Project title is required")
}

func TestEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "40", r.URL.Query().Get("cursor"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":       []map[string]any{{"id": 39, "type": "form.submitted", "form_id": "f-1"}},
			"next_cursor": "39",
		})
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 5, "40")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "form.submitted", page.Items[0].Type)
	assert.Equal(t, "39", page.NextCursor)
}
