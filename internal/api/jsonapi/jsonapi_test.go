package jsonapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/d9705996/oncall/internal/api/jsonapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderOne(t *testing.T) {
	w := httptest.NewRecorder()
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
		Type:       "alert_groups",
		ID:         "1",
		Attributes: map[string]string{"state": "firing"},
		Relationships: map[string]jsonapi.Relationship{
			"root_alert_group": {Data: nil},
		},
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.api+json", w.Header().Get("Content-Type"))
	assert.JSONEq(t,
		`{"data":{"type":"alert_groups","id":"1","attributes":{"state":"firing"},"relationships":{"root_alert_group":{"data":null}}}}`,
		w.Body.String())
}

func TestRenderList_EmptySlice(t *testing.T) {
	w := httptest.NewRecorder()
	jsonapi.RenderList(w, http.StatusOK, nil, nil)

	var doc jsonapi.ListDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.NotNil(t, doc.Data)
	assert.Empty(t, doc.Data)
}

func TestRenderError(t *testing.T) {
	w := httptest.NewRecorder()
	jsonapi.RenderError(w, http.StatusNotFound, "not_found", "Not Found", "the resource does not exist")

	assert.Equal(t, http.StatusNotFound, w.Code)
	var doc jsonapi.ErrorDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, "Not Found", doc.Errors[0].Status)
	assert.Equal(t, "not_found", doc.Errors[0].Code)
}

func TestDecode(t *testing.T) {
	var body struct {
		Note string `json:"resolution_note"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"resolution_note":"fixed"}`))
	require.NoError(t, jsonapi.Decode(r, &body))
	assert.Equal(t, "fixed", body.Note)

	r = httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	assert.NoError(t, jsonapi.Decode(r, &body), "empty body")

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.Error(t, jsonapi.Decode(r, &body))
}
