package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/d9705996/oncall/internal/alertgroup"
	"github.com/d9705996/oncall/internal/api"
	"github.com/d9705996/oncall/internal/api/handler"
	"github.com/d9705996/oncall/internal/auth"
	"github.com/d9705996/oncall/internal/escalation"
	"github.com/d9705996/oncall/internal/grouping"
	"github.com/d9705996/oncall/internal/health"
	"github.com/d9705996/oncall/internal/ingest"
	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/logrecord"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/notify"
	"github.com/d9705996/oncall/internal/routing"
	"github.com/d9705996/oncall/internal/schedule"
	"github.com/d9705996/oncall/internal/sequence"
	"github.com/d9705996/oncall/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type env struct {
	db      *gorm.DB
	f       *testutil.Fixtures
	mux     *http.ServeMux
	issuer  *auth.Issuer
	org     *model.Organization
	channel *model.Channel
	alice   *model.User
}

func setup(t *testing.T, limit api.IngestLimit) *env {
	t.Helper()
	gdb := testutil.NewDB(t)
	f := testutil.NewFixtures(t, gdb)
	log := testutil.NullLogger()
	enq := &jobs.Recorder{}
	logs := logrecord.NewRecorder(nil)

	groups := alertgroup.New(gdb, logs, enq, nil, log, alertgroup.Config{}, nil)
	engine := grouping.New(gdb, sequence.New(gdb), nil, log, nil)
	ingestSvc := ingest.New(gdb, engine, routing.New(log), groups, logs, nil, log, ingest.Config{}, nil)
	pager := notify.NewPager(gdb, logs, enq, schedule.NewResolver(), ingestSvc, log, nil)
	issuer := auth.NewIssuer("test-secret", time.Hour, nil)

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Handlers{
		Health:       health.New(nil),
		Auth:         handler.NewAuthHandler(gdb, issuer, auth.NewRefreshStore(gdb, time.Hour, nil), log),
		AlertGroups:  handler.NewAlertGroupHandler(gdb, groups, log),
		Paging:       handler.NewPagingHandler(gdb, pager, log),
		Integrations: handler.NewIntegrationHandler(gdb, ingestSvc, ingest.NewMaintenance(gdb, groups, enq, log, nil), log),
		Chains:       handler.NewChainHandler(gdb, escalation.NewChainStore(gdb), log),
	}, issuer, limit)

	org := f.Organization()
	chain := f.Chain(org, &model.EscalationPolicy{Step: model.StepWait})
	ch, _ := f.Channel(org, chain)
	return &env{db: gdb, f: f, mux: mux, issuer: issuer, org: org, channel: ch, alice: f.User(org, "alice")}
}

func (e *env) token(t *testing.T, u *model.User) string {
	t.Helper()
	tok, err := e.issuer.Issue(u)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

type resource struct {
	Data struct {
		ID            string         `json:"id"`
		Attributes    map[string]any `json:"attributes"`
		Relationships map[string]struct {
			Data *struct {
				ID string `json:"id"`
			} `json:"data"`
		} `json:"relationships"`
	} `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) resource {
	t.Helper()
	var r resource
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r), w.Body.String())
	return r
}

// ingest posts an alert and returns its alert group id.
func (e *env) ingest(t *testing.T, alertname string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/integrations/"+e.channel.Token+"/alerts", "",
		map[string]any{"alertname": alertname, "status": "firing"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	rel := decode(t, w).Data.Relationships["alert_group"].Data
	require.NotNil(t, rel)
	return rel.ID
}

func TestIngestThenAcknowledge(t *testing.T) {
	e := setup(t, api.IngestLimit{PerSecond: 100, Burst: 100})
	id := e.ingest(t, "HighCPU")
	tok := e.token(t, e.alice)

	w := e.do(t, http.MethodGet, "/api/v1/alert-groups/"+id, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	attrs := decode(t, w).Data.Attributes
	assert.Equal(t, "firing", attrs["state"])
	assert.Equal(t, "HighCPU", attrs["title"])

	w = e.do(t, http.MethodPost, "/api/v1/alert-groups/"+id+"/acknowledge", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "acknowledged", decode(t, w).Data.Attributes["state"])

	w = e.do(t, http.MethodPost, "/api/v1/alert-groups/"+id+"/acknowledge", tok, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/alert-groups/"+id+"/silence", tok, map[string]int{"delay": -1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestIngest_UnknownToken(t *testing.T) {
	e := setup(t, api.IngestLimit{PerSecond: 100, Burst: 100})
	w := e.do(t, http.MethodPost, "/api/v1/integrations/nope/alerts", "", map[string]any{"alertname": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngest_RateLimitedPerToken(t *testing.T) {
	e := setup(t, api.IngestLimit{PerSecond: 0.001, Burst: 1})
	e.ingest(t, "first")
	w := e.do(t, http.MethodPost, "/api/v1/integrations/"+e.channel.Token+"/alerts", "", map[string]any{"alertname": "second"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAlertGroupRoutes_AuthAndPermissions(t *testing.T) {
	e := setup(t, api.IngestLimit{PerSecond: 100, Burst: 100})
	id := e.ingest(t, "HighCPU")

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/v1/alert-groups/"+id, "", nil).Code)

	viewer := e.f.User(e.org, "victor")
	require.NoError(t, e.db.Model(viewer).Update("roles", model.StringSlice{"Viewer"}).Error)
	viewer.Roles = model.StringSlice{"Viewer"}
	tok := e.token(t, viewer)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/alert-groups/"+id, tok, nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/api/v1/alert-groups/"+id+"/resolve", tok, nil).Code)

	other := e.f.User(e.f.Organization(), "mallory")
	w := e.do(t, http.MethodGet, "/api/v1/alert-groups/"+id, e.token(t, other), nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "groups of other organizations are invisible")
}

func TestResolve_RequiresNote(t *testing.T) {
	e := setup(t, api.IngestLimit{PerSecond: 100, Burst: 100})
	require.NoError(t, e.db.Model(e.org).Update("is_resolution_note_required", true).Error)
	id := e.ingest(t, "DiskFull")
	tok := e.token(t, e.alice)

	w := e.do(t, http.MethodPost, "/api/v1/alert-groups/"+id+"/resolve", tok, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/alert-groups/"+id+"/resolve", tok, map[string]string{"resolution_note": "cleaned up /var"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "resolved", decode(t, w).Data.Attributes["state"])
}

func TestTimeline(t *testing.T) {
	e := setup(t, api.IngestLimit{PerSecond: 100, Burst: 100})
	id := e.ingest(t, "HighCPU")
	tok := e.token(t, e.alice)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/alert-groups/"+id+"/acknowledge", tok, nil).Code)

	w := e.do(t, http.MethodGet, "/api/v1/alert-groups/"+id+"/timeline?format=plain", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var doc struct {
		Data []struct {
			Attributes logrecord.Entry `json:"attributes"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.NotEmpty(t, doc.Data)
	last := doc.Data[len(doc.Data)-1].Attributes
	assert.Contains(t, last.Text, "acknowledged")

	w = e.do(t, http.MethodGet, "/api/v1/alert-groups/"+id+"/timeline?format=xml", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBulk_IgnoresOtherOrganizations(t *testing.T) {
	e := setup(t, api.IngestLimit{PerSecond: 100, Burst: 100})
	mine := e.ingest(t, "A")
	otherOrg := e.f.Organization()
	otherCh, otherRoute := e.f.Channel(otherOrg, nil)
	theirs := e.f.AlertGroup(otherCh, otherRoute, time.Now())

	w := e.do(t, http.MethodPost, "/api/v1/alert-groups/bulk", e.token(t, e.alice), map[string]any{
		"action":          alertgroup.BulkActionAcknowledge,
		"alert_group_ids": []string{mine, theirs.ID},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var g model.AlertGroup
	require.NoError(t, e.db.First(&g, "id = ?", mine).Error)
	assert.True(t, g.Acknowledged)
	assert.False(t, e.f.Reload(theirs).Acknowledged)
}

func TestAuth_LoginRefreshLogout(t *testing.T) {
	e := setup(t, api.IngestLimit{PerSecond: 100, Burst: 100})
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, e.db.Model(e.alice).Update("password_hash", string(hash)).Error)

	w := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": e.alice.Email, "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": e.alice.Email, "password": "s3cret-pass"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	attrs := decode(t, w).Data.Attributes
	access, _ := attrs["access_token"].(string)
	refresh, _ := attrs["refresh_token"].(string)
	require.NotEmpty(t, access)
	claims, err := e.issuer.Parse(access)
	require.NoError(t, err)
	assert.Equal(t, e.alice.ID, claims.UserID)

	w = e.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rotated, _ := decode(t, w).Data.Attributes["refresh_token"].(string)
	assert.NotEqual(t, refresh, rotated)

	w = e.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": refresh})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "rotated tokens stop working")

	w = e.do(t, http.MethodPost, "/api/v1/auth/logout", access, map[string]string{"refresh_token": rotated})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestChains_CreateAndEdit(t *testing.T) {
	e := setup(t, api.IngestLimit{PerSecond: 100, Burst: 100})
	admin := e.f.User(e.org, "root")
	require.NoError(t, e.db.Model(admin).Update("roles", model.StringSlice{"Admin"}).Error)
	admin.Roles = model.StringSlice{"Admin"}
	tok := e.token(t, admin)

	w := e.do(t, http.MethodPost, "/api/v1/escalation-chains", tok, map[string]any{
		"name": "Database",
		"policies": []map[string]any{
			{"step": "wait", "wait_delay": "5m"},
			{"step": "notify_persons", "persons_to_notify": []string{e.alice.ID}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	chainID := decode(t, w).Data.ID

	policies, err := escalation.NewChainStore(e.db).Policies(context.Background(), chainID)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, model.StepNotifyMultipleUsers, policies[1].Step)

	w = e.do(t, http.MethodPost, "/api/v1/escalation-policies/"+policies[1].ID+"/move", tok, map[string]int{"position": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	policies, err = escalation.NewChainStore(e.db).Policies(context.Background(), chainID)
	require.NoError(t, err)
	assert.Equal(t, model.StepNotifyMultipleUsers, policies[0].Step)

	w = e.do(t, http.MethodPost, "/api/v1/escalation-chains/"+chainID+"/policies", tok, map[string]any{"step": "page_everyone"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// responders may not edit chains
	w = e.do(t, http.MethodDelete, "/api/v1/escalation-policies/"+policies[0].ID, e.token(t, e.alice), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
