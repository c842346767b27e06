package auditor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/d9705996/oncall/internal/auditor"
	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/snapshot"
	"github.com/d9705996/oncall/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeHeartbeat struct{ urls []string }

func (h *fakeHeartbeat) Ping(_ context.Context, url string) error {
	h.urls = append(h.urls, url)
	return nil
}

type env struct {
	db      *gorm.DB
	f       *testutil.Fixtures
	beat    *fakeHeartbeat
	auditor *auditor.Auditor
	channel *model.Channel
	route   *model.Route
	chain   *model.EscalationChain
}

func setup(t *testing.T) *env {
	t.Helper()
	gdb := testutil.NewDB(t)
	f := testutil.NewFixtures(t, gdb)
	org := f.Organization()
	chain := f.Chain(org, &model.EscalationPolicy{Step: model.StepWait})
	ch, route := f.Channel(org, chain)
	beat := &fakeHeartbeat{}
	a := auditor.New(gdb, beat, nil, testutil.NullLogger(),
		auditor.Config{HeartbeatURL: "https://heartbeat.example.com/ping"}, func() time.Time { return now })
	return &env{db: gdb, f: f, beat: beat, auditor: a, channel: ch, route: route, chain: chain}
}

// escalating creates a group started an hour ago whose next step is due at eta.
func (e *env) escalating(t *testing.T, eta time.Time) *model.AlertGroup {
	t.Helper()
	g := e.f.AlertGroup(e.channel, e.route, now.Add(-time.Hour))
	snap, _, _, err := snapshot.Capture(e.db, e.route.ID, "")
	require.NoError(t, err)
	snap.NextStepETA = &eta
	require.NoError(t, e.db.Model(g).Update("raw_escalation_snapshot", snap.MustEncode()).Error)
	return g
}

func (e *env) audit() error {
	return e.auditor.Audit(context.Background(), jobs.AuditEscalations{})
}

func failedIDs(t *testing.T, err error) []string {
	t.Helper()
	var aerr *auditor.Error
	require.True(t, errors.As(err, &aerr), "expected audit error, got %v", err)
	return aerr.AlertGroupIDs
}

func TestAudit_HealthyGroupsPingHeartbeat(t *testing.T) {
	e := setup(t)
	e.escalating(t, now.Add(time.Minute))

	require.NoError(t, e.audit())
	assert.Equal(t, []string{"https://heartbeat.example.com/ping"}, e.beat.urls)
}

func TestAudit_StuckEscalation(t *testing.T) {
	e := setup(t)
	e.escalating(t, now.Add(time.Minute))
	stuck := e.escalating(t, now.Add(-10*time.Minute))

	err := e.audit()
	assert.Equal(t, []string{stuck.ID}, failedIDs(t, err))
	assert.Contains(t, err.Error(), "failed auditing: "+stuck.ID)
	assert.Empty(t, e.beat.urls)
}

func TestAudit_MissingSnapshot(t *testing.T) {
	e := setup(t)
	g := e.f.AlertGroup(e.channel, e.route, now.Add(-time.Hour))
	assert.Equal(t, []string{g.ID}, failedIDs(t, e.audit()))

	// Without an escalation chain there is nothing to escalate.
	require.NoError(t, e.db.Model(e.route).Update("escalation_chain_id", nil).Error)
	assert.NoError(t, e.audit())
}

func TestAudit_UnfinishedNotification(t *testing.T) {
	e := setup(t)
	g := e.escalating(t, now.Add(time.Minute))
	user := e.f.User(&model.Organization{ID: e.channel.OrganizationID}, "alice")
	step := model.NotificationNotify
	triggered := &model.NotificationLogRecord{
		Type:             model.NotificationTriggered,
		AuthorID:         user.ID,
		AlertGroupID:     g.ID,
		NotificationStep: &step,
		CreatedAt:        now.Add(-10 * time.Minute),
	}
	require.NoError(t, e.db.Create(triggered).Error)
	assert.Equal(t, []string{g.ID}, failedIDs(t, e.audit()))

	success := &model.NotificationLogRecord{
		Type:             model.NotificationSuccess,
		AuthorID:         user.ID,
		AlertGroupID:     g.ID,
		NotificationStep: &step,
		CreatedAt:        now.Add(-9 * time.Minute),
	}
	require.NoError(t, e.db.Create(success).Error)
	assert.NoError(t, e.audit())
}

func TestAudit_SkipsGroupsNotEscalating(t *testing.T) {
	e := setup(t)
	resolved := e.escalating(t, now.Add(-time.Hour))
	require.NoError(t, e.db.Model(resolved).Update("resolved", true).Error)
	silenced := e.escalating(t, now.Add(-time.Hour))
	require.NoError(t, e.db.Model(silenced).Update("silenced", true).Error)
	old := e.escalating(t, now.Add(-time.Hour))
	require.NoError(t, e.db.Model(old).Update("started_at", now.Add(-72*time.Hour)).Error)

	require.NoError(t, e.audit())

	// A channel in maintenance holds its groups back from escalating.
	stuck := e.escalating(t, now.Add(-time.Hour))
	assert.Equal(t, []string{stuck.ID}, failedIDs(t, e.audit()))
	require.NoError(t, e.db.Model(e.channel).Update("maintenance_mode", model.MaintenanceDebug).Error)
	assert.NoError(t, e.audit())
}
