package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/snapshot"
	"github.com/d9705996/oncall/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recoverEnv struct {
	db      *gorm.DB
	f       *testutil.Fixtures
	org     *model.Organization
	channel *model.Channel
	route   *model.Route
}

func newRecoverEnv(t *testing.T) *recoverEnv {
	t.Helper()
	gdb := testutil.NewDB(t)
	f := testutil.NewFixtures(t, gdb)
	org := f.Organization()
	chain := f.Chain(org, &model.EscalationPolicy{Step: model.StepWait})
	ch, route := f.Channel(org, chain)
	return &recoverEnv{db: gdb, f: f, org: org, channel: ch, route: route}
}

// escalating creates a group whose stored snapshot schedules the next step
// at eta under token.
func (e *recoverEnv) escalating(t *testing.T, token string, eta time.Time, edit func(*snapshot.Snapshot)) *model.AlertGroup {
	t.Helper()
	g := e.f.AlertGroup(e.channel, e.route, eta.Add(-time.Hour))
	snap, _, _, err := snapshot.Capture(e.db, e.route.ID, "")
	require.NoError(t, err)
	snap.NextStepETA = &eta
	if edit != nil {
		edit(snap)
	}
	require.NoError(t, e.db.Model(g).Updates(map[string]any{
		"raw_escalation_snapshot": snap.MustEncode(),
		"active_escalation_id":    token,
	}).Error)
	return g
}

func byKind(found []jobs.Scheduled) map[string][]jobs.Scheduled {
	out := map[string][]jobs.Scheduled{}
	for _, j := range found {
		out[j.Args.Kind()] = append(out[j.Args.Kind()], j)
	}
	return out
}

func TestPending(t *testing.T) {
	e := newRecoverEnv(t)
	t0 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	live := e.escalating(t, "tok-live", t0.Add(time.Minute), nil)
	finished := e.escalating(t, "tok-finished", t0, nil)
	require.NoError(t, e.db.Model(finished).Update("is_escalation_finished", true).Error)
	e.escalating(t, model.EscalationStoppedToken, t0, nil)
	e.escalating(t, "tok-paused", t0, func(s *snapshot.Snapshot) { s.PauseEscalation = true })
	acked := e.escalating(t, "tok-acked", t0, nil)
	require.NoError(t, e.db.Model(acked).Update("acknowledged", true).Error)

	silenced := e.escalating(t, "tok-silenced", t0, nil)
	require.NoError(t, e.db.Model(silenced).Updates(map[string]any{
		"silenced":            true,
		"silenced_until":      t0.Add(30 * time.Minute),
		"unsilence_task_uuid": "unsilence-1",
	}).Error)

	alice := e.f.User(e.org, "alice")
	wait := 10 * time.Minute
	policies := []model.UserNotificationPolicy{
		{UserID: alice.ID, Important: true, Order: 0, Step: model.NotificationWait, WaitDelay: &wait},
		{UserID: alice.ID, Important: true, Order: 1, Step: model.NotificationNotify, NotifyBy: model.ChannelSMS},
	}
	require.NoError(t, e.db.Create(&policies).Error)
	chainToken := "chain-1"
	require.NoError(t, e.db.Create(&model.UserHasNotification{UserID: alice.ID, AlertGroupID: live.ID, ActiveNotificationPolicyID: &chainToken}).Error)
	require.NoError(t, e.db.Create(&model.UserHasNotification{UserID: alice.ID, AlertGroupID: finished.ID}).Error)
	step := model.NotificationWait
	require.NoError(t, e.db.Create(&model.NotificationLogRecord{
		Type:                 model.NotificationTriggered,
		AuthorID:             alice.ID,
		AlertGroupID:         live.ID,
		NotificationPolicyID: &policies[0].ID,
		NotificationStep:     &step,
		IsImportant:          true,
		CreatedAt:            t0,
	}).Error)

	flush := "flush-1"
	bundleETA := t0.Add(2 * time.Minute)
	bundle := &model.NotificationBundle{UserID: alice.ID, NotificationChannel: model.ChannelSMS, NotificationTaskID: &flush, ETA: &bundleETA}
	require.NoError(t, e.db.Create(bundle).Error)

	require.NoError(t, e.db.Model(e.channel).Updates(map[string]any{
		"maintenance_uuid":       "m-1",
		"maintenance_started_at": t0,
		"maintenance_duration":   time.Hour,
	}).Error)

	found, err := Pending(context.Background(), e.db)
	require.NoError(t, err)
	kinds := byKind(found)
	assert.Len(t, found, 5)

	require.Len(t, kinds["escalate_alert_group"], 1)
	esc := kinds["escalate_alert_group"][0]
	assert.Equal(t, jobs.EscalateAlertGroup{AlertGroupID: live.ID, Token: "tok-live"}, esc.Args)
	assert.True(t, esc.At.Equal(t0.Add(time.Minute)))

	require.Len(t, kinds["unsilence_alert_group"], 1)
	unsilence := kinds["unsilence_alert_group"][0]
	assert.Equal(t, jobs.UnsilenceAlertGroup{AlertGroupID: silenced.ID, Token: "unsilence-1"}, unsilence.Args)
	assert.True(t, unsilence.At.Equal(t0.Add(30*time.Minute)))

	require.Len(t, kinds["notify_user"], 1)
	notify := kinds["notify_user"][0]
	args := notify.Args.(jobs.NotifyUser)
	assert.Equal(t, alice.ID, args.UserID)
	assert.Equal(t, live.ID, args.AlertGroupID)
	require.NotNil(t, args.PreviousPolicyID)
	assert.Equal(t, policies[0].ID, *args.PreviousPolicyID)
	assert.Equal(t, "chain-1", args.Token)
	assert.True(t, args.Important)
	assert.True(t, notify.At.Equal(t0.Add(10*time.Minute)))

	require.Len(t, kinds["send_bundled_notification"], 1)
	flushJob := kinds["send_bundled_notification"][0]
	assert.Equal(t, jobs.SendBundledNotification{BundleID: bundle.ID, Token: "flush-1"}, flushJob.Args)
	assert.True(t, flushJob.At.Equal(bundleETA))

	require.Len(t, kinds["disable_maintenance"], 1)
	disable := kinds["disable_maintenance"][0]
	assert.Equal(t, jobs.DisableMaintenance{ChannelID: e.channel.ID, MaintenanceUUID: "m-1"}, disable.Args)
	assert.True(t, disable.At.Equal(t0.Add(time.Hour)))
}

func TestLocal_StartRunsRecoveredJobs(t *testing.T) {
	e := newRecoverEnv(t)
	g := e.escalating(t, "tok-1", time.Now().Add(-time.Minute), nil)

	l := startLocal(t, Config{Concurrency: 1, MaxAttempts: 1})
	var mu sync.Mutex
	var ran []jobs.EscalateAlertGroup
	l.handlers["escalate_alert_group"] = func(_ context.Context, args jobs.Args) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, args.(jobs.EscalateAlertGroup))
		return nil
	}
	l.RecoverFrom(e.db)
	require.NoError(t, l.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 1
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, jobs.EscalateAlertGroup{AlertGroupID: g.ID, Token: "tok-1"}, ran[0])
}

func TestNew_LocalQueueRecoversFromDatabase(t *testing.T) {
	e := newRecoverEnv(t)
	q, err := New(nil, e.db, "sqlite", &Handlers{}, Config{}, testutil.NullLogger())
	require.NoError(t, err)
	l, ok := q.(*Local)
	require.True(t, ok)
	assert.Same(t, e.db, l.store)
}
