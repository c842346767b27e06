package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/d9705996/oncall/internal/delivery"
	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/logrecord"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/notify"
	"github.com/d9705996/oncall/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var start = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type fakeBackend struct {
	sent []delivery.Notification
	err  error
}

func (b *fakeBackend) Notify(_ context.Context, n delivery.Notification) error {
	b.sent = append(b.sent, n)
	return b.err
}

type env struct {
	db      *gorm.DB
	f       *testutil.Fixtures
	clock   *testutil.Clock
	jobs    *jobs.Recorder
	logs    *logrecord.Recorder
	backend *fakeBackend
	svc     *notify.Service
	org     *model.Organization
	alice   *model.User
	ch      *model.Channel
	route   *model.Route
}

func setup(t *testing.T) *env {
	t.Helper()
	gdb := testutil.NewDB(t)
	f := testutil.NewFixtures(t, gdb)
	clock := testutil.NewClock(start)
	rec := &jobs.Recorder{}
	logs := logrecord.NewRecorder(clock.Now)
	backend := &fakeBackend{}
	router := delivery.NewRouter(nil)
	router.Register(backend, model.ChannelSlack, model.ChannelSMS)
	org := f.Organization()
	ch, route := f.Channel(org, nil)
	return &env{
		db:      gdb,
		f:       f,
		clock:   clock,
		jobs:    rec,
		logs:    logs,
		backend: backend,
		svc:     notify.New(gdb, logs, rec, router, nil, testutil.NullLogger(), notify.Config{PublicURL: "https://oncall.example.com"}, clock.Now),
		org:     org,
		alice:   f.User(org, "alice"),
		ch:      ch,
		route:   route,
	}
}

func (e *env) group(t *testing.T) *model.AlertGroup {
	t.Helper()
	return e.f.AlertGroup(e.ch, e.route, e.clock.Now())
}

// next runs the most recently scheduled notify_user job.
func (e *env) next(t *testing.T) jobs.Scheduled {
	t.Helper()
	j, ok := e.jobs.Last("notify_user")
	require.True(t, ok)
	require.NoError(t, e.svc.NotifyUser(context.Background(), j.Args.(jobs.NotifyUser)))
	return j
}

func (e *env) notifications(t *testing.T, typ model.NotificationLogType) []model.NotificationLogRecord {
	t.Helper()
	var out []model.NotificationLogRecord
	require.NoError(t, e.db.Where("author_id = ? AND type = ?", e.alice.ID, typ).Order("created_at").Find(&out).Error)
	return out
}

func TestNotifyUser_WalksDefaultPlan(t *testing.T) {
	e := setup(t)
	g := e.group(t)
	ctx := context.Background()

	require.NoError(t, e.svc.NotifyUser(ctx, jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g.ID, Reason: "paged"}))

	triggered := e.notifications(t, model.NotificationTriggered)
	require.Len(t, triggered, 1)
	assert.Equal(t, model.ChannelSlack, *triggered[0].NotificationChannel)
	assert.Equal(t, "Reason: paged\nFurther notification plan: phone_call", triggered[0].Reason)
	require.Len(t, e.jobs.OfKind("perform_notification"), 1)

	var policies []model.UserNotificationPolicy
	require.NoError(t, e.db.Where("user_id = ?", e.alice.ID).Find(&policies).Error)
	assert.Len(t, policies, 3)
	for _, p := range policies {
		assert.True(t, p.IsDefault)
	}

	j, ok := e.jobs.Last("notify_user")
	require.True(t, ok)
	assert.Equal(t, start.Add(5*time.Second), j.At)
	args := j.Args.(jobs.NotifyUser)
	require.NotNil(t, args.PreviousPolicyID)
	assert.NotEmpty(t, args.Token)

	// Wait step.
	e.next(t)
	j, _ = e.jobs.Last("notify_user")
	assert.Equal(t, start.Add(15*time.Minute+5*time.Second), j.At)

	// Phone call step.
	e.next(t)
	triggered = e.notifications(t, model.NotificationTriggered)
	require.Len(t, triggered, 3)
	assert.Equal(t, model.ChannelPhoneCall, *triggered[2].NotificationChannel)
	assert.Len(t, e.jobs.OfKind("perform_notification"), 2)

	// Plan exhausted.
	e.next(t)
	assert.Len(t, e.notifications(t, model.NotificationFinished), 1)
	var active model.UserHasNotification
	require.NoError(t, e.db.First(&active, "user_id = ? AND alert_group_id = ?", e.alice.ID, g.ID).Error)
	assert.Nil(t, active.ActiveNotificationPolicyID)
	assert.Len(t, e.jobs.OfKind("notify_user"), 3)
}

func TestNotifyUser_DefaultPlanIsMarked(t *testing.T) {
	e := setup(t)
	g := e.group(t)
	ctx := context.Background()
	bob := e.f.User(e.org, "bob")
	wait := time.Minute
	require.NoError(t, e.db.Create(&[]model.UserNotificationPolicy{
		{UserID: bob.ID, Order: 0, Step: model.NotificationWait, WaitDelay: &wait},
		{UserID: bob.ID, Order: 1, Step: model.NotificationNotify, NotifyBy: model.ChannelSMS},
	}).Error)

	require.NoError(t, e.svc.NotifyUser(ctx, jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g.ID, Important: true}))
	require.NoError(t, e.svc.NotifyUser(ctx, jobs.NotifyUser{UserID: bob.ID, AlertGroupID: g.ID}))

	var generated []model.UserNotificationPolicy
	require.NoError(t, e.db.Where("user_id = ?", e.alice.ID).Find(&generated).Error)
	require.Len(t, generated, 1)
	assert.True(t, generated[0].IsDefault)
	assert.True(t, generated[0].Important)
	assert.Equal(t, model.ChannelPhoneCall, generated[0].NotifyBy)

	var configured []model.UserNotificationPolicy
	require.NoError(t, e.db.Where("user_id = ?", bob.ID).Find(&configured).Error)
	require.Len(t, configured, 2)
	for _, p := range configured {
		assert.False(t, p.IsDefault)
	}
}

func TestNotifyUser_StaleTokenIsNoop(t *testing.T) {
	e := setup(t)
	g := e.group(t)
	require.NoError(t, e.svc.NotifyUser(context.Background(), jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g.ID}))

	j, _ := e.jobs.Last("notify_user")
	stale := j.Args.(jobs.NotifyUser)
	stale.Token = "old"
	require.NoError(t, e.svc.NotifyUser(context.Background(), stale))

	assert.Len(t, e.jobs.OfKind("notify_user"), 1)
	assert.Len(t, e.notifications(t, model.NotificationTriggered), 1)
}

func TestNotifyUser_StopsOnAcknowledge(t *testing.T) {
	e := setup(t)
	g := e.group(t)
	require.NoError(t, e.svc.NotifyUser(context.Background(), jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g.ID}))

	require.NoError(t, e.db.Model(g).Updates(map[string]any{"acknowledged": true, "acknowledged_at": start}).Error)
	e.next(t)
	assert.Len(t, e.jobs.OfKind("notify_user"), 1)

	// A page that re-notifies acknowledged groups keeps going.
	j, _ := e.jobs.Last("notify_user")
	args := j.Args.(jobs.NotifyUser)
	args.NotifyEvenAcknowledged = true
	require.NoError(t, e.svc.NotifyUser(context.Background(), args))
	assert.Len(t, e.jobs.OfKind("notify_user"), 2)
}

func TestNotifyUser_Forbidden(t *testing.T) {
	e := setup(t)
	g := e.group(t)
	e.alice.Roles = model.StringSlice{"Viewer"}
	require.NoError(t, e.db.Save(e.alice).Error)

	require.NoError(t, e.svc.NotifyUser(context.Background(), jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g.ID}))

	failed := e.notifications(t, model.NotificationFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, model.NotifyErrForbidden, *failed[0].NotificationErrorCode)
	assert.Empty(t, e.jobs.OfKind("notify_user"))
}

func TestNotifyUser_SlackDisabledOnRoute(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.db.Model(e.route).Update("notify_in_slack", false).Error)
	g := e.group(t)

	require.NoError(t, e.svc.NotifyUser(context.Background(), jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g.ID}))

	failed := e.notifications(t, model.NotificationFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, model.NotifyErrPostingToSlackIsDisabled, *failed[0].NotificationErrorCode)
	assert.Empty(t, e.jobs.OfKind("perform_notification"))
	assert.Len(t, e.jobs.OfKind("notify_user"), 1, "the plan continues with the next step")
}

func (e *env) perform(t *testing.T) error {
	t.Helper()
	j, ok := e.jobs.Last("perform_notification")
	require.True(t, ok)
	return e.svc.PerformNotification(context.Background(), j.Args.(jobs.PerformNotification))
}

func TestPerformNotification(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		e := setup(t)
		g := e.group(t)
		require.NoError(t, e.svc.NotifyUser(context.Background(), jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g.ID}))
		require.NoError(t, e.perform(t))

		require.Len(t, e.backend.sent, 1)
		assert.Equal(t, "https://oncall.example.com/alert-groups/"+g.ID, e.backend.sent[0].Groups[0].Link)
		assert.Len(t, e.notifications(t, model.NotificationSuccess), 1)
	})

	t.Run("delivery error is recorded", func(t *testing.T) {
		e := setup(t)
		g := e.group(t)
		e.backend.err = &delivery.Error{Code: model.NotifyErrInSlackUserNotInSlack, Err: delivery.ErrRecipientUnknown}
		require.NoError(t, e.svc.NotifyUser(context.Background(), jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g.ID}))
		require.NoError(t, e.perform(t))

		failed := e.notifications(t, model.NotificationFailed)
		require.Len(t, failed, 1)
		assert.Equal(t, model.NotifyErrInSlackUserNotInSlack, *failed[0].NotificationErrorCode)
	})

	t.Run("unavailable backend is retried", func(t *testing.T) {
		e := setup(t)
		g := e.group(t)
		e.backend.err = delivery.ErrBackendUnavailable
		require.NoError(t, e.svc.NotifyUser(context.Background(), jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g.ID}))

		assert.ErrorIs(t, e.perform(t), notify.ErrBackendUnavailable)
		assert.Empty(t, e.notifications(t, model.NotificationFailed))
		assert.Empty(t, e.notifications(t, model.NotificationSuccess))
	})

	t.Run("prevented from posting in slack", func(t *testing.T) {
		e := setup(t)
		g := e.group(t)
		require.NoError(t, e.svc.NotifyUser(context.Background(), jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g.ID, PreventPostingToThread: true}))
		require.NoError(t, e.perform(t))

		failed := e.notifications(t, model.NotificationFailed)
		require.Len(t, failed, 1)
		assert.Equal(t, model.NotifyErrPostingToSlackIsDisabled, *failed[0].NotificationErrorCode)
		assert.Empty(t, e.backend.sent)
	})

	t.Run("channel without backend", func(t *testing.T) {
		e := setup(t)
		g := e.group(t)
		require.NoError(t, e.db.Create(&model.UserNotificationPolicy{
			UserID: e.alice.ID, Important: true, Step: model.NotificationNotify, NotifyBy: model.ChannelPhoneCall,
		}).Error)
		require.NoError(t, e.svc.NotifyUser(context.Background(), jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g.ID, Important: true}))
		require.NoError(t, e.perform(t))

		failed := e.notifications(t, model.NotificationFailed)
		require.Len(t, failed, 1)
		assert.Equal(t, model.NotifyErrMessagingBackendError, *failed[0].NotificationErrorCode)
		assert.Equal(t, "Messaging backend not available", failed[0].Reason)
	})
}

func smsOnly(t *testing.T, e *env) {
	t.Helper()
	require.NoError(t, e.db.Create(&model.UserNotificationPolicy{
		UserID: e.alice.ID, Step: model.NotificationNotify, NotifyBy: model.ChannelSMS,
	}).Error)
}

func TestBundling(t *testing.T) {
	e := setup(t)
	smsOnly(t, e)
	ctx := context.Background()
	g1, g2, g3 := e.group(t), e.group(t), e.group(t)

	require.NoError(t, e.svc.NotifyUser(ctx, jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g1.ID}))
	require.Len(t, e.jobs.OfKind("perform_notification"), 1)

	e.clock.Advance(30 * time.Second)
	require.NoError(t, e.svc.NotifyUser(ctx, jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g2.ID}))
	e.clock.Advance(10 * time.Second)
	require.NoError(t, e.svc.NotifyUser(ctx, jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g3.ID}))

	assert.Len(t, e.jobs.OfKind("perform_notification"), 1)
	flushes := e.jobs.OfKind("send_bundled_notification")
	require.Len(t, flushes, 1)
	assert.True(t, flushes[0].At.Equal(start.Add(2*time.Minute)), "flush at %s", flushes[0].At)

	var parked int64
	require.NoError(t, e.db.Model(&model.BundledNotification{}).Count(&parked).Error)
	assert.EqualValues(t, 2, parked)

	e.clock.Set(start.Add(2 * time.Minute))
	require.NoError(t, e.svc.SendBundledNotification(ctx, flushes[0].Args.(jobs.SendBundledNotification)))

	require.Len(t, e.backend.sent, 1)
	assert.Len(t, e.backend.sent[0].Groups, 2)
	assert.Len(t, e.notifications(t, model.NotificationSuccess), 2)
	require.NoError(t, e.db.Model(&model.BundledNotification{}).Count(&parked).Error)
	assert.Zero(t, parked)

	// The token was consumed.
	require.NoError(t, e.svc.SendBundledNotification(ctx, flushes[0].Args.(jobs.SendBundledNotification)))
	assert.Len(t, e.backend.sent, 1)
}

func TestBundling_SingleActiveGroupIsSentAlone(t *testing.T) {
	e := setup(t)
	smsOnly(t, e)
	ctx := context.Background()
	g1, g2, g3 := e.group(t), e.group(t), e.group(t)

	require.NoError(t, e.svc.NotifyUser(ctx, jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g1.ID}))
	e.clock.Advance(30 * time.Second)
	require.NoError(t, e.svc.NotifyUser(ctx, jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g2.ID}))
	require.NoError(t, e.svc.NotifyUser(ctx, jobs.NotifyUser{UserID: e.alice.ID, AlertGroupID: g3.ID}))
	require.NoError(t, e.db.Model(g3).Update("resolved", true).Error)

	flush, ok := e.jobs.Last("send_bundled_notification")
	require.True(t, ok)
	require.NoError(t, e.svc.SendBundledNotification(ctx, flush.Args.(jobs.SendBundledNotification)))

	perform := e.jobs.OfKind("perform_notification")
	require.Len(t, perform, 2)
	var rec model.NotificationLogRecord
	require.NoError(t, e.db.First(&rec, "id = ?", perform[1].Args.(jobs.PerformNotification).LogRecordID).Error)
	assert.Equal(t, g2.ID, rec.AlertGroupID)
	assert.Empty(t, e.backend.sent)
}
