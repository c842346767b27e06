package alertgroup_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/d9705996/oncall/internal/alertgroup"
	"github.com/d9705996/oncall/internal/jobs"
	"github.com/d9705996/oncall/internal/logrecord"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func ptr[T any](v T) *T { return &v }

var start = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type env struct {
	db      *gorm.DB
	f       *testutil.Fixtures
	clock   *testutil.Clock
	jobs    *jobs.Recorder
	svc     *alertgroup.Service
	org     *model.Organization
	alice   *model.User
	channel *model.Channel
	route   *model.Route
}

func setup(t *testing.T) *env {
	t.Helper()
	gdb := testutil.NewDB(t)
	f := testutil.NewFixtures(t, gdb)
	clock := testutil.NewClock(start)
	rec := &jobs.Recorder{}
	org := f.Organization()
	chain := f.Chain(org, &model.EscalationPolicy{Step: model.StepWait, WaitDelay: ptr(time.Minute)})
	ch, route := f.Channel(org, chain)
	return &env{
		db:      gdb,
		f:       f,
		clock:   clock,
		jobs:    rec,
		svc:     alertgroup.New(gdb, logrecord.NewRecorder(clock.Now), rec, nil, testutil.NullLogger(), alertgroup.Config{}, clock.Now),
		org:     org,
		alice:   f.User(org, "alice"),
		channel: ch,
		route:   route,
	}
}

func (e *env) group(t *testing.T) *model.AlertGroup {
	t.Helper()
	return e.f.AlertGroup(e.channel, e.route, e.clock.Now())
}

func (e *env) attach(t *testing.T, dep, root *model.AlertGroup) {
	t.Helper()
	require.NoError(t, e.db.Model(dep).Update("root_alert_group_id", root.ID).Error)
}

func (e *env) set(t *testing.T, g *model.AlertGroup, values map[string]any) {
	t.Helper()
	require.NoError(t, e.db.Model(&model.AlertGroup{}).Where("id = ?", g.ID).Updates(values).Error)
}

func (e *env) actionEvents(t *testing.T) []model.EventOutbox {
	t.Helper()
	var out []model.EventOutbox
	require.NoError(t, e.db.Where("kind = ?", "action_triggered").Order("created_at").Find(&out).Error)
	return out
}

func TestAcknowledgeByUser(t *testing.T) {
	e := setup(t)
	g := e.group(t)
	e.clock.Advance(2 * time.Minute)

	require.NoError(t, e.svc.AcknowledgeByUser(context.Background(), g.ID, e.alice))

	got := e.f.Reload(g)
	assert.Equal(t, model.StateAcknowledged, got.State())
	assert.Equal(t, model.ActorUser, got.AcknowledgedBy)
	assert.Equal(t, e.alice.ID, *got.AcknowledgedByUserID)
	assert.Equal(t, model.EscalationStoppedToken, got.ActiveEscalationID)
	assert.True(t, got.IsEscalationFinished)
	require.NotNil(t, got.ResponseTime)
	assert.Equal(t, 2*time.Minute, *got.ResponseTime)
	assert.Equal(t, []model.LogType{model.LogAck}, e.f.LogTypes(g))
	assert.Len(t, e.actionEvents(t), 1)

	err := e.svc.AcknowledgeByUser(context.Background(), g.ID, e.alice)
	assert.ErrorIs(t, err, alertgroup.ErrInvalidTransition)
}

func TestAcknowledgeByUser_CascadesToDependents(t *testing.T) {
	e := setup(t)
	root := e.group(t)
	dep := e.group(t)
	e.attach(t, dep, root)

	require.NoError(t, e.svc.AcknowledgeByUser(context.Background(), root.ID, e.alice))

	assert.True(t, e.f.Reload(dep).Acknowledged)
	assert.Equal(t, []model.LogType{model.LogAck}, e.f.LogTypes(dep))

	evs := e.actionEvents(t)
	require.Len(t, evs, 2)
	assert.Equal(t, root.ID, evs[0].AlertGroupID)
	assert.Equal(t, dep.ID, evs[1].AlertGroupID)
	assert.Equal(t, root.ID, evs[1].Payload["root_alert_group_id"])
}

func TestAcknowledgeByUser_UnresolvesFirst(t *testing.T) {
	e := setup(t)
	g := e.group(t)
	e.set(t, g, map[string]any{"resolved": true, "resolved_at": start, "is_open_for_grouping": nil})

	require.NoError(t, e.svc.AcknowledgeByUser(context.Background(), g.ID, e.alice))

	got := e.f.Reload(g)
	assert.False(t, got.Resolved)
	assert.True(t, got.Acknowledged)
	assert.Equal(t, []model.LogType{model.LogUnResolved, model.LogAck}, e.f.LogTypes(g))
}

func TestUnAcknowledgeByUser_RestartsEscalation(t *testing.T) {
	e := setup(t)
	g := e.group(t)
	require.NoError(t, e.svc.AcknowledgeByUser(context.Background(), g.ID, e.alice))
	e.clock.Advance(time.Minute)

	require.NoError(t, e.svc.UnAcknowledgeByUser(context.Background(), g.ID, e.alice))

	got := e.f.Reload(g)
	assert.Equal(t, model.StateFiring, got.State())
	assert.False(t, got.IsEscalationFinished)
	assert.NotEqual(t, model.EscalationStoppedToken, got.ActiveEscalationID)
	assert.NotEmpty(t, got.RawEscalationSnapshot)

	job, ok := e.jobs.Last("escalate_alert_group")
	require.True(t, ok)
	assert.Equal(t, got.ActiveEscalationID, job.Args.(jobs.EscalateAlertGroup).Token)
	assert.Equal(t, e.clock.Now().Add(10*time.Second), job.At)

	err := e.svc.UnAcknowledgeByUser(context.Background(), g.ID, e.alice)
	assert.ErrorIs(t, err, alertgroup.ErrInvalidTransition)
}

func TestUnAcknowledgeByUser_NoEscalationInMaintenance(t *testing.T) {
	e := setup(t)
	g := e.group(t)
	require.NoError(t, e.svc.AcknowledgeByUser(context.Background(), g.ID, e.alice))
	require.NoError(t, e.db.Model(e.channel).Update("maintenance_mode", model.MaintenanceDebug).Error)

	require.NoError(t, e.svc.UnAcknowledgeByUser(context.Background(), g.ID, e.alice))

	assert.Empty(t, e.jobs.OfKind("escalate_alert_group"))
}

func TestResolveByUser_NoteRequired(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.db.Model(e.org).Update("is_resolution_note_required", true).Error)
	g := e.group(t)

	err := e.svc.ResolveByUser(context.Background(), g.ID, e.alice, "")
	require.ErrorIs(t, err, alertgroup.ErrResolutionNoteRequired)
	assert.False(t, e.f.Reload(g).Resolved)
	assert.Empty(t, e.f.LogTypes(g))

	require.NoError(t, e.svc.ResolveByUser(context.Background(), g.ID, e.alice, "disk cleaned"))

	got := e.f.Reload(g)
	assert.True(t, got.Resolved)
	assert.Equal(t, model.ActorUser, got.ResolvedBy)
	assert.Nil(t, got.IsOpenForGrouping)

	var notes []model.ResolutionNote
	require.NoError(t, e.db.Where("alert_group_id = ?", g.ID).Find(&notes).Error)
	require.Len(t, notes, 1)
	assert.Equal(t, "disk cleaned", notes[0].Text)
}

func TestResolveByUser_UnsilencesFirst(t *testing.T) {
	e := setup(t)
	g := e.group(t)
	require.NoError(t, e.svc.SilenceByUser(context.Background(), g.ID, e.alice, 0))

	require.NoError(t, e.svc.ResolveByUser(context.Background(), g.ID, e.alice, ""))

	got := e.f.Reload(g)
	assert.True(t, got.Resolved)
	assert.False(t, got.Silenced)
	assert.Equal(t, []model.LogType{model.LogSilence, model.LogUnSilence, model.LogResolved}, e.f.LogTypes(g))
}

func TestUnResolveByUser_DoesNotReopenGrouping(t *testing.T) {
	e := setup(t)
	g := e.group(t)
	require.NoError(t, e.svc.ResolveByUser(context.Background(), g.ID, e.alice, ""))

	require.NoError(t, e.svc.UnResolveByUser(context.Background(), g.ID, e.alice))

	got := e.f.Reload(g)
	assert.Equal(t, model.StateFiring, got.State())
	assert.Nil(t, got.IsOpenForGrouping)
	assert.Len(t, e.jobs.OfKind("escalate_alert_group"), 1)
}

func TestSilenceByUser_ForPeriod(t *testing.T) {
	e := setup(t)
	g := e.group(t)

	require.NoError(t, e.svc.SilenceByUser(context.Background(), g.ID, e.alice, 30*time.Minute))

	got := e.f.Reload(g)
	assert.Equal(t, model.StateSilenced, got.State())
	require.NotNil(t, got.SilencedUntil)
	assert.True(t, got.SilencedUntil.Equal(start.Add(30*time.Minute)))
	assert.NotEqual(t, model.EscalationStoppedToken, got.ActiveEscalationID)

	job, ok := e.jobs.Last("unsilence_alert_group")
	require.True(t, ok)
	args := job.Args.(jobs.UnsilenceAlertGroup)
	assert.Equal(t, got.UnsilenceTaskUUID, args.Token)
	assert.Equal(t, start.Add(30*time.Minute), job.At)

	var rec model.LogRecord
	require.NoError(t, e.db.Where("alert_group_id = ? AND type = ?", g.ID, model.LogSilence).First(&rec).Error)
	require.NotNil(t, rec.SilenceDelay)
	assert.Equal(t, 30*time.Minute, *rec.SilenceDelay)
}

func TestSilenceByUser_ForeverStopsEscalation(t *testing.T) {
	e := setup(t)
	g := e.group(t)

	require.NoError(t, e.svc.SilenceByUser(context.Background(), g.ID, e.alice, 0))

	got := e.f.Reload(g)
	assert.True(t, got.Silenced)
	assert.Nil(t, got.SilencedUntil)
	assert.Equal(t, model.EscalationStoppedToken, got.ActiveEscalationID)
	assert.Empty(t, e.jobs.OfKind("unsilence_alert_group"))
}

func TestUnSilenceByTimer_IgnoresStaleToken(t *testing.T) {
	e := setup(t)
	g := e.group(t)
	require.NoError(t, e.svc.SilenceByUser(context.Background(), g.ID, e.alice, 5*time.Minute))
	job, ok := e.jobs.Last("unsilence_alert_group")
	require.True(t, ok)
	token := job.Args.(jobs.UnsilenceAlertGroup).Token
	e.clock.Advance(5 * time.Minute)

	require.NoError(t, e.svc.UnSilenceByTimer(context.Background(), g.ID, "stale"))
	assert.True(t, e.f.Reload(g).Silenced)

	require.NoError(t, e.svc.UnSilenceByTimer(context.Background(), g.ID, token))

	got := e.f.Reload(g)
	assert.False(t, got.Silenced)
	assert.NotNil(t, got.RestartedAt)
	assert.Equal(t, []model.LogType{model.LogSilence, model.LogUnSilence}, e.f.LogTypes(g))
	assert.Len(t, e.jobs.OfKind("escalate_alert_group"), 1)

	var rec model.LogRecord
	require.NoError(t, e.db.Where("alert_group_id = ? AND type = ?", g.ID, model.LogUnSilence).First(&rec).Error)
	assert.Equal(t, "Unsilence by timer", rec.Reason)
	assert.Nil(t, rec.AuthorID)
}

func TestAttachByUser(t *testing.T) {
	e := setup(t)
	root := e.group(t)
	g := e.group(t)
	require.NoError(t, e.svc.AcknowledgeByUser(context.Background(), root.ID, e.alice))

	require.NoError(t, e.svc.AttachByUser(context.Background(), g.ID, root.ID, e.alice))

	got := e.f.Reload(g)
	require.NotNil(t, got.RootAlertGroupID)
	assert.Equal(t, root.ID, *got.RootAlertGroupID)
	assert.True(t, got.Acknowledged)
	assert.Equal(t, []model.LogType{model.LogAck, model.LogAttached}, e.f.LogTypes(g))
	assert.Equal(t, []model.LogType{model.LogAck, model.LogAttached}, e.f.LogTypes(root))
}

func TestAttachByUser_ToDependentFails(t *testing.T) {
	e := setup(t)
	root := e.group(t)
	dep := e.group(t)
	e.attach(t, dep, root)
	g := e.group(t)

	require.NoError(t, e.svc.AttachByUser(context.Background(), g.ID, dep.ID, e.alice))

	assert.True(t, e.f.Reload(g).IsRoot())
	assert.Equal(t, []model.LogType{model.LogFailedAttachment}, e.f.LogTypes(g))
}

func TestUnAttachByUser(t *testing.T) {
	e := setup(t)
	root := e.group(t)
	g := e.group(t)
	e.attach(t, g, root)

	require.NoError(t, e.svc.UnAttachByUser(context.Background(), g.ID, e.alice))

	assert.True(t, e.f.Reload(g).IsRoot())
	assert.Equal(t, []model.LogType{model.LogUnattached}, e.f.LogTypes(g))
	assert.Equal(t, []model.LogType{model.LogUnattached}, e.f.LogTypes(root))
	assert.Len(t, e.jobs.OfKind("escalate_alert_group"), 1)

	err := e.svc.UnAttachByUser(context.Background(), g.ID, e.alice)
	assert.ErrorIs(t, err, alertgroup.ErrInvalidTransition)
}

func TestWipeByUser(t *testing.T) {
	e := setup(t)
	g := e.group(t)
	a := e.f.Alert(g, start)

	require.NoError(t, e.svc.WipeByUser(context.Background(), g.ID, e.alice))

	got := e.f.Reload(g)
	assert.True(t, got.Resolved)
	assert.Equal(t, model.ActorWiped, got.ResolvedBy)
	assert.True(t, got.IsWiped())
	assert.Empty(t, got.Distinction)

	var alert model.Alert
	require.NoError(t, e.db.First(&alert, "id = ?", a.ID).Error)
	assert.Equal(t, "Wiped by alice at 2024-06-01", alert.Title)
	assert.Empty(t, alert.RawRequestData)

	err := e.svc.UnResolveByUser(context.Background(), g.ID, e.alice)
	require.NoError(t, err)
	assert.True(t, e.f.Reload(g).Resolved)
}

func TestDeleteByUser_UnattachesDependents(t *testing.T) {
	e := setup(t)
	root := e.group(t)
	e.f.Alert(root, start)
	dep := e.group(t)
	e.attach(t, dep, root)

	require.NoError(t, e.svc.DeleteByUser(context.Background(), root.ID, e.alice))

	var count int64
	require.NoError(t, e.db.Model(&model.AlertGroup{}).Where("id = ?", root.ID).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, e.db.Model(&model.Alert{}).Where("group_id = ?", root.ID).Count(&count).Error)
	assert.Zero(t, count)

	assert.True(t, e.f.Reload(dep).IsRoot())
	assert.Equal(t, []model.LogType{model.LogUnattached}, e.f.LogTypes(dep))
	assert.Len(t, e.jobs.OfKind("escalate_alert_group"), 1)
}

func TestBulkAcknowledge(t *testing.T) {
	e := setup(t)
	firing := e.group(t)
	resolved := e.group(t)
	e.set(t, resolved, map[string]any{"resolved": true, "resolved_at": start})
	acked := e.group(t)
	e.set(t, acked, map[string]any{"acknowledged": true, "acknowledged_at": start})
	dep := e.group(t)
	e.attach(t, dep, firing)

	require.NoError(t, e.svc.BulkAcknowledge(context.Background(), e.alice, []string{firing.ID, resolved.ID, acked.ID}))

	for _, g := range []*model.AlertGroup{firing, resolved, dep} {
		got := e.f.Reload(g)
		assert.Equal(t, model.StateAcknowledged, got.State(), g.ID)
		assert.Equal(t, model.EscalationStoppedToken, got.ActiveEscalationID)
	}
	assert.Equal(t, []model.LogType{model.LogUnResolved, model.LogAck}, e.f.LogTypes(resolved))
	assert.Equal(t, []model.LogType{model.LogAck}, e.f.LogTypes(dep))
	assert.Empty(t, e.f.LogTypes(acked))
}

func TestBulkResolve_SkipsGroupsWithoutNotes(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.db.Model(e.org).Update("is_resolution_note_required", true).Error)
	withNote := e.group(t)
	require.NoError(t, e.db.Create(&model.ResolutionNote{AlertGroupID: withNote.ID, Text: "fixed", CreatedAt: start}).Error)
	without := e.group(t)

	require.NoError(t, e.svc.BulkResolve(context.Background(), e.alice, []string{withNote.ID, without.ID}))

	assert.True(t, e.f.Reload(withNote).Resolved)
	assert.False(t, e.f.Reload(without).Resolved)
	assert.Equal(t, []model.LogType{model.LogResolved}, e.f.LogTypes(withNote))
}

func TestBulkRestart(t *testing.T) {
	e := setup(t)
	acked := e.group(t)
	e.set(t, acked, map[string]any{"acknowledged": true, "acknowledged_at": start, "acknowledged_by": model.ActorUser})
	resolved := e.group(t)
	e.set(t, resolved, map[string]any{"resolved": true, "resolved_at": start})
	silenced := e.group(t)
	e.set(t, silenced, map[string]any{"silenced": true, "silenced_at": start})

	require.NoError(t, e.svc.BulkRestart(context.Background(), e.alice, []string{acked.ID, resolved.ID, silenced.ID}))

	for _, g := range []*model.AlertGroup{acked, resolved, silenced} {
		got := e.f.Reload(g)
		assert.Equal(t, model.StateFiring, got.State())
		assert.NotNil(t, got.RestartedAt)
	}
	assert.Equal(t, []model.LogType{model.LogUnAck}, e.f.LogTypes(acked))
	assert.Equal(t, []model.LogType{model.LogUnResolved}, e.f.LogTypes(resolved))
	assert.Equal(t, []model.LogType{model.LogUnSilence}, e.f.LogTypes(silenced))
	assert.Len(t, e.jobs.OfKind("escalate_alert_group"), 3)
}

func TestBulkSilence_ForPeriod(t *testing.T) {
	e := setup(t)
	a := e.group(t)
	b := e.group(t)
	e.set(t, b, map[string]any{"acknowledged": true, "acknowledged_at": start})

	require.NoError(t, e.svc.BulkSilence(context.Background(), e.alice, []string{a.ID, b.ID}, time.Hour))

	for _, g := range []*model.AlertGroup{a, b} {
		got := e.f.Reload(g)
		assert.Equal(t, model.StateSilenced, got.State())
		assert.NotEmpty(t, got.UnsilenceTaskUUID)
	}
	assert.Equal(t, []model.LogType{model.LogUnAck, model.LogSilence}, e.f.LogTypes(b))
	assert.Len(t, e.jobs.OfKind("unsilence_alert_group"), 2)
}

func TestBulk_UnknownAction(t *testing.T) {
	e := setup(t)
	err := e.svc.Bulk(context.Background(), "archive", e.alice, nil, 0)
	assert.ErrorIs(t, err, alertgroup.ErrInvalidTransition)
}

func TestAcknowledgeReminder(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.db.Model(e.org).Update("acknowledge_remind_timeout", 10*time.Minute).Error)
	g := e.group(t)
	require.NoError(t, e.svc.AcknowledgeByUser(context.Background(), g.ID, e.alice))

	job, ok := e.jobs.Last("ack_reminder")
	require.True(t, ok)
	assert.Equal(t, start.Add(10*time.Minute), job.At)
	args := job.Args.(jobs.AcknowledgeReminder)

	e.clock.Advance(10 * time.Minute)
	e.jobs.Reset()
	require.NoError(t, e.svc.AcknowledgeReminder(context.Background(), jobs.AcknowledgeReminder{AlertGroupID: g.ID, Token: "stale"}))
	assert.Empty(t, e.jobs.Jobs)

	require.NoError(t, e.svc.AcknowledgeReminder(context.Background(), args))

	next, ok := e.jobs.Last("ack_reminder")
	require.True(t, ok)
	assert.False(t, next.Args.(jobs.AcknowledgeReminder).Unacknowledge)
	assert.Equal(t, e.clock.Now().Add(10*time.Minute), next.At)
	assert.Equal(t, []model.LogType{model.LogAck, model.LogAckReminderTriggered}, e.f.LogTypes(g))
}

func TestAcknowledgeReminder_UnacknowledgesWhenUnanswered(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.db.Model(e.org).Updates(map[string]any{
		"acknowledge_remind_timeout": 10 * time.Minute,
		"unacknowledge_timeout":      5 * time.Minute,
	}).Error)
	g := e.group(t)
	require.NoError(t, e.svc.AcknowledgeByUser(context.Background(), g.ID, e.alice))
	job, _ := e.jobs.Last("ack_reminder")

	require.NoError(t, e.svc.AcknowledgeReminder(context.Background(), job.Args.(jobs.AcknowledgeReminder)))
	followUp, ok := e.jobs.Last("ack_reminder")
	require.True(t, ok)
	require.True(t, followUp.Args.(jobs.AcknowledgeReminder).Unacknowledge)
	assert.Equal(t, start.Add(5*time.Minute), followUp.At)

	require.NoError(t, e.svc.AcknowledgeReminder(context.Background(), followUp.Args.(jobs.AcknowledgeReminder)))

	got := e.f.Reload(g)
	assert.Equal(t, model.StateFiring, got.State())
	assert.Empty(t, got.UnackReminderID)
	assert.Equal(t, []model.LogType{model.LogAck, model.LogAckReminderTriggered, model.LogAutoUnAck}, e.f.LogTypes(g))
	assert.Len(t, e.jobs.OfKind("escalate_alert_group"), 1)
}

func TestDisableChannelMaintenance_ResolvesIncident(t *testing.T) {
	e := setup(t)
	incident := e.group(t)
	e.set(t, incident, map[string]any{"maintenance_uuid": "m-1"})
	require.NoError(t, e.db.Model(e.channel).Updates(map[string]any{
		"maintenance_mode": model.MaintenanceFull,
		"maintenance_uuid": "m-1",
	}).Error)

	require.NoError(t, e.svc.ResolveByUser(context.Background(), incident.ID, e.alice, ""))

	got := e.f.Reload(incident)
	assert.True(t, got.Resolved)
	assert.Equal(t, model.ActorDisableMaintenance, got.ResolvedBy)

	var ch model.Channel
	require.NoError(t, e.db.First(&ch, "id = ?", e.channel.ID).Error)
	assert.False(t, ch.InMaintenance())
}

func TestTransitions_RandomSequencesKeepStatePrecedence(t *testing.T) {
	type action struct {
		name string
		run  func(e *env, id string) error
		want model.State
	}
	actions := []action{
		{"acknowledge", func(e *env, id string) error { return e.svc.AcknowledgeByUser(context.Background(), id, e.alice) }, model.StateAcknowledged},
		{"unacknowledge", func(e *env, id string) error { return e.svc.UnAcknowledgeByUser(context.Background(), id, e.alice) }, model.StateFiring},
		{"resolve", func(e *env, id string) error { return e.svc.ResolveByUser(context.Background(), id, e.alice, "") }, model.StateResolved},
		{"unresolve", func(e *env, id string) error { return e.svc.UnResolveByUser(context.Background(), id, e.alice) }, model.StateFiring},
		{"silence for period", func(e *env, id string) error {
			return e.svc.SilenceByUser(context.Background(), id, e.alice, 10*time.Minute)
		}, model.StateSilenced},
		{"silence forever", func(e *env, id string) error { return e.svc.SilenceByUser(context.Background(), id, e.alice, 0) }, model.StateSilenced},
		{"unsilence", func(e *env, id string) error { return e.svc.UnSilenceByUser(context.Background(), id, e.alice) }, model.StateFiring},
	}

	for seed := uint64(1); seed <= 5; seed++ {
		e := setup(t)
		g := e.group(t)
		rng := rand.New(rand.NewPCG(seed, 2024))
		var responseTime *time.Duration

		for i := range 40 {
			a := actions[rng.IntN(len(actions))]
			e.clock.Advance(time.Minute)
			err := a.run(e, g.ID)
			if errors.Is(err, alertgroup.ErrInvalidTransition) {
				continue
			}
			require.NoError(t, err, "seed %d step %d %s", seed, i, a.name)

			got := e.f.Reload(g)
			assert.Equal(t, a.want, got.State(), "seed %d step %d %s", seed, i, a.name)

			switch {
			case got.Resolved:
				assert.Equal(t, model.StateResolved, got.State())
			case got.Acknowledged:
				assert.Equal(t, model.StateAcknowledged, got.State())
			case got.Silenced:
				assert.Equal(t, model.StateSilenced, got.State())
			default:
				assert.Equal(t, model.StateFiring, got.State())
			}
			assert.Equal(t, got.Resolved, got.ResolvedAt != nil)
			assert.Equal(t, got.Acknowledged, got.AcknowledgedAt != nil)
			assert.Equal(t, got.Silenced, got.SilencedAt != nil)
			if got.Resolved {
				assert.Nil(t, got.IsOpenForGrouping)
			}

			if responseTime == nil && got.ResponseTime != nil {
				require.NotEqual(t, model.StateFiring, a.want, "seed %d step %d %s", seed, i, a.name)
				assert.Equal(t, e.clock.Now().Sub(start), *got.ResponseTime)
				responseTime = got.ResponseTime
				continue
			}
			if responseTime != nil {
				require.NotNil(t, got.ResponseTime)
				assert.Equal(t, *responseTime, *got.ResponseTime, "seed %d step %d %s", seed, i, a.name)
			}
		}
		require.NotNil(t, responseTime, "seed %d never responded", seed)
	}
}
