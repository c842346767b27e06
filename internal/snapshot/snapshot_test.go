package snapshot_test

import (
	"testing"
	"time"

	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/snapshot"
	"github.com/d9705996/oncall/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

var now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func threeSteps() *snapshot.Snapshot {
	route := &model.Route{ID: "r1", IsDefault: true}
	chain := &model.EscalationChain{ID: "c1", Name: "Primary"}
	return snapshot.Build(route, chain, []model.EscalationPolicy{
		{ID: "p0", Order: 0, Step: model.StepWait, WaitDelay: ptr(time.Minute)},
		{ID: "p1", Order: 1, Step: model.StepNotifyMultipleUsers, NotifyToUsersQueue: model.StringSlice{"u1"}},
		{ID: "p2", Order: 2, Step: model.StepRepeatEscalationNTimes},
	}, "C1")
}

func TestBuild_NoChainMeansNoSnapshot(t *testing.T) {
	assert.Nil(t, snapshot.Build(&model.Route{ID: "r"}, nil, nil, ""))
	assert.Nil(t, snapshot.Build(nil, &model.EscalationChain{ID: "c"}, nil, ""))
}

func TestBuild_CopiesRouteAndPolicies(t *testing.T) {
	s := threeSteps()
	require.NotNil(t, s)
	assert.Equal(t, snapshot.Version, s.Version)
	assert.Equal(t, "default", s.Route.StrForClients)
	assert.Equal(t, "Primary", s.Chain.Name)
	require.Len(t, s.Policies, 3)
	assert.Equal(t, []string{"u1"}, s.Policies[1].NotifyToUsersQueue)
	assert.Equal(t, "C1", s.SlackChannelID)
}

func TestEncodeParse_RoundTripKeepsCursor(t *testing.T) {
	s := threeSteps()
	s.LastActiveEscalationPolicyOrder = ptr(1)
	eta := now.Add(time.Minute)
	s.NextStepETA = &eta

	raw, err := s.Encode()
	require.NoError(t, err)
	assert.Contains(t, raw, `"escalation_policies_snapshots"`)

	back, err := snapshot.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, back.NextActivePolicyOrder())
	assert.True(t, back.NextStepETA.Equal(eta))
}

func TestParse_EmptyAndFutureVersion(t *testing.T) {
	s, err := snapshot.Parse("")
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = snapshot.Parse(`{"version": 99}`)
	assert.ErrorIs(t, err, snapshot.ErrUnsupportedVersion)
}

func TestNextStepETAIsValid(t *testing.T) {
	s := threeSteps()
	_, ok := s.NextStepETAIsValid(now)
	assert.False(t, ok)

	stale := now.Add(-6 * time.Minute)
	s.NextStepETA = &stale
	valid, ok := s.NextStepETAIsValid(now)
	assert.True(t, ok)
	assert.False(t, valid)

	recent := now.Add(-4 * time.Minute)
	s.NextStepETA = &recent
	valid, _ = s.NextStepETAIsValid(now)
	assert.True(t, valid)
}

func TestExecuteActualStep_AdvancesAndFinishes(t *testing.T) {
	s := threeSteps()
	var ran []string
	exec := func(p *snapshot.Policy, reason string) (snapshot.StepResult, error) {
		ran = append(ran, p.ID)
		assert.Equal(t, "lifecycle rule for default route", reason)
		return snapshot.StepResult{}, nil
	}

	for i := 0; i < 3; i++ {
		finished, err := s.ExecuteActualStep(now, 5*time.Second, exec)
		require.NoError(t, err)
		assert.False(t, finished)
	}
	assert.Equal(t, []string{"p0", "p1", "p2"}, ran)
	assert.True(t, s.NextStepETA.Equal(now.Add(5*time.Second)))
	require.NotNil(t, s.Policies[0].PassedLastTime)

	finished, err := s.ExecuteActualStep(now, 5*time.Second, exec)
	require.NoError(t, err)
	assert.True(t, finished)
	assert.True(t, s.StopEscalation)
}

func TestExecuteActualStep_StartFromBeginningAndPause(t *testing.T) {
	s := threeSteps()
	s.LastActiveEscalationPolicyOrder = ptr(1)

	_, err := s.ExecuteActualStep(now, time.Second, func(*snapshot.Policy, string) (snapshot.StepResult, error) {
		return snapshot.StepResult{StartFromBeginning: true}, nil
	})
	require.NoError(t, err)
	assert.Nil(t, s.LastActiveEscalationPolicyOrder)
	assert.Equal(t, 0, s.NextActivePolicyOrder())

	_, err = s.ExecuteActualStep(now, time.Second, func(*snapshot.Policy, string) (snapshot.StepResult, error) {
		return snapshot.StepResult{Pause: true}, nil
	})
	require.NoError(t, err)
	assert.True(t, s.PauseEscalation)
	assert.Equal(t, 0, s.NextActivePolicyOrder(), "a paused step is re-run on resume")
}

func TestCapture_LoadsOrderedPolicies(t *testing.T) {
	gdb := testutil.NewDB(t)
	f := testutil.NewFixtures(t, gdb)
	org := f.Organization()
	chain := f.Chain(org,
		&model.EscalationPolicy{Step: model.StepNotify},
		&model.EscalationPolicy{Step: model.StepWait, WaitDelay: ptr(time.Minute)},
	)
	_, route := f.Channel(org, chain)

	s, r, c, err := snapshot.Capture(gdb, route.ID, "")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, route.ID, r.ID)
	assert.Equal(t, chain.ID, c.ID)
	require.Len(t, s.Policies, 2)
	assert.Equal(t, model.StepNotify, s.Policies[0].Step)
	assert.Equal(t, model.StepWait, s.Policies[1].Step)
	assert.Empty(t, s.SlackChannelID)
}
