package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/d9705996/oncall/internal/events"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	msgs    []events.Message
	failOn  int
	publish int
}

func (p *recordingPublisher) Publish(_ context.Context, msg events.Message) error {
	p.publish++
	if p.failOn > 0 && p.publish == p.failOn {
		return errors.New("broker down")
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestRelay_PublishesInOrderAndMarks(t *testing.T) {
	gdb := testutil.NewDB(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, events.Emit(gdb, now, events.KindAlertGroupCreated, "g1", nil))
	require.NoError(t, events.ActionTriggered(gdb, now.Add(time.Second), "g1", "rec1", []string{"dep1"}))

	pub := &recordingPublisher{}
	relay := events.NewRelay(gdb, pub, testutil.NullLogger(), func() time.Time { return now })
	n, err := relay.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, pub.msgs, 3)
	assert.Equal(t, events.KindAlertGroupCreated, pub.msgs[0].Kind)
	assert.Equal(t, "dep1", pub.msgs[2].AlertGroupID)
	assert.Equal(t, "g1", pub.msgs[2].Payload["root_alert_group_id"])

	n, err = relay.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "published rows are not sent twice")
}

func TestRelay_StopsOnFailure(t *testing.T) {
	gdb := testutil.NewDB(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, events.Emit(gdb, now.Add(time.Duration(i)*time.Second), events.KindAlertCreated, "g", nil))
	}
	pub := &recordingPublisher{failOn: 2}
	relay := events.NewRelay(gdb, pub, testutil.NullLogger(), nil)

	n, err := relay.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)

	var pending int64
	require.NoError(t, gdb.Model(&model.EventOutbox{}).Where("published_at IS NULL").Count(&pending).Error)
	assert.Equal(t, int64(2), pending)
}

type fakeWriter struct{ msgs []kafka.Message }

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}
func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_KeysByAlertGroup(t *testing.T) {
	w := &fakeWriter{}
	p := events.NewKafkaPublisherWithWriter(w)
	require.NoError(t, p.Publish(context.Background(), events.Message{ID: "e1", Kind: events.KindActionTriggered, AlertGroupID: "g1"}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("g1"), w.msgs[0].Key)
	var decoded events.Message
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "e1", decoded.ID)
}

type fakeConn struct {
	subjects []string
	drained  bool
}

func (c *fakeConn) Publish(subject string, _ []byte) error {
	c.subjects = append(c.subjects, subject)
	return nil
}
func (c *fakeConn) Drain() error { c.drained = true; return nil }
func (c *fakeConn) Close()       {}

func TestNATSPublisher_Subject(t *testing.T) {
	conn := &fakeConn{}
	p := events.NewNATSPublisherWithConn(conn, "oncall.")
	require.NoError(t, p.Publish(context.Background(), events.Message{Kind: events.KindAlertGroupCreated}))
	require.NoError(t, p.Close())
	assert.Equal(t, []string{"oncall.alert_groups.alert_group_created"}, conn.subjects)
	assert.True(t, conn.drained)
}
