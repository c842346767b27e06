// Package grouping deduplicates incoming alerts into alert groups.
package grouping

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/events"
	"github.com/d9705996/oncall/internal/metrics"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/sequence"
	"github.com/d9705996/oncall/internal/templating"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrGroupingIntegrityConflict is returned when creating a group violated
// the open-group unique index and no open group could be found afterwards.
var ErrGroupingIntegrityConflict = errors.New("grouping: integrity conflict")

// Data is what the grouping engine needs to know about an alert.
type Data struct {
	Distinction         string
	WebTitleCache       string
	IsResolveSignal     bool
	IsAcknowledgeSignal bool
}

// Fingerprint renders the grouping template and hashes the result. Demo
// alerts and alerts without a usable grouping id get a random component so
// they always open a new group. A template error is returned together with
// the random fingerprint so callers can log it and continue.
func Fingerprint(groupingTemplate string, payload map[string]any, isDemo bool) (string, error) {
	var (
		id  string
		err error
	)
	if groupingTemplate != "" {
		id, err = templating.Render(groupingTemplate, payload)
	}
	if id == "" || isDemo {
		id += uuid.NewString()
	}
	sum := md5.Sum([]byte(id))
	return hex.EncodeToString(sum[:]), err
}

// Engine finds or creates the alert group of an alert.
type Engine struct {
	db      *gorm.DB
	counter *sequence.Counter
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// New returns an Engine.
func New(gdb *gorm.DB, counter *sequence.Counter, m *metrics.Metrics, log *slog.Logger, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{db: gdb, counter: counter, metrics: m, log: log, now: now}
}

// GroupOrCreate returns the open group for (channel, route, distinction),
// or for resolve signals the latest resolved one, or a new open group.
// created reports whether the group was created by this call.
//
// It must not run inside a caller's transaction: the sequence number is
// taken in its own short transaction. ErrConcurrentUpdate from the counter
// is returned unchanged for the caller to retry.
func (e *Engine) GroupOrCreate(ctx context.Context, channel *model.Channel, route *model.Route, data Data) (*model.AlertGroup, bool, error) {
	routeID := ""
	if route != nil {
		routeID = route.ID
	}

	g, err := e.findOpen(ctx, channel.ID, routeID, data.Distinction)
	if err != nil || g != nil {
		return g, false, err
	}

	if data.IsResolveSignal {
		g, err := e.findLatestResolved(ctx, channel.ID, routeID, data.Distinction)
		if err != nil || g != nil {
			return g, false, err
		}
	}

	number, err := e.counter.Next(ctx, channel.OrganizationID)
	if err != nil {
		return nil, false, err
	}

	open := true
	now := e.now()
	g = &model.AlertGroup{
		OrganizationID:           channel.OrganizationID,
		ChannelID:                channel.ID,
		RouteID:                  routeID,
		Distinction:              data.Distinction,
		IsOpenForGrouping:        &open,
		InsideOrganizationNumber: number,
		WebTitleCache:            data.WebTitleCache,
		ResolvedBy:               model.ActorNotYet,
		AcknowledgedBy:           model.ActorNotYet,
		ReasonToSkipEscalation:   model.SkipNoReason,
		StartedAt:                now,
	}
	createErr := db.Transaction(ctx, e.db, func(tx *db.Tx) error {
		if err := tx.Create(g).Error; err != nil {
			return err
		}
		return events.Emit(tx.DB, now, events.KindAlertGroupCreated, g.ID, model.JSONMap{
			"channel_id": channel.ID,
			"number":     number,
		})
	})
	if createErr == nil {
		e.metrics.AlertGroupState(model.StateFiring.String())
		return g, true, nil
	}
	if !db.IsUniqueViolation(createErr) {
		return nil, false, fmt.Errorf("create alert group: %w", createErr)
	}

	// another ingester opened the same group first
	e.log.Debug("alert group created concurrently, retrying lookup",
		"channel_id", channel.ID, "distinction", data.Distinction)
	g, err = e.findOpen(ctx, channel.ID, routeID, data.Distinction)
	if err != nil {
		return nil, false, err
	}
	if g == nil {
		return nil, false, fmt.Errorf("%w: %w", ErrGroupingIntegrityConflict, createErr)
	}
	return g, false, nil
}

func (e *Engine) findOpen(ctx context.Context, channelID, routeID, distinction string) (*model.AlertGroup, error) {
	var g model.AlertGroup
	err := e.db.WithContext(ctx).
		Where("channel_id = ? AND route_id = ? AND distinction = ? AND is_open_for_grouping = ?",
			channelID, routeID, distinction, true).
		First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open alert group: %w", err)
	}
	return &g, nil
}

func (e *Engine) findLatestResolved(ctx context.Context, channelID, routeID, distinction string) (*model.AlertGroup, error) {
	var g model.AlertGroup
	err := e.db.WithContext(ctx).
		Where("channel_id = ? AND route_id = ? AND distinction = ? AND resolved = ?",
			channelID, routeID, distinction, true).
		Order("started_at DESC").
		First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find resolved alert group: %w", err)
	}
	return &g, nil
}
