// Package ingest turns incoming alert payloads into alerts: it renders the
// channel's templates, routes and groups the alert, applies source-based
// resolution and acknowledgement, honours channel maintenance and starts
// escalation for new groups.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/d9705996/oncall/internal/alertgroup"
	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/events"
	"github.com/d9705996/oncall/internal/grouping"
	"github.com/d9705996/oncall/internal/logrecord"
	"github.com/d9705996/oncall/internal/metrics"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/observability"
	"github.com/d9705996/oncall/internal/routing"
	"github.com/d9705996/oncall/internal/sequence"
	"github.com/d9705996/oncall/internal/snapshot"
	"github.com/d9705996/oncall/internal/templating"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// DefaultTitle replaces titles whose template fails to render.
const DefaultTitle = "Default title"

// groupingAttempts bounds retries when the sequence counter is contended.
const groupingAttempts = 3

// ErrChannelNotFound is returned for unknown integration tokens.
var ErrChannelNotFound = errors.New("channel not found")

// Alert is an incoming alert.
type Alert struct {
	Title                 string
	Message               string
	ImageURL              string
	LinkToUpstreamDetails string
	Payload               map[string]any
	// ForceRouteID routes the alert to this route when it belongs to the
	// channel.
	ForceRouteID *string
	IsDemo       bool
	// DisableAutoResolve ignores resolve signals of the payload.
	DisableAutoResolve bool
}

// Config holds ingestion limits.
type Config struct {
	// AutoResolveAlertLimit is the largest group a resolve signal may close.
	AutoResolveAlertLimit int
}

// Service ingests alerts.
type Service struct {
	db       *gorm.DB
	grouping *grouping.Engine
	routes   *routing.Router
	groups   *alertgroup.Service
	recorder *logrecord.Recorder
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
	tracer   trace.Tracer
}

// New returns a Service.
func New(gdb *gorm.DB, engine *grouping.Engine, routes *routing.Router, groups *alertgroup.Service, rec *logrecord.Recorder, m *metrics.Metrics, log *slog.Logger, cfg Config, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	if cfg.AutoResolveAlertLimit == 0 {
		cfg.AutoResolveAlertLimit = 500
	}
	return &Service{
		db:       gdb,
		grouping: engine,
		routes:   routes,
		groups:   groups,
		recorder: rec,
		metrics:  m,
		log:      log,
		cfg:      cfg,
		now:      now,
		tracer:   observability.Tracer("ingest"),
	}
}

// ChannelByToken returns the channel owning an integration token.
func (s *Service) ChannelByToken(ctx context.Context, token string) (*model.Channel, error) {
	var ch model.Channel
	if err := s.db.WithContext(ctx).Limit(1).Find(&ch, "token = ?", token).Error; err != nil {
		return nil, fmt.Errorf("load channel: %w", err)
	}
	if ch.ID == "" {
		return nil, ErrChannelNotFound
	}
	return &ch, nil
}

// CreateAlert ingests a manually created alert, such as a direct page.
func (s *Service) CreateAlert(ctx context.Context, ch *model.Channel, title, message string, payload map[string]any) (*model.AlertGroup, error) {
	_, g, err := s.IngestAlert(ctx, ch, Alert{Title: title, Message: message, Payload: payload})
	return g, err
}

// IngestAlert stores a as a new alert of ch and returns it with its group.
func (s *Service) IngestAlert(ctx context.Context, ch *model.Channel, a Alert) (*model.Alert, *model.AlertGroup, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.alert", trace.WithAttributes(
		observability.ChannelIDKey.String(ch.ID),
	))
	defer span.End()
	s.metrics.AlertReceived()

	if a.Payload == nil {
		a.Payload = map[string]any{}
	}
	log := s.log.With("channel_id", ch.ID)
	data := s.groupData(log, ch, a)

	route, err := s.routes.Select(s.db.WithContext(ctx), ch, a.Payload, data.WebTitleCache, a.ForceRouteID)
	if err != nil {
		observability.Fail(span, err)
		return nil, nil, err
	}

	var (
		g       *model.AlertGroup
		created bool
	)
	for attempt := 1; ; attempt++ {
		g, created, err = s.grouping.GroupOrCreate(ctx, ch, route, data)
		if errors.Is(err, sequence.ErrConcurrentUpdate) && attempt < groupingAttempts {
			log.Debug("alert group number contended, retrying", "attempt", attempt)
			continue
		}
		break
	}
	if err != nil {
		observability.Fail(span, err)
		return nil, nil, fmt.Errorf("group alert: %w", err)
	}

	var alert *model.Alert
	err = db.Transaction(ctx, s.db, func(tx *db.Tx) error {
		locked, err := alertgroup.Lock(tx, g.ID)
		if err != nil {
			return err
		}
		g = locked
		alert, err = s.store(tx, ch, route, g, created, data, a)
		return err
	})
	if err != nil {
		observability.Fail(span, err)
		return nil, nil, fmt.Errorf("ingest alert: %w", err)
	}
	span.SetAttributes(observability.AlertGroupIDKey.String(g.ID), observability.CreatedKey.Bool(created))
	return alert, g, nil
}

// groupData renders the channel templates. Template errors never reject an
// alert: they are logged and the affected value falls back.
func (s *Service) groupData(log *slog.Logger, ch *model.Channel, a Alert) grouping.Data {
	var data grouping.Data
	var err error

	data.Distinction, err = grouping.Fingerprint(ch.GroupingIDTemplate, a.Payload, a.IsDemo)
	if err != nil {
		log.Warn("grouping template failed", "err", err)
	}

	data.WebTitleCache = a.Title
	if ch.TitleTemplate != "" {
		title, err := templating.Render(ch.TitleTemplate, a.Payload)
		var terr *templating.Error
		switch {
		case errors.As(err, &terr):
			log.Warn("title template failed", "err", err)
			data.WebTitleCache = DefaultTitle
		case title != "":
			data.WebTitleCache = title
		}
	}

	data.IsResolveSignal, err = templating.RenderCondition(ch.ResolveConditionTemplate, a.Payload)
	if err != nil {
		log.Warn("resolve condition template failed", "err", err)
	}
	data.IsAcknowledgeSignal, err = templating.RenderCondition(ch.AcknowledgeConditionTemplate, a.Payload)
	if err != nil {
		log.Warn("acknowledge condition template failed", "err", err)
	}
	return data
}

func (s *Service) store(tx *db.Tx, ch *model.Channel, route *model.Route, g *model.AlertGroup, created bool, data grouping.Data, a Alert) (*model.Alert, error) {
	log := s.log.With("alert_group_id", g.ID)

	if created {
		if err := s.recorder.Write(tx.DB, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogRegistered}); err != nil {
			return nil, err
		}
		info, err := routeInfo(tx, route)
		if err != nil {
			return nil, err
		}
		if err := s.recorder.Write(tx.DB, &model.LogRecord{AlertGroupID: g.ID, Type: model.LogRouteAssigned, StepSpecificInfo: info}); err != nil {
			return nil, err
		}
	}

	if !g.Resolved && data.IsResolveSignal && ch.AllowSourceBasedResolving && !a.DisableAutoResolve {
		var n int64
		if err := tx.Model(&model.Alert{}).Where("group_id = ?", g.ID).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("count alerts: %w", err)
		}
		if n <= int64(s.cfg.AutoResolveAlertLimit) {
			if err := s.groups.ResolveBySourceTx(tx, g); err != nil {
				return nil, err
			}
		} else {
			log.Info("alert group too large to resolve by source", "alerts", n)
		}
	}
	if !g.Acknowledged && data.IsAcknowledgeSignal {
		if err := s.groups.AcknowledgeBySourceTx(tx, g); err != nil {
			return nil, err
		}
	}

	now := s.now()
	alert := &model.Alert{
		GroupID:                g.ID,
		Title:                  a.Title,
		Message:                a.Message,
		ImageURL:               a.ImageURL,
		LinkToUpstreamDetails:  a.LinkToUpstreamDetails,
		RawRequestData:         a.Payload,
		IsResolveSignal:        data.IsResolveSignal,
		IsAcknowledgeSignal:    data.IsAcknowledgeSignal,
		IsTheFirstAlertInGroup: created,
		CreatedAt:              now,
	}
	if err := tx.Create(alert).Error; err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	if err := events.Emit(tx.DB, now, events.KindAlertCreated, g.ID, model.JSONMap{"alert_id": alert.ID}); err != nil {
		return nil, err
	}

	if ch.InMode(model.MaintenanceFull) && ch.MaintenanceUUID != nil && g.IsRoot() && !g.IsMaintenanceIncident() {
		var incident model.AlertGroup
		err := tx.Limit(1).Find(&incident, "maintenance_uuid = ?", *ch.MaintenanceUUID).Error
		if err != nil {
			return nil, fmt.Errorf("load maintenance incident: %w", err)
		}
		if incident.ID != "" && incident.ID != g.ID {
			if err := s.groups.AttachToMaintenanceTx(tx, g, &incident); err != nil {
				return nil, err
			}
		}
	}

	return alert, s.distribute(tx, log, ch, g, created)
}

// distribute starts escalation of new groups and resumes it for groups
// whose escalation waits for more alerts.
func (s *Service) distribute(tx *db.Tx, log *slog.Logger, ch *model.Channel, g *model.AlertGroup, created bool) error {
	if g.IsMaintenanceIncident() || !g.IsRoot() || g.Resolved || g.Acknowledged {
		return nil
	}
	if ch.InMode(model.MaintenanceDebug) {
		log.Debug("channel in debug maintenance, escalation skipped")
		return nil
	}
	if created {
		_, err := s.groups.StartEscalationTx(tx, g, alertgroup.Restart)
		return err
	}
	snap, err := snapshot.Parse(g.RawEscalationSnapshot)
	if err != nil || snap == nil || !snap.PauseEscalation || g.Silenced {
		return err
	}
	log.Debug("new alert resumes paused escalation")
	_, err = s.groups.StartEscalationTx(tx, g, alertgroup.Resume)
	return err
}

func routeInfo(tx *db.Tx, route *model.Route) (model.JSONMap, error) {
	if route == nil {
		return model.JSONMap{}, nil
	}
	info := logrecord.Info("route", route.StrForClients())
	if route.EscalationChainID == nil {
		return info, nil
	}
	var chain model.EscalationChain
	if err := tx.Limit(1).Find(&chain, "id = ?", *route.EscalationChainID).Error; err != nil {
		return nil, fmt.Errorf("load escalation chain: %w", err)
	}
	if chain.ID != "" {
		info["escalation_chain"] = chain.Name
	}
	return info, nil
}
