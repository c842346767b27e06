// Package testutil provides an in-memory database and fixture builders for
// package tests.
package testutil

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// NewDB opens a private in-memory SQLite database with the full schema.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_") + "_" + uuid.NewString()[:8]
	gdb, err := db.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

// NullLogger returns a logger that discards everything.
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Fixtures creates related rows in a test database.
type Fixtures struct {
	t  *testing.T
	DB *gorm.DB
}

// NewFixtures wraps gdb.
func NewFixtures(t *testing.T, gdb *gorm.DB) *Fixtures {
	return &Fixtures{t: t, DB: gdb}
}

func (f *Fixtures) create(v any) {
	f.t.Helper()
	require.NoError(f.t, f.DB.Create(v).Error)
}

// Organization creates an organization.
func (f *Fixtures) Organization() *model.Organization {
	o := &model.Organization{Name: "Acme", Slug: "acme-" + uuid.NewString()[:8]}
	f.create(o)
	return o
}

// User creates a responder in org.
func (f *Fixtures) User(org *model.Organization, username string) *model.User {
	u := &model.User{
		OrganizationID: &org.ID,
		Email:          username + "-" + uuid.NewString()[:6] + "@example.com",
		Username:       username,
		Roles:          model.StringSlice{"Responder"},
		SlackUserID:    "U" + strings.ToUpper(username),
		PhoneNumber:    "+10000000000",
	}
	f.create(u)
	return u
}

// Channel creates a webhook channel with a default route pointing at chain
// (chain may be nil).
func (f *Fixtures) Channel(org *model.Organization, chain *model.EscalationChain) (*model.Channel, *model.Route) {
	c := &model.Channel{
		OrganizationID:            org.ID,
		VerbalName:                "Grafana",
		Integration:               model.IntegrationWebhook,
		GroupingIDTemplate:        "{{ .payload.alertname }}",
		ResolveConditionTemplate:  `{{ eq (default "" .payload.status) "resolved" }}`,
		TitleTemplate:             "{{ .payload.alertname }}",
		AllowSourceBasedResolving: true,
		SlackChannelID:            "C0ALERTS",
	}
	f.create(c)
	r := &model.Route{ChannelID: c.ID, IsDefault: true, Order: 0, NotifyInSlack: true}
	if chain != nil {
		r.EscalationChainID = &chain.ID
	}
	f.create(r)
	return c, r
}

// Route adds a regex route to channel.
func (f *Fixtures) Route(c *model.Channel, order int, term string, chain *model.EscalationChain) *model.Route {
	r := &model.Route{ChannelID: c.ID, Order: order, FilteringTerm: term, NotifyInSlack: true}
	if chain != nil {
		r.EscalationChainID = &chain.ID
	}
	f.create(r)
	return r
}

// Chain creates an escalation chain with the given policies, ordered as passed.
func (f *Fixtures) Chain(org *model.Organization, policies ...*model.EscalationPolicy) *model.EscalationChain {
	c := &model.EscalationChain{OrganizationID: org.ID, Name: "Primary"}
	f.create(c)
	for i, p := range policies {
		p.EscalationChainID = c.ID
		p.Order = i
		f.create(p)
	}
	return c
}

// AlertGroup creates an open, firing alert group on channel/route.
func (f *Fixtures) AlertGroup(c *model.Channel, r *model.Route, startedAt time.Time) *model.AlertGroup {
	open := true
	g := &model.AlertGroup{
		OrganizationID:         c.OrganizationID,
		ChannelID:              c.ID,
		RouteID:                r.ID,
		Distinction:            uuid.NewString(),
		IsOpenForGrouping:      &open,
		ResolvedBy:             model.ActorNotYet,
		AcknowledgedBy:         model.ActorNotYet,
		ReasonToSkipEscalation: model.SkipNoReason,
		StartedAt:              startedAt,
	}
	f.create(g)
	return g
}

// Alert creates an alert in g.
func (f *Fixtures) Alert(g *model.AlertGroup, createdAt time.Time) *model.Alert {
	a := &model.Alert{GroupID: g.ID, Title: "alert", RawRequestData: model.JSONMap{"alertname": "x"}, CreatedAt: createdAt}
	f.create(a)
	return a
}

// Reload re-reads g from the database.
func (f *Fixtures) Reload(g *model.AlertGroup) *model.AlertGroup {
	f.t.Helper()
	var out model.AlertGroup
	require.NoError(f.t, f.DB.First(&out, "id = ?", g.ID).Error)
	return &out
}

// LogTypes returns the log record types written for g, oldest first.
func (f *Fixtures) LogTypes(g *model.AlertGroup) []model.LogType {
	f.t.Helper()
	var recs []model.LogRecord
	require.NoError(f.t, f.DB.Where("alert_group_id = ?", g.ID).Order("created_at, rowid").Find(&recs).Error)
	out := make([]model.LogType, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Type)
	}
	return out
}
