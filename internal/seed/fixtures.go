package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/escalation"
	"github.com/d9705996/oncall/internal/model"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Fixtures is the YAML document loaded by LoadFixtures. Users, schedules,
// groups, webhooks and chains are referenced by name from later sections.
type Fixtures struct {
	Organization OrganizationFixture `yaml:"organization"`
	Users        []UserFixture       `yaml:"users"`
	UserGroups   []UserGroupFixture  `yaml:"user_groups"`
	Schedules    []ScheduleFixture   `yaml:"schedules"`
	Webhooks     []WebhookFixture    `yaml:"webhooks"`
	Chains       []ChainFixture      `yaml:"escalation_chains"`
	Channels     []ChannelFixture    `yaml:"channels"`
}

// OrganizationFixture describes the organization everything belongs to.
type OrganizationFixture struct {
	Name                     string        `yaml:"name"`
	Slug                     string        `yaml:"slug"`
	AcknowledgeRemindTimeout time.Duration `yaml:"acknowledge_remind_timeout"`
	UnacknowledgeTimeout     time.Duration `yaml:"unacknowledge_timeout"`
	ResolutionNoteRequired   bool          `yaml:"resolution_note_required"`
}

// UserFixture describes a user and their personal notification policies.
// A user whose email already exists is referenced, not recreated.
type UserFixture struct {
	Username      string       `yaml:"username"`
	Email         string       `yaml:"email"`
	Name          string       `yaml:"name"`
	Password      string       `yaml:"password"`
	Roles         []string     `yaml:"roles"`
	SlackUserID   string       `yaml:"slack_user_id"`
	PhoneNumber   string       `yaml:"phone_number"`
	TelegramID    string       `yaml:"telegram_chat_id"`
	WebhookURL    string       `yaml:"webhook_url"`
	Notifications []NotifyStep `yaml:"notification_policy"`
	Important     []NotifyStep `yaml:"important_notification_policy"`
}

// NotifyStep is either a wait or a notification over a channel.
type NotifyStep struct {
	Wait     time.Duration `yaml:"wait"`
	NotifyBy string        `yaml:"notify_by"`
}

// UserGroupFixture describes a user group.
type UserGroupFixture struct {
	Name             string   `yaml:"name"`
	Handle           string   `yaml:"handle"`
	SlackUserGroupID string   `yaml:"slack_user_group_id"`
	Members          []string `yaml:"members"`
}

// ScheduleFixture describes an on-call schedule.
type ScheduleFixture struct {
	Name   string         `yaml:"name"`
	Shifts []ShiftFixture `yaml:"shifts"`
}

// ShiftFixture describes a recurring shift.
type ShiftFixture struct {
	User      string        `yaml:"user"`
	Start     time.Time     `yaml:"start"`
	Duration  time.Duration `yaml:"duration"`
	Frequency string        `yaml:"frequency"`
	Until     *time.Time    `yaml:"until"`
	Priority  int           `yaml:"priority"`
}

// WebhookFixture describes an outgoing webhook.
type WebhookFixture struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Method string `yaml:"method"`
	Data   string `yaml:"data"`
}

// ChainFixture describes an escalation chain. Policy users, schedule, group
// and webhook name fixtures of the same file.
type ChainFixture struct {
	Name     string                  `yaml:"name"`
	Policies []escalation.PolicySpec `yaml:"policies"`
}

// ChannelFixture describes an integration and its routes.
type ChannelFixture struct {
	Name                      string         `yaml:"name"`
	Integration               string         `yaml:"integration"`
	Token                     string         `yaml:"token"`
	GroupingTemplate          string         `yaml:"grouping_id_template"`
	ResolveTemplate           string         `yaml:"resolve_condition_template"`
	AcknowledgeTemplate       string         `yaml:"acknowledge_condition_template"`
	TitleTemplate             string         `yaml:"title_template"`
	MessageTemplate           string         `yaml:"message_template"`
	AllowSourceBasedResolving bool           `yaml:"allow_source_based_resolving"`
	SlackChannelID            string         `yaml:"slack_channel_id"`
	Routes                    []RouteFixture `yaml:"routes"`
}

// RouteFixture describes a route. A route without a filtering term is the
// channel's default route.
type RouteFixture struct {
	FilteringTerm  string `yaml:"filtering_term"`
	Template       bool   `yaml:"template"`
	Chain          string `yaml:"escalation_chain"`
	SlackChannelID string `yaml:"slack_channel_id"`
	NotifyInSlack  *bool  `yaml:"notify_in_slack"`
}

// ErrFixture is returned for fixtures that reference unknown names or use
// unknown values.
var ErrFixture = errors.New("invalid fixture")

// ReadFixtures parses the fixtures file at path.
func ReadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	if f.Organization.Slug == "" {
		f.Organization.Slug = DefaultOrganizationSlug
	}
	if f.Organization.Name == "" {
		f.Organization.Name = f.Organization.Slug
	}
	return &f, nil
}

// LoadFixtures creates everything f describes in one transaction. It does
// nothing when the organization already has channels.
func LoadFixtures(ctx context.Context, gdb *gorm.DB, f *Fixtures, log *slog.Logger) error {
	var skipped bool
	err := db.Transaction(ctx, gdb, func(tx *db.Tx) error {
		org, err := ensureOrganization(tx.DB, f.Organization.Name, f.Organization.Slug)
		if err != nil {
			return err
		}
		var channels int64
		if err := tx.Model(&model.Channel{}).Where("organization_id = ?", org.ID).Count(&channels).Error; err != nil {
			return fmt.Errorf("count channels: %w", err)
		}
		if channels > 0 {
			skipped = true
			return nil
		}
		err = tx.Model(org).Updates(map[string]any{
			"acknowledge_remind_timeout":  f.Organization.AcknowledgeRemindTimeout,
			"unacknowledge_timeout":       f.Organization.UnacknowledgeTimeout,
			"is_resolution_note_required": f.Organization.ResolutionNoteRequired,
		}).Error
		if err != nil {
			return fmt.Errorf("update organization: %w", err)
		}
		l := &loader{tx: tx.DB, org: org, names: map[string]map[string]string{}}
		return l.load(f)
	})
	if err != nil {
		return fmt.Errorf("load fixtures: %w", err)
	}
	if skipped {
		log.Info("fixtures already loaded", "organization", f.Organization.Slug)
		return nil
	}
	log.Info("fixtures loaded", "organization", f.Organization.Slug,
		"users", len(f.Users), "channels", len(f.Channels), "escalation_chains", len(f.Chains))
	return nil
}

type loader struct {
	tx    *gorm.DB
	org   *model.Organization
	names map[string]map[string]string // kind -> fixture name -> id
}

func (l *loader) remember(kind, name, id string) {
	if l.names[kind] == nil {
		l.names[kind] = map[string]string{}
	}
	l.names[kind][name] = id
}

func (l *loader) lookup(kind, name string) (string, error) {
	id, ok := l.names[kind][name]
	if !ok {
		return "", fmt.Errorf("%w: unknown %s %q", ErrFixture, kind, name)
	}
	return id, nil
}

func (l *loader) create(v any, what string) error {
	if err := l.tx.Create(v).Error; err != nil {
		return fmt.Errorf("create %s: %w", what, err)
	}
	return nil
}

func (l *loader) load(f *Fixtures) error {
	steps := []func(*Fixtures) error{
		l.users, l.userGroups, l.schedules, l.webhooks, l.chains, l.channels,
	}
	for _, step := range steps {
		if err := step(f); err != nil {
			return err
		}
	}
	return nil
}

func (l *loader) users(f *Fixtures) error {
	for _, uf := range f.Users {
		var existing model.User
		if err := l.tx.Limit(1).Find(&existing, "email = ?", uf.Email).Error; err != nil {
			return fmt.Errorf("load user %s: %w", uf.Email, err)
		}
		if existing.ID != "" {
			l.remember("user", uf.Username, existing.ID)
			continue
		}
		u := &model.User{
			OrganizationID:     &l.org.ID,
			Email:              uf.Email,
			Username:           uf.Username,
			Name:               uf.Name,
			Roles:              model.StringSlice(uf.Roles),
			SlackUserID:        uf.SlackUserID,
			PhoneNumber:        uf.PhoneNumber,
			TelegramChatID:     uf.TelegramID,
			PersonalWebhookURL: uf.WebhookURL,
		}
		if len(u.Roles) == 0 {
			u.Roles = model.StringSlice{"Responder"}
		}
		if uf.Password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(uf.Password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash password of %s: %w", uf.Username, err)
			}
			u.PasswordHash = string(hash)
		}
		if err := l.create(u, "user "+uf.Username); err != nil {
			return err
		}
		l.remember("user", uf.Username, u.ID)

		for important, plan := range map[bool][]NotifyStep{false: uf.Notifications, true: uf.Important} {
			for i, step := range plan {
				p := &model.UserNotificationPolicy{UserID: u.ID, Important: important, Order: i, Step: model.NotificationWait}
				if step.NotifyBy != "" {
					ch, ok := model.ParseNotificationChannel(step.NotifyBy)
					if !ok {
						return fmt.Errorf("%w: unknown notification channel %q", ErrFixture, step.NotifyBy)
					}
					p.Step = model.NotificationNotify
					p.NotifyBy = ch
				} else {
					wait := step.Wait
					p.WaitDelay = &wait
				}
				if err := l.create(p, "notification policy"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (l *loader) userGroups(f *Fixtures) error {
	for _, gf := range f.UserGroups {
		g := &model.UserGroup{OrganizationID: l.org.ID, Name: gf.Name, Handle: gf.Handle, SlackUserGroupID: gf.SlackUserGroupID}
		if err := l.create(g, "user group "+gf.Name); err != nil {
			return err
		}
		l.remember("group", gf.Handle, g.ID)
		for _, member := range gf.Members {
			userID, err := l.lookup("user", member)
			if err != nil {
				return err
			}
			if err := l.create(&model.UserGroupMember{UserGroupID: g.ID, UserID: userID}, "user group member"); err != nil {
				return err
			}
		}
	}
	return nil
}

var frequencies = map[string]model.ShiftFrequency{
	"":       model.FrequencyOnce,
	"once":   model.FrequencyOnce,
	"daily":  model.FrequencyDaily,
	"weekly": model.FrequencyWeekly,
}

func (l *loader) schedules(f *Fixtures) error {
	for _, sf := range f.Schedules {
		s := &model.Schedule{OrganizationID: l.org.ID, Name: sf.Name}
		if err := l.create(s, "schedule "+sf.Name); err != nil {
			return err
		}
		l.remember("schedule", sf.Name, s.ID)
		for _, shf := range sf.Shifts {
			userID, err := l.lookup("user", shf.User)
			if err != nil {
				return err
			}
			freq, ok := frequencies[shf.Frequency]
			if !ok {
				return fmt.Errorf("%w: unknown shift frequency %q", ErrFixture, shf.Frequency)
			}
			shift := &model.OnCallShift{
				ScheduleID: s.ID,
				UserID:     userID,
				Start:      shf.Start,
				Duration:   shf.Duration,
				Frequency:  freq,
				Until:      shf.Until,
				Priority:   shf.Priority,
			}
			if err := l.create(shift, "shift"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *loader) webhooks(f *Fixtures) error {
	for _, wf := range f.Webhooks {
		w := &model.Webhook{OrganizationID: l.org.ID, Name: wf.Name, URL: wf.URL, HTTPMethod: wf.Method, DataTemplate: wf.Data}
		if w.HTTPMethod == "" {
			w.HTTPMethod = "POST"
		}
		if err := l.create(w, "webhook "+wf.Name); err != nil {
			return err
		}
		l.remember("webhook", wf.Name, w.ID)
	}
	return nil
}

// resolve swaps the fixture names of a policy spec for ids.
func (l *loader) resolve(spec escalation.PolicySpec) (escalation.PolicySpec, error) {
	users := make([]string, 0, len(spec.Users))
	for _, name := range spec.Users {
		id, err := l.lookup("user", name)
		if err != nil {
			return spec, err
		}
		users = append(users, id)
	}
	spec.Users = users
	for kind, ref := range map[string]*string{
		"schedule": &spec.ScheduleID,
		"group":    &spec.GroupID,
		"webhook":  &spec.WebhookID,
	} {
		if *ref == "" {
			continue
		}
		id, err := l.lookup(kind, *ref)
		if err != nil {
			return spec, err
		}
		*ref = id
	}
	return spec, nil
}

func (l *loader) chains(f *Fixtures) error {
	for _, cf := range f.Chains {
		c := &model.EscalationChain{OrganizationID: l.org.ID, Name: cf.Name}
		if err := l.create(c, "escalation chain "+cf.Name); err != nil {
			return err
		}
		l.remember("chain", cf.Name, c.ID)
		for i, raw := range cf.Policies {
			spec, err := l.resolve(raw)
			if err != nil {
				return err
			}
			p, err := spec.Policy()
			if err != nil {
				return fmt.Errorf("chain %s policy %d: %w", cf.Name, i, err)
			}
			p.EscalationChainID = c.ID
			p.Order = i
			if err := l.create(p, "escalation policy"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *loader) channels(f *Fixtures) error {
	for _, chf := range f.Channels {
		ch := &model.Channel{
			OrganizationID:               l.org.ID,
			VerbalName:                   chf.Name,
			Integration:                  chf.Integration,
			Token:                        chf.Token,
			GroupingIDTemplate:           chf.GroupingTemplate,
			ResolveConditionTemplate:     chf.ResolveTemplate,
			AcknowledgeConditionTemplate: chf.AcknowledgeTemplate,
			TitleTemplate:                chf.TitleTemplate,
			MessageTemplate:              chf.MessageTemplate,
			AllowSourceBasedResolving:    chf.AllowSourceBasedResolving,
			SlackChannelID:               chf.SlackChannelID,
		}
		if ch.Integration == "" {
			ch.Integration = model.IntegrationWebhook
		}
		if err := l.create(ch, "channel "+chf.Name); err != nil {
			return err
		}

		hasDefault := false
		order := 0
		for _, rf := range chf.Routes {
			r, err := l.route(ch, rf)
			if err != nil {
				return err
			}
			if r.IsDefault {
				if hasDefault {
					return fmt.Errorf("%w: channel %s has two default routes", ErrFixture, chf.Name)
				}
				hasDefault = true
			} else {
				r.Order = order
				order++
			}
			if err := l.create(r, "route"); err != nil {
				return err
			}
		}
		if !hasDefault {
			if err := l.create(&model.Route{ChannelID: ch.ID, IsDefault: true, Order: order, NotifyInSlack: true}, "default route"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *loader) route(ch *model.Channel, rf RouteFixture) (*model.Route, error) {
	r := &model.Route{
		ChannelID:      ch.ID,
		FilteringTerm:  rf.FilteringTerm,
		IsDefault:      rf.FilteringTerm == "",
		SlackChannelID: rf.SlackChannelID,
		NotifyInSlack:  rf.NotifyInSlack == nil || *rf.NotifyInSlack,
	}
	if rf.Template {
		r.FilteringTermType = model.FilteringTemplate
	}
	if rf.Chain != "" {
		id, err := l.lookup("chain", rf.Chain)
		if err != nil {
			return nil, err
		}
		r.EscalationChainID = &id
	}
	return r, nil
}
