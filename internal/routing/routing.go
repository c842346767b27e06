// Package routing selects the route (channel filter) of an incoming alert.
package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/templating"
	"gorm.io/gorm"
)

// Router evaluates a channel's routes against alert payloads.
type Router struct {
	log *slog.Logger

	mu      sync.Mutex
	regexps map[string]*regexp.Regexp
}

// New returns a Router.
func New(log *slog.Logger) *Router {
	return &Router{log: log, regexps: map[string]*regexp.Regexp{}}
}

// Select returns the route for an alert on channel. A forced route wins when
// it belongs to the channel. Otherwise routes are tried by ascending order,
// the default route last; the first match wins. Select returns nil when the
// channel has no matching route at all.
func (r *Router) Select(gdb *gorm.DB, channel *model.Channel, payload map[string]any, title string, forceRouteID *string) (*model.Route, error) {
	if forceRouteID != nil && *forceRouteID != "" {
		var forced model.Route
		err := gdb.Where("id = ? AND channel_id = ?", *forceRouteID, channel.ID).First(&forced).Error
		switch {
		case err == nil:
			return &forced, nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			r.log.Info("forced route not found, falling back to routing",
				"route_id", *forceRouteID, "channel_id", channel.ID)
		default:
			return nil, fmt.Errorf("load forced route: %w", err)
		}
	}

	var routes []model.Route
	if err := gdb.Where("channel_id = ?", channel.ID).
		Order(`is_default, "order"`).Find(&routes).Error; err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}

	var raw string
	for i := range routes {
		rt := &routes[i]
		if rt.IsDefault {
			return rt, nil
		}
		switch rt.FilteringTermType {
		case model.FilteringTemplate:
			ok, err := templating.RenderCondition(rt.FilteringTerm, payload)
			if err != nil {
				r.log.Warn("route template failed", "route_id", rt.ID, "err", err)
				continue
			}
			if ok {
				return rt, nil
			}
		default:
			if raw == "" {
				b, err := json.Marshal(payload)
				if err != nil {
					return nil, fmt.Errorf("encode payload: %w", err)
				}
				raw = string(b)
			}
			re, err := r.compile(rt.FilteringTerm)
			if err != nil {
				r.log.Warn("route regex invalid", "route_id", rt.ID, "err", err)
				continue
			}
			if re.MatchString(raw) || re.MatchString(title) {
				return rt, nil
			}
		}
	}
	return nil, nil
}

func (r *Router) compile(expr string) (*regexp.Regexp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if re, ok := r.regexps[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	r.regexps[expr] = re
	return re, nil
}
