// Package schedule resolves who is on call in a schedule at a given time.
//
// A schedule is a set of shifts. Each shift puts one user on call for a
// fixed duration, once or repeating daily or weekly. When shifts overlap,
// the users of the highest priority layer that has any notifiable user win.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/d9705996/oncall/internal/model"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the schedule does not exist.
	ErrNotFound = errors.New("schedule not found")
	// ErrImportFailed is returned for schedules whose shifts could not be
	// imported; their on-call users are unknown.
	ErrImportFailed = errors.New("schedule import failed")
)

// Resolver looks up on-call users.
type Resolver struct{}

// NewResolver returns a Resolver.
func NewResolver() *Resolver { return &Resolver{} }

// OnCall returns the schedule and the users on call in it at at. gdb is
// normally the caller's transaction handle. The schedule is returned along
// with ErrImportFailed so callers can name it in their log records.
func (r *Resolver) OnCall(gdb *gorm.DB, scheduleID string, at time.Time) (*model.Schedule, []model.User, error) {
	var s model.Schedule
	err := gdb.First(&s, "id = ?", scheduleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load schedule: %w", err)
	}
	if s.ImportError != "" {
		return &s, nil, fmt.Errorf("%w: %s", ErrImportFailed, s.ImportError)
	}

	var shifts []model.OnCallShift
	if err := gdb.Where("schedule_id = ?", s.ID).Order("priority DESC, start, id").Find(&shifts).Error; err != nil {
		return &s, nil, fmt.Errorf("load shifts: %w", err)
	}

	layers := map[int][]string{}
	var priorities []int
	for i := range shifts {
		sh := &shifts[i]
		if !Active(sh, at) {
			continue
		}
		if _, ok := layers[sh.Priority]; !ok {
			priorities = append(priorities, sh.Priority)
		}
		layers[sh.Priority] = append(layers[sh.Priority], sh.UserID)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	for _, p := range priorities {
		users, err := notifiable(gdb, layers[p])
		if err != nil {
			return &s, nil, err
		}
		if len(users) > 0 {
			return &s, users, nil
		}
	}
	return &s, nil, nil
}

func notifiable(gdb *gorm.DB, ids []string) ([]model.User, error) {
	var found []model.User
	if err := gdb.Where("id IN ?", ids).Find(&found).Error; err != nil {
		return nil, fmt.Errorf("load on-call users: %w", err)
	}
	byID := make(map[string]model.User, len(found))
	for _, u := range found {
		byID[u.ID] = u
	}
	seen := map[string]bool{}
	var out []model.User
	for _, id := range ids {
		u, ok := byID[id]
		if !ok || seen[id] || !u.IsNotificationAllowed() {
			continue
		}
		seen[id] = true
		out = append(out, u)
	}
	return out, nil
}

func period(f model.ShiftFrequency) time.Duration {
	switch f {
	case model.FrequencyDaily:
		return 24 * time.Hour
	case model.FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Active reports whether sh puts its user on call at at. Occurrences of a
// repeating shift start every period after Start; one that starts after
// Until never happens.
func Active(sh *model.OnCallShift, at time.Time) bool {
	if at.Before(sh.Start) || sh.Duration <= 0 {
		return false
	}
	p := period(sh.Frequency)
	if p == 0 {
		return at.Before(sh.Start.Add(sh.Duration))
	}
	k := int64(at.Sub(sh.Start) / p)
	// an occurrence longer than the period may still be running
	for ; k >= 0; k-- {
		occ := sh.Start.Add(time.Duration(k) * p)
		if !at.Before(occ.Add(sh.Duration)) {
			return false
		}
		if sh.Until == nil || !occ.After(*sh.Until) {
			return true
		}
	}
	return false
}
