package worker

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/d9705996/oncall/internal/jobs"
	"gorm.io/gorm"
)

// pending is a job waiting in the local queue.
type pending struct {
	args    jobs.Args
	at      time.Time
	attempt int
	backoff *backoff.ExponentialBackOff
	seq     uint64
}

type pendingHeap []*pending

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)   { *h = append(*h, x.(*pending)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	*h = old[:n-1]
	return p
}

// Local is an in-process delayed job queue for single-node SQLite
// deployments. Jobs live in memory only; after RecoverFrom, Start rebuilds
// the timers the database remembers (see Pending). Failed jobs are retried
// with exponential backoff up to MaxAttempts.
type Local struct {
	mu       sync.Mutex
	queue    pendingHeap
	seq      uint64
	wake     chan struct{}
	handlers map[string]func(context.Context, jobs.Args) error
	periodic []periodicJob
	slots    chan struct{}
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	store    *gorm.DB

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocal returns a stopped local queue dispatching to h.
func NewLocal(h *Handlers, cfg Config, log *slog.Logger, now func() time.Time) *Local {
	if now == nil {
		now = time.Now
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	l := &Local{
		wake:     make(chan struct{}, 1),
		handlers: map[string]func(context.Context, jobs.Args) error{},
		periodic: periodic(cfg),
		slots:    make(chan struct{}, cfg.Concurrency),
		cfg:      cfg,
		log:      log,
		now:      now,
	}
	for _, hd := range h.handlers() {
		l.handlers[hd.kind] = hd.local
	}
	return l
}

// RecoverFrom makes Start re-enqueue the jobs Pending finds in gdb.
func (l *Local) RecoverFrom(gdb *gorm.DB) {
	l.store = gdb
}

// Enqueue implements jobs.Enqueuer.
func (l *Local) Enqueue(_ context.Context, args jobs.Args, at time.Time) error {
	if at.IsZero() {
		at = l.now()
	}
	l.push(&pending{args: args, at: at})
	return nil
}

func (l *Local) push(p *pending) {
	l.mu.Lock()
	l.seq++
	p.seq = l.seq
	heap.Push(&l.queue, p)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Start runs the dispatch loop and the periodic jobs until Stop.
func (l *Local) Start(ctx context.Context) error {
	if l.store != nil {
		recovered, err := Pending(ctx, l.store)
		if err != nil {
			return fmt.Errorf("recover pending jobs: %w", err)
		}
		for _, j := range recovered {
			_ = l.Enqueue(ctx, j.Args, j.At)
		}
		l.log.Info("re-enqueued persisted jobs", "count", len(recovered))
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.log.Info("worker queue running in process", "concurrency", l.cfg.Concurrency)

	for _, p := range l.periodic {
		l.wg.Add(1)
		go func(p periodicJob) {
			defer l.wg.Done()
			_ = l.Enqueue(ctx, p.args, time.Time{})
			ticker := time.NewTicker(p.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					_ = l.Enqueue(ctx, p.args, time.Time{})
				}
			}
		}(p)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.loop(ctx)
	}()
	return nil
}

// Stop ends dispatching and waits for running jobs until ctx expires.
func (l *Local) Stop(ctx context.Context) error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		next, due := l.popDue()
		if due != nil {
			select {
			case l.slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				defer func() { <-l.slots }()
				l.run(ctx, due)
			}()
			continue
		}

		wait := time.Hour
		if !next.IsZero() {
			wait = max(next.Sub(l.now()), 0)
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// popDue removes and returns the earliest due job, or reports when the
// earliest job becomes due.
func (l *Local) popDue() (time.Time, *pending) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return time.Time{}, nil
	}
	head := l.queue[0]
	if head.at.After(l.now()) {
		return head.at, nil
	}
	return time.Time{}, heap.Pop(&l.queue).(*pending)
}

func (l *Local) run(ctx context.Context, p *pending) {
	kind := p.args.Kind()
	fn, ok := l.handlers[kind]
	if !ok {
		l.log.Error("no handler for job", "kind", kind)
		return
	}
	p.attempt++
	err := fn(ctx, p.args)
	if err == nil {
		return
	}
	if p.attempt >= l.cfg.MaxAttempts || ctx.Err() != nil {
		l.log.Error("job failed permanently", "kind", kind, "attempt", p.attempt, "err", err)
		return
	}
	if p.backoff == nil {
		p.backoff = backoff.NewExponentialBackOff()
	}
	delay := p.backoff.NextBackOff()
	l.log.Warn("job failed, retrying", "kind", kind, "attempt", p.attempt, "retry_in", delay, "err", err)
	p.at = l.now().Add(delay)
	l.push(p)
}
