// Package mutationq persists write requests that could not reach the origin
// and replays them in arrival order once connectivity returns.
package mutationq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offline0/internal/metrics"
)

// ErrDrainHalted is wrapped by Drain when a replay fails and the remaining
// records of the category were left in place.
var ErrDrainHalted = errors.New("drain halted")

// Replayer re-issues a stored record. A nil error means the origin accepted it.
type Replayer interface {
	Replay(ctx context.Context, rec Record) error
}

type ReplayerFunc func(ctx context.Context, rec Record) error

func (f ReplayerFunc) Replay(ctx context.Context, rec Record) error { return f(ctx, rec) }

// DrainResult summarizes one category drain.
type DrainResult struct {
	Category  string
	Replayed  int
	Remaining int
	Err       error
}

// Queue is the offline mutation queue.
//
// Drain stops at the first failed replay and leaves that record at the head
// of its category. A record the origin always rejects therefore blocks every
// record behind it until it is removed with Remove.
type Queue struct {
	backend  Backend
	replayer Replayer
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(q *Queue) { q.metrics = m } }

func New(backend Backend, replayer Replayer, log *zap.Logger, opts ...Option) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		backend:  backend,
		replayer: replayer,
		log:      log,
		now:      time.Now,
		locks:    map[string]*sync.Mutex{},
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue durably appends rec to its category and returns it with the
// assigned id.
func (q *Queue) Enqueue(rec Record) (Record, error) {
	if rec.Category == "" {
		return Record{}, fmt.Errorf("record category is required")
	}
	if rec.EnqueuedAt == 0 {
		rec.EnqueuedAt = q.now().UnixNano()
	}
	stored, err := q.backend.Append(rec)
	if err != nil {
		return Record{}, fmt.Errorf("enqueue %s %s: %w", rec.Method, rec.URL, err)
	}
	q.metrics.Enqueued(stored.Category)
	q.log.Info("mutation queued",
		zap.Uint64("id", stored.ID),
		zap.String("category", stored.Category),
		zap.String("method", stored.Method),
		zap.String("url", stored.URL),
	)
	return stored, nil
}

func (q *Queue) categoryLock(category string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.locks[category]
	if !ok {
		l = &sync.Mutex{}
		q.locks[category] = l
	}
	return l
}

// Drain replays category in id order. Each record is removed only after its
// replay succeeded. Concurrent drains of the same category are serialized.
func (q *Queue) Drain(ctx context.Context, category string) (DrainResult, error) {
	l := q.categoryLock(category)
	l.Lock()
	defer l.Unlock()

	res := DrainResult{Category: category}
	pending, err := q.backend.Pending(category)
	if err != nil {
		res.Err = err
		return res, err
	}

	for i, rec := range pending {
		if err := ctx.Err(); err != nil {
			res.Remaining = len(pending) - i
			res.Err = err
			return res, err
		}
		if err := q.replayer.Replay(ctx, rec); err != nil {
			q.metrics.Replayed(category, false)
			res.Remaining = len(pending) - i
			res.Err = fmt.Errorf("%w at record %d: %w", ErrDrainHalted, rec.ID, err)
			q.log.Warn("replay failed, halting category",
				zap.String("category", category),
				zap.Uint64("id", rec.ID),
				zap.Int("remaining", res.Remaining),
				zap.Error(err),
			)
			return res, res.Err
		}
		q.metrics.Replayed(category, true)
		if err := q.backend.Remove(rec.ID); err != nil {
			// The origin already has it; a retry would replay it twice.
			res.Remaining = len(pending) - i
			res.Err = fmt.Errorf("remove record %d: %w", rec.ID, err)
			return res, res.Err
		}
		res.Replayed++
	}

	if res.Replayed > 0 {
		q.log.Info("queue drained", zap.String("category", category), zap.Int("replayed", res.Replayed))
	}
	return res, nil
}

// DrainAll drains every category that has pending records. Categories are
// independent: a halt in one does not stop the others.
func (q *Queue) DrainAll(ctx context.Context) ([]DrainResult, error) {
	cats, err := q.backend.Categories()
	if err != nil {
		return nil, err
	}

	results := make([]DrainResult, len(cats))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, c := range cats {
		g.Go(func() error {
			results[i], _ = q.Drain(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Category, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

func (q *Queue) Pending(category string) ([]Record, error) { return q.backend.Pending(category) }

func (q *Queue) Categories() ([]string, error) { return q.backend.Categories() }

// Remove drops a record without replaying it.
func (q *Queue) Remove(id uint64) error { return q.backend.Remove(id) }

// Len is the total pending count across categories, or 0 if the backend
// cannot be read.
func (q *Queue) Len() int {
	n, err := q.backend.Count()
	if err != nil {
		return 0
	}
	return n
}

func (q *Queue) Close() error { return q.backend.Close() }
