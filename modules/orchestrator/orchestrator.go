// Package orchestrator fans one source image out to a generation call per
// angle and tracks every item's lifecycle:
//
//	Loading -> Success | Failed
//	Success | Failed -> Loading (explicit retry)
//
// Each in-flight call owns exactly one position of the current batch. A
// completion whose batch has since been replaced or discarded is dropped.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"multi-angle-studio/modules/angles"
	"multi-angle-studio/modules/common/metrics"
	"multi-angle-studio/modules/common/model"
	"multi-angle-studio/modules/generation"
)

var (
	ErrNoAngles        = errors.New("no angles requested")
	ErrNoSource        = errors.New("no source image")
	ErrNoBatch         = errors.New("no generation batch")
	ErrInvalidPosition = errors.New("invalid item position")
	ErrItemBusy        = errors.New("item is already generating")
)

// Orchestrator owns the current batch of one session.
type Orchestrator struct {
	gen      generation.Generator
	observer Observer
	sem      *semaphore.Weighted
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time

	// emitMu serializes transition+publish so observers see events in the
	// order the transitions happened. Always taken before mu.
	emitMu sync.Mutex
	mu     sync.RWMutex
	cur    *batch

	inflight sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver sets the event sink.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithMaxConcurrency bounds simultaneous generation calls. n <= 0 means unbounded.
func WithMaxConcurrency(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithMetrics records generation outcomes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// WithClock replaces time.Now for item and batch timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator without a batch.
func New(gen generation.Generator, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gen:    gen,
		logger: logger.With(zap.String("component", "orchestrator")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartBatch replaces the current batch with one Loading item per angle and
// launches every generation call. The returned snapshot and the
// batch_started event both show all items Loading.
//
// Calls are detached from ctx cancellation: once issued they run to
// completion (or to the generator's own timeout).
func (o *Orchestrator) StartBatch(ctx context.Context, src model.SourceImage, specs []angles.AngleSpec) (Snapshot, error) {
	if len(specs) == 0 {
		return Snapshot{}, ErrNoAngles
	}
	if src.IsEmpty() {
		return Snapshot{}, ErrNoSource
	}

	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	now := o.now()
	b := newBatch(uuid.New().String(), src, specs, now)

	o.mu.Lock()
	prev := o.cur
	o.cur = b
	snap := b.snapshot()
	o.mu.Unlock()

	if prev != nil {
		o.logger.Info("🔄 [Orchestrator] Previous batch replaced",
			zap.String("previous", prev.id),
			zap.String("batch", b.id))
	}

	o.metrics.RecordBatchStarted(len(specs))
	o.logger.Info("🚀 [Orchestrator] Batch started",
		zap.String("batch", b.id),
		zap.Int("items", len(specs)))

	// 모든 아이템이 Loading인 상태를 한 번에 발행한 뒤에만 호출 시작
	o.publish(Event{Type: EventBatchStarted, BatchID: b.id, Items: snap.Items, At: now})

	callCtx := context.WithoutCancel(ctx)
	for i := range b.items {
		o.launch(callCtx, b, i, b.items[i].AngleID, b.items[i].PromptFragment)
	}

	return snap, nil
}

// RetryItem re-issues the call for one position with its stored prompt
// fragment. The previous error and image are cleared immediately. Retrying
// an item that is still Loading is rejected with ErrItemBusy.
func (o *Orchestrator) RetryItem(ctx context.Context, position int) (Item, error) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	b := o.cur
	if b == nil {
		o.mu.Unlock()
		return Item{}, ErrNoBatch
	}
	if !b.validPosition(position) {
		o.mu.Unlock()
		return Item{}, ErrInvalidPosition
	}
	it := &b.items[position]
	if it.Status == model.StatusLoading {
		o.mu.Unlock()
		return Item{}, ErrItemBusy
	}

	it.Status = model.StatusLoading
	it.Error = ""
	it.Image = nil
	it.Attempts++
	it.UpdatedAt = o.now()
	updated := copyItem(*it)
	angleID, fragment := it.AngleID, it.PromptFragment
	o.mu.Unlock()

	o.metrics.RecordRetry()
	o.logger.Info("🔁 [Orchestrator] Retrying item",
		zap.String("batch", b.id),
		zap.Int("position", position),
		zap.String("angle", angleID),
		zap.Int("attempt", updated.Attempts))

	evItem := updated
	o.publish(Event{Type: EventItemUpdated, BatchID: b.id, Item: &evItem, At: updated.UpdatedAt})

	o.launch(context.WithoutCancel(ctx), b, position, angleID, fragment)
	return updated, nil
}

// Discard drops the current batch. Calls still in flight finish but their
// results are ignored.
func (o *Orchestrator) Discard() {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	b := o.cur
	o.cur = nil
	o.mu.Unlock()

	if b == nil {
		return
	}
	o.logger.Info("🗑️ [Orchestrator] Batch discarded", zap.String("batch", b.id))
	o.publish(Event{Type: EventBatchDiscarded, BatchID: b.id, At: o.now()})
}

// Snapshot returns a copy of the current batch. Without a batch the snapshot
// has no items and is not complete.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.cur == nil {
		return Snapshot{Items: []Item{}}
	}
	return o.cur.snapshot()
}

// Wait blocks until every issued call has returned and been applied, or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) launch(ctx context.Context, b *batch, position int, angleID, fragment string) {
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()

		if o.sem != nil {
			if err := o.sem.Acquire(ctx, 1); err != nil {
				o.complete(b, position, angleID, model.ImageResult{}, err, 0)
				return
			}
			defer o.sem.Release(1)
		}

		start := time.Now()
		res, err := o.gen.Generate(ctx, b.src, fragment)
		o.complete(b, position, angleID, res, err, time.Since(start))
	}()
}

// complete applies one call's outcome to its own position, and only if b is
// still the current batch.
func (o *Orchestrator) complete(b *batch, position int, angleID string, res model.ImageResult, err error, elapsed time.Duration) {
	outcome := string(model.StatusSuccess)
	if err != nil {
		outcome = string(generation.AsFailure(err).Kind)
	}
	o.metrics.RecordGeneration(angleID, outcome, elapsed)

	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	if o.cur != b {
		o.mu.Unlock()
		o.metrics.RecordStaleCompletion()
		o.logger.Debug("⏭️ [Orchestrator] Stale completion dropped",
			zap.String("batch", b.id),
			zap.Int("position", position))
		return
	}

	now := o.now()
	it := &b.items[position]
	if err != nil {
		it.Status = model.StatusFailed
		it.Error = generation.AsFailure(err).Reason
		it.Image = nil
	} else {
		img := res
		it.Status = model.StatusSuccess
		it.Error = ""
		it.Image = &img
	}
	it.UpdatedAt = now
	updated := copyItem(*it)

	finished := !b.completed && b.allTerminal()
	var counts Counts
	if finished {
		b.completed = true
		b.completedAt = now
		counts = b.counts()
	}
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("❌ [Orchestrator] Item failed",
			zap.String("batch", b.id),
			zap.Int("position", position),
			zap.String("angle", angleID),
			zap.String("reason", updated.Error))
	} else {
		o.logger.Info("✅ [Orchestrator] Item completed",
			zap.String("batch", b.id),
			zap.Int("position", position),
			zap.String("angle", angleID))
	}

	o.publish(Event{Type: EventItemUpdated, BatchID: b.id, Item: &updated, At: now})

	if finished {
		o.logger.Info("🏁 [Orchestrator] Batch completed",
			zap.String("batch", b.id),
			zap.Int("success", counts.Success),
			zap.Int("failed", counts.Failed),
			zap.Duration("elapsed", now.Sub(b.startedAt)))
		o.publish(Event{Type: EventBatchCompleted, BatchID: b.id, Counts: &counts, At: now})
	}
}

func (o *Orchestrator) publish(ev Event) {
	if o.observer == nil {
		return
	}
	o.observer(ev)
}
