package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"multi-angle-studio/modules/angles"
	"multi-angle-studio/modules/common/model"
	"multi-angle-studio/modules/generation"
)

const (
	waitTimeout  = 2 * time.Second
	pollInterval = 2 * time.Millisecond
)

type outcome struct {
	img model.ImageResult
	err error
}

// pendingCall is one Generate invocation parked until the test resolves it.
type pendingCall struct {
	fragment string
	src      model.SourceImage
	done     chan outcome
}

func (c *pendingCall) succeed(data string) {
	c.done <- outcome{img: model.ImageResult{Data: []byte(data), MIMEType: model.GeneratedImageMIMEType}}
}

func (c *pendingCall) fail(reason string) {
	c.done <- outcome{err: &generation.Failure{Kind: generation.FailureNoImage, Reason: reason}}
}

// controlledGenerator parks every call on a channel so tests decide the
// completion order.
type controlledGenerator struct {
	calls chan *pendingCall
}

func newControlledGenerator() *controlledGenerator {
	return &controlledGenerator{calls: make(chan *pendingCall, 64)}
}

func (g *controlledGenerator) Generate(ctx context.Context, src model.SourceImage, fragment string) (model.ImageResult, error) {
	c := &pendingCall{fragment: fragment, src: src, done: make(chan outcome, 1)}
	g.calls <- c
	select {
	case o := <-c.done:
		return o.img, o.err
	case <-ctx.Done():
		return model.ImageResult{}, ctx.Err()
	}
}

// expect collects n calls keyed by prompt fragment.
func (g *controlledGenerator) expect(t require.TestingT, n int) map[string]*pendingCall {
	out := make(map[string]*pendingCall, n)
	for i := 0; i < n; i++ {
		select {
		case c := <-g.calls:
			out[c.fragment] = c
		case <-time.After(waitTimeout):
			require.FailNow(t, fmt.Sprintf("expected %d generation calls, got %d", n, i))
		}
	}
	return out
}

func (g *controlledGenerator) expectNone(t require.TestingT, within time.Duration) {
	select {
	case c := <-g.calls:
		require.FailNow(t, "unexpected generation call", c.fragment)
	case <-time.After(within):
	}
}

// recorder is an Observer that keeps every event and exposes them as a stream.
type recorder struct {
	mu     sync.Mutex
	events []Event
	stream chan Event
}

func newRecorder() *recorder {
	return &recorder{stream: make(chan Event, 256)}
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.stream <- ev
}

func (r *recorder) next(t require.TestingT) Event {
	select {
	case ev := <-r.stream:
		return ev
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for event")
		return Event{}
	}
}

func (r *recorder) nextOf(t require.TestingT, typ EventType) Event {
	ev := r.next(t)
	require.Equal(t, typ, ev.Type)
	return ev
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count(typ EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func sourceA() model.SourceImage {
	return model.SourceImage{Data: []byte("image-A"), MIMEType: "image/jpeg"}
}

func sourceB() model.SourceImage {
	return model.SourceImage{Data: []byte("image-B"), MIMEType: "image/png"}
}

func mustLookup(t *testing.T, ids ...string) []angles.AngleSpec {
	t.Helper()
	specs, err := angles.Select(ids, "")
	require.NoError(t, err)
	return specs
}

func newTestOrchestrator(gen generation.Generator, rec *recorder, opts ...Option) *Orchestrator {
	if rec != nil {
		opts = append(opts, WithObserver(rec.observe))
	}
	return New(gen, zap.NewNop(), opts...)
}

func waitIdle(t require.TestingT, o *Orchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, o.Wait(ctx))
}

var errBoom = errors.New("boom")

// fakeClock is a manually advanced clock for WithClock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// counterValue sums every series of a counter family gathered from reg.
func counterValue(t require.TestingT, reg *prometheus.Registry, name string) float64 {
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
