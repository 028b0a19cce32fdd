package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bubbledrift/internal/puppet"
	"bubbledrift/internal/store"
	"bubbledrift/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var defaultPairs = []Pair{{-1, 0}, {-0.5, 0}, {0, 1}, {0.5, 0}, {1, 0}}

func TestPlanBatch(t *testing.T) {
	specs, err := PlanBatch(10, defaultPairs)
	require.NoError(t, err)
	require.Len(t, specs, 10)

	for i, s := range specs {
		assert.Equal(t, fmt.Sprintf("puppet-%d", i), s.ID)
		assert.Equal(t, defaultPairs[i%5].Initial, s.InitialSlant)
		assert.Equal(t, defaultPairs[i%5].Target, s.TargetSlant)
	}
	assert.Equal(t, Spec{ID: "puppet-7", InitialSlant: 0, TargetSlant: 1}, specs[7])
}

func TestPlanBatch_Invalid(t *testing.T) {
	_, err := PlanBatch(7, defaultPairs)
	assert.Error(t, err)
	_, err = PlanBatch(0, defaultPairs)
	assert.Error(t, err)
	_, err = PlanBatch(3, nil)
	assert.Error(t, err)
}

// stubSession plays everything and recommends nothing.
type stubSession struct {
	closed atomic.Bool
	before func(ctx context.Context)
}

func (s *stubSession) ConsentCheck(ctx context.Context) error { return nil }

func (s *stubSession) Watch(ctx context.Context, v types.Video, d time.Duration) (types.WatchResult, error) {
	if s.before != nil {
		s.before(ctx)
	}
	return types.WatchResult{Video: v, Recommendations: []types.Video{}}, nil
}

func (s *stubSession) Close() error {
	s.closed.Store(true)
	return nil
}

type memSink struct {
	mu    sync.Mutex
	saved map[string]int
}

func (m *memSink) Save(ctx context.Context, id string, h []types.Watch) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]int{}
	}
	m.saved[id] = len(h)
	return "mem://" + id, nil
}

func seededStore(t *testing.T) *store.VideoStore {
	t.Helper()
	s, err := store.NewVideoStore(":memory:", "sqlite3", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var b strings.Builder
	b.WriteString("video_id,slant\n")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "v%02d,%g\n", i, -1+float64(i)*0.05)
	}
	_, err = s.ImportCSV(context.Background(), strings.NewReader(b.String()))
	require.NoError(t, err)
	return s
}

func quickRun() puppet.RunOptions {
	return puppet.RunOptions{
		Train: puppet.TrainOptions{SlantMargin: 0.2, Depth: 2},
		Drift: puppet.DriftOptions{SeedMargin: 0.2, Depth: 3},
	}
}

func newTestOrchestrator(t *testing.T, factory SessionFactory, sink puppet.Sink, maxConcurrent int) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Store:         seededStore(t),
		Sink:          sink,
		NewSession:    factory,
		Run:           quickRun(),
		MaxConcurrent: maxConcurrent,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	return o
}

func TestRunBatch_AllSucceed(t *testing.T) {
	var sessions sync.Map
	factory := func(ctx context.Context, id string, l *zap.Logger) (puppet.Session, error) {
		s := &stubSession{}
		sessions.Store(id, s)
		return s, nil
	}
	sink := &memSink{}
	o := newTestOrchestrator(t, factory, sink, 0)

	specs, err := PlanBatch(5, defaultPairs)
	require.NoError(t, err)
	results, err := o.RunBatch(context.Background(), specs)
	require.NoError(t, err)
	require.Len(t, results, 5)

	for i, r := range results {
		assert.Equal(t, specs[i].ID, r.ID)
		assert.NoError(t, r.Err)
		assert.Equal(t, "mem://"+r.ID, r.Path)
		// two training watches, then the seed watch ends drift early
		assert.Equal(t, 3, r.Watches)
		assert.Equal(t, 3, sink.saved[r.ID])

		s, ok := sessions.Load(r.ID)
		require.True(t, ok)
		assert.True(t, s.(*stubSession).closed.Load())
	}
}

func TestRunBatch_FailuresAreReportedPerPuppet(t *testing.T) {
	boom := errors.New("chrome did not start")
	factory := func(ctx context.Context, id string, l *zap.Logger) (puppet.Session, error) {
		if id == "puppet-1" || id == "puppet-3" {
			return nil, boom
		}
		return &stubSession{}, nil
	}
	o := newTestOrchestrator(t, factory, &memSink{}, 0)

	specs, err := PlanBatch(5, defaultPairs)
	require.NoError(t, err)
	results, err := o.RunBatch(context.Background(), specs)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var failed []string
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.ID)
		} else {
			assert.NotEmpty(t, r.Path)
		}
	}
	assert.Equal(t, []string{"puppet-1", "puppet-3"}, failed)

	var pe *PuppetError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, []string{"puppet-1", "puppet-3"}, pe.ID)
	assert.Contains(t, err.Error(), "puppet puppet-1")
	assert.Contains(t, err.Error(), "puppet puppet-3")
}

func TestRunBatch_FailureDoesNotCancelSiblings(t *testing.T) {
	failed := make(chan struct{})
	var siblingCtxErr atomic.Value
	factory := func(ctx context.Context, id string, l *zap.Logger) (puppet.Session, error) {
		if id == "puppet-0" {
			defer close(failed)
			return nil, errors.New("boom")
		}
		return &stubSession{before: func(ctx context.Context) {
			<-failed
			if err := ctx.Err(); err != nil {
				siblingCtxErr.Store(err)
			}
		}}, nil
	}
	o := newTestOrchestrator(t, factory, &memSink{}, 0)

	results, err := o.RunBatch(context.Background(), []Spec{
		{ID: "puppet-0", InitialSlant: 0, TargetSlant: 1},
		{ID: "puppet-1", InitialSlant: 0, TargetSlant: 1},
	})
	require.Error(t, err)
	assert.Nil(t, siblingCtxErr.Load())
	assert.NoError(t, results[1].Err)
	assert.Equal(t, 3, results[1].Watches)
}

func TestRunBatch_RespectsConcurrencyLimit(t *testing.T) {
	var active, peak atomic.Int32
	factory := func(ctx context.Context, id string, l *zap.Logger) (puppet.Session, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return &closingSession{stubSession: &stubSession{}, onClose: func() { active.Add(-1) }}, nil
	}
	o := newTestOrchestrator(t, factory, &memSink{}, 2)

	specs, err := PlanBatch(10, defaultPairs)
	require.NoError(t, err)
	_, err = o.RunBatch(context.Background(), specs)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

type closingSession struct {
	*stubSession
	onClose func()
}

func (c *closingSession) Close() error {
	c.onClose()
	return c.stubSession.Close()
}

func TestRunBatch_DuplicateIDs(t *testing.T) {
	o := newTestOrchestrator(t, func(ctx context.Context, id string, l *zap.Logger) (puppet.Session, error) {
		return &stubSession{}, nil
	}, &memSink{}, 0)

	_, err := o.RunBatch(context.Background(), []Spec{{ID: "a"}, {ID: "a"}})
	assert.Error(t, err)
}

func TestRunBatch_PuppetLoggerFailure(t *testing.T) {
	o := newTestOrchestrator(t, func(ctx context.Context, id string, l *zap.Logger) (puppet.Session, error) {
		return &stubSession{}, nil
	}, &memSink{}, 0)
	o.opts.PuppetLogger = func(id string) (*zap.Logger, error) {
		return nil, errors.New("read-only filesystem")
	}

	results, err := o.RunBatch(context.Background(), []Spec{{ID: "puppet-0"}})
	require.Error(t, err)
	assert.ErrorContains(t, results[0].Err, "read-only filesystem")
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
