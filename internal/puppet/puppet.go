// Package puppet implements a simulated viewer: it trains on videos near its
// starting slant, then drifts toward a target slant by following
// recommendations, recording every watch it completes.
package puppet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bubbledrift/internal/metrics"
	"bubbledrift/internal/store"
	"bubbledrift/internal/types"

	"go.uber.org/zap"
)

// ErrInvalidTransition means a phase was entered out of order or twice.
var ErrInvalidTransition = errors.New("invalid puppet state transition")

// Session plays videos for a puppet. Implementations report unplayable
// videos with types.ErrVideoUnavailable.
type Session interface {
	ConsentCheck(ctx context.Context) error
	Watch(ctx context.Context, video types.Video, dwell time.Duration) (types.WatchResult, error)
	Close() error
}

// Store is the subset of the video store a puppet reads and writes.
type Store interface {
	VideosInSlantRange(ctx context.Context, q store.RangeQuery) ([]types.Video, error)
	GetVideo(ctx context.Context, id string) (types.Video, error)
	MarkBlacklisted(ctx context.Context, ids []string) error
}

// Sink persists a finished puppet's history and returns where it went.
type Sink interface {
	Save(ctx context.Context, puppetID string, history []types.Watch) (string, error)
}

// Puppet is one simulated viewer. Only its own methods change its slant,
// state and history; the getters are safe to call from other goroutines.
type Puppet struct {
	ID          string
	TargetSlant float64

	store  Store
	logger *zap.Logger

	mu           sync.RWMutex
	currentSlant float64
	state        types.PuppetState
	history      []types.Watch
}

// New creates a puppet in the init state.
func New(id string, slant, target float64, st Store, logger *zap.Logger) *Puppet {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.SetPuppetSlant(id, slant)
	return &Puppet{
		ID:           id,
		TargetSlant:  target,
		store:        st,
		logger:       logger,
		currentSlant: slant,
		state:        types.StateInit,
	}
}

// CurrentSlant returns the puppet's current slant.
func (p *Puppet) CurrentSlant() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentSlant
}

// State returns the puppet's lifecycle state.
func (p *Puppet) State() types.PuppetState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// History returns a copy of the watch history in watch order.
func (p *Puppet) History() []types.Watch {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]types.Watch(nil), p.history...)
}

// transition moves to the state directly after the current one. Closed is
// terminal.
func (p *Puppet) transition(to types.PuppetState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if next, ok := p.state.Next(); !ok || next != to {
		return fmt.Errorf("%w: puppet %s cannot move from %s to %s", ErrInvalidTransition, p.ID, p.state, to)
	}
	p.state = to
	return nil
}

func (p *Puppet) setSlant(v float64) {
	p.mu.Lock()
	p.currentSlant = v
	p.mu.Unlock()
	metrics.SetPuppetSlant(p.ID, v)
}

// Watch plays video through session and appends the result to history.
// Recommendation slants are resolved from the store; ids the store does
// not know keep an unknown slant. types.ErrVideoUnavailable is returned
// unchanged and records nothing.
func (p *Puppet) Watch(ctx context.Context, session Session, video types.Video, dwell time.Duration) (types.Watch, error) {
	state := p.State()

	res, err := session.Watch(ctx, video, dwell)
	if err != nil {
		if errors.Is(err, types.ErrVideoUnavailable) {
			metrics.RecordWatch(string(state), "unavailable")
		}
		return types.Watch{}, err
	}

	recs := make([]types.Video, len(res.Recommendations))
	for i, rec := range res.Recommendations {
		known, err := p.store.GetVideo(ctx, rec.ID)
		switch {
		case err == nil:
			recs[i] = known
		case errors.Is(err, types.ErrNotFound):
			recs[i] = types.Video{ID: rec.ID}
		default:
			return types.Watch{}, fmt.Errorf("resolve recommendation %s: %w", rec.ID, err)
		}
	}

	p.mu.Lock()
	w := types.Watch{
		State:           state,
		PuppetID:        p.ID,
		PuppetSlant:     p.currentSlant,
		Depth:           len(p.history) + 1,
		Video:           res.Video,
		Recommendations: recs,
	}
	p.history = append(p.history, w)
	p.mu.Unlock()

	metrics.RecordWatch(string(state), "ok")
	p.logger.Info("Finished watch", zap.Stringer("watch", w))
	return w, nil
}
