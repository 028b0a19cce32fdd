// Package orchestrator plans a batch of puppets and runs them concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bubbledrift/internal/puppet"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pair is an (initial, target) slant assignment.
type Pair struct {
	Initial float64
	Target  float64
}

// Spec describes one puppet to run.
type Spec struct {
	ID           string
	InitialSlant float64
	TargetSlant  float64
}

// PlanBatch assigns pairs round-robin to n puppets named puppet-0 ...
// puppet-(n-1). n must be a positive multiple of len(pairs).
func PlanBatch(n int, pairs []Pair) ([]Spec, error) {
	if len(pairs) == 0 {
		return nil, errors.New("no slant pairs configured")
	}
	if n <= 0 || n%len(pairs) != 0 {
		return nil, fmt.Errorf("puppet count %d must be a positive multiple of %d slant pairs", n, len(pairs))
	}
	specs := make([]Spec, n)
	for i := range specs {
		p := pairs[i%len(pairs)]
		specs[i] = Spec{ID: fmt.Sprintf("puppet-%d", i), InitialSlant: p.Initial, TargetSlant: p.Target}
	}
	return specs, nil
}

// PuppetError is the failure of one puppet in a batch.
type PuppetError struct {
	ID  string
	Err error
}

func (e *PuppetError) Error() string {
	return fmt.Sprintf("puppet %s: %v", e.ID, e.Err)
}

func (e *PuppetError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one puppet.
type Result struct {
	ID       string
	Path     string // where the history was saved
	Watches  int
	Duration time.Duration
	Err      error
}

// SessionFactory opens a watch session for a puppet.
type SessionFactory func(ctx context.Context, puppetID string, logger *zap.Logger) (puppet.Session, error)

// LoggerFactory returns the logger a puppet writes to.
type LoggerFactory func(puppetID string) (*zap.Logger, error)

// Options configures an Orchestrator.
type Options struct {
	Store         puppet.Store
	Sink          puppet.Sink
	NewSession    SessionFactory
	PuppetLogger  LoggerFactory // optional
	Run           puppet.RunOptions
	MaxConcurrent int // <= 0 runs every puppet at once
	Logger        *zap.Logger
}

// Orchestrator runs batches of puppets.
type Orchestrator struct {
	opts   Options
	logger *zap.Logger
}

// New validates opts and creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Sink == nil || opts.NewSession == nil {
		return nil, errors.New("orchestrator needs a store, a sink and a session factory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{opts: opts, logger: logger}, nil
}

// RunBatch runs every spec and waits for all of them. A failing puppet
// never cancels its siblings. Results are in spec order; the error joins a
// *PuppetError for each failed puppet.
func (o *Orchestrator) RunBatch(ctx context.Context, specs []Spec) ([]Result, error) {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.ID == "" || seen[s.ID] {
			return nil, fmt.Errorf("puppet ids must be unique and non-empty: %q", s.ID)
		}
		seen[s.ID] = true
	}

	runID := uuid.NewString()
	logger := o.logger.With(zap.String("run_id", runID))
	logger.Info("Starting batch", zap.Int("puppets", len(specs)), zap.Int("max_concurrent", o.opts.MaxConcurrent))

	var g errgroup.Group
	if o.opts.MaxConcurrent > 0 {
		g.SetLimit(o.opts.MaxConcurrent)
	}

	results := make([]Result, len(specs))
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			results[i] = o.runOne(ctx, runID, spec)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, &PuppetError{ID: r.ID, Err: r.Err})
		}
	}
	logger.Info("Batch finished", zap.Int("puppets", len(specs)), zap.Int("failed", len(errs)))
	return results, errors.Join(errs...)
}

func (o *Orchestrator) runOne(ctx context.Context, runID string, spec Spec) Result {
	start := time.Now()
	res := Result{ID: spec.ID}

	logger := o.logger.Named(spec.ID)
	if o.opts.PuppetLogger != nil {
		l, err := o.opts.PuppetLogger(spec.ID)
		if err != nil {
			res.Err = fmt.Errorf("open puppet log: %w", err)
			return res
		}
		logger = l
	}
	logger = logger.With(zap.String("run_id", runID))

	session, err := o.opts.NewSession(ctx, spec.ID, logger)
	if err != nil {
		res.Err = fmt.Errorf("open session: %w", err)
		logger.Error("Puppet failed", zap.Error(res.Err))
		return res
	}

	p := puppet.New(spec.ID, spec.InitialSlant, spec.TargetSlant, o.opts.Store, logger)
	res.Path, res.Err = p.Run(ctx, session, o.opts.Sink, o.opts.Run)
	res.Watches = len(p.History())
	res.Duration = time.Since(start)

	if res.Err != nil {
		logger.Error("Puppet failed", zap.Error(res.Err), zap.Duration("duration", res.Duration))
	} else {
		logger.Info("Puppet finished", zap.String("path", res.Path),
			zap.Int("watches", res.Watches), zap.Duration("duration", res.Duration))
	}
	return res
}
