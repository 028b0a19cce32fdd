package puppet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"bubbledrift/internal/metrics"
	"bubbledrift/internal/store"
	"bubbledrift/internal/types"

	"go.uber.org/zap"
)

// ErrUnavailableStreak ends a drift whose current video stayed unavailable
// for MaxUnavailableStreak consecutive attempts.
var ErrUnavailableStreak = errors.New("video unavailable too many times in a row")

// TrainOptions parameterizes Train.
type TrainOptions struct {
	SlantMargin float64
	Depth       int
	Dwell       time.Duration
}

// DefaultTrainOptions returns the standard training phase.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{SlantMargin: 0.2, Depth: 100, Dwell: 30 * time.Second}
}

// DriftOptions parameterizes Drift.
type DriftOptions struct {
	SeedMargin float64
	Depth      int
	Dwell      time.Duration

	// MaxUnavailableStreak bounds retries of one unavailable video.
	// 0 retries until the video plays or ctx ends.
	MaxUnavailableStreak int
}

// DefaultDriftOptions returns the standard drift phase.
func DefaultDriftOptions() DriftOptions {
	return DriftOptions{SeedMargin: 0.2, Depth: 200, Dwell: 30 * time.Second}
}

// TrainReport accounts for every sampled training candidate.
type TrainReport struct {
	Sampled     int
	Watched     int
	Blacklisted []string
}

// Train watches Depth videos sampled around the current slant. Unavailable
// candidates are skipped and blacklisted together once the loop ends.
// The current slant is never changed.
func (p *Puppet) Train(ctx context.Context, session Session, opts TrainOptions) (TrainReport, error) {
	if err := p.transition(types.StateTraining); err != nil {
		return TrainReport{}, err
	}
	if opts.Depth <= 0 {
		return TrainReport{}, nil
	}

	slant := p.CurrentSlant()
	low, high := slant-opts.SlantMargin, slant+opts.SlantMargin
	p.logger.Info("Fetching train videos in slant range", zap.Float64("low", low), zap.Float64("high", high))

	candidates, err := p.store.VideosInSlantRange(ctx, store.RangeQuery{
		Low:                low,
		High:               high,
		ExcludeBlacklisted: true,
		SampleSize:         opts.Depth,
	})
	if err != nil {
		return TrainReport{}, fmt.Errorf("sample training videos: %w", err)
	}

	report := TrainReport{Sampled: len(candidates)}
	for _, vid := range candidates {
		if _, err := p.Watch(ctx, session, vid, opts.Dwell); err != nil {
			if !errors.Is(err, types.ErrVideoUnavailable) {
				return report, err
			}
			report.Blacklisted = append(report.Blacklisted, vid.ID)
			continue
		}
		report.Watched++
	}

	if len(report.Blacklisted) > 0 {
		if err := p.store.MarkBlacklisted(ctx, report.Blacklisted); err != nil {
			return report, fmt.Errorf("blacklist unavailable training videos: %w", err)
		}
		p.logger.Info("Blacklisted unavailable videos", zap.Strings("ids", report.Blacklisted))
	}
	return report, nil
}

// Drift walks recommendations from a seed video near the current slant.
// After each successful watch the slant becomes (target - current) / Depth
// and the recommendation closest to it is watched next. An unavailable
// video is retried without counting a step. Drift returns
// types.ErrNoViableNextVideo when no recommendation has a known slant.
func (p *Puppet) Drift(ctx context.Context, session Session, opts DriftOptions) error {
	if err := p.transition(types.StateDrifting); err != nil {
		return err
	}
	if opts.Depth <= 0 {
		return nil
	}

	slant := p.CurrentSlant()
	low, high := slant-opts.SeedMargin, slant+opts.SeedMargin
	p.logger.Info("Fetching drift seed video in slant range", zap.Float64("low", low), zap.Float64("high", high))

	seeds, err := p.store.VideosInSlantRange(ctx, store.RangeQuery{
		Low:                low,
		High:               high,
		Exclude:            watchedIDs(p.History()),
		ExcludeBlacklisted: true,
		SampleSize:         1,
	})
	if err != nil {
		return fmt.Errorf("sample drift seed: %w", err)
	}

	next := seeds[0]
	streak := 0
	for step := 0; step < opts.Depth; {
		if err := ctx.Err(); err != nil {
			return err
		}

		w, err := p.Watch(ctx, session, next, opts.Dwell)
		if err != nil {
			if !errors.Is(err, types.ErrVideoUnavailable) {
				return err
			}
			streak++
			if opts.MaxUnavailableStreak > 0 && streak >= opts.MaxUnavailableStreak {
				if err := p.store.MarkBlacklisted(ctx, []string{next.ID}); err != nil {
					return fmt.Errorf("blacklist %s: %w", next.ID, err)
				}
				return fmt.Errorf("%w: %s after %d attempts", ErrUnavailableStreak, next.ID, streak)
			}
			continue
		}
		streak = 0
		step++

		updated := (p.TargetSlant - p.CurrentSlant()) / float64(opts.Depth)
		p.setSlant(updated)

		if step == opts.Depth {
			break
		}
		next, err = selectNext(w.Recommendations, updated)
		if err != nil {
			metrics.RecordDriftEarlyStop()
			return fmt.Errorf("drift step %d: %w", step, err)
		}
		p.logger.Info("Up next video", zap.String("video", next.ID), zap.Stringer("slant", next.Slant))
	}
	return nil
}

// selectNext returns the recommendation whose slant is nearest to slant.
// Ties go to the earliest; unknown slants never win.
func selectNext(recs []types.Video, slant float64) (types.Video, error) {
	best, bestDist := -1, math.Inf(1)
	for i, rec := range recs {
		if d := rec.Slant.Distance(slant); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return types.Video{}, types.ErrNoViableNextVideo
	}
	return recs[best], nil
}

// RunOptions groups both phases.
type RunOptions struct {
	Train TrainOptions
	Drift DriftOptions
}

// DefaultRunOptions returns the standard phases.
func DefaultRunOptions() RunOptions {
	return RunOptions{Train: DefaultTrainOptions(), Drift: DefaultDriftOptions()}
}

// Run performs a full puppet lifecycle: consent, train, drift, save. The
// session is closed on every path. A drift that ends early still saves the
// shorter history. Returns the location the sink wrote to.
func (p *Puppet) Run(ctx context.Context, session Session, sink Sink, opts RunOptions) (path string, err error) {
	p.logger.Info("Running sock-puppet", zap.String("puppet", p.ID),
		zap.Float64("slant", p.CurrentSlant()), zap.Float64("target", p.TargetSlant))

	defer func() {
		if cerr := session.Close(); cerr != nil {
			p.logger.Warn("Closing session failed", zap.Error(cerr))
			if err == nil {
				err = fmt.Errorf("close session: %w", cerr)
			}
		}
		metrics.RecordPuppetRun(err == nil)
	}()

	if err := session.ConsentCheck(ctx); err != nil {
		p.logger.Warn("Consent check failed", zap.Error(err))
	}

	p.logger.Info("Initialising training")
	report, err := p.Train(ctx, session, opts.Train)
	if err != nil {
		return "", fmt.Errorf("train: %w", err)
	}
	p.logger.Info("Training finished", zap.Int("sampled", report.Sampled),
		zap.Int("watched", report.Watched), zap.Int("blacklisted", len(report.Blacklisted)))

	p.logger.Info("Initialising drifting")
	if err := p.Drift(ctx, session, opts.Drift); err != nil {
		if !errors.Is(err, types.ErrNoViableNextVideo) && !errors.Is(err, ErrUnavailableStreak) {
			return "", fmt.Errorf("drift: %w", err)
		}
		p.logger.Warn("Drift ended early", zap.Error(err))
	}

	p.logger.Info("Finished run. Saving...")
	path, err = sink.Save(ctx, p.ID, p.History())
	if err != nil {
		return "", fmt.Errorf("save history: %w", err)
	}
	if err := p.transition(types.StateClosed); err != nil {
		return "", err
	}
	p.logger.Info("Puppet data saved. Closing...", zap.String("path", path))
	return path, nil
}

func watchedIDs(history []types.Watch) []string {
	ids := make([]string, len(history))
	for i, w := range history {
		ids[i] = w.Video.ID
	}
	return ids
}
