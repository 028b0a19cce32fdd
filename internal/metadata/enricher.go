package metadata

import (
	"context"
	"fmt"
	"math/rand"

	"bubbledrift/internal/types"

	"go.uber.org/zap"
)

// VideoFetcher is the subset of Fetcher the Enricher needs.
type VideoFetcher interface {
	Fetch(ctx context.Context, batch []types.Video) ([]types.Video, error)
}

// VideoStore is the subset of the video store the Enricher needs.
type VideoStore interface {
	VideosMissingMetadata(ctx context.Context) ([]types.Video, error)
	UpsertVideos(ctx context.Context, videos []types.Video) error
}

// Report summarizes one enrichment pass.
type Report struct {
	Videos      int
	Chunks      int
	Enriched    int
	Blacklisted int
	Skipped     int // videos in chunks the API rejected
}

// Enricher fills missing metadata for the whole corpus.
type Enricher struct {
	fetcher   VideoFetcher
	store     VideoStore
	batchSize int
	logger    *zap.Logger
	shuffle   func(n int, swap func(i, j int))
}

// NewEnricher creates an Enricher. batchSize is clamped to [1, MaxBatch].
func NewEnricher(fetcher VideoFetcher, store VideoStore, batchSize int, logger *zap.Logger) *Enricher {
	if batchSize <= 0 || batchSize > MaxBatch {
		batchSize = MaxBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{
		fetcher:   fetcher,
		store:     store,
		batchSize: batchSize,
		logger:    logger,
		shuffle:   rand.Shuffle,
	}
}

// Enrich fetches metadata for every non-blacklisted video without a title.
// Videos the API does not return, or returns without a title, are
// blacklisted. Each chunk is persisted before the next is fetched, so a
// fatal fetch error keeps earlier progress.
func (e *Enricher) Enrich(ctx context.Context) (Report, error) {
	vids, err := e.store.VideosMissingMetadata(ctx)
	if err != nil {
		return Report{}, err
	}
	e.shuffle(len(vids), func(i, j int) { vids[i], vids[j] = vids[j], vids[i] })

	report := Report{Videos: len(vids)}
	total := (len(vids) + e.batchSize - 1) / e.batchSize
	e.logger.Info("Building metadata", zap.Int("videos", len(vids)), zap.Int("chunks", total))

	for start := 0; start < len(vids); start += e.batchSize {
		end := min(start+e.batchSize, len(vids))
		chunk := vids[start:end]
		report.Chunks++

		fetched, err := e.fetcher.Fetch(ctx, chunk)
		if err != nil {
			return report, fmt.Errorf("fetch chunk %d/%d: %w", report.Chunks, total, err)
		}
		if fetched == nil {
			report.Skipped += len(chunk)
			e.logger.Warn("Chunk rejected by API, skipping", zap.Int("chunk", report.Chunks))
			continue
		}

		updates := resolveChunk(chunk, fetched)
		for _, v := range updates {
			if v.Blacklisted {
				report.Blacklisted++
			} else {
				report.Enriched++
			}
		}
		if err := e.store.UpsertVideos(ctx, updates); err != nil {
			return report, fmt.Errorf("store chunk %d/%d: %w", report.Chunks, total, err)
		}
		e.logger.Info("Updated chunk", zap.Int("chunk", report.Chunks), zap.Int("of", total))
	}
	return report, nil
}

// resolveChunk pairs each requested video with its fetched metadata,
// blacklisting those with none.
func resolveChunk(chunk, fetched []types.Video) []types.Video {
	byID := make(map[string]types.Video, len(fetched))
	for _, v := range fetched {
		byID[v.ID] = v
	}

	out := make([]types.Video, 0, len(chunk))
	for _, want := range chunk {
		got, ok := byID[want.ID]
		if !ok || !got.HasMetadata() {
			want.Blacklisted = true
			out = append(out, want)
			continue
		}
		out = append(out, got)
	}
	return out
}
