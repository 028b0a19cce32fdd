// Package metadata enriches stored videos with snippet metadata from the
// YouTube Data API, rotating through API keys as quotas run out.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"bubbledrift/internal/metrics"
	"bubbledrift/internal/types"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// MaxBatch is the most ids one videos.list request accepts.
const MaxBatch = 50

const (
	// DefaultMaxRetries is the transient failure budget when Options.MaxRetries is 0.
	DefaultMaxRetries = 5

	// NoRetries makes the first transient failure fatal.
	NoRetries = -1
)

var (
	// ErrQuotaExhausted means every configured key hit its quota.
	ErrQuotaExhausted = errors.New("api quota exhausted")

	// ErrMaxRetriesExceeded means cumulative transient failures passed the limit.
	ErrMaxRetriesExceeded = errors.New("max api retries exceeded")

	// ErrBatchTooLarge means the caller did not chunk the batch.
	ErrBatchTooLarge = errors.New("batch too large")
)

// Options configures a Fetcher.
type Options struct {
	APIKeys           []string
	Endpoint          string // defaults to the public API
	HTTPClient        *http.Client
	MaxRetries        int // 0 means DefaultMaxRetries, NoRetries disables retrying
	Backoff           time.Duration
	RequestsPerSecond float64 // <= 0 disables pacing
	Logger            *zap.Logger
}

// rotation is the fetcher's shared mutable state: the active key and the
// cumulative transient failure count.
type rotation struct {
	mu          sync.Mutex
	keys        []string
	index       int
	failures    int
	maxFailures int
}

// current returns the active key and its index; ok is false once every key
// is exhausted.
func (r *rotation) current() (idx int, key string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index >= len(r.keys) {
		return r.index, "", false
	}
	return r.index, r.keys[r.index], true
}

// advance moves past the key at index from. A caller whose key was already
// rotated away by a concurrent request does not advance again. Reports
// whether a usable key remains.
func (r *rotation) advance(from int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index == from {
		r.index++
	}
	return r.index < len(r.keys)
}

// recordFailure counts one transient failure and reports whether another
// retry is allowed.
func (r *rotation) recordFailure() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	return r.failures, r.failures <= r.maxFailures
}

// Fetcher calls videos.list. Concurrent calls share the key rotation and
// failure budget.
type Fetcher struct {
	service *youtube.Service
	rot     *rotation
	backoff time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewFetcher builds a Fetcher. At least one API key is required.
func NewFetcher(ctx context.Context, opts Options) (*Fetcher, error) {
	if len(opts.APIKeys) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}

	// Keys are attached per call so rotation does not rebuild the client.
	clientOpts := []option.ClientOption{option.WithHTTPClient(opts.HTTPClient)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := youtube.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &Fetcher{
		service: svc,
		rot: &rotation{
			keys:        append([]string(nil), opts.APIKeys...),
			maxFailures: opts.MaxRetries,
		},
		backoff: opts.Backoff,
		limiter: rate.NewLimiter(limit, 1),
		logger:  opts.Logger,
	}, nil
}

// KeyIndex returns the index of the active API key.
func (f *Fetcher) KeyIndex() int {
	f.rot.mu.Lock()
	defer f.rot.mu.Unlock()
	return f.rot.index
}

// Failures returns the cumulative transient failure count.
func (f *Fetcher) Failures() int {
	f.rot.mu.Lock()
	defer f.rot.mu.Unlock()
	return f.rot.failures
}

// Fetch returns metadata for batch. Returned videos keep the slant of the
// matching input video; ids missing from the response are simply absent.
// A bad-request response yields (nil, nil). Connection failures and 5xx
// responses are retried against the cumulative failure budget.
func (f *Fetcher) Fetch(ctx context.Context, batch []types.Video) ([]types.Video, error) {
	if len(batch) > MaxBatch {
		return nil, fmt.Errorf("%w: %d ids (max %d)", ErrBatchTooLarge, len(batch), MaxBatch)
	}
	if len(batch) == 0 {
		return []types.Video{}, nil
	}

	ids := types.IDs(batch)
	for {
		idx, key, ok := f.rot.current()
		if !ok {
			return nil, ErrQuotaExhausted
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := f.service.Videos.List([]string{"snippet"}).
			Id(ids...).
			Context(ctx).
			Do(googleapi.QueryParameter("key", key))
		if err == nil {
			f.logger.Debug("Fetched metadata", zap.Int("requested", len(ids)), zap.Int("items", len(resp.Items)))
			metrics.RecordMetadataRequest("ok")
			return toVideos(batch, resp.Items), nil
		}

		var apiErr *googleapi.Error
		isAPIErr := errors.As(err, &apiErr)
		switch {
		case isAPIErr && apiErr.Code == http.StatusForbidden:
			metrics.RecordMetadataRequest("quota")
			f.logger.Warn("API key reached quota", zap.Int("key_index", idx))
			if !f.rot.advance(idx) {
				return nil, fmt.Errorf("%w: %d keys tried", ErrQuotaExhausted, len(f.rot.keys))
			}
			metrics.RecordKeyRotation()

		case isAPIErr && apiErr.Code == http.StatusBadRequest:
			metrics.RecordMetadataRequest("bad_request")
			f.logger.Warn("Bad request", zap.Strings("ids", ids), zap.Error(err))
			return nil, nil

		case isAPIErr && apiErr.Code < http.StatusInternalServerError:
			metrics.RecordMetadataRequest("error")
			f.logger.Warn("Unexpected API response", zap.Int("status", apiErr.Code), zap.Error(err))
			return nil, nil

		case ctx.Err() != nil:
			return nil, ctx.Err()

		default:
			metrics.RecordMetadataRequest("transient")
			n, retry := f.rot.recordFailure()
			if !retry {
				return nil, fmt.Errorf("%w after %d failures: %v", ErrMaxRetriesExceeded, n, err)
			}
			f.logger.Warn("Transient error, retrying",
				zap.Int("failures", n), zap.Duration("backoff", f.backoff), zap.Error(err))
			if err := sleep(ctx, f.backoff); err != nil {
				return nil, err
			}
		}
	}
}

func toVideos(batch []types.Video, items []*youtube.Video) []types.Video {
	slants := make(map[string]types.Slant, len(batch))
	for _, v := range batch {
		slants[v.ID] = v.Slant
	}

	vids := make([]types.Video, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		slant, ok := slants[item.Id]
		if !ok {
			continue
		}
		v := types.Video{ID: item.Id, Slant: slant}
		if sn := item.Snippet; sn != nil {
			v.Title = sn.Title
			v.Channel = sn.ChannelTitle
			v.Description = sn.Description
			v.Tags = sn.Tags
			v.Category = sn.CategoryId
		}
		vids = append(vids, v)
	}
	return vids
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
