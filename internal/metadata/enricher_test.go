package metadata

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"bubbledrift/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	missing  []types.Video
	upserted [][]types.Video
	err      error
}

func (m *memStore) VideosMissingMetadata(ctx context.Context) ([]types.Video, error) {
	return append([]types.Video(nil), m.missing...), nil
}

func (m *memStore) UpsertVideos(ctx context.Context, videos []types.Video) error {
	if m.err != nil {
		return m.err
	}
	m.upserted = append(m.upserted, videos)
	return nil
}

// scriptedFetcher answers from a title table; chunks listed in reject get
// the bad-request (nil) result and failAt returns an error on that call.
type scriptedFetcher struct {
	titles map[string]string
	calls  int
	reject map[int]bool
	failAt int
	sizes  []int
}

func (f *scriptedFetcher) Fetch(ctx context.Context, batch []types.Video) ([]types.Video, error) {
	f.calls++
	f.sizes = append(f.sizes, len(batch))
	if f.failAt == f.calls {
		return nil, ErrQuotaExhausted
	}
	if f.reject[f.calls] {
		return nil, nil
	}
	out := []types.Video{}
	for _, v := range batch {
		if title, ok := f.titles[v.ID]; ok {
			v.Title = title
			out = append(out, v)
		}
	}
	return out, nil
}

func noShuffle(e *Enricher) *Enricher {
	e.shuffle = func(int, func(i, j int)) {}
	return e
}

func corpus(n int) []types.Video {
	vids := make([]types.Video, n)
	for i := range vids {
		vids[i] = types.Video{ID: fmt.Sprintf("v%03d", i), Slant: types.SlantOf(0)}
	}
	return vids
}

func TestEnrich_ChunksAndBlacklists(t *testing.T) {
	st := &memStore{missing: corpus(5)}
	f := &scriptedFetcher{titles: map[string]string{
		"v000": "zero", "v002": "two", "v003": "", "v004": "four",
	}}
	e := noShuffle(NewEnricher(f, st, 2, nil))

	report, err := e.Enrich(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 1}, f.sizes)
	assert.Equal(t, Report{Videos: 5, Chunks: 3, Enriched: 3, Blacklisted: 2}, report)

	var all []types.Video
	for _, chunk := range st.upserted {
		all = append(all, chunk...)
	}
	require.Len(t, all, 5)
	blacklisted := map[string]bool{}
	for _, v := range all {
		blacklisted[v.ID] = v.Blacklisted
	}
	// v001 missing from response, v003 returned without a title
	assert.Equal(t, map[string]bool{
		"v000": false, "v001": true, "v002": false, "v003": true, "v004": false,
	}, blacklisted)
}

func TestEnrich_SkipsRejectedChunk(t *testing.T) {
	st := &memStore{missing: corpus(4)}
	f := &scriptedFetcher{titles: map[string]string{"v002": "two"}, reject: map[int]bool{1: true}}
	e := noShuffle(NewEnricher(f, st, 2, nil))

	report, err := e.Enrich(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	require.Len(t, st.upserted, 1)
	assert.Equal(t, []string{"v002", "v003"}, types.IDs(st.upserted[0]))
}

func TestEnrich_FatalErrorKeepsProgress(t *testing.T) {
	st := &memStore{missing: corpus(6)}
	f := &scriptedFetcher{titles: map[string]string{}, failAt: 2}
	e := noShuffle(NewEnricher(f, st, 3, nil))

	report, err := e.Enrich(context.Background())
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 2, report.Chunks)
	assert.Len(t, st.upserted, 1)
}

func TestEnrich_StoreError(t *testing.T) {
	boom := errors.New("disk full")
	st := &memStore{missing: corpus(1), err: boom}
	e := noShuffle(NewEnricher(&scriptedFetcher{}, st, 50, nil))

	_, err := e.Enrich(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestNewEnricher_ClampsBatch(t *testing.T) {
	e := NewEnricher(&scriptedFetcher{}, &memStore{}, 500, nil)
	assert.Equal(t, MaxBatch, e.batchSize)
}
