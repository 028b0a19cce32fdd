package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bubbledrift/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportCSV_InsertOrIgnore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")

	n, err := s.ImportCSV(ctx, strings.NewReader("idx,video_id,slant\n0,A,0.1\n1,B,-0.4\n2,,0.3\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.UpsertVideos(ctx, []types.Video{{ID: "A", Title: "kept"}}))

	// Re-import with a different slant for A does not overwrite it
	n, err = s.ImportCSV(ctx, strings.NewReader("video_id,slant\nA,0.9\nC,\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := s.GetVideo(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, types.SlantOf(0.1), a.Slant)
	assert.Equal(t, "kept", a.Title)

	c, err := s.GetVideo(ctx, "C")
	require.NoError(t, err)
	assert.False(t, c.Slant.Known)
}

func TestImportCSV_BadInput(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")

	_, err := s.ImportCSV(ctx, strings.NewReader("foo,bar\n1,2\n"))
	assert.Error(t, err)

	_, err = s.ImportCSV(ctx, strings.NewReader("video_id,slant\nA,left\n"))
	assert.Error(t, err)

	// Failed import leaves no partial rows
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)
}

func TestImportCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slant_estimations.csv")
	require.NoError(t, os.WriteFile(path, []byte(abcCorpus), 0644))

	s := newTestStore(t, "")
	n, err := s.ImportCSVFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.ImportCSVFile(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
