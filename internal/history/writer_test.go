package history

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bubbledrift/internal/types"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHistory() []types.Watch {
	return []types.Watch{
		{
			State: types.StateTraining, PuppetID: "puppet-0", PuppetSlant: -0.5, Depth: 1,
			Video: types.Video{ID: "A", Slant: types.SlantOf(-0.4), Title: "a"},
			Recommendations: []types.Video{
				{ID: "B", Slant: types.SlantOf(0.25)},
				{ID: "C"},
			},
		},
		{
			State: types.StateDrifting, PuppetID: "puppet-0", PuppetSlant: 0.125, Depth: 2,
			Video:           types.Video{ID: "B", Slant: types.SlantOf(0.25)},
			Recommendations: []types.Video{},
		},
	}
}

func TestFromWatches(t *testing.T) {
	got := FromWatches(sampleHistory())
	want := []Record{
		{
			PuppetID: "puppet-0", PuppetState: types.StateTraining, PuppetSlant: -0.5, Depth: 1,
			VideoID: "A", VideoSlant: types.SlantOf(-0.4),
			RecsID:    []string{"B", "C"},
			RecsSlant: []types.Slant{types.SlantOf(0.25), types.UnknownSlant},
		},
		{
			PuppetID: "puppet-0", PuppetState: types.StateDrifting, PuppetSlant: 0.125, Depth: 2,
			VideoID: "B", VideoSlant: types.SlantOf(0.25),
			RecsID:    []string{},
			RecsSlant: []types.Slant{},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FromWatches mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, FromWatches(sampleHistory())))

	want := strings.Join([]string{
		"puppet_id,puppet_state,puppet_slant,depth,video_id,video_slant,recs_id,recs_slant",
		`puppet-0,training,-0.5,1,A,-0.4,"[""B"",""C""]","[0.25,null]"`,
		`puppet-0,drifting,0.125,2,B,0.25,[],[]`,
		"",
	}, "\n")
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("csv mismatch (-want +got):\n%s", diff)
	}
}

func TestWriter_SaveCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "puppets")
	w, err := NewWriter(dir, FormatCSV, nil)
	require.NoError(t, err)

	path, err := w.Save(context.Background(), "puppet-0", sampleHistory())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "puppet-0.csv"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))

	// A second save replaces the file whole, leaving no temp files behind
	_, err = w.Save(context.Background(), "puppet-0", sampleHistory()[:1])
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWriter_SaveJSONL(t *testing.T) {
	w, err := NewWriter(t.TempDir(), FormatJSONL, nil)
	require.NoError(t, err)

	path, err := w.Save(context.Background(), "puppet-3", sampleHistory())
	require.NoError(t, err)
	assert.Equal(t, ".jsonl", filepath.Ext(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		got = append(got, r)
	}
	require.NoError(t, sc.Err())
	if diff := cmp.Diff(FromWatches(sampleHistory()), got); diff != "" {
		t.Errorf("jsonl mismatch (-want +got):\n%s", diff)
	}
}

func TestWriter_EmptyHistory(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "", nil)
	require.NoError(t, err)

	path, err := w.Save(context.Background(), "puppet-9", nil)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(Header, ",")+"\n", string(data))
}

func TestNewWriter_RejectsUnknownFormat(t *testing.T) {
	_, err := NewWriter(t.TempDir(), "parquet", nil)
	assert.Error(t, err)
}

func TestWriter_CanceledContext(t *testing.T) {
	w, err := NewWriter(t.TempDir(), FormatCSV, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Save(ctx, "puppet-0", sampleHistory())
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(w.Path("puppet-0"))
	assert.True(t, os.IsNotExist(statErr))
}
