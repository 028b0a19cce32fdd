// Package history flattens puppet watch histories into one row per watch
// and writes them out once per puppet.
package history

import (
	"bubbledrift/internal/types"
)

// Record is one watch as a flat row. Recommendation ids and slants are
// parallel lists.
type Record struct {
	PuppetID    string            `json:"puppet_id"`
	PuppetState types.PuppetState `json:"puppet_state"`
	PuppetSlant float64           `json:"puppet_slant"`
	Depth       int               `json:"depth"`
	VideoID     string            `json:"video_id"`
	VideoSlant  types.Slant       `json:"video_slant"`
	RecsID      []string          `json:"recs_id"`
	RecsSlant   []types.Slant     `json:"recs_slant"`
}

// FromWatch flattens one watch.
func FromWatch(w types.Watch) Record {
	r := Record{
		PuppetID:    w.PuppetID,
		PuppetState: w.State,
		PuppetSlant: w.PuppetSlant,
		Depth:       w.Depth,
		VideoID:     w.Video.ID,
		VideoSlant:  w.Video.Slant,
		RecsID:      make([]string, len(w.Recommendations)),
		RecsSlant:   make([]types.Slant, len(w.Recommendations)),
	}
	for i, rec := range w.Recommendations {
		r.RecsID[i] = rec.ID
		r.RecsSlant[i] = rec.Slant
	}
	return r
}

// FromWatches flattens a history in order.
func FromWatches(history []types.Watch) []Record {
	out := make([]Record, len(history))
	for i, w := range history {
		out[i] = FromWatch(w)
	}
	return out
}
