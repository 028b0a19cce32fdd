package types

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// =============================================================================
// SLANT
// =============================================================================

// Slant is an optional political-lean estimate, roughly in [-1, 1].
// The zero value is an unknown slant, which is distinct from a known 0.
type Slant struct {
	Value float64
	Known bool
}

// UnknownSlant is the absent slant.
var UnknownSlant = Slant{}

// SlantOf returns a known slant with value v.
func SlantOf(v float64) Slant {
	return Slant{Value: v, Known: true}
}

// Distance returns |s - to|, or +Inf when the slant is unknown so that
// unknown slants always rank behind known ones.
func (s Slant) Distance(to float64) float64 {
	if !s.Known {
		return math.Inf(1)
	}
	return math.Abs(s.Value - to)
}

// String renders the slant, or "unknown".
func (s Slant) String() string {
	if !s.Known {
		return "unknown"
	}
	return strconv.FormatFloat(s.Value, 'g', -1, 64)
}

// MarshalJSON encodes an unknown slant as null.
func (s Slant) MarshalJSON() ([]byte, error) {
	if !s.Known {
		return []byte("null"), nil
	}
	return json.Marshal(s.Value)
}

// UnmarshalJSON accepts a number or null.
func (s *Slant) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = UnknownSlant
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode slant: %w", err)
	}
	*s = SlantOf(v)
	return nil
}

// =============================================================================
// VIDEO
// =============================================================================

// Video is one row of the corpus. ID is platform-assigned and never changes;
// Slant is fixed at import, only metadata and Blacklisted are mutated later.
type Video struct {
	ID          string   `json:"id"`
	Slant       Slant    `json:"slant"`
	Title       string   `json:"title,omitempty"`
	Channel     string   `json:"channel,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Category    string   `json:"category,omitempty"`
	Blacklisted bool     `json:"blacklisted"`
}

// HasMetadata reports whether the video has been enriched with a title.
func (v Video) HasMetadata() bool {
	return v.Title != ""
}

func (v Video) String() string {
	return fmt.Sprintf("ID: %s, slant: %s", v.ID, v.Slant)
}

// IDs returns the ids of videos in order.
func IDs(videos []Video) []string {
	ids := make([]string, len(videos))
	for i, v := range videos {
		ids[i] = v.ID
	}
	return ids
}
