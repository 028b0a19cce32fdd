package history

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"bubbledrift/internal/types"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Output formats.
const (
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"
)

// Header is the CSV column order.
var Header = []string{
	"puppet_id", "puppet_state", "puppet_slant", "depth",
	"video_id", "video_slant", "recs_id", "recs_slant",
}

// Writer saves each puppet's history to <dir>/<puppet-id>.<format>. The
// file is written whole to a temporary name and renamed into place.
type Writer struct {
	dir    string
	format string
	logger *zap.Logger
}

// NewWriter creates a Writer, creating dir if needed.
func NewWriter(dir, format string, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if format == "" {
		format = FormatCSV
	}
	if format != FormatCSV && format != FormatJSONL {
		return nil, fmt.Errorf("unknown history format %q", format)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Writer{dir: dir, format: format, logger: logger}, nil
}

// Path returns where the history of puppetID is written.
func (w *Writer) Path(puppetID string) string {
	return filepath.Join(w.dir, puppetID+"."+w.format)
}

// Save writes history for puppetID and returns the file path.
func (w *Writer) Save(ctx context.Context, puppetID string, history []types.Watch) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	records := FromWatches(history)
	path := w.Path(puppetID)

	tmp, err := os.CreateTemp(w.dir, "."+puppetID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	switch w.format {
	case FormatJSONL:
		err = WriteJSONL(tmp, records)
	default:
		err = WriteCSV(tmp, records)
	}
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename into %s: %w", path, err)
	}

	w.logger.Debug("Wrote puppet history", zap.String("path", path), zap.Int("records", len(records)))
	return path, nil
}

// WriteCSV writes records with a header row. Lists are JSON arrays and an
// unknown slant is an empty cell (null inside lists).
func WriteCSV(out io.Writer, records []Record) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range records {
		ids, err := json.Marshal(r.RecsID)
		if err != nil {
			return err
		}
		slants, err := json.Marshal(r.RecsSlant)
		if err != nil {
			return err
		}
		row := []string{
			r.PuppetID,
			string(r.PuppetState),
			formatFloat(r.PuppetSlant),
			strconv.Itoa(r.Depth),
			r.VideoID,
			formatSlant(r.VideoSlant),
			string(ids),
			string(slants),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSONL writes one JSON object per record.
func WriteJSONL(out io.Writer, records []Record) error {
	enc := json.NewEncoder(out)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatSlant(s types.Slant) string {
	if !s.Known {
		return ""
	}
	return formatFloat(s.Value)
}
