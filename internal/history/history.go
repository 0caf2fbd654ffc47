// Package history keeps a log of the training episodes in Parquet files, for offline analysis.
//
// Rows are buffered and written in batches: each batch goes to a new file "batch_<nanos>_<seq>.parquet",
// written first under a "tmp" sub-directory and then moved, so readers only see complete files.
package history

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultFlushEvery is the default number of rows per batch file.
const DefaultFlushEvery = 500

// EpisodeRow is the record of one completed training episode.
type EpisodeRow struct {
	Episode    int32   `parquet:"episode"`
	Score      int32   `parquet:"score"`
	Steps      int32   `parquet:"steps"`
	Lines      int32   `parquet:"lines"`
	Epsilon    float32 `parquet:"epsilon"`
	UnixMillis int64   `parquet:"unix_millis"`
}

// Writer buffers episode rows and writes them in batch files. It is safe for concurrent use.
//
// It implements trainer.EpisodeRecorder.
type Writer struct {
	dir, tmpDir string
	flushEvery  int

	mu    sync.Mutex
	rows  []EpisodeRow
	files []string
}

// NewWriter creates a Writer of batch files in dir. If flushEvery <= 0, DefaultFlushEvery is used.
func NewWriter(dir string, flushEvery int) (*Writer, error) {
	if dir == "" {
		return nil, errors.New("episode log directory is required")
	}
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	tmpDir := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", tmpDir)
	}
	return &Writer{dir: dir, tmpDir: tmpDir, flushEvery: flushEvery}, nil
}

// RecordEpisode buffers the row of an episode, and flushes the batch if it is full.
func (w *Writer) RecordEpisode(episode, score, steps, lines int, epsilon float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = append(w.rows, EpisodeRow{
		Episode:    int32(episode),
		Score:      int32(score),
		Steps:      int32(steps),
		Lines:      int32(lines),
		Epsilon:    epsilon,
		UnixMillis: time.Now().UnixMilli(),
	})
	if len(w.rows) >= w.flushEvery {
		return w.flushLocked()
	}
	return nil
}

// Flush writes the buffered rows, if any, to a new batch file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close flushes the remaining rows.
func (w *Writer) Close() error {
	return w.Flush()
}

// Files returns the batch files written so far.
func (w *Writer) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.files)
}

func (w *Writer) flushLocked() error {
	if len(w.rows) == 0 {
		return nil
	}
	name := fmt.Sprintf("batch_%d_%04d.parquet", time.Now().UnixNano(), len(w.files))
	tmpPath := filepath.Join(w.tmpDir, name)
	outPath := filepath.Join(w.dir, name)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", tmpPath)
	}
	writer := parquet.NewGenericWriter[EpisodeRow](
		f,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
	)
	writer.SetKeyValueMetadata("schema", "episode_row_v1")

	var errs error
	if _, err = writer.Write(w.rows); err != nil {
		errs = multierror.Append(errs, errors.Wrapf(err, "failed to write rows to %s", tmpPath))
	}
	if err = writer.Close(); err != nil {
		errs = multierror.Append(errs, errors.Wrapf(err, "failed to close parquet writer for %s", tmpPath))
	}
	_ = f.Sync()
	if err = f.Close(); err != nil {
		errs = multierror.Append(errs, errors.Wrapf(err, "failed to close %s", tmpPath))
	}
	if errs != nil {
		_ = os.Remove(tmpPath)
		return errs
	}
	if err = os.Rename(tmpPath, outPath); err != nil {
		return errors.Wrapf(err, "failed to rename %s to %s", tmpPath, outPath)
	}
	klog.V(1).Infof("Wrote %d episodes to %s", len(w.rows), outPath)
	w.files = append(w.files, outPath)
	w.rows = w.rows[:0]
	return nil
}

// ReadDir reads all the rows of the batch files in dir, sorted by episode.
func ReadDir(dir string) ([]EpisodeRow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}
	var all []EpisodeRow
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "batch_") || !strings.HasSuffix(entry.Name(), ".parquet") {
			continue
		}
		rows, err := readFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
	}
	slices.SortStableFunc(all, func(a, b EpisodeRow) int { return int(a.Episode - b.Episode) })
	return all, nil
}

func readFile(path string) ([]EpisodeRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer func() { _ = f.Close() }()
	stat, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %s", path)
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open parquet file %s", path)
	}
	reader := parquet.NewGenericReader[EpisodeRow](pf)
	defer func() { _ = reader.Close() }()
	rows := make([]EpisodeRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return rows[:n], nil
}
