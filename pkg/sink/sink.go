// Package sink appends exported records to a line-oriented output file.
//
// The file is only ever created or appended to, never truncated. Every
// Append is a single write followed by fsync, so after a crash the file
// holds every acknowledged batch plus at most one torn trailing line, which
// readers skip and the next Open terminates with a newline.
package sink

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	linesWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greyfinch_sink_lines_written_total",
		Help: "Total record lines appended to the output by entity",
	}, []string{"entity"})

	bytesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greyfinch_sink_bytes_written_total",
		Help: "Total bytes appended to the output",
	})
)

// Sink is an open output file.
type Sink struct {
	path   string
	logger zerolog.Logger

	mu sync.Mutex
	f  *os.File
}

// EnsureExists creates path with the header lines if it does not exist yet.
// It reports whether the file was created. An existing file is never
// modified.
func EnsureExists(path string, header []string) (bool, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create output: %w", err)
	}
	defer f.Close()

	var b bytes.Buffer
	for _, h := range header {
		for _, l := range strings.Split(h, "\n") {
			b.WriteString(commentStart + " " + l + "\n")
		}
	}
	if _, err := f.Write(b.Bytes()); err != nil {
		return true, fmt.Errorf("write header: %w", err)
	}
	if err := f.Sync(); err != nil {
		return true, fmt.Errorf("sync header: %w", err)
	}
	return true, nil
}

// Open ensures the output exists and opens it for appending. A torn last
// line left by a crash is terminated before anything new is written.
func Open(path string, header []string) (*Sink, error) {
	created, err := EnsureExists(path, header)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}

	s := &Sink{
		path:   path,
		f:      f,
		logger: log.With().Str("component", "sink").Str("path", path).Logger(),
	}
	if created {
		s.logger.Info().Msg("Created output file")
	}

	if err := s.repairTail(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) repairTail() error {
	r, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open output for tail check: %w", err)
	}
	defer r.Close()

	info, err := r.Stat()
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("read output tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	s.logger.Warn().Msg("Output ends with a torn line, terminating it")
	if _, err := s.f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("repair output tail: %w", err)
	}
	return s.f.Sync()
}

// Path returns the output file path.
func (s *Sink) Path() string {
	return s.path
}

// Append writes all lines in one write and syncs the file. Either every
// line is durable when Append returns nil, or the caller must treat the
// batch as unwritten.
func (s *Sink) Append(lines []Line) error {
	if len(lines) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, l := range lines {
		b, err := l.Format()
		if err != nil {
			return fmt.Errorf("format %s/%s: %w", l.Entity, l.ID, err)
		}
		buf.Write(b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return fmt.Errorf("append to closed output")
	}
	n, err := s.f.Write(buf.Bytes())
	if err != nil {
		return fmt.Errorf("append output: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync output: %w", err)
	}

	bytesWrittenTotal.Add(float64(n))
	for _, l := range lines {
		linesWrittenTotal.WithLabelValues(l.Entity).Inc()
	}
	return nil
}

// Size returns the current file size in bytes.
func (s *Sink) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, fmt.Errorf("stat output: %w", err)
	}
	return info.Size(), nil
}

// IDs returns the ids of all complete records of entity in the output.
func (s *Sink) IDs(entity string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	_, err := Scan(s.path, func(l Line) error {
		if l.Entity == entity {
			ids[l.ID] = struct{}{}
		}
		return nil
	})
	return ids, err
}

// Close closes the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ScanStats summarizes a file scan.
type ScanStats struct {
	Records  int
	Invalid  int
	Comments int
}

// Scan calls fn for every complete, valid record line of the file at path.
// Invalid lines and a final line without newline are counted and skipped.
// A missing file scans as empty.
func Scan(path string, fn func(Line) error) (ScanStats, error) {
	var stats ScanStats

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		raw, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return stats, fmt.Errorf("read %s: %w", path, err)
		}
		eof := err != nil

		if raw != "" {
			if eof {
				// No trailing newline: the write was torn.
				stats.Invalid++
				return stats, nil
			}
			line, ok, perr := ParseLine(raw)
			switch {
			case perr != nil:
				stats.Invalid++
			case !ok:
				stats.Comments++
			default:
				stats.Records++
				if err := fn(line); err != nil {
					return stats, err
				}
			}
		}

		if eof {
			return stats, nil
		}
	}
}
