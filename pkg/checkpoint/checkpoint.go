// Package checkpoint persists per-entity export progress as small JSON files.
//
// A checkpoint is written with a write-to-temp, fsync, rename sequence so a
// crash at any point leaves either the previous or the new checkpoint on
// disk, never a partial one. The exporter saves a checkpoint only after the
// batch it describes was appended to the output, so the saved offset never
// runs ahead of durable output.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkpointSavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greyfinch_checkpoint_saves_total",
		Help: "Total checkpoint saves by result",
	}, []string{"result"})

	checkpointOffset = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "greyfinch_checkpoint_offset",
		Help: "Last saved offset per entity",
	}, []string{"entity"})
)

const (
	filePrefix = "checkpoint-"
	fileSuffix = ".json"
	tmpSuffix  = ".tmp"
)

// ErrCorrupt is returned when a checkpoint file exists but cannot be trusted.
var ErrCorrupt = errors.New("corrupt checkpoint")

// Checkpoint is the durable progress record of one entity export.
type Checkpoint struct {
	EntityName   string `json:"entityName"`
	LastOffset   int    `json:"lastOffset"`
	TotalRecords int    `json:"totalRecords"`
	Completed    bool   `json:"completed"`
	FirstMarker  string `json:"firstMarker,omitempty"`
	LastMarker   string `json:"lastMarker,omitempty"`

	// Filter is the date window the export was started with.
	Filter string `json:"filter,omitempty"`

	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// IsZero reports whether no progress was ever recorded.
func (c Checkpoint) IsZero() bool {
	return c.LastOffset == 0 && c.TotalRecords == 0 && !c.Completed
}

// Validate checks the invariants a loaded checkpoint must hold.
func (c Checkpoint) Validate() error {
	if c.EntityName == "" {
		return fmt.Errorf("entity name is empty")
	}
	if c.LastOffset < 0 {
		return fmt.Errorf("negative offset %d", c.LastOffset)
	}
	if c.TotalRecords < 0 {
		return fmt.Errorf("negative record count %d", c.TotalRecords)
	}
	return nil
}

// ExtendMarkers widens the marker range to include m. Empty markers are
// ignored; markers compare lexicographically.
func (c *Checkpoint) ExtendMarkers(m string) {
	if m == "" {
		return
	}
	if c.FirstMarker == "" || m < c.FirstMarker {
		c.FirstMarker = m
	}
	if c.LastMarker == "" || m > c.LastMarker {
		c.LastMarker = m
	}
}

// FileStore keeps one checkpoint file per entity in a directory.
type FileStore struct {
	dir string
	now func() time.Time
}

// NewFileStore creates the directory if needed and returns a store.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Dir returns the checkpoint directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the checkpoint file path of an entity.
func (s *FileStore) Path(entity string) string {
	return filepath.Join(s.dir, filePrefix+entity+fileSuffix)
}

// Load reads the checkpoint of an entity. A missing file yields the zero
// checkpoint for that entity. An unreadable or invalid file yields an error
// wrapping ErrCorrupt.
func (s *FileStore) Load(entity string) (Checkpoint, error) {
	data, err := os.ReadFile(s.Path(entity))
	if errors.Is(err, fs.ErrNotExist) {
		return Checkpoint{EntityName: entity}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", entity, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w %s: %v", ErrCorrupt, entity, err)
	}
	if cp.EntityName == "" {
		cp.EntityName = entity
	}
	if cp.EntityName != entity {
		return Checkpoint{}, fmt.Errorf("%w %s: file names entity %q", ErrCorrupt, entity, cp.EntityName)
	}
	if err := cp.Validate(); err != nil {
		return Checkpoint{}, fmt.Errorf("%w %s: %v", ErrCorrupt, entity, err)
	}
	return cp, nil
}

// Save atomically replaces the checkpoint of cp.EntityName.
func (s *FileStore) Save(cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		checkpointSavesTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("save checkpoint: %w", err)
	}
	cp.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		checkpointSavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	data = append(data, '\n')

	if err := writeFileAtomic(s.Path(cp.EntityName), data); err != nil {
		checkpointSavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("save checkpoint %s: %w", cp.EntityName, err)
	}

	checkpointSavesTotal.WithLabelValues("success").Inc()
	checkpointOffset.WithLabelValues(cp.EntityName).Set(float64(cp.LastOffset))
	return nil
}

// Delete removes the checkpoint of an entity. A missing file is not an error.
func (s *FileStore) Delete(entity string) error {
	err := os.Remove(s.Path(entity))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete checkpoint %s: %w", entity, err)
	}
	return nil
}

// List loads every checkpoint in the directory, sorted by entity name.
// Corrupt files are returned with their error in the second map.
func (s *FileStore) List() ([]Checkpoint, map[string]error, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var (
		out     []Checkpoint
		corrupt = make(map[string]error)
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		entity := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		cp, err := s.Load(entity)
		if err != nil {
			corrupt[entity] = err
			continue
		}
		out = append(out, cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EntityName < out[j].EntityName })
	return out, corrupt, nil
}

// writeFileAtomic writes data to path via a synced temp file and rename,
// then syncs the directory so the rename itself is durable.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}
