package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

// WantMemoryDump is the on-disk layout of the memory file.
type WantMemoryDump struct {
	Timestamp string         `yaml:"timestamp"`
	Wants     []*mywant.Want `yaml:"wants"`
}

// FileStore keeps every want in a single YAML memory file. The file is
// rewritten on each commit through a temp file and rename.
type FileStore struct {
	path string

	mu    sync.Mutex
	wants map[string]*mywant.Want
	log   zerolog.Logger
}

var _ mywant.Persister = (*FileStore)(nil)

// NewFileStore opens path, creating its directory when missing. An absent
// file is an empty store.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create memory directory: %w", err)
	}
	fs := &FileStore{path: path, wants: make(map[string]*mywant.Want), log: logging.For("persist")}
	dump, err := fs.read()
	if err != nil {
		return nil, err
	}
	for _, w := range dump.Wants {
		if w == nil || w.Metadata.ID == "" {
			continue
		}
		fs.wants[w.Metadata.ID] = w
	}
	return fs, nil
}

func (fs *FileStore) read() (WantMemoryDump, error) {
	var dump WantMemoryDump
	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return dump, nil
	}
	if err != nil {
		return dump, fmt.Errorf("failed to read memory file %s: %w", fs.path, err)
	}
	if err := yaml.Unmarshal(data, &dump); err != nil {
		return dump, fmt.Errorf("failed to parse memory file %s: %w", fs.path, err)
	}
	return dump, nil
}

func (fs *FileStore) Load(ctx context.Context) ([]*mywant.Want, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]*mywant.Want, 0, len(fs.wants))
	for _, w := range fs.wants {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.ID < out[j].Metadata.ID })
	return out, nil
}

func (fs *FileStore) Save(ctx context.Context, want *mywant.Want) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id := want.Metadata.ID
	if cur, ok := fs.wants[id]; ok && cur.Metadata.Version >= want.Metadata.Version {
		return nil
	}
	fs.wants[id] = want.Clone()
	return fs.flush()
}

// Delete drops id unless a newer version than the deleted one is stored.
func (fs *FileStore) Delete(ctx context.Context, id string, version int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	cur, ok := fs.wants[id]
	if !ok || cur.Metadata.Version > version {
		return nil
	}
	delete(fs.wants, id)
	return fs.flush()
}

func (fs *FileStore) Close() error {
	return nil
}

// flush must be called with fs.mu held.
func (fs *FileStore) flush() error {
	dump := WantMemoryDump{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Wants:     make([]*mywant.Want, 0, len(fs.wants)),
	}
	for _, w := range fs.wants {
		dump.Wants = append(dump.Wants, w)
	}
	sort.Slice(dump.Wants, func(i, j int) bool { return dump.Wants[i].Metadata.ID < dump.Wants[j].Metadata.ID })

	data, err := yaml.Marshal(dump)
	if err != nil {
		return fmt.Errorf("failed to marshal want memory to YAML: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(fs.path), ".memory-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp memory file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write memory file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		fs.log.Warn().Err(err).Msg("[PERSIST] sync failed")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close memory file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fs.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace memory file %s: %w", fs.path, err)
	}
	return nil
}
