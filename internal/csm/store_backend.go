package csm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	recordExt  = ".csm"
	tmpExt     = ".tmp"
	stagedExt  = ".moving"
	recordPerm = 0644
)

// recordBackend persists one blob per impression id. Implementations are
// safe for concurrent use on distinct ids; the Store serializes each id.
type recordBackend interface {
	// load returns the size of every persisted record
	load() (map[string]int64, error)
	read(id string) ([]byte, error)
	write(id string, data []byte) error
	// stage moves a record aside so it no longer counts as stored
	stage(id string) error
	// commit discards a staged record
	commit(id string) error
	// restore puts a staged record back
	restore(id string) error
	durable() bool
}

// dirBackend stores each record in its own file, named by the sha256 of the
// impression id so that any id fits the filename limit. The id itself is
// recovered from the record body on load. Writes go to a temp file that is
// fsynced and renamed over the target.
type dirBackend struct {
	dir string
}

func newDirBackend(dir string) (*dirBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metric directory: %w", err)
	}
	return &dirBackend{dir: dir}, nil
}

func (b *dirBackend) durable() bool { return true }

func (b *dirBackend) path(id string) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:])+recordExt)
}

func (b *dirBackend) load() (map[string]int64, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list metric directory: %w", err)
	}

	sizes := make(map[string]int64, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(b.dir, name)

		switch {
		case strings.HasSuffix(name, tmpExt):
			// Interrupted write; the target still holds the previous version
			os.Remove(full)
			continue
		case strings.HasSuffix(name, stagedExt):
			// Interrupted relocation: put the record back, the queue may now
			// hold a duplicate which the backend tolerates
			target := strings.TrimSuffix(full, stagedExt)
			if err := os.Rename(full, target); err != nil {
				continue
			}
			name = filepath.Base(target)
		case !strings.HasSuffix(name, recordExt):
			continue
		}

		full = filepath.Join(b.dir, name)
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		// A record whose id cannot be recovered can never be addressed again
		record, err := decodeMetric(data)
		if err != nil || b.path(record.ImpressionID) != full {
			os.Remove(full)
			continue
		}
		sizes[record.ImpressionID] = int64(len(data))
	}
	return sizes, nil
}

func (b *dirBackend) read(id string) ([]byte, error) {
	data, err := os.ReadFile(b.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errRecordNotFound
	}
	return data, err
}

func (b *dirBackend) write(id string, data []byte) error {
	target := b.path(id)
	tmp, err := os.CreateTemp(b.dir, filepath.Base(target)+".*"+tmpExt)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (b *dirBackend) stage(id string) error {
	p := b.path(id)
	return os.Rename(p, p+stagedExt)
}

func (b *dirBackend) commit(id string) error {
	err := os.Remove(b.path(id) + stagedExt)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (b *dirBackend) restore(id string) error {
	p := b.path(id)
	return os.Rename(p+stagedExt, p)
}

// memBackend is the non-durable fallback used when the metric directory
// cannot be created.
type memBackend struct {
	mu      sync.Mutex
	records map[string][]byte
	staged  map[string][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{
		records: make(map[string][]byte),
		staged:  make(map[string][]byte),
	}
}

func (b *memBackend) durable() bool { return false }

func (b *memBackend) load() (map[string]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sizes := make(map[string]int64, len(b.records))
	for id, data := range b.records {
		sizes[id] = int64(len(data))
	}
	return sizes, nil
}

func (b *memBackend) read(id string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.records[id]
	if !ok {
		return nil, errRecordNotFound
	}
	return data, nil
}

func (b *memBackend) write(id string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[id] = append([]byte(nil), data...)
	return nil
}

func (b *memBackend) stage(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.records[id]
	if !ok {
		return errRecordNotFound
	}
	b.staged[id] = data
	delete(b.records, id)
	return nil
}

func (b *memBackend) commit(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.staged, id)
	return nil
}

func (b *memBackend) restore(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.staged[id]
	if !ok {
		return errRecordNotFound
	}
	b.records[id] = data
	delete(b.staged, id)
	return nil
}
