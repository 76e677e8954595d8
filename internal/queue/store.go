package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrMalformedStore is returned when the backing store exists but cannot be
// decoded. The queue never resets itself on this error.
var ErrMalformedStore = errors.New("queue: malformed store")

// Store is the durable backing for one integration's queue.
type Store interface {
	// Load returns the stored entries. created is true when the store did
	// not exist and was initialized empty.
	Load() (entries []Entry, created bool, err error)

	// Save replaces the stored entries.
	Save(entries []Entry) error
}

// FileStore keeps the queue as a JSON array in a single file.
type FileStore struct {
	path string
}

// QueueFileName is the file name used inside an integration's output directory.
const QueueFileName = "_queue.json"

// NewFileStore creates a store at <outputDir>/<integration>/_queue.json.
func NewFileStore(outputDir, integration string) *FileStore {
	return &FileStore{path: filepath.Join(outputDir, integration, QueueFileName)}
}

// Path returns the location of the queue file.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the queue file, creating it with an empty array when absent.
func (f *FileStore) Load() ([]Entry, bool, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		if err := f.Save([]Entry{}); err != nil {
			return nil, false, fmt.Errorf("failed to create queue file: %w", err)
		}
		return []Entry{}, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read queue file %s: %w", f.path, err)
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrMalformedStore, f.path, err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, false, nil
}

// Save writes the queue atomically: a crash mid-write leaves the previous
// file in place.
func (f *FileStore) Save(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".queue-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp queue file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write queue file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close queue file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace queue file: %w", err)
	}
	return nil
}

// MemoryStore is a non-durable Store for callers that only need the
// scheduling logic, such as dry runs and tests.
type MemoryStore struct {
	Entries []Entry
	Saves   int
	SaveErr error
}

func (m *MemoryStore) Load() ([]Entry, bool, error) {
	out := make([]Entry, len(m.Entries))
	copy(out, m.Entries)
	return out, false, nil
}

func (m *MemoryStore) Save(entries []Entry) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.Entries = make([]Entry, len(entries))
	copy(m.Entries, entries)
	m.Saves++
	return nil
}
