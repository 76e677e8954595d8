package output

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotExist is returned by Sink.Read for keys that have never been written.
var ErrNotExist = errors.New("output: object does not exist")

// Sink stores artifacts under slash-separated keys such as
// "wahoo/workouts/2024-01-01.json".
type Sink interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error

	// List returns the keys directly under prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)
}

// LocalSink stores artifacts on the local file system below Root.
type LocalSink struct {
	Root string
}

// NewLocalSink creates a sink rooted at dir.
func NewLocalSink(dir string) *LocalSink {
	return &LocalSink{Root: dir}
}

func (s *LocalSink) path(key string) string {
	return filepath.Join(s.Root, filepath.FromSlash(key))
}

func (s *LocalSink) Read(_ context.Context, key string) ([]byte, error) {
	raw, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotExist
	}
	return raw, err
}

func (s *LocalSink) Write(_ context.Context, key string, data []byte) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", key, err)
	}
	return nil
}

func (s *LocalSink) List(_ context.Context, prefix string) ([]string, error) {
	dir := s.path(strings.TrimSuffix(prefix, "/"))
	items, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	keys := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() || strings.HasSuffix(item.Name(), ".tmp") {
			continue
		}
		keys = append(keys, path.Join(strings.TrimSuffix(prefix, "/"), item.Name()))
	}
	sort.Strings(keys)
	return keys, nil
}
