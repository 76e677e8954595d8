package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
)

// Result reports what a write did.
type Result int

const (
	Written Result = iota
	Skipped
)

// String returns a human-readable representation of the result
func (r Result) String() string {
	switch r {
	case Written:
		return "written"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Writer persists artifacts for one integration, skipping any write whose
// serialized content already exists at the target.
type Writer struct {
	sink        Sink
	integration string
	logger      *slog.Logger
}

// NewWriter creates a writer for integration over sink.
func NewWriter(sink Sink, integration string, logger *slog.Logger) *Writer {
	return &Writer{
		sink:        sink,
		integration: integration,
		logger:      logger,
	}
}

// Key returns the artifact key for dir and name.
func (w *Writer) Key(dir, name string) string {
	return path.Join(w.integration, dir, sanitize(name)+".json")
}

// WriteKeyed writes v to <integration>/<dir>/<key>.json unless the file
// already holds identical bytes.
func (w *Writer) WriteKeyed(ctx context.Context, dir, key string, v any) (Result, error) {
	data, err := Encode(v)
	if err != nil {
		return 0, err
	}

	target := w.Key(dir, key)
	existing, err := w.sink.Read(ctx, target)
	switch {
	case err == nil:
		if bytes.Equal(existing, data) {
			w.logger.Debug("skipping unchanged artifact", "key", target)
			return Skipped, nil
		}
	case errors.Is(err, ErrNotExist):
	default:
		return 0, fmt.Errorf("failed to read %s: %w", target, err)
	}

	if err := w.sink.Write(ctx, target, data); err != nil {
		return 0, err
	}
	w.logger.Debug("wrote artifact", "key", target, "bytes", len(data))
	return Written, nil
}

// WriteSnapshot writes v to <integration>/<dir>/<stamp>.json unless the most
// recent snapshot in dir holds identical bytes.
func (w *Writer) WriteSnapshot(ctx context.Context, dir, stamp string, v any) (Result, error) {
	data, err := Encode(v)
	if err != nil {
		return 0, err
	}

	prefix := path.Join(w.integration, dir)
	keys, err := w.sink.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	target := w.Key(dir, stamp)
	if latest := latestJSON(keys); latest != "" {
		existing, err := w.sink.Read(ctx, latest)
		if err != nil && !errors.Is(err, ErrNotExist) {
			return 0, fmt.Errorf("failed to read %s: %w", latest, err)
		}
		if err == nil && bytes.Equal(existing, data) {
			w.logger.Debug("skipping unchanged snapshot", "key", target, "latest", latest)
			return Skipped, nil
		}
	}

	if err := w.sink.Write(ctx, target, data); err != nil {
		return 0, err
	}
	w.logger.Debug("wrote snapshot", "key", target, "bytes", len(data))
	return Written, nil
}

// Encode serializes an artifact: two-space indented JSON with a trailing
// newline, no HTML escaping.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode artifact: %w", err)
	}
	return buf.Bytes(), nil
}

func latestJSON(keys []string) string {
	for i := len(keys) - 1; i >= 0; i-- {
		if strings.HasSuffix(keys[i], ".json") {
			return keys[i]
		}
	}
	return ""
}

// sanitize keeps artifact names inside their directory.
func sanitize(name string) string {
	r := strings.NewReplacer("/", "--", "\\", "--", "..", "_")
	return r.Replace(name)
}
