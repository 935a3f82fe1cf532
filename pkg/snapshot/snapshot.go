// Package snapshot writes and reads compressed JSON diagnostic dumps —
// graph CSR snapshots, exchange-window captures, partition-assignment
// reports — by pairing pkg/writer's JSON marshalling with
// pkg/compression's pluggable Compressor.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/meshrt/meshrt/pkg/compression"
	"github.com/meshrt/meshrt/pkg/writer"
)

// Snapshot marshals values of type T to JSON and compresses the result
// before it hits disk, with whichever Compressor the caller chose.
type Snapshot[T any] struct {
	jw         *writer.JSONWriter[T]
	compressor compression.Compressor
}

// New builds a Snapshot using the given compressor.
func New[T any](c compression.Compressor) *Snapshot[T] {
	return &Snapshot[T]{jw: writer.NewJSONWriter[T](), compressor: c}
}

// Default builds a Snapshot using compression.Default() (zstd, default
// level, falling back to gzip if zstd init fails).
func Default[T any]() *Snapshot[T] {
	return New[T](compression.Default())
}

// Result reports the size win a snapshot write achieved.
type Result struct {
	Codec          string
	JSONSize       int64
	CompressedSize int64
}

// WriteToFile marshals data to JSON, compresses it, and writes the
// result to path.
func (s *Snapshot[T]) WriteToFile(data T, path string) (*Result, error) {
	var buf bytes.Buffer
	if err := s.jw.Write(data, &buf); err != nil {
		return nil, fmt.Errorf("snapshot: marshal failed: %w", err)
	}
	jsonData := buf.Bytes()

	compressed, err := s.compressor.Compress(jsonData)
	if err != nil {
		return nil, fmt.Errorf("snapshot: compress failed: %w", err)
	}

	if err := os.WriteFile(path, compressed, 0644); err != nil {
		return nil, fmt.Errorf("snapshot: write failed: %w", err)
	}

	return &Result{
		Codec:          s.compressor.Name(),
		JSONSize:       int64(len(jsonData)),
		CompressedSize: int64(len(compressed)),
	}, nil
}

// ReadFile reads path, decompresses it, and unmarshals it into a T.
func (s *Snapshot[T]) ReadFile(path string) (T, error) {
	var zero T

	raw, err := os.ReadFile(path)
	if err != nil {
		return zero, fmt.Errorf("snapshot: read failed: %w", err)
	}

	jsonData, err := s.compressor.Decompress(raw)
	if err != nil {
		return zero, fmt.Errorf("snapshot: decompress failed: %w", err)
	}

	var out T
	if err := json.Unmarshal(jsonData, &out); err != nil {
		return zero, fmt.Errorf("snapshot: unmarshal failed: %w", err)
	}
	return out, nil
}
