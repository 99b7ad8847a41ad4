package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// SnapshotFile persists a JSON document compressed with zstd. Writes go to a
// temp file and are renamed into place.
type SnapshotFile struct {
	path string

	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewSnapshotFile(path string) (*SnapshotFile, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &SnapshotFile{path: path, enc: enc, dec: dec}, nil
}

func (s *SnapshotFile) Path() string {
	return s.path
}

// Save encodes v and atomically replaces the file.
func (s *SnapshotFile) Save(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	s.mu.Lock()
	compressed := s.enc.EncodeAll(raw, nil)
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("creating directories: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, compressed, 0600); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Load decodes the file into v. A missing file yields ErrNoSnapshot.
func (s *SnapshotFile) Load(v any) error {
	compressed, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNoSnapshot
	}
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}

	s.mu.Lock()
	raw, err := s.dec.DecodeAll(compressed, nil)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("decompress snapshot: %w", err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return nil
}

// Close releases encoder resources.
func (s *SnapshotFile) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc.Close()
	s.dec.Close()
}
