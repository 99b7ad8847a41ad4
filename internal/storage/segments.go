package storage

import (
	"errors"
	"net/url"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type mySegmentsSnapshot struct {
	UserKey  string   `json:"userKey"`
	Segments []string `json:"segments"`
}

// MySegmentsStorage holds the segment membership of a single user key.
type MySegmentsStorage struct {
	userKey string

	mu       sync.RWMutex
	segments map[string]struct{}

	snapshot *SnapshotFile
	logger   *zap.Logger
}

func NewMySegmentsStorage(userKey, cacheDir string, logger *zap.Logger) (*MySegmentsStorage, error) {
	s := &MySegmentsStorage{
		userKey:  userKey,
		segments: make(map[string]struct{}),
		logger:   logger,
	}
	if cacheDir != "" {
		name := "mysegments_" + url.PathEscape(userKey) + ".json.zst"
		snap, err := NewSnapshotFile(filepath.Join(cacheDir, name))
		if err != nil {
			return nil, err
		}
		s.snapshot = snap
	}
	return s, nil
}

func (s *MySegmentsStorage) UserKey() string {
	return s.userKey
}

// Set replaces the full membership set.
func (s *MySegmentsStorage) Set(segments []string) {
	s.mu.Lock()
	s.segments = make(map[string]struct{}, len(segments))
	for _, name := range segments {
		s.segments[name] = struct{}{}
	}
	s.mu.Unlock()

	s.persist()
}

func (s *MySegmentsStorage) Contains(segment string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.segments[segment]
	return ok
}

// GetAll returns the membership sorted by name.
func (s *MySegmentsStorage) GetAll() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.segments))
	for name := range s.segments {
		out = append(out, name)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

func (s *MySegmentsStorage) LoadFromCache() bool {
	if s.snapshot == nil {
		return false
	}

	var snap mySegmentsSnapshot
	if err := s.snapshot.Load(&snap); err != nil {
		if !errors.Is(err, ErrNoSnapshot) {
			s.logger.Warn("failed to load my segments snapshot", zap.Error(err))
		}
		return false
	}
	if snap.UserKey != s.userKey {
		return false
	}

	s.mu.Lock()
	for _, name := range snap.Segments {
		s.segments[name] = struct{}{}
	}
	s.mu.Unlock()

	s.logger.Info("my segments loaded from cache", zap.Int("segments", len(snap.Segments)))
	return true
}

func (s *MySegmentsStorage) persist() {
	if s.snapshot == nil {
		return
	}
	snap := mySegmentsSnapshot{UserKey: s.userKey, Segments: s.GetAll()}
	if err := s.snapshot.Save(&snap); err != nil {
		s.logger.Warn("failed to persist my segments snapshot", zap.Error(err))
	}
}
