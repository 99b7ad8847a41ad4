package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/flagsync/internal/api"
)

// InitialChangeNumber is the cursor of an empty storage.
const InitialChangeNumber int64 = -1

const splitsSnapshotName = "splits.json.zst"

type splitsSnapshot struct {
	ChangeNumber int64       `json:"changeNumber"`
	Splits       []api.Split `json:"splits"`
}

// SplitsStorage keeps flag definitions in memory behind an RWMutex, with an
// optional snapshot file.
type SplitsStorage struct {
	mu           sync.RWMutex
	splits       map[string]api.Split
	changeNumber int64

	snapshot *SnapshotFile
	logger   *zap.Logger
}

// NewSplitsStorage creates an empty storage. An empty cacheDir disables the snapshot.
func NewSplitsStorage(cacheDir string, logger *zap.Logger) (*SplitsStorage, error) {
	s := &SplitsStorage{
		splits:       make(map[string]api.Split),
		changeNumber: InitialChangeNumber,
		logger:       logger,
	}
	if cacheDir != "" {
		snap, err := NewSnapshotFile(filepath.Join(cacheDir, splitsSnapshotName))
		if err != nil {
			return nil, err
		}
		s.snapshot = snap
	}
	return s, nil
}

// ChangeNumber returns the cursor of the last applied change set.
func (s *SplitsStorage) ChangeNumber() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changeNumber
}

// Update applies a change set. Sets whose till is behind the cursor are rejected.
func (s *SplitsStorage) Update(cs *api.ChangeSet) error {
	s.mu.Lock()
	if cs.Till < s.changeNumber {
		current := s.changeNumber
		s.mu.Unlock()
		return fmt.Errorf("%w: till %d, cursor %d", ErrStaleChangeSet, cs.Till, current)
	}

	for _, split := range cs.Splits {
		if split.Status == api.SplitStatusArchived {
			delete(s.splits, split.Name)
			continue
		}
		s.splits[split.Name] = split
	}
	s.changeNumber = cs.Till
	s.mu.Unlock()

	s.persist()
	return nil
}

// Kill marks a split killed if the kill is newer than the stored definition.
func (s *SplitsStorage) Kill(name, defaultTreatment string, changeNumber int64) bool {
	s.mu.Lock()
	split, ok := s.splits[name]
	if !ok || changeNumber <= split.ChangeNumber {
		s.mu.Unlock()
		return false
	}
	split.Killed = true
	split.DefaultTreatment = defaultTreatment
	split.ChangeNumber = changeNumber
	s.splits[name] = split
	s.mu.Unlock()

	s.persist()
	return true
}

// Replace swaps the whole set, used by localhost mode.
func (s *SplitsStorage) Replace(splits []api.Split, changeNumber int64) {
	s.mu.Lock()
	s.splits = make(map[string]api.Split, len(splits))
	for _, split := range splits {
		s.splits[split.Name] = split
	}
	s.changeNumber = changeNumber
	s.mu.Unlock()
}

func (s *SplitsStorage) Get(name string) (api.Split, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	split, ok := s.splits[name]
	return split, ok
}

// GetAll returns every split sorted by name.
func (s *SplitsStorage) GetAll() []api.Split {
	s.mu.RLock()
	out := make([]api.Split, 0, len(s.splits))
	for _, split := range s.splits {
		out = append(out, split)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadFromCache restores the snapshot; it reports whether anything was loaded.
func (s *SplitsStorage) LoadFromCache() bool {
	if s.snapshot == nil {
		return false
	}

	var snap splitsSnapshot
	if err := s.snapshot.Load(&snap); err != nil {
		if !errors.Is(err, ErrNoSnapshot) {
			s.logger.Warn("failed to load splits snapshot", zap.Error(err))
		}
		return false
	}

	s.mu.Lock()
	for _, split := range snap.Splits {
		s.splits[split.Name] = split
	}
	s.changeNumber = snap.ChangeNumber
	s.mu.Unlock()

	s.logger.Info("splits loaded from cache",
		zap.Int64("changeNumber", snap.ChangeNumber),
		zap.Int("splits", len(snap.Splits)),
	)
	return true
}

func (s *SplitsStorage) persist() {
	if s.snapshot == nil {
		return
	}
	snap := splitsSnapshot{ChangeNumber: s.ChangeNumber(), Splits: s.GetAll()}
	if err := s.snapshot.Save(&snap); err != nil {
		s.logger.Warn("failed to persist splits snapshot", zap.Error(err))
	}
}
