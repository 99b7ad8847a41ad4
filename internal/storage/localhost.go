package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/flagsync/internal/api"
)

// localhostEntry is one treatment rule of a localhost split file:
//
//	- my_feature:
//	    treatment: "on"
//	    keys: ["user-1", "user-2"]
//	    config: "{\"color\": \"red\"}"
type localhostEntry struct {
	Treatment string  `yaml:"treatment"`
	Keys      keyList `yaml:"keys"`
	Config    string  `yaml:"config"`
}

// keyList accepts either a scalar or a sequence.
type keyList []string

func (k *keyList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*k = keyList{value.Value}
		return nil
	}
	var keys []string
	if err := value.Decode(&keys); err != nil {
		return err
	}
	*k = keys
	return nil
}

type localhostCondition struct {
	Keys      []string `json:"keys"`
	Treatment string   `json:"treatment"`
}

// LocalhostLoader reads flag definitions from a YAML file into a SplitsStorage.
type LocalhostLoader struct {
	path    string
	storage *SplitsStorage
	loads   atomic.Int64
	last    []byte
	logger  *zap.Logger
}

func NewLocalhostLoader(path string, storage *SplitsStorage, logger *zap.Logger) (*LocalhostLoader, error) {
	if !isYAMLFile(path) {
		return nil, fmt.Errorf("localhost file %s must have a .yaml or .yml extension", path)
	}
	return &LocalhostLoader{path: path, storage: storage, logger: logger}, nil
}

// Load re-reads the file and replaces the storage content. It reports false
// when the file is unchanged since the previous load. Load is not safe for
// concurrent use.
func (l *LocalhostLoader) Load() (bool, error) {
	content, err := os.ReadFile(l.path)
	if err != nil {
		return false, fmt.Errorf("reading localhost file: %w", err)
	}
	if l.last != nil && bytes.Equal(content, l.last) {
		return false, nil
	}

	splits, err := ParseLocalhostSplits(content)
	if err != nil {
		return false, err
	}
	if len(splits) == 0 {
		return false, fmt.Errorf("localhost file %s has no splits", l.path)
	}

	l.storage.Replace(splits, l.loads.Add(1))
	l.last = content
	l.logger.Debug("localhost splits loaded", zap.String("path", l.path), zap.Int("splits", len(splits)))
	return true, nil
}

// ParseLocalhostSplits converts the YAML document into split definitions.
// The first entry without keys sets the default treatment.
func ParseLocalhostSplits(content []byte) ([]api.Split, error) {
	var doc []map[string]localhostEntry
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parsing localhost yaml: %w", err)
	}

	byName := make(map[string]*api.Split)
	conditions := make(map[string][]localhostCondition)
	for _, item := range doc {
		for name, entry := range item {
			split, ok := byName[name]
			if !ok {
				split = &api.Split{
					Name:             name,
					Status:           api.SplitStatusActive,
					TrafficTypeName:  "localhost",
					DefaultTreatment: "control",
				}
				byName[name] = split
			}
			if entry.Config != "" {
				if split.Configurations == nil {
					split.Configurations = make(map[string]string)
				}
				split.Configurations[entry.Treatment] = entry.Config
			}
			if len(entry.Keys) > 0 {
				conditions[name] = append(conditions[name], localhostCondition{Keys: entry.Keys, Treatment: entry.Treatment})
				continue
			}
			if split.DefaultTreatment == "control" {
				split.DefaultTreatment = entry.Treatment
			}
		}
	}

	splits := make([]api.Split, 0, len(byName))
	for name, split := range byName {
		if conds, ok := conditions[name]; ok {
			raw, err := json.Marshal(conds)
			if err != nil {
				return nil, fmt.Errorf("encoding conditions for %s: %w", name, err)
			}
			split.Conditions = raw
		}
		splits = append(splits, *split)
	}
	sort.Slice(splits, func(i, j int) bool { return splits[i].Name < splits[j].Name })
	return splits, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
