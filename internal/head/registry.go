package head

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-biadapt/internal/atomicfile"
)

const (
	filePrefix   = "prediction_head"
	configSuffix = "_config.json"
	weightsExt   = ".bin"
)

// Config is the persisted description of a head. Params holds the head
// specific part.
type Config struct {
	Name            string          `json:"name"`
	TaskName        string          `json:"task_name"`
	LabelList       []string        `json:"label_list,omitempty"`
	Metric          string          `json:"metric,omitempty"`
	LabelTensorName string          `json:"label_tensor_name,omitempty"`
	LM1OutputType   string          `json:"lm1_output_type,omitempty"`
	LM2OutputType   string          `json:"lm2_output_type,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// binding restores the task binding stored in a config.
func (c Config) binding() Binding {
	return Binding{
		TaskName:        c.TaskName,
		LabelTensorName: c.LabelTensorName,
		LabelList:       append([]string(nil), c.LabelList...),
		Metric:          c.Metric,
	}
}

func configFromBinding(name string, b *Binding, params any) (Config, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Name:            name,
		TaskName:        b.TaskName,
		LabelList:       append([]string(nil), b.LabelList...),
		Metric:          b.Metric,
		LabelTensorName: b.LabelTensorName,
		Params:          raw,
	}, nil
}

// LoaderFunc builds a head from its config. weights is nil when the head must
// be freshly initialised.
type LoaderFunc func(cfg Config, weights []byte) (Head, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]LoaderFunc{}
)

// Register makes a head type loadable by name.
func Register(name string, fn LoaderFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("head: Register called twice for " + name)
	}
	registry[name] = fn
}

// Registered returns the names of all loadable head types.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FileStem returns the file name stem of the head at index in a composition
// of count heads. Indices are zero-padded so lexicographic order is head order.
func FileStem(index, count int) string {
	width := len(fmt.Sprint(max(count-1, 0)))
	return fmt.Sprintf("%s_%0*d", filePrefix, width, index)
}

// ConfigFiles lists head config files in dir, sorted lexicographically. The
// sort order is the head order. Hidden files are skipped.
func ConfigFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.Contains(name, "config.json") || !strings.Contains(name, filePrefix) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// WeightsPath returns the weights file that belongs to a head config file.
func WeightsPath(configPath string) string {
	return strings.TrimSuffix(configPath, configSuffix) + weightsExt
}

// SaveConfig writes only the config of a head, which is all a frozen model needs.
func SaveConfig(dir, stem string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal head config: %w", err)
	}
	return atomicfile.WriteFile(filepath.Join(dir, stem+configSuffix), data, 0o644)
}

// Save writes the config and the weights of a head.
func Save(dir, stem string, h Head, cfg Config) error {
	if err := SaveConfig(dir, stem, cfg); err != nil {
		return err
	}
	weights, err := h.MarshalWeights()
	if err != nil {
		return fmt.Errorf("marshal weights for task %q: %w", cfg.TaskName, err)
	}
	if weights == nil {
		return nil
	}
	return atomicfile.WriteFile(filepath.Join(dir, stem+weightsExt), weights, 0o644)
}

// Load reads a head config and, if loadWeights is set, its weights. With
// strict set a missing weights file is an error; otherwise the head is
// freshly initialised.
func Load(configPath string, strict, loadWeights bool) (Head, Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, Config{}, fmt.Errorf("parse %s: %w", configPath, err)
	}

	registryMu.RLock()
	fn, ok := registry[cfg.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, Config{}, fmt.Errorf("unknown prediction head type %q in %s", cfg.Name, configPath)
	}

	var weights []byte
	if loadWeights {
		weights, err = os.ReadFile(WeightsPath(configPath))
		switch {
		case errors.Is(err, os.ErrNotExist) && !strict:
			log.Warn().Str("config", configPath).Msg("No weights found for prediction head, initialising")
			weights = nil
		case err != nil:
			return nil, Config{}, fmt.Errorf("read head weights: %w", err)
		}
	}

	h, err := fn(cfg, weights)
	if err != nil {
		return nil, Config{}, fmt.Errorf("load %s: %w", cfg.Name, err)
	}
	return h, cfg, nil
}
