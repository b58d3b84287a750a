package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/llm-manager/internal/domain"
)

// Program is the program-level section of the models file.
type Program struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	AliveTime            int    `yaml:"alive_time"` // minutes; 0 disables idle reap
	DevicePluginDir      string `yaml:"device_plugin_dir"`
	InterfacePluginDir   string `yaml:"interface_plugin_dir"`
	DisableGPUMonitoring bool   `yaml:"disable_gpu_monitoring"`
}

// Variant is one prioritized launch configuration of a model. Variants are
// tried in declared order; the first whose required devices are all online
// wins.
type Variant struct {
	Name            string           `yaml:"name"`
	RequiredDevices []string         `yaml:"required_devices"`
	ScriptPath      string           `yaml:"script_path"`
	MemoryMB        map[string]int64 `yaml:"memory_mb"`
}

// ModelConfig is the static declaration of one logical model.
type ModelConfig struct {
	Aliases   []string         `yaml:"aliases"`
	Mode      domain.ModelMode `yaml:"mode"`
	Port      int              `yaml:"port"`
	AutoStart bool             `yaml:"auto_start"`
	Variants  []Variant        `yaml:"variants"`
}

// PrimaryName returns aliases[0], the canonical identifier.
func (m *ModelConfig) PrimaryName() string {
	if len(m.Aliases) == 0 {
		return ""
	}
	return m.Aliases[0]
}

// AdaptiveConfig is the result of selecting the highest-priority variant
// whose required devices are all online at spawn time.
type AdaptiveConfig struct {
	Source     string
	ScriptPath string
	MemoryMB   map[string]int64
	Mode       domain.ModelMode
	Port       int
}

type modelsFile struct {
	Program Program `yaml:"program"`
	// decoded by hand: a map would lose the operator's declaration order
	Models yaml.Node `yaml:"models"`
}

type modelDecl struct {
	key string
	cfg *ModelConfig
}

// decodeModelDecls walks the models mapping node pairwise so the declared
// order survives into the index.
func decodeModelDecls(node *yaml.Node) ([]modelDecl, error) {
	if node.IsZero() {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("models section must be a mapping")
	}
	decls := make([]modelDecl, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var key string
		if err := node.Content[i].Decode(&key); err != nil {
			return nil, fmt.Errorf("model key: %w", err)
		}
		cfg := &ModelConfig{}
		if err := node.Content[i+1].Decode(cfg); err != nil {
			return nil, fmt.Errorf("model %q: %w", key, err)
		}
		decls = append(decls, modelDecl{key: key, cfg: cfg})
	}
	return decls, nil
}

// Manager loads the models file, owns the alias index, and answers
// alias-resolution and adaptive-configuration queries. Safe for concurrent
// use; Reload swaps the whole view atomically.
type Manager struct {
	path string

	mu      sync.RWMutex
	program Program
	models  map[string]*ModelConfig // keyed by primary name
	aliases map[string]string       // alias -> primary name
	order   []string                // primary names, stable order
}

// NewManager reads and validates the models file at path.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the models file. On validation failure the previous view is
// kept.
func (m *Manager) Reload() error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("op=config.Reload read %s: %w", m.path, err)
	}
	var f modelsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("op=config.Reload parse %s: %w", m.path, err)
	}
	decls, err := decodeModelDecls(&f.Models)
	if err != nil {
		return fmt.Errorf("op=config.Reload: %w", err)
	}
	models, aliases, order, err := buildIndex(decls)
	if err != nil {
		return fmt.Errorf("op=config.Reload: %w", err)
	}

	m.mu.Lock()
	m.program = f.Program
	m.models = models
	m.aliases = aliases
	m.order = order
	m.mu.Unlock()
	return nil
}

func buildIndex(in []modelDecl) (map[string]*ModelConfig, map[string]string, []string, error) {
	models := make(map[string]*ModelConfig, len(in))
	aliases := make(map[string]string)
	ports := make(map[int]string)

	var order []string
	for _, decl := range in {
		key, mc := decl.key, decl.cfg
		if mc == nil || len(mc.Aliases) == 0 {
			return nil, nil, nil, fmt.Errorf("model %q: aliases must be a non-empty list", key)
		}
		if !mc.Mode.Valid() {
			return nil, nil, nil, fmt.Errorf("model %q: unknown mode %q", key, mc.Mode)
		}
		if mc.Port <= 0 {
			return nil, nil, nil, fmt.Errorf("model %q: port must be positive", key)
		}
		if other, dup := ports[mc.Port]; dup {
			return nil, nil, nil, fmt.Errorf("model %q: port %d already used by %q", key, mc.Port, other)
		}
		if len(mc.Variants) == 0 {
			return nil, nil, nil, fmt.Errorf("model %q: at least one variant is required", key)
		}
		for i, v := range mc.Variants {
			if v.ScriptPath == "" {
				return nil, nil, nil, fmt.Errorf("model %q: variant %d has no script_path", key, i)
			}
		}
		primary := mc.Aliases[0]
		for _, alias := range mc.Aliases {
			if prev, dup := aliases[alias]; dup {
				return nil, nil, nil, fmt.Errorf("alias %q declared for both %q and %q", alias, prev, primary)
			}
			aliases[alias] = primary
		}
		ports[mc.Port] = key
		models[primary] = mc
		order = append(order, primary)
	}
	return models, aliases, order, nil
}

// Dir returns the directory containing the models file; children are spawned
// with it as working directory.
func (m *Manager) Dir() string {
	abs, err := filepath.Abs(m.path)
	if err != nil {
		return filepath.Dir(m.path)
	}
	return filepath.Dir(abs)
}

// Program returns the program-level section.
func (m *Manager) Program() Program {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.program
}

// AliveTime returns the idle-reap threshold; zero disables reaping.
func (m *Manager) AliveTime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.program.AliveTime) * time.Minute
}

// ResolvePrimary maps an alias to its primary name.
func (m *Manager) ResolvePrimary(alias string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	primary, ok := m.aliases[alias]
	return primary, ok
}

// ModelNames returns all primary names in stable order.
func (m *Manager) ModelNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Model returns the static config for a primary name.
func (m *Manager) Model(primary string) (*ModelConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.models[primary]
	return mc, ok
}

// AdaptiveConfig picks the first declared variant of primary whose required
// devices are all in online. Returns false when no variant qualifies.
func (m *Manager) AdaptiveConfig(primary string, online map[string]struct{}) (*AdaptiveConfig, bool) {
	m.mu.RLock()
	mc, ok := m.models[primary]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	for _, v := range mc.Variants {
		if !devicesSubset(v.RequiredDevices, online) {
			continue
		}
		return &AdaptiveConfig{
			Source:     v.Name,
			ScriptPath: NormalizePath(v.ScriptPath),
			MemoryMB:   v.MemoryMB,
			Mode:       mc.Mode,
			Port:       mc.Port,
		}, true
	}
	return nil, false
}

func devicesSubset(required []string, online map[string]struct{}) bool {
	for _, d := range required {
		if _, ok := online[d]; !ok {
			return false
		}
	}
	return true
}

// NormalizePath converts back-slashes to forward slashes on POSIX hosts and
// applies the OS-native normalization elsewhere. Launch scripts are commonly
// authored on Windows.
func NormalizePath(p string) string {
	if os.PathSeparator == '/' {
		return strings.ReplaceAll(p, `\`, "/")
	}
	return filepath.Clean(p)
}
