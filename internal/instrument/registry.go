package instrument

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"ballast/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// fileSchema 校验品种文件的结构；kind 是封闭枚举，数值字段非负。
const fileSchema = `{
  "type": "object",
  "required": ["instruments"],
  "properties": {
    "instruments": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["kind", "tick_size", "lot_size"],
        "properties": {
          "symbol": {"type": "string"},
          "exchange": {"type": "string"},
          "currency": {"type": "string"},
          "kind": {"enum": ["equity", "future", "fx", "option"]},
          "multiplier": {"type": "number", "minimum": 0},
          "tick_size": {"type": "number", "exclusiveMinimum": 0},
          "lot_size": {"type": "number", "exclusiveMinimum": 0},
          "min_notional": {"type": "number", "minimum": 0},
          "max_weight": {"type": "number", "minimum": 0, "maximum": 1},
          "tradeable": {"type": "boolean"}
        }
      }
    }
  }
}`

var compiledFileSchema = jsonschema.MustCompileString("instruments.json", fileSchema)

type fileEntry struct {
	Spec      `yaml:",inline"`
	Tradeable *bool `yaml:"tradeable"`
}

type fileConfig struct {
	Instruments map[string]fileEntry `yaml:"instruments"`
}

// Snapshot 是某一时刻的品种全集，拷贝后对调用方只读。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Specs    map[string]Spec
}

// IDs 返回排序后的品种 ID 列表。
func (s Snapshot) IDs() []string {
	out := make([]string, 0, len(s.Specs))
	for id := range s.Specs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ChangeListener 在 registry 重载成功后触发。
type ChangeListener func(Snapshot)

// Registry 管理品种定义：启动时加载，daemon 模式下文件变更时热重载。
// 重载失败保留旧快照，调仓运行只消费运行起点的快照。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 读取品种文件并监听更新，首次加载失败直接返回错误。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("instrument registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read instruments file failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("instrument registry reload failed, keeping previous snapshot: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot 返回当前品种快照。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Spec 返回指定 ID 的品种定义。
func (r *Registry) Spec(id string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.snapshot.Specs[strings.TrimSpace(id)]
	return spec, ok
}

// OnChange 注册重载回调，回调在独立 goroutine 中执行。
func (r *Registry) OnChange(fn ChangeListener) {
	if r == nil || fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) reload() error {
	cfg, err := readInstrumentFile(r.path)
	if err != nil {
		return err
	}
	specs := make(map[string]Spec, len(cfg.Instruments))
	for id, entry := range cfg.Instruments {
		spec := entry.Spec
		spec.Tradeable = entry.Tradeable == nil || *entry.Tradeable
		if err := spec.normalize(id); err != nil {
			return err
		}
		specs[spec.ID] = spec
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Specs:    specs,
	}
	r.mu.Unlock()
	logger.Infof("instrument registry loaded %d specs from %s", len(specs), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("instrument listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Specs:    make(map[string]Spec, len(src.Specs)),
	}
	for id, spec := range src.Specs {
		dst.Specs[id] = spec
	}
	return dst
}

func readInstrumentFile(path string) (fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read instruments file failed: %w", err)
	}
	if err := validateInstrumentDoc(raw); err != nil {
		return fileConfig{}, err
	}
	var cfg fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse instruments file failed: %w", err)
	}
	return cfg, nil
}

// validateInstrumentDoc 先过 JSON Schema，再做 Go 侧归一化，坏文件在进入快照前被拒绝。
func validateInstrumentDoc(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse instruments file failed: %w", err)
	}
	jsonRaw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("instruments file not schema-checkable: %w", err)
	}
	var jsonDoc any
	if err := json.Unmarshal(jsonRaw, &jsonDoc); err != nil {
		return err
	}
	if err := compiledFileSchema.Validate(jsonDoc); err != nil {
		return fmt.Errorf("instruments file schema violation: %w", err)
	}
	return nil
}
