package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"btlab/internal/config"
	"btlab/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Profile 描述一组命名的引擎参数覆盖。
type Profile struct {
	ID          string                 `mapstructure:"id" yaml:"id"`
	Description string                 `mapstructure:"description" yaml:"description"`
	Timeframe   string                 `mapstructure:"timeframe" yaml:"timeframe"`
	Engine      map[string]interface{} `mapstructure:"engine" yaml:"engine"`
}

// FileConfig 映射 profiles。
type FileConfig struct {
	Profiles map[string]Profile `mapstructure:"profiles" yaml:"profiles"`
}

// Snapshot 公开的 profile 快照。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Profiles map[string]Profile
}

// ChangeListener 在 registry 重载时触发。
type ChangeListener func(Snapshot)

// Registry 管理参数 profile，支持热更新。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// engineOverlaySchema 约束 profile 可覆盖的引擎键与取值范围。
const engineOverlaySchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"initial_capital": {"type": "number", "exclusiveMinimum": 0},
		"fee_rate": {"type": "number", "minimum": 0, "maximum": 1},
		"slippage": {"type": "number", "minimum": 0, "maximum": 1},
		"min_order_amount": {"type": "number", "minimum": 0},
		"kelly_enabled": {"type": "boolean"},
		"kelly_fraction": {"type": "number", "minimum": 0, "maximum": 1},
		"kelly_fraction_cap": {"type": "number", "minimum": 0, "maximum": 1},
		"kelly_min_sample": {"type": "integer", "minimum": 0},
		"kelly_fallback": {"type": "number", "minimum": 0, "maximum": 1},
		"regime_window": {"type": "integer", "minimum": 2},
		"regime_lookback": {"type": "integer", "minimum": 0},
		"reproduction_tolerance_bars": {"type": "integer", "minimum": 0}
	}
}`

var overlaySchema = jsonschema.MustCompileString("engine_overlay.json", engineOverlaySchema)

// NewRegistry 读取 profile 文件并监听更新。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("profile registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read profile config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("profile reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot 返回当前 profile 集。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Profile 返回指定 ID 的 profile。
func (r *Registry) Profile(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snapshot.Profiles[strings.TrimSpace(id)]
	return p, ok
}

// OnChange 注册重载回调。
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Apply 把 profile 的覆盖项叠加到基础引擎配置上并校验结果。
func (p Profile) Apply(base config.EngineConfig) (config.EngineConfig, error) {
	out := base
	if len(p.Engine) > 0 {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &out,
			WeaklyTypedInput: true,
			TagName:          "mapstructure",
		})
		if err != nil {
			return config.EngineConfig{}, err
		}
		if err := dec.Decode(p.Engine); err != nil {
			return config.EngineConfig{}, fmt.Errorf("profile %s 参数解析失败: %w", p.ID, err)
		}
	}
	if err := out.Validate(); err != nil {
		return config.EngineConfig{}, fmt.Errorf("profile %s: %w", p.ID, err)
	}
	return out, nil
}

func (r *Registry) reload() error {
	cfg, err := readProfileFile(r.path)
	if err != nil {
		return err
	}
	profiles := make(map[string]Profile)
	for name, p := range cfg.Profiles {
		norm, err := normalizeProfile(name, p)
		if err != nil {
			return err
		}
		profiles[norm.ID] = norm
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Profiles: profiles,
	}
	r.mu.Unlock()
	logger.Infof("profile registry loaded %d profiles from %s", len(profiles), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("profile listener")
			cb(snap)
		}(fn)
	}
}

func normalizeProfile(name string, p Profile) (Profile, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		p.ID = strings.TrimSpace(name)
	}
	p.Description = strings.TrimSpace(p.Description)
	p.Timeframe = strings.TrimSpace(p.Timeframe)
	if len(p.Engine) > 0 {
		overlay, err := normalizeOverlay(p.Engine)
		if err != nil {
			return Profile{}, fmt.Errorf("profile %s engine 覆盖非法: %w", p.ID, err)
		}
		if err := overlaySchema.Validate(overlay); err != nil {
			return Profile{}, fmt.Errorf("profile %s engine 覆盖非法: %w", p.ID, err)
		}
	}
	return p, nil
}

// normalizeOverlay 过 JSON 一轮，把 yaml 解出的 map[interface{}]interface{} 归一成 schema 可校验的结构。
func normalizeOverlay(overlay map[string]interface{}) (interface{}, error) {
	raw, err := yaml.Marshal(overlay)
	if err != nil {
		return nil, err
	}
	var tmp interface{}
	if err := yaml.Unmarshal(raw, &tmp); err != nil {
		return nil, err
	}
	jsonRaw, err := json.Marshal(tmp)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(jsonRaw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Profiles: make(map[string]Profile, len(src.Profiles)),
	}
	for id, p := range src.Profiles {
		dst.Profiles[id] = p
	}
	return dst
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

func readProfileFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read profile config failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse profile config failed: %w", err)
	}
	return cfg, nil
}
