package regime

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tokenguard/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RulesFile 映射规则 YAML 文件。
type RulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// RulesSnapshot 公开的规则快照。
type RulesSnapshot struct {
	Version  int64     `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
	Source   string    `json:"source"`
	Rules    []Rule    `json:"rules"`
}

// RulesListener 在规则重载成功后触发。
type RulesListener func(RulesSnapshot)

// RuleRegistry 从 YAML 读取规则并在文件变化时热加载；重载失败保留旧规则。
type RuleRegistry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  RulesSnapshot
	listeners []RulesListener
}

// NewRuleRegistry loads path, or the default rules when the file does not exist.
// watch enables hot reload.
func NewRuleRegistry(path string, watch bool) (*RuleRegistry, error) {
	path = strings.TrimSpace(path)
	r := &RuleRegistry{path: path}
	if path == "" {
		r.set(DefaultRules(), "defaults")
		return r, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		logger.Warnf("regime 规则文件不存在 (%s)，使用内置默认规则", path)
		r.set(DefaultRules(), "defaults")
		return r, nil
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	if watch {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read regime rules failed: %w", err)
		}
		v.OnConfigChange(func(evt fsnotify.Event) {
			if err := r.Reload(); err != nil {
				logger.Errorf("regime rules reload failed: %v", err)
				return
			}
			r.notifyListeners()
		})
		v.WatchConfig()
		r.v = v
	}
	return r, nil
}

// Rules returns the active rule list in declaration order.
func (r *RuleRegistry) Rules() []Rule {
	return r.Snapshot().Rules
}

func (r *RuleRegistry) Snapshot() RulesSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := r.snapshot
	snap.Rules = append([]Rule(nil), r.snapshot.Rules...)
	return snap
}

func (r *RuleRegistry) OnChange(fn RulesListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Reload re-reads the rules file.
func (r *RuleRegistry) Reload() error {
	rules, err := readRulesFile(r.path)
	if err != nil {
		return err
	}
	r.set(rules, r.path)
	logger.Infof("regime rules loaded %d rules from %s", len(rules), filepath.Base(r.path))
	return nil
}

func (r *RuleRegistry) set(rules []Rule, source string) {
	r.mu.Lock()
	r.snapshot = RulesSnapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Source:   source,
		Rules:    rules,
	}
	r.mu.Unlock()
}

func (r *RuleRegistry) notifyListeners() {
	snap := r.Snapshot()
	r.mu.RLock()
	listeners := append([]RulesListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb RulesListener) {
			defer safeRecover("regime rules listener")
			cb(snap)
		}(fn)
	}
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

func readRulesFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read regime rules failed: %w", err)
	}
	var file RulesFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse regime rules failed: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("regime rules file %s declares no rules", path)
	}
	return CompileRules(file.Rules)
}
