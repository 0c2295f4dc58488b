package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotStarted is returned by a feed whose plugin is not running.
var ErrNotStarted = errors.New("plugin is not started")

// Manager tracks registered plugins and drives their lifecycle.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string]*instance
	loader    Loader
	resources map[string]any
	defaults  Policy
}

type instance struct {
	mu     sync.Mutex
	id     string
	plugin Plugin
	info   Info
	state  State
	config map[string]any
}

// Option configures a Manager.
type Option func(*Manager)

// WithLoader overrides the shared-object loader.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithResource exposes a host value to every plugin.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key != "" && value != nil {
			m.resources[key] = value
		}
	}
}

// NewManager loads every enabled plugin in cfg.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry:  make(map[string]*instance),
		loader:    GoPluginLoader{},
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
	}
	for _, opt := range opts {
		opt(m)
	}
	ids := make([]string, 0, len(cfg.Plugins))
	for id := range cfg.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		pc := cfg.Plugins[id]
		if !pc.Enabled {
			continue
		}
		path := pc.Path
		if cfg.Dir != "" && !filepath.IsAbs(path) && !strings.HasPrefix(path, BuiltinPrefix) {
			path = filepath.Join(cfg.Dir, path)
		}
		policy := m.defaults
		if pc.Policy != nil {
			policy = pc.Policy.Merge(m.defaults)
		}
		if err := m.Load(id, path, pc.Config, policy); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Load resolves path with the loader and registers the result.
func (m *Manager) Load(id, path string, cfg map[string]any, policy Policy) error {
	p, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load plugin %s from %s: %w", id, path, err)
	}
	return m.Register(id, p, cfg, policy)
}

// Register adds an instantiated plugin under id.
func (m *Manager) Register(id string, p Plugin, cfg map[string]any, policy Policy) error {
	if id == "" {
		return errors.New("plugin id cannot be empty")
	}
	if p == nil {
		return fmt.Errorf("plugin %s is nil", id)
	}
	info := p.Info()
	if info.ID == "" {
		info.ID = id
	}
	if info.ID != id {
		return fmt.Errorf("plugin id mismatch: %s != %s", info.ID, id)
	}
	if info.Category == TypeFeed {
		if _, ok := p.(Feed); !ok {
			return fmt.Errorf("plugin %s declares category feed but does not implement Fetch", id)
		}
	}
	if err := policy.Check(info); err != nil {
		return err
	}
	cfg = cloneMap(cfg)
	if err := p.Configure(cfg); err != nil {
		return fmt.Errorf("configure plugin %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return fmt.Errorf("plugin %s already registered", id)
	}
	m.registry[id] = &instance{id: id, plugin: p, info: info, state: StateRegistered, config: cfg}
	return nil
}

// IDs returns the registered plugin ids in order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked()
}

// Start initialises the plugin on first use and starts it.
func (m *Manager) Start(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state == StateStarted {
		return nil
	}
	exec := &ExecutionContext{C: ctx, Config: inst.config, Resources: m.resources}
	if inst.state == StateRegistered {
		if err := inst.plugin.Init(exec.Clone()); err != nil {
			return fmt.Errorf("initialise plugin %s: %w", id, err)
		}
		inst.state = StateInitialised
	}
	if err := inst.plugin.Start(exec.Clone()); err != nil {
		return fmt.Errorf("start plugin %s: %w", id, err)
	}
	inst.state = StateStarted
	return nil
}

// Stop halts a running plugin.
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StateStarted {
		return nil
	}
	exec := &ExecutionContext{C: ctx, Config: inst.config, Resources: m.resources}
	if err := inst.plugin.Stop(exec.Clone()); err != nil {
		return fmt.Errorf("stop plugin %s: %w", id, err)
	}
	inst.state = StateStopped
	return nil
}

// StartAll starts every plugin. On failure the plugins already started are
// stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	var started []string
	for _, id := range m.IDs() {
		if err := m.Start(ctx, id); err != nil {
			for _, s := range started {
				_ = m.Stop(ctx, s)
			}
			return err
		}
		started = append(started, id)
	}
	return nil
}

// StopAll stops every running plugin and joins the errors.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.IDs() {
		errs = append(errs, m.Stop(ctx, id))
	}
	return errors.Join(errs...)
}

// State returns the lifecycle state of a plugin.
func (m *Manager) State(id string) (State, error) {
	inst, err := m.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state, nil
}

// FeedProvider exposes a feed plugin under its plugin id.
type FeedProvider struct {
	inst *instance
}

// Name returns the plugin id, used as the feed name.
func (f FeedProvider) Name() string { return f.inst.id }

// Fetch forwards to the plugin while it is started.
func (f FeedProvider) Fetch(ctx context.Context, query string) (string, error) {
	f.inst.mu.Lock()
	started := f.inst.state == StateStarted
	f.inst.mu.Unlock()
	if !started {
		return "", fmt.Errorf("feed %s: %w", f.inst.id, ErrNotStarted)
	}
	return f.inst.plugin.(Feed).Fetch(ctx, query)
}

// Feeds returns a provider for every registered feed plugin, in id order.
func (m *Manager) Feeds() []FeedProvider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []FeedProvider
	for _, id := range m.sortedLocked() {
		inst := m.registry[id]
		if inst.info.Category == TypeFeed {
			out = append(out, FeedProvider{inst: inst})
		}
	}
	return out
}

func (m *Manager) sortedLocked() []string {
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return nil, fmt.Errorf("plugin %s not registered", id)
	}
	return inst, nil
}
