package plugin

import (
	"errors"
	"fmt"
	"slices"
)

// ManagerConfig describes which plugins to load.
type ManagerConfig struct {
	Dir      string            `yaml:"dir"`
	Defaults Policy            `yaml:"defaults"`
	Plugins  map[string]Config `yaml:"plugins"`
}

// Config is the block of a single plugin instance.
type Config struct {
	Enabled bool           `yaml:"enabled"`
	Path    string         `yaml:"path"`
	Config  map[string]any `yaml:"config"`
	Policy  *Policy        `yaml:"policy"`
}

// Policy restricts the capabilities a plugin may declare.
type Policy struct {
	Allowed []Capability `yaml:"allowed"`
	Denied  []Capability `yaml:"denied"`
}

// Empty reports whether the policy sets no restriction at all.
func (p Policy) Empty() bool { return len(p.Allowed) == 0 && len(p.Denied) == 0 }

// Merge fills unset lists from defaults.
func (p Policy) Merge(defaults Policy) Policy {
	if len(p.Allowed) == 0 {
		p.Allowed = defaults.Allowed
	}
	if len(p.Denied) == 0 {
		p.Denied = defaults.Denied
	}
	return p
}

// Check rejects plugins whose declared capabilities violate the policy.
// A plugin that declares capabilities needs an explicit policy.
func (p Policy) Check(info Info) error {
	if len(info.Capabilities) == 0 {
		return nil
	}
	if p.Empty() {
		return fmt.Errorf("plugin %s declares capabilities but no policy is configured", info.ID)
	}
	for _, c := range info.Capabilities {
		if slices.Contains(p.Denied, c) {
			return fmt.Errorf("plugin %s: capability %s is denied", info.ID, c)
		}
		if len(p.Allowed) > 0 && !slices.Contains(p.Allowed, c) {
			return fmt.Errorf("plugin %s: capability %s is not allowed", info.ID, c)
		}
	}
	return nil
}

// Validate checks the configuration for missing ids and paths.
func (c ManagerConfig) Validate() error {
	var errs []error
	errs = append(errs, c.Defaults.validate("defaults"))
	for id, p := range c.Plugins {
		if id == "" {
			errs = append(errs, errors.New("plugin id cannot be empty"))
			continue
		}
		if p.Enabled && p.Path == "" {
			errs = append(errs, fmt.Errorf("plugin %s is enabled without a path", id))
		}
		if p.Policy != nil {
			errs = append(errs, p.Policy.validate(id))
		}
	}
	return errors.Join(errs...)
}

func (p Policy) validate(scope string) error {
	var errs []error
	for _, c := range slices.Concat(p.Allowed, p.Denied) {
		if !c.Known() {
			errs = append(errs, fmt.Errorf("%s: unknown capability %q", scope, c))
		}
	}
	return errors.Join(errs...)
}
