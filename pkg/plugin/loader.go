package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
	"strings"
)

// Loader resolves a path into a Plugin.
type Loader interface {
	Load(path string) (Plugin, error)
}

// GoPluginLoader opens shared objects built with -buildmode=plugin and
// looks up their exported Plugin symbol.
type GoPluginLoader struct{}

// Load implements Loader.
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, err
	}
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	default:
		return nil, fmt.Errorf("plugin symbol has unsupported type %T", symbol)
	}
}

// BuiltinPrefix marks paths served by a Builtin loader.
const BuiltinPrefix = "builtin:"

// Builtin serves plugins compiled into the host, addressed as "builtin:<name>".
// Other paths fall through to Fallback when it is set.
type Builtin struct {
	Plugins  map[string]func() Plugin
	Fallback Loader
}

// Load implements Loader.
func (b Builtin) Load(path string) (Plugin, error) {
	if name, ok := strings.CutPrefix(path, BuiltinPrefix); ok {
		factory, found := b.Plugins[name]
		if !found {
			return nil, fmt.Errorf("builtin plugin %q not found", name)
		}
		return factory(), nil
	}
	if b.Fallback == nil {
		return nil, fmt.Errorf("no loader for %q", path)
	}
	return b.Fallback.Load(path)
}
