// Package plugin loads optional feed implementations at runtime and manages
// their lifecycle. A started feed plugin is exposed as a provider the feed
// gateway can register next to the built-in feeds.
package plugin

import "context"

// Plugin is the lifecycle every plugin implements.
type Plugin interface {
	Info() Info
	// Configure inspects the configuration block before Init and may fill
	// in defaults.
	Configure(cfg map[string]any) error
	Init(ctx *ExecutionContext) error
	Start(ctx *ExecutionContext) error
	Stop(ctx *ExecutionContext) error
}

// Feed is implemented by plugins of category TypeFeed.
type Feed interface {
	Plugin
	Fetch(ctx context.Context, query string) (string, error)
}

// ExecutionContext is passed to every lifecycle hook.
type ExecutionContext struct {
	C         context.Context
	Config    map[string]any
	Resources map[string]any
}

// Clone returns a copy whose maps can be mutated by the plugin.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	dup.Config = cloneMap(c.Config)
	dup.Resources = cloneMap(c.Resources)
	return &dup
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
