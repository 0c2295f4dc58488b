package feed

import (
	"sort"
	"sync"
	"time"
)

// Entry 记录某个数据源最近一次成功获取的值。
type Entry struct {
	Value     string    `json:"value"`
	Attempt   int       `json:"attempt"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Context 在一次编排中累积各数据源的输出。只合并不删除：
// 后续迭代未重新获取或获取失败的数据源保留之前的值。
type Context struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewContext 创建空的 Context。
func NewContext() *Context {
	return &Context{entries: make(map[string]Entry)}
}

// Merge 合并一次迭代的获取结果，返回本次实际更新的数据源名称。
func (c *Context) Merge(results []Result, attempt int, now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var updated []string
	for _, r := range results {
		if !r.OK() {
			continue
		}
		c.entries[r.Name] = Entry{Value: r.Value, Attempt: attempt, FetchedAt: now}
		updated = append(updated, r.Name)
	}
	return updated
}

// Get 返回数据源的最新值。
func (c *Context) Get(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

// Keys 返回已有值的数据源名称，按字母序排列。
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot 返回当前值的副本。
func (c *Context) Snapshot() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Len 返回已有值的数据源个数。
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
