package task

import (
	"slices"
	"strings"
	"time"
)

// 列表查询的分页边界。
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SortOrder 决定列表按更新时间的排序方向。
type SortOrder int

const (
	// SortByUpdatedDesc 最近更新的在前，是缺省顺序。
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

// ListOptions 是存储层共用的过滤条件。时间字段为 Unix 秒，0 表示不限制。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Sources    []Source
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	Query      string
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 设置返回条数，超过上限时截断为 100。
func WithLimit(limit int) ListOption { return func(o *ListOptions) { o.Limit = limit } }

// WithOffset 跳过前 n 条结果。
func WithOffset(offset int) ListOption { return func(o *ListOptions) { o.Offset = offset } }

// WithStatuses 只返回给定状态的任务，未知状态被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = slices.Clone(statuses) }
}

// WithSources 按提交来源过滤，例如只看调度器触发的任务。
func WithSources(sources ...Source) ListOption {
	return func(o *ListOptions) { o.Sources = slices.Clone(sources) }
}

// WithUpdatedSince 只返回在 ts 之后（含）更新的任务。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil 只返回在 ts 之前（含）更新的任务。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedLTE = unixOrZero(ts) }
}

// WithResultPresence 按是否已有运行记录过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(o *ListOptions) { o.HasResult = &hasResult }
}

// WithSortOrder 设置排序方向。
func WithSortOrder(order SortOrder) ListOption { return func(o *ListOptions) { o.Order = order } }

// WithQuery 在任务 ID、触发原因、错误信息和裁决原因中做不区分大小写的子串匹配。
func WithQuery(query string) ListOption { return func(o *ListOptions) { o.Query = query } }

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func buildListOptions(opts []ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.applyDefaults()
	return o
}

func (o *ListOptions) applyDefaults() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultListLimit
	case o.Limit > maxListLimit:
		o.Limit = maxListLimit
	}
	o.Offset = max(o.Offset, 0)
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.Query = strings.TrimSpace(o.Query)

	// 去重并丢弃未知状态；全部无效时视为不过滤。
	var statuses []Status
	for _, s := range o.Statuses {
		if IsValidStatus(s) && !slices.Contains(statuses, s) {
			statuses = append(statuses, s)
		}
	}
	o.Statuses = statuses
}

// Match 判断任务是否满足过滤条件，分页与排序不在此处理。
func (o ListOptions) Match(t *Task) bool {
	if len(o.Statuses) > 0 && !slices.Contains(o.Statuses, t.Status) {
		return false
	}
	if len(o.Sources) > 0 && !slices.Contains(o.Sources, t.Source) {
		return false
	}
	if o.UpdatedGTE > 0 && t.UpdatedAt < o.UpdatedGTE {
		return false
	}
	if o.UpdatedLTE > 0 && t.UpdatedAt > o.UpdatedLTE {
		return false
	}
	if o.HasResult != nil && (t.Result != nil) != *o.HasResult {
		return false
	}
	if o.Query == "" {
		return true
	}
	q := strings.ToLower(o.Query)
	fields := []string{t.ID, t.Trigger.Reason, t.LastError}
	if t.Result != nil {
		fields = append(fields, t.Result.Reason)
	}
	return slices.ContainsFunc(fields, func(f string) bool {
		return strings.Contains(strings.ToLower(f), q)
	})
}
