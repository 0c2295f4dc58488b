package feed

import "sort"

// Selection 决定下一次迭代调用哪些数据源。未出现的名称视为未选中。
type Selection map[string]bool

// All 返回全部选中的 Selection。
func All(names []string) Selection {
	s := make(Selection, len(names))
	for _, name := range names {
		s[name] = true
	}
	return s
}

// Set 设置某个数据源的选中状态。
func (s Selection) Set(name string, enabled bool) Selection {
	s[name] = enabled
	return s
}

// Enabled 判断数据源是否被选中。
func (s Selection) Enabled(name string) bool {
	return s[name]
}

// Names 返回被选中数据源的名称，按字母序排列。
func (s Selection) Names() []string {
	names := make([]string, 0, len(s))
	for name, ok := range s {
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Clone 返回副本。
func (s Selection) Clone() Selection {
	out := make(Selection, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
