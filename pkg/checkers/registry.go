package checkers

import (
	"fmt"
	"strings"
)

// Registry 有序检查器注册表，按注册顺序匹配，第一个匹配者胜出
type Registry struct {
	checkers []Checker
}

// NewRegistry 创建注册表
func NewRegistry(checkers ...Checker) *Registry {
	r := &Registry{}
	for _, c := range checkers {
		r.Register(c)
	}
	return r
}

// All 返回全部内置检查器，按默认优先级排列
func All() []Checker {
	return []Checker{
		Permit2TransferFrom{},
		TransferFrom{},
		Transfer{},
		TransferWithAuthorization{},
		NativeValue{},
	}
}

// DefaultRegistry 返回包含全部内置检查器的注册表
func DefaultRegistry() *Registry {
	return NewRegistry(All()...)
}

// ByName 按名称顺序构建注册表
func ByName(names []string) (*Registry, error) {
	known := make(map[string]Checker)
	for _, c := range All() {
		known[c.Name()] = c
	}
	r := &Registry{}
	for _, name := range names {
		c, ok := known[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("unknown checker %q (known: %s)", name, strings.Join(Names(All()), ", "))
		}
		r.Register(c)
	}
	return r, nil
}

// Register 在末尾追加检查器；同名检查器被替换并保持原位置
func (r *Registry) Register(c Checker) {
	for i, existing := range r.checkers {
		if existing.Name() == c.Name() {
			r.checkers[i] = c
			return
		}
	}
	r.checkers = append(r.checkers, c)
}

// Match 返回第一个匹配帧的检查器；未解析的帧不匹配任何检查器
func (r *Registry) Match(f *Frame) (Checker, bool) {
	if f == nil || f.Call == nil || !f.Resolution.Resolved {
		return nil, false
	}
	for _, c := range r.checkers {
		if c.Matches(f) {
			return c, true
		}
	}
	return nil, false
}

// Checkers 返回注册的检查器副本
func (r *Registry) Checkers() []Checker {
	out := make([]Checker, len(r.checkers))
	copy(out, r.checkers)
	return out
}

// Names 返回检查器名称列表
func Names(checkers []Checker) []string {
	names := make([]string, len(checkers))
	for i, c := range checkers {
		names[i] = c.Name()
	}
	return names
}
