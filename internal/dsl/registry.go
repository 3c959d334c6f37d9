package dsl

import (
	"sort"

	"backplay/internal/feed"
)

// FeatureMeta 描述一个已声明特征的编译期信息。
type FeatureMeta struct {
	Role feed.Role
	// Continuous 为真表示连续浮点量（指标、价格），eq 会被拒绝。
	Continuous bool
	// Fields 非空表示多字段结构；值为该字段是否连续
	// （电平类字段连续，direction/state 这类小整数字段离散）。
	Fields map[string]bool
}

// Registry 是编译器与求值器共享的不可变声明集。
// 启动时构建一次，之后只读；没有任何可变的包级注册表。
type Registry struct {
	features map[string]FeatureMeta
	roles    map[feed.Role]bool
}

// NewRegistry 创建空声明集。exec 角色始终可用。
func NewRegistry() *Registry {
	return &Registry{
		features: make(map[string]FeatureMeta),
		roles:    map[feed.Role]bool{feed.RoleExec: true},
	}
}

// AddRole 声明一个上下文周期角色。
func (r *Registry) AddRole(role feed.Role) { r.roles[role] = true }

// AddFeature 声明单数组指标特征。
func (r *Registry) AddFeature(id string, role feed.Role, continuous bool) {
	r.features[id] = FeatureMeta{Role: role, Continuous: continuous}
}

// AddStructure 声明多字段结构特征。fields 的值标记字段是否连续。
func (r *Registry) AddStructure(id string, role feed.Role, fields map[string]bool) {
	r.features[id] = FeatureMeta{Role: role, Fields: fields}
}

// HasRole 判断角色是否已声明。
func (r *Registry) HasRole(role feed.Role) bool { return r.roles[role] }

// Resolve 解析一个引用。内置标识符在任何角色下都可用且为连续量。
func (r *Registry) Resolve(ref FeatureRef) (FeatureMeta, bool) {
	if feed.IsBuiltin(ref.ID) && ref.Field == "" {
		return FeatureMeta{Role: ref.Role, Continuous: true}, true
	}
	meta, ok := r.features[ref.ID]
	if !ok {
		return FeatureMeta{}, false
	}
	if ref.Field != "" {
		if meta.Fields == nil {
			return FeatureMeta{}, false
		}
		if _, has := meta.Fields[ref.Field]; !has {
			return FeatureMeta{}, false
		}
	} else if meta.Fields != nil {
		// 多字段结构必须带字段访问
		return FeatureMeta{}, false
	}
	return meta, true
}

func (r *Registry) continuous(ref FeatureRef) bool {
	meta, ok := r.Resolve(ref)
	if !ok {
		return true
	}
	if ref.Field != "" {
		return meta.Fields[ref.Field]
	}
	return meta.Continuous
}

// Identifiers 返回全部标识符（含内置），用于错误提示。
func (r *Registry) Identifiers() []string {
	out := []string{"open", "high", "low", "close", "volume", "last_price", "mark_price"}
	for id := range r.features {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FieldsOf 返回结构的字段名（排序后）；非结构返回 nil。
func (r *Registry) FieldsOf(id string) []string {
	meta, ok := r.features[id]
	if !ok || meta.Fields == nil {
		return nil
	}
	out := make([]string, 0, len(meta.Fields))
	for f := range meta.Fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
