// Package dsl 实现 Action DSL 的编译与求值。
// play 文档里的条件树被编译为封闭的节点集合（Kind 标签 + 穷举分派），
// 每根 bar 对着 feed.Snapshot 求值一次。
package dsl

import (
	"fmt"

	"backplay/internal/feed"
)

// Kind 枚举全部节点类别。求值器对它做穷举 switch，
// 新增算子时漏掉分支会在默认分支直接报错。
type Kind uint8

const (
	KindScalar Kind = iota
	KindFeature
	KindArith
	KindCompare
	KindAll
	KindAny
	KindNot
	KindSetup
	KindHoldsFor
	KindOccurredWithin
	KindCountTrue
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindFeature:
		return "feature"
	case KindArith:
		return "arith"
	case KindCompare:
		return "compare"
	case KindAll:
		return "all"
	case KindAny:
		return "any"
	case KindNot:
		return "not"
	case KindSetup:
		return "setup"
	case KindHoldsFor:
		return "holds_for"
	case KindOccurredWithin:
		return "occurred_within"
	case KindCountTrue:
		return "count_true"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// CmpOp 枚举比较算子。
type CmpOp uint8

const (
	OpGT CmpOp = iota
	OpLT
	OpGTE
	OpLTE
	OpEQ
	OpBetween
	OpNearAbs
	OpNearPct
	OpIn
	OpCrossAbove
	OpCrossBelow
)

var cmpOpNames = map[string]CmpOp{
	"gt": OpGT, "lt": OpLT, "gte": OpGTE, "lte": OpLTE, "eq": OpEQ,
	"between": OpBetween, "near_abs": OpNearAbs, "near_pct": OpNearPct,
	"in": OpIn, "cross_above": OpCrossAbove, "cross_below": OpCrossBelow,
}

func (op CmpOp) String() string {
	for name, v := range cmpOpNames {
		if v == op {
			return name
		}
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// FeatureRef 引用一个特征值：标识符 + 可选结构字段 + 周期角色 + 向前偏移。
type FeatureRef struct {
	ID     string
	Field  string
	Role   feed.Role
	Offset int
}

func (r FeatureRef) String() string {
	s := r.ID
	if r.Field != "" {
		s += "." + r.Field
	}
	if r.Role != feed.RoleExec {
		s += "@" + string(r.Role)
	}
	if r.Offset > 0 {
		s += fmt.Sprintf("[%d]", r.Offset)
	}
	return s
}

// Node 是编译后的不可变表达式节点。编译完成后不再修改。
type Node struct {
	Kind Kind

	// KindScalar
	Scalar float64

	// KindFeature
	Ref FeatureRef

	// KindArith：ArithOp ∈ {'+','-','*','/'}，操作数为 Left/Right
	ArithOp byte

	// KindCompare
	Cmp   CmpOp
	Left  *Node // 比较/算术左操作数
	Right *Node // 比较/算术右操作数（between/in 时为空）
	Low   float64
	High  float64
	Set   []float64
	Tol   float64

	// KindAll / KindAny
	Children []*Node

	// KindNot 与窗口算子的子表达式
	Child *Node

	// KindSetup
	SetupName string

	// 窗口算子：Bars 为展开到执行周期后的窗口宽度
	Bars    int
	MinTrue int
	// StateID 是编译期分配的窗口状态槽位（arena 下标）
	StateID int
}

// continuous 报告节点求值结果是否为连续浮点量。
// eq/in 的类型检查据此拒绝连续操作数。
func (n *Node) continuous(reg *Registry) bool {
	switch n.Kind {
	case KindScalar:
		return n.Scalar != float64(int64(n.Scalar))
	case KindFeature:
		return reg.continuous(n.Ref)
	case KindArith:
		return true
	}
	return true
}
