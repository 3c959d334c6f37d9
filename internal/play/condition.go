package play

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConditionNode 是条件树的文档层表示。
// 同一个比较条件支持两种等价写法，二者必须解码为同一棵树：
//
//	紧凑形式:  [ema_fast, cross_above, ema_slow]
//	字段形式:  {lhs: ema_fast, op: cross_above, rhs: ema_slow}
//
// 组合子与窗口算子只有字段形式：
//
//	{all: [...]} / {any: [...]} / {not: ...} / {setup: trend_up}
//	{holds_for: {expr: ..., bars: 3}} 等。
type ConditionNode struct {
	// 比较条件
	Op  string
	Lhs string
	Rhs Operand
	Tol float64 // near_abs / near_pct 容差

	// 组合子
	All []ConditionNode
	Any []ConditionNode
	Not *ConditionNode

	// 命名 setup 引用
	Setup string

	// 窗口算子（WindowOp 记录是哪一个）
	WindowOp string
	Window   *WindowClause
}

// WindowClause 描述窗口算子参数。Bars 与 Duration 互斥。
type WindowClause struct {
	Expr     ConditionNode `yaml:"expr"`
	Bars     int           `yaml:"bars"`
	Duration string        `yaml:"duration"`
	MinTrue  int           `yaml:"min_true"`
	AnchorTF string        `yaml:"anchor_tf"`
}

// IsZero 判断节点是否为空（未填充任何形式）。
func (c *ConditionNode) IsZero() bool {
	return c.Op == "" && len(c.All) == 0 && len(c.Any) == 0 &&
		c.Not == nil && c.Setup == "" && c.WindowOp == ""
}

var windowOps = map[string]bool{
	"holds_for": true, "occurred_within": true, "count_true": true,
}

// UnmarshalYAML 实现双形式解码。
func (c *ConditionNode) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		return c.decodeCompact(node)
	case yaml.MappingNode:
		return c.decodeMapping(node)
	default:
		return fmt.Errorf("第 %d 行: 条件必须是 [lhs, op, rhs] 序列或映射", node.Line)
	}
}

// decodeCompact 解析 [lhs, op, rhs] 与 [lhs, op, rhs, tol]。
func (c *ConditionNode) decodeCompact(node *yaml.Node) error {
	if len(node.Content) != 3 && len(node.Content) != 4 {
		return fmt.Errorf("第 %d 行: 紧凑条件需要 3 或 4 个元素，得到 %d", node.Line, len(node.Content))
	}
	if err := node.Content[0].Decode(&c.Lhs); err != nil {
		return fmt.Errorf("第 %d 行: lhs 解析失败: %w", node.Line, err)
	}
	if err := node.Content[1].Decode(&c.Op); err != nil {
		return fmt.Errorf("第 %d 行: op 解析失败: %w", node.Line, err)
	}
	if err := c.Rhs.fromNode(node.Content[2]); err != nil {
		return fmt.Errorf("第 %d 行: rhs 解析失败: %w", node.Line, err)
	}
	if len(node.Content) == 4 {
		if err := node.Content[3].Decode(&c.Tol); err != nil {
			return fmt.Errorf("第 %d 行: tol 解析失败: %w", node.Line, err)
		}
	}
	return nil
}

func (c *ConditionNode) decodeMapping(node *yaml.Node) error {
	keys := make(map[string]*yaml.Node, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keys[strings.ToLower(node.Content[i].Value)] = node.Content[i+1]
	}

	// 组合子
	if v, ok := keys["all"]; ok {
		return v.Decode(&c.All)
	}
	if v, ok := keys["any"]; ok {
		return v.Decode(&c.Any)
	}
	if v, ok := keys["not"]; ok {
		c.Not = &ConditionNode{}
		return v.Decode(c.Not)
	}
	if v, ok := keys["setup"]; ok {
		return v.Decode(&c.Setup)
	}

	// 窗口算子
	for op := range windowOps {
		if v, ok := keys[op]; ok {
			c.WindowOp = op
			c.Window = &WindowClause{}
			return v.Decode(c.Window)
		}
	}

	// 字段形式比较条件。字段形式与紧凑形式走完全相同的后续编译路径，
	// rhs 为字符串时一律按特征引用解析，两种形式不允许有行为差异。
	if _, ok := keys["op"]; !ok {
		return fmt.Errorf("第 %d 行: 无法识别的条件节点（缺少 op/all/any/not/setup/窗口算子）", node.Line)
	}
	if err := keys["op"].Decode(&c.Op); err != nil {
		return err
	}
	if v, ok := keys["lhs"]; ok {
		if err := v.Decode(&c.Lhs); err != nil {
			return err
		}
	}
	if v, ok := keys["rhs"]; ok {
		if err := c.Rhs.fromNode(v); err != nil {
			return fmt.Errorf("第 %d 行: rhs 解析失败: %w", node.Line, err)
		}
	}
	if v, ok := keys["tol"]; ok {
		if err := v.Decode(&c.Tol); err != nil {
			return err
		}
	}
	return nil
}

// OperandKind 标记 rhs 的三种文档形态。
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandNumber
	OperandExpr // 字符串：特征引用或算术表达式
	OperandList // between/in 的数值列表
)

// Operand 是比较条件的右侧。
type Operand struct {
	Kind OperandKind
	Num  float64
	Expr string
	List []float64
}

func (o *Operand) fromNode(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!int", "!!float":
			o.Kind = OperandNumber
			return node.Decode(&o.Num)
		case "!!str":
			o.Kind = OperandExpr
			return node.Decode(&o.Expr)
		default:
			return fmt.Errorf("rhs 标量类型 %s 不支持", node.Tag)
		}
	case yaml.SequenceNode:
		o.Kind = OperandList
		return node.Decode(&o.List)
	default:
		return fmt.Errorf("rhs 必须是数字、字符串或数值列表")
	}
}

// UnmarshalYAML 供 Operand 在其他上下文中直接解码。
func (o *Operand) UnmarshalYAML(node *yaml.Node) error {
	return o.fromNode(node)
}
