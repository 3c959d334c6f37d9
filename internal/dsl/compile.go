package dsl

import (
	"fmt"
	"sort"
	"strings"

	"backplay/internal/feed"
	"backplay/internal/market"
	"backplay/internal/play"
)

// Program 是一份 play 编译后的不可变产物：每个 action 一棵表达式树，
// 外加共享的 setup 树与窗口节点清单（内层窗口在前）。
type Program struct {
	PlayName string
	Actions  []CompiledAction

	setups   map[string]*Node
	windows  []*Node
	builtins map[string]bool
}

// CompiledAction 是单个动作的编译结果。
type CompiledAction struct {
	Name    string
	Signal  string
	Size    float64
	Capture []FeatureRef
	Root    *Node
}

// WindowCount 返回窗口算子实例数（求值状态 arena 的大小）。
func (p *Program) WindowCount() int { return len(p.windows) }

// Setup 返回命名 setup 的编译树（求值器内部使用）。
func (p *Program) Setup(name string) (*Node, bool) {
	n, ok := p.setups[name]
	return n, ok
}

// ReferencesBuiltin 报告条件树或 capture 是否引用了某个内置通道。
// 数据准备据此决定要不要加载 ticker（last_price / mark_price）数据。
func (p *Program) ReferencesBuiltin(id string) bool { return p.builtins[id] }

type compiler struct {
	reg       *Registry
	tfs       map[feed.Role]market.Timeframe
	execMin   int
	setupDocs map[string]play.ConditionNode

	setups   map[string]*Node
	stack    []string // 正在编译的 setup 链，用于环检测
	windows  []*Node
	builtins map[string]bool
}

// Compile 把 play 文档编译为可重复求值的 Program。
// 所有结构/类型错误在这里暴露；编译通过后求值期不再出现配置类错误。
func Compile(doc *play.Play, reg *Registry, tfs map[feed.Role]market.Timeframe) (*Program, error) {
	if doc == nil {
		return nil, configErrorf("play 文档为空")
	}
	if reg == nil {
		return nil, configErrorf("registry 为空")
	}
	execTF, ok := tfs[feed.RoleExec]
	if !ok {
		return nil, configErrorf("缺少执行周期定义")
	}
	c := &compiler{
		reg:       reg,
		tfs:       tfs,
		execMin:   execTF.Minutes(),
		setupDocs: doc.Setups,
		setups:    make(map[string]*Node, len(doc.Setups)),
		builtins:  make(map[string]bool),
	}

	// 先编译全部 setup（按名称排序保证确定性），再编译 action。
	names := make([]string, 0, len(doc.Setups))
	for name := range doc.Setups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := c.compileSetup(name); err != nil {
			return nil, err
		}
	}

	prog := &Program{PlayName: doc.Name, setups: c.setups}
	for i := range doc.Actions {
		spec := &doc.Actions[i]
		root, err := c.compileCond(&spec.When)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", spec.Name, err)
		}
		capture, err := c.compileCapture(spec.Capture)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", spec.Name, err)
		}
		prog.Actions = append(prog.Actions, CompiledAction{
			Name:    spec.Name,
			Signal:  spec.Signal,
			Size:    spec.Size,
			Capture: capture,
			Root:    root,
		})
	}
	prog.windows = c.windows
	prog.builtins = c.builtins
	return prog, nil
}

func (c *compiler) compileSetup(name string) (*Node, error) {
	if node, done := c.setups[name]; done {
		return node, nil
	}
	for _, active := range c.stack {
		if active == name {
			return nil, &CircularReferenceError{Setup: name, Stack: append(append([]string{}, c.stack...), name)}
		}
	}
	doc, ok := c.setupDocs[name]
	if !ok {
		known := make([]string, 0, len(c.setupDocs))
		for n := range c.setupDocs {
			known = append(known, n)
		}
		sort.Strings(known)
		return nil, configErrorf("setup %q 未定义（已定义: %s）", name, strings.Join(known, ", "))
	}
	c.stack = append(c.stack, name)
	node, err := c.compileCond(&doc)
	c.stack = c.stack[:len(c.stack)-1]
	if err != nil {
		return nil, fmt.Errorf("setup %q: %w", name, err)
	}
	c.setups[name] = node
	return node, nil
}

func (c *compiler) compileCond(doc *play.ConditionNode) (*Node, error) {
	switch {
	case len(doc.All) > 0:
		return c.compileList(KindAll, doc.All)
	case len(doc.Any) > 0:
		return c.compileList(KindAny, doc.Any)
	case doc.Not != nil:
		child, err := c.compileCond(doc.Not)
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindNot, Child: child}, nil
	case doc.Setup != "":
		if _, err := c.compileSetup(doc.Setup); err != nil {
			return nil, err
		}
		return &Node{Kind: KindSetup, SetupName: doc.Setup}, nil
	case doc.WindowOp != "":
		return c.compileWindow(doc)
	case doc.Op != "":
		return c.compileCompare(doc)
	}
	return nil, configErrorf("空条件节点")
}

func (c *compiler) compileList(kind Kind, docs []play.ConditionNode) (*Node, error) {
	children := make([]*Node, 0, len(docs))
	for i := range docs {
		child, err := c.compileCond(&docs[i])
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", kind, i, err)
		}
		children = append(children, child)
	}
	return &Node{Kind: kind, Children: children}, nil
}

func (c *compiler) compileWindow(doc *play.ConditionNode) (*Node, error) {
	clause := doc.Window
	if clause == nil || clause.Expr.IsZero() {
		return nil, configErrorf("%s 缺少 expr", doc.WindowOp)
	}
	// 子表达式先编译：内层窗口先于外层进入清单，求值按清单顺序推进状态。
	child, err := c.compileCond(&clause.Expr)
	if err != nil {
		return nil, fmt.Errorf("%s.expr: %w", doc.WindowOp, err)
	}

	var bars int
	switch {
	case clause.Bars > 0 && clause.Duration != "":
		return nil, configErrorf("%s: bars 与 duration 互斥", doc.WindowOp)
	case clause.Bars > 0:
		bars = clause.Bars
		if clause.AnchorTF != "" {
			mult, err := c.anchorMultiplier(clause.AnchorTF)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", doc.WindowOp, err)
			}
			bars *= mult
		}
	case clause.Duration != "":
		if clause.AnchorTF != "" {
			return nil, configErrorf("%s: duration 形式不接受 anchor_tf", doc.WindowOp)
		}
		minutes, err := parseDurationMinutes(clause.Duration)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", doc.WindowOp, err)
		}
		bars = durationToBars(minutes, c.execMin)
	default:
		return nil, configErrorf("%s: 需要 bars 或 duration", doc.WindowOp)
	}

	node := &Node{Child: child, Bars: bars}
	switch doc.WindowOp {
	case "holds_for":
		node.Kind = KindHoldsFor
	case "occurred_within":
		node.Kind = KindOccurredWithin
	case "count_true":
		node.Kind = KindCountTrue
		if clause.MinTrue <= 0 {
			return nil, configErrorf("count_true: min_true 必须 > 0")
		}
		if clause.MinTrue > bars {
			return nil, configErrorf("count_true: min_true=%d 超过窗口宽度 %d", clause.MinTrue, bars)
		}
		node.MinTrue = clause.MinTrue
	default:
		return nil, configErrorf("未知窗口算子 %q", doc.WindowOp)
	}
	node.StateID = len(c.windows)
	c.windows = append(c.windows, node)
	return node, nil
}

// anchorMultiplier 计算锚定周期一根 bar 覆盖的执行 bar 数。
func (c *compiler) anchorMultiplier(anchor string) (int, error) {
	role, err := feed.ParseRole(anchor)
	if err != nil {
		return 0, &ConfigError{Msg: err.Error()}
	}
	tf, ok := c.tfs[role]
	if !ok {
		return 0, configErrorf("anchor_tf %s 未在本次运行声明", anchor)
	}
	if c.execMin <= 0 || tf.Minutes()%c.execMin != 0 {
		return 0, configErrorf("anchor_tf %s(%s) 无法整除执行周期", anchor, tf.Key)
	}
	return tf.Minutes() / c.execMin, nil
}

func (c *compiler) compileCompare(doc *play.ConditionNode) (*Node, error) {
	op, ok := cmpOpNames[strings.ToLower(doc.Op)]
	if !ok {
		ops := make([]string, 0, len(cmpOpNames))
		for name := range cmpOpNames {
			ops = append(ops, name)
		}
		sort.Strings(ops)
		return nil, configErrorf("未知比较算子 %q（可用: %s）", doc.Op, strings.Join(ops, ", "))
	}
	if strings.TrimSpace(doc.Lhs) == "" {
		return nil, configErrorf("算子 %s 缺少 lhs", doc.Op)
	}
	lhs, err := c.compileSide(doc.Lhs)
	if err != nil {
		return nil, err
	}

	node := &Node{Kind: KindCompare, Cmp: op, Left: lhs, Tol: doc.Tol}
	switch op {
	case OpBetween:
		if doc.Rhs.Kind != play.OperandList || len(doc.Rhs.List) != 2 {
			return nil, configErrorf("between 需要 [low, high] 数值列表")
		}
		node.Low, node.High = doc.Rhs.List[0], doc.Rhs.List[1]
		if node.Low > node.High {
			return nil, configErrorf("between: low=%v > high=%v", node.Low, node.High)
		}
	case OpIn:
		if doc.Rhs.Kind != play.OperandList || len(doc.Rhs.List) == 0 {
			return nil, configErrorf("in 需要非空数值列表")
		}
		if lhs.continuous(c.reg) {
			return nil, configErrorf("in 不能用于连续浮点操作数（lhs=%s），离散集合成员检查仅适用于状态类字段", doc.Lhs)
		}
		node.Set = append([]float64{}, doc.Rhs.List...)
	default:
		rhs, err := c.compileOperand(doc.Rhs, doc.Op)
		if err != nil {
			return nil, err
		}
		node.Right = rhs
		switch op {
		case OpEQ:
			if lhs.continuous(c.reg) || rhs.continuous(c.reg) {
				return nil, configErrorf("eq 不能用于连续浮点操作数（lhs=%s），浮点比较请使用 near_abs / near_pct", doc.Lhs)
			}
		case OpNearAbs, OpNearPct:
			if node.Tol <= 0 {
				return nil, configErrorf("%s 需要正的 tol 容差", doc.Op)
			}
		case OpCrossAbove, OpCrossBelow:
			if lhs.Kind == KindScalar {
				return nil, configErrorf("%s 的 lhs 不能是常量", doc.Op)
			}
		}
	}
	return node, nil
}

func (c *compiler) compileOperand(o play.Operand, op string) (*Node, error) {
	switch o.Kind {
	case play.OperandNumber:
		return &Node{Kind: KindScalar, Scalar: o.Num}, nil
	case play.OperandExpr:
		return c.compileSide(o.Expr)
	case play.OperandList:
		return nil, configErrorf("算子 %s 的 rhs 不接受列表", op)
	default:
		return nil, configErrorf("算子 %s 缺少 rhs", op)
	}
}

// compileSide 解析并校验一侧表达式：每个引用的标识符都必须已声明。
func (c *compiler) compileSide(src string) (*Node, error) {
	node, err := parseSide(src)
	if err != nil {
		return nil, err
	}
	if err := c.checkRefs(node); err != nil {
		return nil, err
	}
	return node, nil
}

func (c *compiler) checkRefs(n *Node) error {
	switch n.Kind {
	case KindScalar:
		return nil
	case KindArith:
		if err := c.checkRefs(n.Left); err != nil {
			return err
		}
		return c.checkRefs(n.Right)
	case KindFeature:
		ref := n.Ref
		if feed.IsBuiltin(ref.ID) && ref.Field == "" {
			c.builtins[ref.ID] = true
		}
		if !c.reg.HasRole(ref.Role) {
			return configErrorf("引用 %s: 周期角色 %s 未在本次运行声明", ref, ref.Role)
		}
		if _, ok := c.reg.Resolve(ref); !ok {
			if fields := c.reg.FieldsOf(ref.ID); fields != nil {
				return configErrorf("引用 %s: 结构 %s 的字段应为 %s", ref, ref.ID, strings.Join(fields, "/"))
			}
			msg := fmt.Sprintf("未声明的特征 %q", ref.ID)
			if hints := closest(ref.ID, c.reg.Identifiers()); len(hints) > 0 {
				msg += fmt.Sprintf("，是否想用: %s", strings.Join(hints, " / "))
			}
			return &ConfigError{Msg: msg}
		}
		return nil
	}
	return configErrorf("表达式里出现非法节点 %s", n.Kind)
}

func (c *compiler) compileCapture(items []string) ([]FeatureRef, error) {
	refs := make([]FeatureRef, 0, len(items))
	for _, item := range items {
		node, err := c.compileSide(item)
		if err != nil {
			return nil, fmt.Errorf("capture %q: %w", item, err)
		}
		if node.Kind != KindFeature {
			return nil, configErrorf("capture %q 必须是单个特征引用", item)
		}
		refs = append(refs, node.Ref)
	}
	return refs, nil
}
