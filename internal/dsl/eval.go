package dsl

import (
	"errors"
	"fmt"
	"math"

	"backplay/internal/feed"
)

// windowState 是单个窗口算子的滚动状态：定宽布尔环 + 真值计数。
type windowState struct {
	ring  []bool
	head  int
	count int
	trues int
}

func newWindowState(size int) windowState {
	return windowState{ring: make([]bool, size)}
}

func (w *windowState) push(v bool) {
	if w.count == len(w.ring) {
		if w.ring[w.head] {
			w.trues--
		}
		w.ring[w.head] = v
		w.head = (w.head + 1) % len(w.ring)
	} else {
		w.ring[(w.head+w.count)%len(w.ring)] = v
		w.count++
	}
	if v {
		w.trues++
	}
}

// State 是一次 run 的全部可变求值状态。
// run 开始时创建，仅由逐 bar 的求值步修改，run 之间绝不共享。
type State struct {
	windows []windowState
	cache   map[string]bool // setup → 本 bar 结果
	active  []string        // 正在求值的 setup 栈（环守卫）
}

// NewState 按程序的窗口清单分配状态 arena。
func NewState(prog *Program) *State {
	st := &State{
		windows: make([]windowState, len(prog.windows)),
		cache:   make(map[string]bool),
	}
	for i, w := range prog.windows {
		st.windows[i] = newWindowState(w.Bars)
	}
	return st
}

func (s *State) beginBar() {
	for k := range s.cache {
		delete(s.cache, k)
	}
	s.active = s.active[:0]
}

// Fire 表示一个动作在当前 bar 触发。
type Fire struct {
	Name   string
	Signal string
	Size   float64
	// Values 是触发时捕获的特征快照（缺失值不出现在 map 里）。
	Values map[string]float64
}

// Evaluator 对编译产物逐 bar 求值。单线程使用。
type Evaluator struct {
	prog  *Program
	state *State
}

// NewEvaluator 为一次 run 创建求值器（含全新状态）。
func NewEvaluator(prog *Program) *Evaluator {
	return &Evaluator{prog: prog, state: NewState(prog)}
}

// Step 在当前快照上推进一根 bar：
// 先无条件推进所有窗口状态（内层在前），再求值每个 action。
// 窗口子表达式不经过组合子的短路，否则滚动状态会缺 bar。
func (e *Evaluator) Step(snap *feed.Snapshot) ([]Fire, error) {
	e.state.beginBar()
	for _, w := range e.prog.windows {
		v, err := e.evalBool(w.Child, snap)
		if err != nil {
			return nil, fmt.Errorf("%s 窗口子表达式: %w", w.Kind, err)
		}
		e.state.windows[w.StateID].push(v)
	}
	var fires []Fire
	for i := range e.prog.Actions {
		a := &e.prog.Actions[i]
		ok, err := e.evalBool(a.Root, snap)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", a.Name, err)
		}
		if !ok {
			continue
		}
		fires = append(fires, Fire{
			Name:   a.Name,
			Signal: a.Signal,
			Size:   a.Size,
			Values: e.capture(a, snap),
		})
	}
	return fires, nil
}

func (e *Evaluator) capture(a *CompiledAction, snap *feed.Snapshot) map[string]float64 {
	if len(a.Capture) == 0 {
		return nil
	}
	out := make(map[string]float64, len(a.Capture))
	for _, ref := range a.Capture {
		v, err := snap.Feature(ref.ID, ref.Role, ref.Offset, ref.Field)
		if err != nil {
			continue
		}
		if f, ok := v.Float(); ok {
			out[ref.String()] = f
		}
	}
	return out
}

func (e *Evaluator) evalBool(n *Node, snap *feed.Snapshot) (bool, error) {
	switch n.Kind {
	case KindCompare:
		return e.evalCompare(n, snap)
	case KindAll:
		for _, child := range n.Children {
			ok, err := e.evalBool(child, snap)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case KindAny:
		for _, child := range n.Children {
			ok, err := e.evalBool(child, snap)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case KindNot:
		ok, err := e.evalBool(n.Child, snap)
		return !ok, err
	case KindSetup:
		return e.evalSetup(n.SetupName, snap)
	case KindHoldsFor:
		ws := &e.state.windows[n.StateID]
		return ws.count == n.Bars && ws.trues == n.Bars, nil
	case KindOccurredWithin:
		return e.state.windows[n.StateID].trues > 0, nil
	case KindCountTrue:
		return e.state.windows[n.StateID].trues >= n.MinTrue, nil
	}
	return false, configErrorf("节点 %s 不是布尔表达式", n.Kind)
}

// evalSetup 带环守卫 + 每 bar 记忆化的 setup 求值。
func (e *Evaluator) evalSetup(name string, snap *feed.Snapshot) (bool, error) {
	st := e.state
	if v, ok := st.cache[name]; ok {
		return v, nil
	}
	for _, active := range st.active {
		if active == name {
			return false, &CircularReferenceError{Setup: name, Stack: append(append([]string{}, st.active...), name)}
		}
	}
	tree, ok := e.prog.Setup(name)
	if !ok {
		return false, configErrorf("setup %q 未编译（程序构建不一致）", name)
	}
	st.active = append(st.active, name)
	v, err := e.evalBool(tree, snap)
	st.active = st.active[:len(st.active)-1]
	if err != nil {
		return false, err
	}
	st.cache[name] = v
	return v, nil
}

func (e *Evaluator) evalCompare(n *Node, snap *feed.Snapshot) (bool, error) {
	switch n.Cmp {
	case OpCrossAbove, OpCrossBelow:
		return e.evalCross(n, snap)
	case OpBetween:
		v, err := e.evalValue(n.Left, snap, 0, false)
		if err != nil {
			return false, err
		}
		f, ok := v.Float()
		if !ok {
			return false, nil
		}
		return f >= n.Low && f <= n.High, nil
	case OpIn:
		v, err := e.evalValue(n.Left, snap, 0, false)
		if err != nil {
			return false, err
		}
		f, ok := v.Float()
		if !ok {
			return false, nil
		}
		for _, member := range n.Set {
			if f == member {
				return true, nil
			}
		}
		return false, nil
	}

	lv, err := e.evalValue(n.Left, snap, 0, false)
	if err != nil {
		return false, err
	}
	rv, err := e.evalValue(n.Right, snap, 0, false)
	if err != nil {
		return false, err
	}
	l, lok := lv.Float()
	r, rok := rv.Float()
	// 缺失值让比较为假，绝不让 NaN 渗出去
	if !lok || !rok {
		return false, nil
	}
	switch n.Cmp {
	case OpGT:
		return l > r, nil
	case OpLT:
		return l < r, nil
	case OpGTE:
		return l >= r, nil
	case OpLTE:
		return l <= r, nil
	case OpEQ:
		return l == r, nil
	case OpNearAbs:
		return math.Abs(l-r) <= n.Tol, nil
	case OpNearPct:
		return math.Abs(l-r) <= math.Abs(r)*n.Tol/100, nil
	}
	return false, configErrorf("未实现的比较算子 %s", n.Cmp)
}

// evalCross 实现交叉判定：
// cross_above 当且仅当 curr(lhs) > curr(rhs) 且 prev(lhs) <= prev(rhs)。
// prev 即 offset+1；rhs 为常量时 prev 与 curr 相同；bar 0 没有 prev，结果为假。
func (e *Evaluator) evalCross(n *Node, snap *feed.Snapshot) (bool, error) {
	currL, err := e.evalValue(n.Left, snap, 0, false)
	if err != nil {
		return false, err
	}
	currR, err := e.evalValue(n.Right, snap, 0, false)
	if err != nil {
		return false, err
	}
	// prev 访问在序列开头越界不是错误，只是没有交叉可言
	prevL, err := e.evalValue(n.Left, snap, 1, true)
	if err != nil {
		return false, err
	}
	prevR, err := e.evalValue(n.Right, snap, 1, true)
	if err != nil {
		return false, err
	}
	cl, ok1 := currL.Float()
	cr, ok2 := currR.Float()
	pl, ok3 := prevL.Float()
	pr, ok4 := prevR.Float()
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return false, nil
	}
	if n.Cmp == OpCrossAbove {
		return cl > cr && pl <= pr, nil
	}
	return cl < cr && pl >= pr, nil
}

// evalValue 求一侧数值。shift 叠加在引用自身 offset 上（交叉的 prev 用）；
// soft 模式下越界返回 Missing 而不是致命错误。
func (e *Evaluator) evalValue(n *Node, snap *feed.Snapshot, shift int, soft bool) (feed.Value, error) {
	switch n.Kind {
	case KindScalar:
		return feed.Num(n.Scalar), nil
	case KindFeature:
		ref := n.Ref
		v, err := snap.Feature(ref.ID, ref.Role, ref.Offset+shift, ref.Field)
		if err != nil {
			var rangeErr *feed.RangeError
			if soft && errors.As(err, &rangeErr) {
				return feed.Missing, nil
			}
			return feed.Missing, err
		}
		return v, nil
	case KindArith:
		lv, err := e.evalValue(n.Left, snap, shift, soft)
		if err != nil {
			return feed.Missing, err
		}
		rv, err := e.evalValue(n.Right, snap, shift, soft)
		if err != nil {
			return feed.Missing, err
		}
		l, lok := lv.Float()
		r, rok := rv.Float()
		if !lok || !rok {
			return feed.Missing, nil
		}
		switch n.ArithOp {
		case '+':
			return feed.Num(l + r), nil
		case '-':
			return feed.Num(l - r), nil
		case '*':
			return feed.Num(l * r), nil
		case '/':
			if r == 0 {
				return feed.Missing, nil
			}
			return feed.Num(l / r), nil
		}
		return feed.Missing, configErrorf("未知算术运算符 %q", string(n.ArithOp))
	}
	return feed.Missing, configErrorf("节点 %s 不是数值表达式", n.Kind)
}
