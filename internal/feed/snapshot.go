package feed

import (
	"fmt"
	"sort"
)

// Role 标识周期角色：执行周期逐 bar 推进，mid/high 为前向填充的上下文周期。
type Role string

const (
	RoleExec Role = "exec"
	RoleMid  Role = "mid"
	RoleHigh Role = "high"
)

// ParseRole 归一化角色字符串。
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleExec, RoleMid, RoleHigh:
		return Role(s), nil
	case "":
		return RoleExec, nil
	}
	return "", fmt.Errorf("未知周期角色: %q（可用: exec/mid/high）", s)
}

// Snapshot 是一次评估步的只读视图：一个执行周期 + 若干上下文周期。
// 上下文指针只在对应周期自身收盘时前移（前向填充），绝不在每步重算。
type Snapshot struct {
	exec     *Store
	contexts map[Role]*Store

	execIdx int
	ctxIdx  map[Role]int // -1 表示该周期还没有任何已收盘 bar
}

// NewSnapshot 构建视图。contexts 可为空；key 不允许包含 exec。
func NewSnapshot(exec *Store, contexts map[Role]*Store) (*Snapshot, error) {
	if exec == nil {
		return nil, fmt.Errorf("snapshot: 执行周期 feed 不能为空")
	}
	ctx := make(map[Role]*Store, len(contexts))
	idx := make(map[Role]int, len(contexts))
	for role, st := range contexts {
		if role == RoleExec {
			return nil, fmt.Errorf("snapshot: exec 角色不能作为上下文周期")
		}
		if st == nil {
			return nil, fmt.Errorf("snapshot: 角色 %s 的 feed 为空", role)
		}
		if !st.Timeframe().SlowerThan(exec.Timeframe()) {
			return nil, fmt.Errorf("snapshot: 上下文周期 %s(%s) 不慢于执行周期 %s",
				role, st.Timeframe().Key, exec.Timeframe().Key)
		}
		ctx[role] = st
		idx[role] = -1
	}
	return &Snapshot{exec: exec, contexts: ctx, execIdx: -1, ctxIdx: idx}, nil
}

// AdvanceExec 推进执行指针并同步上下文指针。
// expectedClose 与 feed 实际收盘时间不一致说明出现了前视（lookahead），直接判为致命。
func (s *Snapshot) AdvanceExec(idx int, expectedClose int64) error {
	if idx < 0 || idx >= s.exec.Len() {
		return fmt.Errorf("snapshot: 执行下标 %d 越界（共 %d 根）", idx, s.exec.Len())
	}
	if got := s.exec.CloseTime(idx); got != expectedClose {
		return fmt.Errorf("snapshot: 前视断言失败，exec close_ts=%d 期望 %d（idx=%d）", got, expectedClose, idx)
	}
	s.execIdx = idx
	s.syncContexts(expectedClose)
	return nil
}

// syncContexts 把每个上下文指针推进到「收盘 ≤ 当前执行收盘」的最后一根。
// 首次建立用二分查找，之后只做增量前移。
func (s *Snapshot) syncContexts(closeTS int64) {
	for role, st := range s.contexts {
		cur := s.ctxIdx[role]
		if cur < 0 {
			if at, ok := st.IndexAtOrBefore(closeTS); ok {
				s.ctxIdx[role] = at
			}
			continue
		}
		for cur+1 < st.Len() && st.CloseTime(cur+1) <= closeTS {
			cur++
		}
		s.ctxIdx[role] = cur
	}
}

// ExecIndex 返回当前执行下标。
func (s *Snapshot) ExecIndex() int { return s.execIdx }

// ExecCloseTime 返回当前执行 bar 的收盘时间。
func (s *Snapshot) ExecCloseTime() int64 { return s.exec.CloseTime(s.execIdx) }

// ExecStore 返回执行周期 feed。
func (s *Snapshot) ExecStore() *Store { return s.exec }

// ContextIndex 返回某上下文角色当前指针；该周期还没有收盘 bar 时 ok=false。
func (s *Snapshot) ContextIndex(role Role) (int, bool) {
	idx, declared := s.ctxIdx[role]
	if !declared || idx < 0 {
		return 0, false
	}
	return idx, true
}

// Roles 返回已声明的上下文角色（排序后）。
func (s *Snapshot) Roles() []Role {
	out := make([]Role, 0, len(s.contexts)+1)
	out = append(out, RoleExec)
	for role := range s.contexts {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasRole 判断角色是否可用。
func (s *Snapshot) HasRole(role Role) bool {
	if role == RoleExec {
		return true
	}
	_, ok := s.contexts[role]
	return ok
}

// StoreFor 返回角色对应的 feed。
func (s *Snapshot) StoreFor(role Role) (*Store, bool) {
	if role == RoleExec {
		return s.exec, true
	}
	st, ok := s.contexts[role]
	return st, ok
}

// Feature 统一取值入口：feature_id + 可选字段 + 角色 + 向前 offset。
// offset 越过可用历史返回 RangeError（致命）；warm-up 占位返回 Missing。
// 上下文周期还没有任何收盘 bar 时同样返回 Missing——那是 warm-up，
// 不是越界。
func (s *Snapshot) Feature(id string, role Role, offset int, field string) (Value, error) {
	if offset < 0 {
		return Missing, fmt.Errorf("feature %q: offset 不能为负（%d）", id, offset)
	}
	st, ok := s.StoreFor(role)
	if !ok {
		return Missing, fmt.Errorf("feature %q: 周期角色 %s 未在本次运行声明", id, role)
	}
	var ptr int
	if role == RoleExec {
		ptr = s.execIdx
	} else {
		ctx, has := s.ctxIdx[role]
		if !has {
			return Missing, fmt.Errorf("feature %q: 周期角色 %s 未在本次运行声明", id, role)
		}
		if ctx < 0 {
			return Missing, nil
		}
		ptr = ctx
	}
	at := ptr - offset
	if at < 0 {
		return Missing, &RangeError{Feature: id, Role: role, Index: ptr, Offset: offset}
	}
	return st.Value(id, field, at)
}
