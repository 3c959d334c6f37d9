package structure

import (
	"fmt"
	"sort"
	"strings"

	"backplay/internal/play"
)

// Order 把结构声明按依赖关系排成可计算顺序（被依赖者在前）。
// depends 的值必须指向同一 play 里的其他结构 id；环与悬空引用都是错误。
func Order(specs []play.StructureSpec) ([]play.StructureSpec, error) {
	byID := make(map[string]*play.StructureSpec, len(specs))
	for i := range specs {
		s := &specs[i]
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Errorf("结构 %q 重复声明", s.ID)
		}
		byID[s.ID] = s
	}

	const (
		white = 0 // 未访问
		gray  = 1 // 在当前 DFS 栈上
		black = 2 // 已完成
	)
	color := make(map[string]int, len(specs))
	ordered := make([]play.StructureSpec, 0, len(specs))

	var visit func(id string, stack []string) error
	visit = func(id string, stack []string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("结构依赖成环: %s", strings.Join(append(stack, id), " -> "))
		}
		color[id] = gray
		s := byID[id]
		depIDs := make([]string, 0, len(s.Depends))
		for _, depID := range s.Depends {
			depIDs = append(depIDs, depID)
		}
		sort.Strings(depIDs)
		for _, depID := range depIDs {
			if _, ok := byID[depID]; !ok {
				return fmt.Errorf("结构 %q 依赖未声明的结构 %q", id, depID)
			}
			if err := visit(depID, append(stack, id)); err != nil {
				return err
			}
		}
		color[id] = black
		ordered = append(ordered, *s)
		return nil
	}

	ids := make([]string, 0, len(specs))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id, nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
