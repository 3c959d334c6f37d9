package feed

import "fmt"

// RangeError 表示 offset 访问到了 warm-up 之前 / bar 0 之前的历史。
// 评估期出现该错误视为致命，整个 run 中止。
type RangeError struct {
	Feature string
	Role    Role
	Index   int
	Offset  int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("feature %q@%s: offset %d 超出可用历史（当前指针 %d）", e.Feature, e.Role, e.Offset, e.Index)
}

// UnknownFeatureError 表示引用了未声明的标识符。
// 正常流程里编译期就会拦截，运行期出现说明构建与编译用了不同的声明集。
type UnknownFeatureError struct {
	Feature string
	Field   string
	Known   []string
}

func (e *UnknownFeatureError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("未声明的结构字段: %s.%s（已声明: %v）", e.Feature, e.Field, e.Known)
	}
	return fmt.Sprintf("未声明的特征: %s（已声明: %v）", e.Feature, e.Known)
}
