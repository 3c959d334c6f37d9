package dsl

import (
	"fmt"
	"strings"
)

// ConfigError 表示编译期结构/类型错误：未知标识符、算子类型不兼容等。
// 出现即阻止 run 启动，没有静默回退。
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

func configErrorf(format string, v ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, v...)}
}

// CircularReferenceError 表示 setup 直接或间接引用了自身。
// 编译期与求值期都有守卫，二者任一命中都立即终止。
type CircularReferenceError struct {
	Setup string
	Stack []string
}

func (e *CircularReferenceError) Error() string {
	return fmt.Sprintf("setup %q 存在循环引用: %s", e.Setup, strings.Join(e.Stack, " -> "))
}
