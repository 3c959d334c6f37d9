// Package play 定义策略声明文档（Play）的表层结构：
// 特征/结构声明、命名 setup 与动作条件树。文档本身不含任何求值语义，
// 语义校验与编译由 internal/dsl 完成。
package play

import (
	"fmt"
	"strings"
)

// Play 是一份完整的策略声明文档。
type Play struct {
	Name       string                   `yaml:"name"`
	Symbol     string                   `yaml:"symbol"`
	Timeframes map[string]string        `yaml:"timeframes"` // role(exec/mid/high) → 周期 key
	Features   []FeatureSpec            `yaml:"features"`
	Structures []StructureSpec          `yaml:"structures"`
	Setups     map[string]ConditionNode `yaml:"setups"`
	Actions    []ActionSpec             `yaml:"actions"`
}

// FeatureSpec 声明一个指标特征。
type FeatureSpec struct {
	ID     string         `yaml:"id"`
	Kind   string         `yaml:"kind"`
	TF     string         `yaml:"tf"` // 角色名，缺省 exec
	Params map[string]any `yaml:"params"`
}

// StructureSpec 声明一个市场结构检测器。
// Depends 把检测器需要的输入 key 映射到其他已声明结构的 id。
type StructureSpec struct {
	ID      string            `yaml:"id"`
	Kind    string            `yaml:"kind"`
	TF      string            `yaml:"tf"`
	Params  map[string]any    `yaml:"params"`
	Depends map[string]string `yaml:"depends"`
}

// ActionSpec 声明一个动作：条件树为真时发出信号。
type ActionSpec struct {
	Name    string        `yaml:"name"`
	Signal  string        `yaml:"signal"` // open_long/open_short/close_long/close_short
	Size    float64       `yaml:"size"`   // 仓位比例 (0,1]，缺省 1
	Capture []string      `yaml:"capture"`
	When    ConditionNode `yaml:"when"`
}

var validSignals = map[string]bool{
	"open_long": true, "open_short": true,
	"close_long": true, "close_short": true,
}

// Validate 做文档级完整性检查（不含语义编译）。
func (p *Play) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("play: name 不能为空")
	}
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("play %s: symbol 不能为空", p.Name)
	}
	if _, ok := p.Timeframes["exec"]; !ok {
		return fmt.Errorf("play %s: timeframes 必须包含 exec", p.Name)
	}
	for role := range p.Timeframes {
		switch role {
		case "exec", "mid", "high":
		default:
			return fmt.Errorf("play %s: 未知周期角色 %q（可用: exec/mid/high）", p.Name, role)
		}
	}
	seen := make(map[string]string)
	for _, f := range p.Features {
		if strings.TrimSpace(f.ID) == "" {
			return fmt.Errorf("play %s: feature id 不能为空", p.Name)
		}
		if prev, dup := seen[f.ID]; dup {
			return fmt.Errorf("play %s: 标识符 %q 重复声明（已作为 %s）", p.Name, f.ID, prev)
		}
		seen[f.ID] = "feature"
	}
	for _, s := range p.Structures {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("play %s: structure id 不能为空", p.Name)
		}
		if prev, dup := seen[s.ID]; dup {
			return fmt.Errorf("play %s: 标识符 %q 重复声明（已作为 %s）", p.Name, s.ID, prev)
		}
		seen[s.ID] = "structure"
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("play %s: 至少需要一个 action", p.Name)
	}
	names := make(map[string]bool)
	for i := range p.Actions {
		a := &p.Actions[i]
		if !validSignals[a.Signal] {
			return fmt.Errorf("play %s: action #%d signal %q 非法", p.Name, i+1, a.Signal)
		}
		if a.Name == "" {
			a.Name = a.Signal
		}
		if names[a.Name] {
			return fmt.Errorf("play %s: action 名称 %q 重复", p.Name, a.Name)
		}
		names[a.Name] = true
		if a.Size == 0 {
			a.Size = 1
		}
		if a.Size < 0 || a.Size > 1 {
			return fmt.Errorf("play %s: action %s size 需在 (0,1]", p.Name, a.Name)
		}
		if a.When.IsZero() {
			return fmt.Errorf("play %s: action %s 缺少 when 条件", p.Name, a.Name)
		}
	}
	return nil
}
