package play

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load 读取并校验一份 Play 文档。
// 顺序：schema 形状校验 → 结构解码 → 文档级 Validate。
// 语义编译（标识符解析、算子类型检查）由调用方交给 dsl.Compile。
func Load(path string) (*Play, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 play 失败 (%s): %w", path, err)
	}
	return Parse(raw)
}

// Parse 从 YAML 字节解析 Play。
func Parse(raw []byte) (*Play, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("play YAML 解析失败: %w", err)
	}
	if err := validateSchema(generic); err != nil {
		return nil, err
	}
	var p Play
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("play 解码失败: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadDir 读取目录下全部 *.yaml / *.yml Play（按文件名排序）。
func LoadDir(dir string) (map[string]*Play, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("读取 play 目录失败 (%s): %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make(map[string]*Play, len(names))
	for _, name := range names {
		p, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if _, dup := out[p.Name]; dup {
			return nil, fmt.Errorf("%s: play 名称 %q 重复", name, p.Name)
		}
		out[p.Name] = p
	}
	return out, nil
}
