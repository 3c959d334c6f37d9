package play

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// playSchema 是 Play 文档的结构 schema。
// 这里只卡文档形状（必填字段、类型、枚举），标识符解析、算子类型检查等
// 语义校验在 dsl 编译期完成。条件节点允许序列/映射两种形式，故保持宽松。
const playSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "symbol", "timeframes", "actions"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "symbol": {"type": "string", "minLength": 1},
    "timeframes": {
      "type": "object",
      "required": ["exec"],
      "properties": {
        "exec": {"type": "string"},
        "mid": {"type": "string"},
        "high": {"type": "string"}
      },
      "additionalProperties": false
    },
    "features": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "kind"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "kind": {"type": "string", "minLength": 1},
          "tf": {"type": "string", "enum": ["exec", "mid", "high"]},
          "params": {"type": "object"}
        }
      }
    },
    "structures": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "kind"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "kind": {"type": "string", "minLength": 1},
          "tf": {"type": "string", "enum": ["exec", "mid", "high"]},
          "params": {"type": "object"},
          "depends": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    },
    "setups": {
      "type": "object",
      "additionalProperties": {"$ref": "#/$defs/condition"}
    },
    "actions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["signal", "when"],
        "properties": {
          "name": {"type": "string"},
          "signal": {"type": "string", "enum": ["open_long", "open_short", "close_long", "close_short"]},
          "size": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
          "capture": {"type": "array", "items": {"type": "string"}},
          "when": {"$ref": "#/$defs/condition"}
        }
      }
    }
  },
  "$defs": {
    "condition": {
      "oneOf": [
        {"type": "array", "minItems": 3, "maxItems": 4},
        {"type": "object"}
      ]
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("play.schema.json", strings.NewReader(playSchema)); err != nil {
		panic(fmt.Sprintf("play schema 注册失败: %v", err))
	}
	sch, err := compiler.Compile("play.schema.json")
	if err != nil {
		panic(fmt.Sprintf("play schema 编译失败: %v", err))
	}
	return sch
}

// validateSchema 对 yaml 解码出的通用文档做 schema 校验。
// 先经过一次 JSON 往返，把 yaml 数值类型归一成 schema 校验器期望的形态。
func validateSchema(doc any) error {
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("play 文档无法序列化: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(buf, &normalized); err != nil {
		return err
	}
	if err := compiledSchema.Validate(normalized); err != nil {
		return fmt.Errorf("play 文档 schema 校验失败: %w", err)
	}
	return nil
}
