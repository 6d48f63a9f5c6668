// Package dal 通用数据访问层：按表名的 CRUD + 入参校验钩子
package dal

import (
	"fmt"
	"strings"
)

// Validator 入参校验钩子。实现必须是纯函数：返回清洗后的拷贝，
// 不得原地修改调用方传入的 map。
type Validator interface {
	Validate(params map[string]interface{}) (map[string]interface{}, error)
}

// NoopValidator 不做任何校验（上游已充分校验的层使用）
type NoopValidator struct{}

func (NoopValidator) Validate(params map[string]interface{}) (map[string]interface{}, error) {
	return params, nil
}

// DisallowMode 命中禁用列表时的处理方式
type DisallowMode int

const (
	// ModeReject 拒绝整个调用
	ModeReject DisallowMode = iota
	// ModeSanitize 剔除命中片段后放行
	ModeSanitize
)

// DisallowValidator 基于禁用子串列表的校验器（纵深防御，
// 拦截混入参数的查询片段等畸形输入）。
type DisallowValidator struct {
	Patterns []string
	Mode     DisallowMode
}

// DefaultPatterns 默认禁用片段
var DefaultPatterns = []string{
	"--", "/*", "*/", ";", "xp_", "0x",
	" drop ", " truncate ", " exec ",
}

// NewDisallowValidator 创建校验器，patterns 为空时使用默认列表
func NewDisallowValidator(mode DisallowMode, patterns ...string) *DisallowValidator {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return &DisallowValidator{Patterns: patterns, Mode: mode}
}

// Validate 返回清洗后的拷贝；ModeReject 下命中即报错
func (v *DisallowValidator) Validate(params map[string]interface{}) (map[string]interface{}, error) {
	if params == nil {
		return nil, nil
	}

	out := make(map[string]interface{}, len(params))
	for key, value := range params {
		s, ok := value.(string)
		if !ok {
			out[key] = value
			continue
		}

		cleaned := s
		for _, pattern := range v.Patterns {
			if pattern == "" {
				continue
			}
			if strings.Contains(strings.ToLower(cleaned), pattern) {
				if v.Mode == ModeReject {
					return nil, fmt.Errorf("parameter %q contains disallowed sequence %q", key, pattern)
				}
				cleaned = removeFold(cleaned, pattern)
			}
		}
		out[key] = cleaned
	}
	return out, nil
}

// removeFold 大小写不敏感地删除所有命中片段
func removeFold(s, pattern string) string {
	lower := strings.ToLower(s)
	lp := strings.ToLower(pattern)
	var b strings.Builder
	for {
		idx := strings.Index(lower, lp)
		if idx < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:idx])
		s = s[idx+len(pattern):]
		lower = lower[idx+len(lp):]
	}
}
