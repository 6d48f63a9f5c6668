package audit

import (
	"fmt"
	"strings"
	"unicode"
)

// SanitizeValues 脱敏敏感参数。返回拷贝，不修改调用方传入的 map。
func SanitizeValues(values map[string]interface{}) map[string]interface{} {
	if values == nil {
		return map[string]interface{}{}
	}

	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = sanitizeValue(k, v)
	}
	return out
}

func sanitizeValue(key string, value interface{}) interface{} {
	if isSensitiveKey(key) {
		return "***"
	}

	switch typed := value.(type) {
	case map[string]interface{}:
		return SanitizeValues(typed)
	case []interface{}:
		cp := make([]interface{}, 0, len(typed))
		for i, item := range typed {
			// 数组元素使用索引作为 key，避免父级 key 误判
			elemKey := fmt.Sprintf("[%d]", i)
			if m, ok := item.(map[string]interface{}); ok {
				cp = append(cp, SanitizeValues(m))
			} else {
				cp = append(cp, sanitizeValue(elemKey, item))
			}
		}
		return cp
	case string:
		if shouldMaskPartial(key, typed) {
			return maskPreserveEnds(typed, 2, 2)
		}
		return typed
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	return strings.Contains(k, "password") ||
		strings.Contains(k, "passwd") ||
		strings.Contains(k, "pwd") ||
		strings.Contains(k, "secret") ||
		strings.Contains(k, "token") ||
		strings.Contains(k, "cvv") ||
		strings.Contains(k, "card_number") ||
		strings.Contains(k, "cardnumber") ||
		strings.Contains(k, "apikey") ||
		strings.Contains(k, "api_key") ||
		(k == "key") ||
		strings.HasSuffix(k, "_key")
}

func shouldMaskPartial(key, value string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if strings.Contains(k, "phone") || strings.Contains(k, "mobile") || strings.Contains(k, "tel") {
		return true
	}

	// 值本身看起来像手机号/卡号：数字占比高且长度足够
	digits := 0
	for _, r := range value {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if len(value) >= 7 && digits >= len(value)-2 {
		return true
	}
	return false
}

func maskPreserveEnds(s string, prefixKeep, suffixKeep int) string {
	runes := []rune(s)
	if prefixKeep < 0 {
		prefixKeep = 0
	}
	if suffixKeep < 0 {
		suffixKeep = 0
	}
	if len(runes) <= prefixKeep+suffixKeep {
		return "***"
	}
	maskedLen := len(runes) - prefixKeep - suffixKeep
	return string(runes[:prefixKeep]) + strings.Repeat("*", maskedLen) + string(runes[len(runes)-suffixKeep:])
}
