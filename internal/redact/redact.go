package redact

import "strings"

// Marker 敏感值统一替换为该标记
const Marker = "[REDACTED]"

// 固定的敏感头集合，匹配不区分大小写
var sensitiveHeaders = map[string]struct{}{
	"authorization":  {},
	"cookie":         {},
	"set-cookie":     {},
	"x-api-key":      {},
	"x-auth-token":   {},
	"authentication": {},
}

// IsSensitive 判断头名是否属于敏感集合
func IsSensitive(name string) bool {
	_, ok := sensitiveHeaders[strings.ToLower(name)]
	return ok
}

// Headers 对敏感头进行脱敏并返回新映射，原映射不被修改
func Headers(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if IsSensitive(k) {
			out[k] = Marker
		} else {
			out[k] = v
		}
	}
	return out
}
