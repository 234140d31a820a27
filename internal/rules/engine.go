package rules

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"jarvis/internal/logger"
	"jarvis/pkg/model"
	"jarvis/pkg/rulespec"
)

// Engine 规则引擎：持有按存储顺序排列的规则集并对事务进行匹配
type Engine struct {
	mu      sync.RWMutex
	rules   []rulespec.NetworkRule
	total   int64
	matched int64
	byRule  map[string]int64
	log     logger.Logger
}

// New 创建规则引擎
func New(log logger.Logger) *Engine {
	if log == nil {
		log = logger.NewNoop()
	}
	return &Engine{log: log, byRule: make(map[string]int64)}
}

// Update 替换引擎内的规则集，按 Position 稳定排序
func (e *Engine) Update(rules []rulespec.NetworkRule) {
	cp := make([]rulespec.NetworkRule, len(rules))
	copy(cp, rules)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Position < cp[j].Position })

	e.mu.Lock()
	e.rules = cp
	e.mu.Unlock()
}

// FindMatchingRules 返回按存储顺序排列的启用且命中的规则，首条决定生效模式。
// 评估过程中的任何 panic 都按"无匹配"处理，规则缺陷不得影响请求链路。
func (e *Engine) FindMatchingRules(txn model.NetworkTransaction) (out []rulespec.NetworkRule) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("规则评估异常，按无匹配处理", "panic", r, "url", txn.Request.URL)
			out = nil
		}
	}()

	e.mu.Lock()
	e.total++
	rs := e.rules
	e.mu.Unlock()

	for i := range rs {
		if !rs[i].Enabled {
			continue
		}
		if Matches(rs[i].Origin, txn.Request) {
			out = append(out, rs[i])
		}
	}

	if len(out) > 0 {
		e.mu.Lock()
		e.matched++
		e.byRule[out[0].ID]++
		e.mu.Unlock()
	}
	return out
}

// Stats 返回规则引擎的命中统计信息
func (e *Engine) Stats() model.EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := make(map[string]int64, len(e.byRule))
	for k, v := range e.byRule {
		m[k] = v
	}
	return model.EngineStats{Total: e.total, Matched: e.matched, ByRule: m}
}

// Matches 判断请求是否满足 origin 的全部既有约束（逻辑与），
// 缺省字段不构成约束
func Matches(o rulespec.RuleOrigin, req model.NetworkRequest) bool {
	if len(o.Protocols) > 0 && !matchProtocol(o.Protocols, req.Protocol()) {
		return false
	}
	if o.Host != "" && !matchHost(o.Host, hostOf(req.URL)) {
		return false
	}
	if o.Port != nil && !matchPort(*o.Port, req) {
		return false
	}
	if o.Path != "" && !matchPath(o.Path, pathOf(req.URL)) {
		return false
	}
	if o.Query != nil && !matchQuery(*o.Query, rawQueryOf(req.URL)) {
		return false
	}
	if o.Method != "" && !strings.EqualFold(o.Method, string(req.Method)) {
		return false
	}
	if o.BodyJSONPath != "" && !matchBodyJSON(o.BodyJSONPath, o.BodyJSONValue, req) {
		return false
	}
	return true
}

// matchProtocol scheme 必须属于白名单，大小写不敏感
func matchProtocol(protocols []string, scheme string) bool {
	for _, p := range protocols {
		if strings.EqualFold(p, scheme) {
			return true
		}
	}
	return false
}

// matchHost 支持精确、*、*.suffix、prefix.* 四种形态
func matchHost(pattern, host string) bool {
	p := strings.ToLower(pattern)
	h := strings.ToLower(host)
	switch {
	case p == "*":
		return true
	case strings.HasPrefix(p, "*"):
		return strings.HasSuffix(h, strings.TrimPrefix(p, "*"))
	case strings.HasSuffix(p, "*"):
		return strings.HasPrefix(h, strings.TrimSuffix(p, "*"))
	default:
		return h == p
	}
}

// matchPort 端口必须精确相等，未显式指定端口时按 scheme 推断
func matchPort(want int, req model.NetworkRequest) bool {
	port := req.Port()
	return port != nil && *port == want
}

// matchPath 支持 *、prefix/**（任意深度）、prefix/*（恰好一段）、
// 内嵌 * 的通配翻译为正则，其余按精确匹配，均不区分大小写
func matchPath(pattern, path string) bool {
	if pattern == "*" {
		return true
	}
	pat := strings.ToLower(pattern)
	p := strings.ToLower(path)

	if strings.HasSuffix(pat, "/**") {
		prefix := strings.TrimSuffix(pat, "/**")
		return p == prefix || strings.HasPrefix(p, prefix+"/")
	}
	if strings.HasSuffix(pat, "/*") {
		prefix := strings.TrimSuffix(pat, "/*")
		if !strings.HasPrefix(p, prefix+"/") {
			return false
		}
		rest := strings.TrimPrefix(p, prefix+"/")
		return rest != "" && !strings.Contains(rest, "/")
	}
	if strings.Contains(pat, "*") {
		return globs.match(pat, p)
	}
	return p == pat
}

// globCache 以原始通配模式为键缓存翻译出的正则，
// 同一规则集下的重复评估只编译一次
type globCache struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}

var globs = globCache{m: make(map[string]*regexp.Regexp)}

func (c *globCache) match(pat, s string) bool {
	c.mu.RLock()
	re := c.m[pat]
	c.mu.RUnlock()
	if re == nil {
		compiled, err := regexp.Compile(globToRegex(pat))
		if err != nil {
			return false
		}
		c.mu.Lock()
		c.m[pat] = compiled
		c.mu.Unlock()
		re = compiled
	}
	return re.MatchString(s)
}

// globToRegex 将含 * 的通配模式翻译为锚定正则
func globToRegex(pat string) string {
	parts := strings.Split(pat, "*")
	for i := range parts {
		parts[i] = regexp.QuoteMeta(parts[i])
	}
	return "^" + strings.Join(parts, ".*") + "$"
}

// matchQuery 模式中的每个键都必须在实际查询串中存在且值相等，
// 值 * 表示仅要求键存在；空模式仅匹配无查询串的请求
func matchQuery(pattern, rawQuery string) bool {
	want, err := url.ParseQuery(pattern)
	if err != nil {
		return false
	}
	got, err := url.ParseQuery(rawQuery)
	if err != nil {
		return false
	}
	if len(want) == 0 {
		return len(got) == 0
	}
	for key, vals := range want {
		actual, ok := got[key]
		if !ok || len(actual) == 0 {
			return false
		}
		expect := ""
		if len(vals) > 0 {
			expect = vals[0]
		}
		if expect == "*" {
			continue
		}
		if actual[0] != expect {
			return false
		}
	}
	return true
}

// matchBodyJSON 按 gjson 路径探测请求体，期望值为空时仅要求路径存在
func matchBodyJSON(path, value string, req model.NetworkRequest) bool {
	if req.Body == nil {
		return false
	}
	res := gjson.Get(*req.Body, path)
	if !res.Exists() {
		return false
	}
	if value == "" {
		return true
	}
	return res.String() == value
}

// hostOf 安全提取主机名，解析失败时返回空串而非抛出
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// pathOf 安全提取路径，解析失败或为空时回退为根路径
func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// rawQueryOf 安全提取查询串，解析失败时返回空串
func rawQueryOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.RawQuery
}
