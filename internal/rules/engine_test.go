package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jarvis/pkg/model"
	"jarvis/pkg/rulespec"
)

func reqFor(method, rawURL string) model.NetworkRequest {
	return model.NetworkRequest{URL: rawURL, Method: model.ParseMethod(method)}
}

func TestMatchHost(t *testing.T) {
	cases := []struct {
		pattern string
		host    string
		want    bool
	}{
		{"api.example.com", "api.example.com", true},
		{"api.example.com", "API.EXAMPLE.COM", true},
		{"api.example.com", "www.example.com", false},
		{"*", "anything.at.all", true},
		{"*.example.com", "api.example.com", true},
		{"*.example.com", "a.b.example.com", true},
		{"*.example.com", "example.org", false},
		{"api.*", "api.example.com", true},
		{"api.*", "www.example.com", false},
	}
	for _, c := range cases {
		got := Matches(rulespec.RuleOrigin{Host: c.pattern}, reqFor("GET", "https://"+c.host+"/"))
		assert.Equal(t, c.want, got, "pattern=%s host=%s", c.pattern, c.host)
	}
}

func TestMatchPath(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/v1/users", "/v1/users", true},
		{"/v1/users", "/v1/USERS", true},
		{"/v1/users", "/v1/users/7", false},
		{"*", "/whatever", true},
		{"/v1/**", "/v1", true},
		{"/v1/**", "/v1/users/7/avatar", true},
		{"/v1/**", "/v2/users", false},
		{"/v1/*", "/v1/users", true},
		{"/v1/*", "/v1/users/7", false},
		{"/v1/*", "/v1/", false},
		{"/v1/*/avatar", "/v1/users/avatar", true},
		{"/v1/*/avatar", "/v1/users/7/avatar", true},
		{"/v1/*/avatar", "/v1/users", false},
	}
	for _, c := range cases {
		got := Matches(rulespec.RuleOrigin{Path: c.pattern}, reqFor("GET", "https://example.com"+c.path))
		assert.Equal(t, c.want, got, "pattern=%s path=%s", c.pattern, c.path)
	}
}

func TestMatchQuery(t *testing.T) {
	empty := ""
	sub := "id=7"
	wild := "token=*"
	both := "id=7&token=*"

	// 子集匹配：模式键必须存在且值相等
	assert.True(t, Matches(rulespec.RuleOrigin{Query: &sub}, reqFor("GET", "https://e.com/a?id=7&extra=1")))
	assert.False(t, Matches(rulespec.RuleOrigin{Query: &sub}, reqFor("GET", "https://e.com/a?id=8")))
	assert.False(t, Matches(rulespec.RuleOrigin{Query: &sub}, reqFor("GET", "https://e.com/a")))

	// 值 * 仅要求键存在
	assert.True(t, Matches(rulespec.RuleOrigin{Query: &wild}, reqFor("GET", "https://e.com/a?token=abc")))
	assert.False(t, Matches(rulespec.RuleOrigin{Query: &wild}, reqFor("GET", "https://e.com/a?other=1")))
	assert.True(t, Matches(rulespec.RuleOrigin{Query: &both}, reqFor("GET", "https://e.com/a?id=7&token=x")))

	// 空模式仅匹配无查询串的请求
	assert.True(t, Matches(rulespec.RuleOrigin{Query: &empty}, reqFor("GET", "https://e.com/a")))
	assert.False(t, Matches(rulespec.RuleOrigin{Query: &empty}, reqFor("GET", "https://e.com/a?id=7")))

	// Query 未设置时不构成约束
	assert.True(t, Matches(rulespec.RuleOrigin{}, reqFor("GET", "https://e.com/a?id=7")))
}

func TestMatchPort(t *testing.T) {
	p443 := 443
	p80 := 80
	p8080 := 8080

	// 未显式指定端口时按 scheme 推断
	assert.True(t, Matches(rulespec.RuleOrigin{Port: &p443}, reqFor("GET", "https://e.com/a")))
	assert.True(t, Matches(rulespec.RuleOrigin{Port: &p80}, reqFor("GET", "http://e.com/a")))
	assert.False(t, Matches(rulespec.RuleOrigin{Port: &p8080}, reqFor("GET", "https://e.com/a")))
	assert.True(t, Matches(rulespec.RuleOrigin{Port: &p8080}, reqFor("GET", "http://e.com:8080/a")))
}

func TestMatchProtocolAndMethod(t *testing.T) {
	assert.True(t, Matches(rulespec.RuleOrigin{Protocols: []string{"HTTPS"}}, reqFor("GET", "https://e.com/")))
	assert.False(t, Matches(rulespec.RuleOrigin{Protocols: []string{"http"}}, reqFor("GET", "https://e.com/")))
	assert.True(t, Matches(rulespec.RuleOrigin{Method: "post"}, reqFor("POST", "https://e.com/")))
	assert.False(t, Matches(rulespec.RuleOrigin{Method: "POST"}, reqFor("GET", "https://e.com/")))
}

func TestMatchBodyJSON(t *testing.T) {
	body := `{"user":{"name":"alice","admin":true}}`
	req := reqFor("POST", "https://e.com/api")
	req.Body = &body

	assert.True(t, Matches(rulespec.RuleOrigin{BodyJSONPath: "user.name"}, req))
	assert.True(t, Matches(rulespec.RuleOrigin{BodyJSONPath: "user.name", BodyJSONValue: "alice"}, req))
	assert.False(t, Matches(rulespec.RuleOrigin{BodyJSONPath: "user.name", BodyJSONValue: "bob"}, req))
	assert.False(t, Matches(rulespec.RuleOrigin{BodyJSONPath: "user.email"}, req))

	noBody := reqFor("POST", "https://e.com/api")
	assert.False(t, Matches(rulespec.RuleOrigin{BodyJSONPath: "user.name"}, noBody))
}

func TestOriginAllFieldsAreAnded(t *testing.T) {
	origin := rulespec.RuleOrigin{
		Host:   "*.example.com",
		Path:   "/v1/**",
		Method: "GET",
	}
	assert.True(t, Matches(origin, reqFor("GET", "https://api.example.com/v1/users")))
	// 任一字段不命中即整体不命中
	assert.False(t, Matches(origin, reqFor("POST", "https://api.example.com/v1/users")))
	assert.False(t, Matches(origin, reqFor("GET", "https://api.example.org/v1/users")))
	assert.False(t, Matches(origin, reqFor("GET", "https://api.example.com/v2/users")))
}

func TestFindMatchingRulesOrderAndEnabled(t *testing.T) {
	e := New(nil)
	e.Update([]rulespec.NetworkRule{
		{ID: "r-later", Enabled: true, Mode: rulespec.ModeInspect, Position: 2, Origin: rulespec.RuleOrigin{Host: "*"}},
		{ID: "r-first", Enabled: true, Mode: rulespec.ModeMock, Position: 1, Origin: rulespec.RuleOrigin{Host: "*"}},
		{ID: "r-off", Enabled: false, Mode: rulespec.ModeMock, Position: 0, Origin: rulespec.RuleOrigin{Host: "*"}},
	})

	txn := model.NewTransaction(reqFor("GET", "https://e.com/a"))
	out := e.FindMatchingRules(txn)
	require.Len(t, out, 2)
	// 存储顺序决定优先级，停用规则不参与
	assert.Equal(t, "r-first", out[0].ID)
	assert.Equal(t, "r-later", out[1].ID)

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Matched)
	assert.Equal(t, int64(1), stats.ByRule["r-first"])
}

func TestFindMatchingRulesNoMatchCounts(t *testing.T) {
	e := New(nil)
	e.Update([]rulespec.NetworkRule{
		{ID: "r1", Enabled: true, Origin: rulespec.RuleOrigin{Host: "other.com"}},
	})

	out := e.FindMatchingRules(model.NewTransaction(reqFor("GET", "https://e.com/a")))
	assert.Empty(t, out)

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(0), stats.Matched)
}

func TestGlobCacheReusesCompiledPattern(t *testing.T) {
	pattern := "/cache/*/detail"
	origin := rulespec.RuleOrigin{Path: pattern}

	assert.True(t, Matches(origin, reqFor("GET", "https://e.com/cache/a/detail")))
	globs.mu.RLock()
	first := globs.m[pattern]
	globs.mu.RUnlock()
	require.NotNil(t, first)

	// 重复评估命中缓存，不再重新编译
	assert.True(t, Matches(origin, reqFor("GET", "https://e.com/cache/b/detail")))
	globs.mu.RLock()
	second := globs.m[pattern]
	globs.mu.RUnlock()
	assert.Same(t, first, second)
}

func TestUpdateReplacesRuleSet(t *testing.T) {
	e := New(nil)
	e.Update([]rulespec.NetworkRule{
		{ID: "r1", Enabled: true, Origin: rulespec.RuleOrigin{Host: "*"}},
	})
	require.Len(t, e.FindMatchingRules(model.NewTransaction(reqFor("GET", "https://e.com/"))), 1)

	e.Update(nil)
	assert.Empty(t, e.FindMatchingRules(model.NewTransaction(reqFor("GET", "https://e.com/"))))
}
