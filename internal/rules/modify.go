package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"jarvis/pkg/model"
	"jarvis/pkg/rulespec"
)

// ApplyRequestModifications 应用规则的请求修改并返回新快照，恒等修改原样返回
func (e *Engine) ApplyRequestModifications(req model.NetworkRequest, rule rulespec.NetworkRule) model.NetworkRequest {
	m := rule.RequestModifications
	if m.IsEmpty() {
		return req
	}

	out := req
	out.Headers = applyHeaderMods(req.Headers, m.AddHeaders, m.ModifyHeaders, m.RemoveHeaders)
	if m.URL != nil {
		out.URL = *m.URL
	}
	if m.Method != nil {
		out.Method = model.ParseMethod(*m.Method)
	}
	if m.Body != nil {
		b := *m.Body
		out.Body = &b
		out.BodySize = int64(len(b))
	}
	if len(m.BodyPatches) > 0 && out.Body != nil {
		if patched, ok := PatchJSONBody(*out.Body, m.BodyPatches); ok {
			out.Body = &patched
			out.BodySize = int64(len(patched))
		}
	}
	if ct := headerValue(out.Headers, "content-type"); ct != "" {
		out.ContentType = ct
	}
	return out
}

// ApplyResponseModifications 应用规则的响应修改并返回新快照，恒等修改原样返回
func (e *Engine) ApplyResponseModifications(resp model.NetworkResponse, rule rulespec.NetworkRule) model.NetworkResponse {
	m := rule.ResponseModifications
	if m.IsEmpty() {
		return resp
	}

	out := resp
	out.Headers = applyHeaderMods(resp.Headers, m.AddHeaders, m.ModifyHeaders, m.RemoveHeaders)
	if m.StatusCode != nil {
		out.StatusCode = *m.StatusCode
	}
	if m.StatusMessage != nil {
		out.StatusMessage = *m.StatusMessage
	}
	if m.Body != nil {
		b := *m.Body
		out.Body = &b
		out.BodySize = int64(len(b))
	}
	if len(m.BodyPatches) > 0 && out.Body != nil {
		if patched, ok := PatchJSONBody(*out.Body, m.BodyPatches); ok {
			out.Body = &patched
			out.BodySize = int64(len(patched))
		}
	}
	if ct := headerValue(out.Headers, "content-type"); ct != "" {
		out.ContentType = ct
	}
	return out
}

// CreateMockResponse 按规则的响应修改合成响应模型，未指定项取默认值 200/"OK"/空体
func (e *Engine) CreateMockResponse(req model.NetworkRequest, rule rulespec.NetworkRule) model.NetworkResponse {
	resp := model.NetworkResponse{
		StatusCode:    200,
		StatusMessage: "OK",
		Headers:       make(map[string]string),
		Timestamp:     time.Now().UnixMilli(),
	}

	m := rule.ResponseModifications
	if m == nil {
		return resp
	}
	if m.StatusCode != nil {
		resp.StatusCode = *m.StatusCode
	}
	if m.StatusMessage != nil {
		resp.StatusMessage = *m.StatusMessage
	}
	for k, v := range m.AddHeaders {
		resp.Headers[k] = v
	}
	for k, v := range m.ModifyHeaders {
		resp.Headers[k] = v
	}
	if m.Body != nil {
		b := *m.Body
		resp.Body = &b
		resp.BodySize = int64(len(b))
	}
	resp.ContentType = headerValue(resp.Headers, "content-type")
	return resp
}

// applyHeaderMods 复制原头并依次执行移除/新增/覆写，移除不区分大小写
func applyHeaderMods(orig, add, modify map[string]string, remove []string) map[string]string {
	out := make(map[string]string, len(orig)+len(add)+len(modify))
	for k, v := range orig {
		out[k] = v
	}
	for _, name := range remove {
		for k := range out {
			if strings.EqualFold(k, name) {
				delete(out, k)
			}
		}
	}
	for k, v := range add {
		out[k] = v
	}
	for k, v := range modify {
		out[k] = v
	}
	return out
}

// PatchJSONBody 依次应用 sjson 单点修改，非 JSON 体原样返回，失败的补丁被跳过
func PatchJSONBody(body string, patches []rulespec.JSONBodyPatch) (string, bool) {
	if body == "" || len(patches) == 0 || !gjson.Valid(body) {
		return body, false
	}
	changed := false
	for _, p := range patches {
		next, err := sjson.Set(body, p.Path, p.Value)
		if err != nil {
			continue
		}
		body = next
		changed = true
	}
	return body, changed
}

// headerValue 按不区分大小写的头名取值
func headerValue(h map[string]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// DescribeRequestModifications 生成请求修改的可读描述，用于审计记录
func DescribeRequestModifications(m *rulespec.RequestModifications) []string {
	if m.IsEmpty() {
		return nil
	}
	var out []string
	for k := range m.AddHeaders {
		out = append(out, fmt.Sprintf("添加请求头 %s", k))
	}
	for k := range m.ModifyHeaders {
		out = append(out, fmt.Sprintf("覆写请求头 %s", k))
	}
	for _, k := range m.RemoveHeaders {
		out = append(out, fmt.Sprintf("移除请求头 %s", k))
	}
	if m.URL != nil {
		out = append(out, fmt.Sprintf("重写 URL 为 %s", *m.URL))
	}
	if m.Method != nil {
		out = append(out, fmt.Sprintf("重写方法为 %s", *m.Method))
	}
	if m.Body != nil {
		out = append(out, "替换请求体")
	}
	for _, p := range m.BodyPatches {
		out = append(out, fmt.Sprintf("修改请求体字段 %s", p.Path))
	}
	return out
}

// DescribeResponseModifications 生成响应修改的可读描述，用于审计记录
func DescribeResponseModifications(m *rulespec.ResponseModifications) []string {
	if m.IsEmpty() {
		return nil
	}
	var out []string
	for k := range m.AddHeaders {
		out = append(out, fmt.Sprintf("添加响应头 %s", k))
	}
	for k := range m.ModifyHeaders {
		out = append(out, fmt.Sprintf("覆写响应头 %s", k))
	}
	for _, k := range m.RemoveHeaders {
		out = append(out, fmt.Sprintf("移除响应头 %s", k))
	}
	if m.StatusCode != nil {
		out = append(out, fmt.Sprintf("重写状态码为 %d", *m.StatusCode))
	}
	if m.Body != nil {
		out = append(out, "替换响应体")
	}
	for _, p := range m.BodyPatches {
		out = append(out, fmt.Sprintf("修改响应体字段 %s", p.Path))
	}
	if m.DelayMS > 0 {
		out = append(out, fmt.Sprintf("注入延迟 %dms", m.DelayMS))
	}
	return out
}
