package interceptor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"jarvis/internal/logger"
	"jarvis/internal/rules"
	"jarvis/pkg/model"
	"jarvis/pkg/rulespec"
)

// RuleSource 拦截器消费的规则来源，返回按存储顺序排列的启用且命中的规则
type RuleSource interface {
	FindMatchingRules(txn model.NetworkTransaction) []rulespec.NetworkRule
	CreateMockResponse(req model.NetworkRequest, rule rulespec.NetworkRule) model.NetworkResponse
	ApplyRequestModifications(req model.NetworkRequest, rule rulespec.NetworkRule) model.NetworkRequest
	ApplyResponseModifications(resp model.NetworkResponse, rule rulespec.NetworkRule) model.NetworkResponse
}

// Sink 拦截器的事件出口，所有入口都必须即发即弃
type Sink interface {
	OnRequestSent(txn model.NetworkTransaction)
	OnResponseReceived(txn model.NetworkTransaction)
	OnFailure(txn model.NetworkTransaction, err error)
	OnRuleApplied(res rulespec.RuleApplicationResult)
}

// Interceptor HTTP 客户端链路的拦截环：捕获每次出站请求/响应，
// 评估规则并按 INSPECT/MOCK 模式改写或短路，最后将完成的事务交给采集器。
// 实现 http.RoundTripper，可直接作为 http.Client 的 Transport
type Interceptor struct {
	base      http.RoundTripper
	rules     RuleSource
	collector Sink
	maxBody   int64
	log       logger.Logger
}

// Config 拦截器配置选项，Rules 与 Collector 为必填项
type Config struct {
	Base             http.RoundTripper // 缺省为 http.DefaultTransport
	Rules            RuleSource
	Collector        Sink
	MaxContentLength int64 // 缺省为 MaxContentLength
	Logger           logger.Logger
}

// New 创建拦截器，缺少必要协作方时立即失败
func New(cfg Config) (*Interceptor, error) {
	if cfg.Rules == nil {
		return nil, errors.New("jarvis: interceptor requires a rule source")
	}
	if cfg.Collector == nil {
		return nil, errors.New("jarvis: interceptor requires a collector")
	}
	if cfg.Base == nil {
		cfg.Base = http.DefaultTransport
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = MaxContentLength
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoop()
	}
	return &Interceptor{
		base:      cfg.Base,
		rules:     cfg.Rules,
		collector: cfg.Collector,
		maxBody:   cfg.MaxContentLength,
		log:       cfg.Logger,
	}, nil
}

// RoundTrip 处理一次出站调用：捕获、匹配、改写或合成、转发、采集。
// 持久化全部即发即弃，真实网络错误原样透传
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	captured, fullBody := i.captureRequest(req)
	txn := model.NewTransaction(captured)

	matched := i.rules.FindMatchingRules(txn)
	var winning *rulespec.NetworkRule
	if len(matched) > 0 {
		winning = &matched[0]
	}

	if winning != nil && winning.Mode == rulespec.ModeMock {
		return i.mock(req, txn, *winning)
	}

	outReq := req
	if winning != nil {
		outReq = i.rewriteRequest(req, *winning, captured.Body, fullBody)
		// 快照同步应用修改，历史记录反映实际发出的请求
		txn.Request = i.rules.ApplyRequestModifications(txn.Request, *winning)
		mods := rules.DescribeRequestModifications(winning.RequestModifications)
		mods = append(mods, rules.DescribeResponseModifications(winning.ResponseModifications)...)
		i.collector.OnRuleApplied(rulespec.RuleApplicationResult{
			RuleID:        winning.ID,
			RuleName:      winning.Name,
			Mode:          winning.Mode,
			Applied:       true,
			Modifications: mods,
			TransactionID: string(txn.ID),
			Timestamp:     time.Now().UnixMilli(),
		})
	}

	// 请求事件在真实调用结果未知前即发即弃，不得阻塞出站链路
	i.collector.OnRequestSent(txn)

	resp, err := i.base.RoundTrip(outReq)
	if err != nil {
		failed := txn.WithError(err.Error())
		i.collector.OnFailure(failed, err)
		return nil, err
	}

	respModel, respFull := i.captureResponse(resp)
	out := resp
	if winning != nil && !winning.ResponseModifications.IsEmpty() {
		m := winning.ResponseModifications
		respModel = i.rules.ApplyResponseModifications(respModel, *winning)
		i.applyResponseMods(resp, m, respFull)
		if m.DelayMS > 0 {
			time.Sleep(time.Duration(m.DelayMS) * time.Millisecond)
		}
	}

	done := txn.WithResponse(respModel)
	i.collector.OnResponseReceived(done)
	return out, nil
}

// mock 按规则合成响应并短路真实网络调用
func (i *Interceptor) mock(req *http.Request, txn model.NetworkTransaction, rule rulespec.NetworkRule) (*http.Response, error) {
	m := rule.ResponseModifications
	mockModel := i.rules.CreateMockResponse(txn.Request, rule)

	i.collector.OnRuleApplied(rulespec.RuleApplicationResult{
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		Mode:          rule.Mode,
		Applied:       true,
		Modifications: rules.DescribeResponseModifications(m),
		TransactionID: string(txn.ID),
		Timestamp:     time.Now().UnixMilli(),
	})
	i.collector.OnRequestSent(txn)
	i.collector.OnResponseReceived(txn.WithResponse(mockModel))

	if m != nil && m.DelayMS > 0 {
		time.Sleep(time.Duration(m.DelayMS) * time.Millisecond)
	}

	// RoundTripper 契约要求任何路径都关闭请求体，短路时底层传输不会代劳
	if req.Body != nil {
		_ = req.Body.Close()
	}

	i.log.Debug("合成响应已返回，真实调用被短路", "rule", rule.ID, "url", txn.Request.URL, "status", mockModel.StatusCode)
	return buildHTTPResponse(mockModel, req, nil), nil
}

// rewriteRequest 将规则的请求修改应用到真实出站请求的副本上。
// 体补丁仅在体被完整捕获时生效
func (i *Interceptor) rewriteRequest(req *http.Request, rule rulespec.NetworkRule, rawBody *string, fullBody bool) *http.Request {
	m := rule.RequestModifications
	if m.IsEmpty() {
		return req
	}

	out := req.Clone(req.Context())
	for _, name := range m.RemoveHeaders {
		out.Header.Del(name)
	}
	for k, v := range m.AddHeaders {
		out.Header.Set(k, v)
	}
	for k, v := range m.ModifyHeaders {
		out.Header.Set(k, v)
	}
	if m.URL != nil {
		if u, err := url.Parse(*m.URL); err == nil {
			out.URL = u
			out.Host = u.Host
		} else {
			i.log.Warn("规则 URL 重写无效，保留原 URL", "rule", rule.ID, "url", *m.URL)
		}
	}
	if m.Method != nil {
		out.Method = strings.ToUpper(*m.Method)
	}

	var newBody *string
	if m.Body != nil {
		newBody = m.Body
	} else if len(m.BodyPatches) > 0 && fullBody && rawBody != nil {
		if patched, ok := rules.PatchJSONBody(*rawBody, m.BodyPatches); ok {
			newBody = &patched
		}
	}
	if newBody != nil {
		raw := []byte(*newBody)
		out.Body = io.NopCloser(bytes.NewReader(raw))
		out.ContentLength = int64(len(raw))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(raw)), nil
		}
		out.Header.Set("Content-Length", strconv.Itoa(len(raw)))
	}
	return out
}

// applyResponseMods 将规则的响应修改直接应用到真实响应对象上，
// 返回给调用方的对象不经过脱敏
func (i *Interceptor) applyResponseMods(resp *http.Response, m *rulespec.ResponseModifications, fullBody bool) {
	for _, name := range m.RemoveHeaders {
		resp.Header.Del(name)
	}
	for k, v := range m.AddHeaders {
		resp.Header.Set(k, v)
	}
	for k, v := range m.ModifyHeaders {
		resp.Header.Set(k, v)
	}

	if m.StatusCode != nil {
		msg := http.StatusText(*m.StatusCode)
		if m.StatusMessage != nil {
			msg = *m.StatusMessage
		}
		resp.StatusCode = *m.StatusCode
		resp.Status = fmt.Sprintf("%d %s", *m.StatusCode, msg)
	}

	var newBody *string
	if m.Body != nil {
		newBody = m.Body
	} else if len(m.BodyPatches) > 0 && fullBody && resp.Body != nil {
		buf, err := io.ReadAll(resp.Body)
		if err == nil {
			if patched, ok := rules.PatchJSONBody(string(buf), m.BodyPatches); ok {
				newBody = &patched
			} else {
				s := string(buf)
				newBody = &s
			}
		}
	}
	if newBody != nil {
		// 排空并关闭被替换的原始体，保持底层连接可复用
		if resp.Body != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		raw := []byte(*newBody)
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		resp.ContentLength = int64(len(raw))
		resp.Header.Set("Content-Length", strconv.Itoa(len(raw)))
	}
}
