package interceptor

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jarvis/internal/redact"
	"jarvis/internal/rules"
	"jarvis/pkg/model"
	"jarvis/pkg/rulespec"
)

// fakeTransport 可编程的底层传输，记录实际发出的请求
type fakeTransport struct {
	calls   int64
	lastReq *http.Request
	resp    *http.Response
	err     error
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	atomic.AddInt64(&f.calls, 1)
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

// fakeSink 同步记录采集事件
type fakeSink struct {
	mu        sync.Mutex
	sent      []model.NetworkTransaction
	received  []model.NetworkTransaction
	failures  []model.NetworkTransaction
	applied   []rulespec.RuleApplicationResult
	failureEr []error
}

func (s *fakeSink) OnRequestSent(txn model.NetworkTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, txn)
}

func (s *fakeSink) OnResponseReceived(txn model.NetworkTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, txn)
}

func (s *fakeSink) OnFailure(txn model.NetworkTransaction, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, txn)
	s.failureEr = append(s.failureEr, err)
}

func (s *fakeSink) OnRuleApplied(res rulespec.RuleApplicationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, res)
}

func textResponse(code int, body string) *http.Response {
	return &http.Response{
		Status:        http.StatusText(code),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func newTestInterceptor(t *testing.T, base http.RoundTripper, ruleSet ...rulespec.NetworkRule) (*Interceptor, *fakeSink, *rules.Engine) {
	t.Helper()
	engine := rules.New(nil)
	engine.Update(ruleSet)
	sink := &fakeSink{}
	ic, err := New(Config{Base: base, Rules: engine, Collector: sink})
	require.NoError(t, err)
	return ic, sink, engine
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Collector: &fakeSink{}})
	assert.Error(t, err)
	_, err = New(Config{Rules: rules.New(nil)})
	assert.Error(t, err)
}

func TestPassThrough(t *testing.T) {
	base := &fakeTransport{resp: textResponse(200, "hello")}
	ic, sink, _ := newTestInterceptor(t, base)

	req, _ := http.NewRequest("GET", "https://example.com/a", nil)
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), base.calls)
	assert.Equal(t, 200, resp.StatusCode)

	// 调用方仍能完整读取响应体
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "hello", string(body))

	require.Len(t, sink.sent, 1)
	require.Len(t, sink.received, 1)
	assert.Empty(t, sink.failures)
	assert.Empty(t, sink.applied)

	assert.Equal(t, model.StatusPending, sink.sent[0].Status)
	assert.Equal(t, model.StatusCompleted, sink.received[0].Status)
	assert.Equal(t, sink.sent[0].ID, sink.received[0].ID)
	require.NotNil(t, sink.received[0].Response)
	require.NotNil(t, sink.received[0].Response.Body)
	assert.Equal(t, "hello", *sink.received[0].Response.Body)
}

func TestMockShortCircuits(t *testing.T) {
	base := &fakeTransport{resp: textResponse(200, "real")}
	code := 418
	mockBody := `{"mock":true}`
	ic, sink, _ := newTestInterceptor(t, base, rulespec.NetworkRule{
		ID:      "mock-1",
		Enabled: true,
		Mode:    rulespec.ModeMock,
		Origin:  rulespec.RuleOrigin{Host: "example.com"},
		ResponseModifications: &rulespec.ResponseModifications{
			StatusCode: &code,
			AddHeaders: map[string]string{"Content-Type": "application/json"},
			Body:       &mockBody,
		},
	})

	req, _ := http.NewRequest("GET", "https://example.com/a", nil)
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)

	// 真实传输从未被调用
	assert.Equal(t, int64(0), base.calls)
	assert.Equal(t, 418, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, mockBody, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	require.Len(t, sink.applied, 1)
	assert.Equal(t, "mock-1", sink.applied[0].RuleID)
	require.Len(t, sink.received, 1)
	assert.Equal(t, model.StatusCompleted, sink.received[0].Status)
}

func TestMockDefaults(t *testing.T) {
	base := &fakeTransport{}
	ic, _, _ := newTestInterceptor(t, base, rulespec.NetworkRule{
		ID:      "mock-default",
		Enabled: true,
		Mode:    rulespec.ModeMock,
		Origin:  rulespec.RuleOrigin{Host: "*"},
	})

	req, _ := http.NewRequest("GET", "https://example.com/a", nil)
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, int64(0), base.calls)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "200 OK", resp.Status)
	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)
}

func TestInspectRequestModifications(t *testing.T) {
	base := &fakeTransport{resp: textResponse(200, "ok")}
	ic, sink, _ := newTestInterceptor(t, base, rulespec.NetworkRule{
		ID:      "inspect-req",
		Enabled: true,
		Mode:    rulespec.ModeInspect,
		Origin:  rulespec.RuleOrigin{Host: "example.com"},
		RequestModifications: &rulespec.RequestModifications{
			AddHeaders:    map[string]string{"X-Injected": "yes"},
			RemoveHeaders: []string{"X-Drop"},
		},
	})

	req, _ := http.NewRequest("GET", "https://example.com/a", nil)
	req.Header.Set("X-Drop", "1")
	_, err := ic.RoundTrip(req)
	require.NoError(t, err)

	require.Equal(t, int64(1), base.calls)
	assert.Equal(t, "yes", base.lastReq.Header.Get("X-Injected"))
	assert.Empty(t, base.lastReq.Header.Get("X-Drop"))

	require.Len(t, sink.applied, 1)
	assert.Equal(t, "inspect-req", sink.applied[0].RuleID)
	assert.True(t, sink.applied[0].Applied)
	assert.NotEmpty(t, sink.applied[0].Modifications)

	// 捕获快照反映实际发出的请求
	require.Len(t, sink.sent, 1)
	assert.Equal(t, "yes", sink.sent[0].Request.Headers["X-Injected"])
	_, ok := sink.sent[0].Request.Headers["X-Drop"]
	assert.False(t, ok)
}

func TestInspectRequestBodyPatch(t *testing.T) {
	base := &fakeTransport{resp: textResponse(200, "ok")}
	ic, _, _ := newTestInterceptor(t, base, rulespec.NetworkRule{
		ID:      "patch-body",
		Enabled: true,
		Mode:    rulespec.ModeInspect,
		Origin:  rulespec.RuleOrigin{Host: "*"},
		RequestModifications: &rulespec.RequestModifications{
			BodyPatches: []rulespec.JSONBodyPatch{{Path: "name", Value: "bob"}},
		},
	})

	req, _ := http.NewRequest("POST", "https://example.com/a", strings.NewReader(`{"name":"alice"}`))
	_, err := ic.RoundTrip(req)
	require.NoError(t, err)

	sent, _ := io.ReadAll(base.lastReq.Body)
	assert.JSONEq(t, `{"name":"bob"}`, string(sent))
}

func TestInspectResponseModifications(t *testing.T) {
	base := &fakeTransport{resp: textResponse(200, `{"ok":true}`)}
	base.resp.Header.Set("Content-Type", "application/json")
	code := 503
	ic, sink, _ := newTestInterceptor(t, base, rulespec.NetworkRule{
		ID:      "inspect-resp",
		Enabled: true,
		Mode:    rulespec.ModeInspect,
		Origin:  rulespec.RuleOrigin{Host: "*"},
		ResponseModifications: &rulespec.ResponseModifications{
			StatusCode:  &code,
			AddHeaders:  map[string]string{"X-Mutated": "1"},
			BodyPatches: []rulespec.JSONBodyPatch{{Path: "ok", Value: false}},
		},
	})

	req, _ := http.NewRequest("GET", "https://example.com/a", nil)
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)

	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-Mutated"))
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ok":false}`, string(body))

	// 采集到的快照同样反映修改后的响应
	require.Len(t, sink.received, 1)
	require.NotNil(t, sink.received[0].Response)
	assert.Equal(t, 503, sink.received[0].Response.StatusCode)
}

func TestNetworkErrorPropagatesUnmodified(t *testing.T) {
	netErr := errors.New("dial tcp: connection refused")
	base := &fakeTransport{err: netErr}
	ic, sink, _ := newTestInterceptor(t, base)

	req, _ := http.NewRequest("GET", "https://example.com/a", nil)
	resp, err := ic.RoundTrip(req)
	require.Nil(t, resp)
	// 错误原样透传
	assert.Same(t, netErr, err)

	require.Len(t, sink.failures, 1)
	assert.Equal(t, model.StatusFailed, sink.failures[0].Status)
	assert.Equal(t, netErr.Error(), sink.failures[0].Error)
	assert.Empty(t, sink.received)
}

func TestSensitiveHeadersRedactedInCaptureOnly(t *testing.T) {
	base := &fakeTransport{resp: textResponse(200, "ok")}
	base.resp.Header.Set("Set-Cookie", "session=server-secret")
	ic, sink, _ := newTestInterceptor(t, base)

	req, _ := http.NewRequest("GET", "https://example.com/a", nil)
	req.Header.Set("Authorization", "Bearer top-secret")
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)

	// 真实请求头保持原值，出站调用不受脱敏影响
	assert.Equal(t, "Bearer top-secret", base.lastReq.Header.Get("Authorization"))
	// 调用方看到的响应头同样未脱敏
	assert.Equal(t, "session=server-secret", resp.Header.Get("Set-Cookie"))

	// 捕获快照中敏感头被统一替换
	require.Len(t, sink.sent, 1)
	assert.Equal(t, redact.Marker, sink.sent[0].Request.Headers["Authorization"])
	require.Len(t, sink.received, 1)
	assert.Equal(t, redact.Marker, sink.received[0].Response.Headers["Set-Cookie"])
}

func TestLargeBodyCapturedAsPlaceholder(t *testing.T) {
	big := bytes.Repeat([]byte("x"), MaxContentLength+1)
	base := &fakeTransport{resp: &http.Response{
		StatusCode:    200,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          io.NopCloser(bytes.NewReader(big)),
		ContentLength: int64(len(big)),
	}}
	ic, sink, _ := newTestInterceptor(t, base)

	req, _ := http.NewRequest("GET", "https://example.com/big", nil)
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)

	// 调用方仍能完整读取超限体
	body, _ := io.ReadAll(resp.Body)
	assert.Len(t, body, len(big))

	require.Len(t, sink.received, 1)
	require.NotNil(t, sink.received[0].Response.Body)
	assert.Equal(t, bodyTooLargePlaceholder, *sink.received[0].Response.Body)
	assert.Equal(t, int64(len(big)), sink.received[0].Response.BodySize)
}

func TestRequestBodyRestoredAfterCapture(t *testing.T) {
	base := &fakeTransport{resp: textResponse(200, "ok")}
	ic, sink, _ := newTestInterceptor(t, base)

	payload := `{"name":"alice"}`
	req, _ := http.NewRequest("POST", "https://example.com/a", strings.NewReader(payload))
	_, err := ic.RoundTrip(req)
	require.NoError(t, err)

	// 捕获后出站请求体保持完整
	sent, _ := io.ReadAll(base.lastReq.Body)
	assert.Equal(t, payload, string(sent))

	require.Len(t, sink.sent, 1)
	require.NotNil(t, sink.sent[0].Request.Body)
	assert.Equal(t, payload, *sink.sent[0].Request.Body)
}

func TestFirstMatchWins(t *testing.T) {
	base := &fakeTransport{resp: textResponse(200, "real")}
	code1 := 401
	code2 := 402
	ic, _, _ := newTestInterceptor(t, base,
		rulespec.NetworkRule{
			ID: "second", Enabled: true, Mode: rulespec.ModeMock, Position: 2,
			Origin:                rulespec.RuleOrigin{Host: "*"},
			ResponseModifications: &rulespec.ResponseModifications{StatusCode: &code2},
		},
		rulespec.NetworkRule{
			ID: "first", Enabled: true, Mode: rulespec.ModeMock, Position: 1,
			Origin:                rulespec.RuleOrigin{Host: "*"},
			ResponseModifications: &rulespec.ResponseModifications{StatusCode: &code1},
		},
	)

	req, _ := http.NewRequest("GET", "https://example.com/a", nil)
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestConcurrentRoundTrips(t *testing.T) {
	ic, sink, _ := newTestInterceptor(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return textResponse(200, req.URL.Path), nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req, _ := http.NewRequest("GET", "https://example.com/a", nil)
			resp, err := ic.RoundTrip(req)
			assert.NoError(t, err)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.sent, 32)
	assert.Len(t, sink.received, 32)

	// 每个事务的开始/结束事件成对且 ID 一致
	byID := make(map[model.TransactionID]int)
	for _, txn := range sink.sent {
		byID[txn.ID]++
	}
	for _, txn := range sink.received {
		byID[txn.ID]++
	}
	assert.Len(t, byID, 32)
	for id, n := range byID {
		assert.Equal(t, 2, n, "transaction %s", id)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// trackingBody 记录是否被关闭的读取器
type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func TestMockClosesRequestBody(t *testing.T) {
	base := &fakeTransport{}
	ic, _, _ := newTestInterceptor(t, base, rulespec.NetworkRule{
		ID:      "mock-close",
		Enabled: true,
		Mode:    rulespec.ModeMock,
		Origin:  rulespec.RuleOrigin{Host: "*"},
	})

	body := &trackingBody{Reader: strings.NewReader(`{"name":"alice"}`)}
	req, _ := http.NewRequest("POST", "https://example.com/a", nil)
	req.Body = body
	req.ContentLength = 16

	_, err := ic.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, int64(0), base.calls)
	// 短路路径上请求体必须被关闭
	assert.True(t, body.closed)
}

func TestResponseBodyOverrideReleasesStream(t *testing.T) {
	content := strings.Repeat("x", 64)
	orig := &trackingBody{Reader: strings.NewReader(content)}
	base := &fakeTransport{resp: &http.Response{
		StatusCode: 200,
		Status:     "200 OK",
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		Body:       orig,
		// 声明超限，捕获阶段不消费原始流
		ContentLength: MaxContentLength + 1,
	}}

	override := `{"replaced":true}`
	ic, _, _ := newTestInterceptor(t, base, rulespec.NetworkRule{
		ID:      "override-body",
		Enabled: true,
		Mode:    rulespec.ModeInspect,
		Origin:  rulespec.RuleOrigin{Host: "*"},
		ResponseModifications: &rulespec.ResponseModifications{
			Body: &override,
		},
	})

	req, _ := http.NewRequest("GET", "https://example.com/a", nil)
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)

	got, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, override, string(got))
	// 被替换的原始体已排空并关闭，连接可复用
	assert.True(t, orig.closed)
	rest, _ := io.ReadAll(orig.Reader)
	assert.Empty(t, rest)
}
