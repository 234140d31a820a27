package interceptor

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"jarvis/internal/redact"
	"jarvis/pkg/model"
)

// 体捕获上限与占位符
const (
	MaxContentLength = 250_000 // bytes

	bodyTooLargePlaceholder   = "(body omitted: exceeds maximum capture size)"
	bodyReadFailedPlaceholder = "(failed to read body)"
)

// captureRequest 从出站请求构建模型快照：头部经脱敏过滤，体按上限捕获并复原。
// full 表示体是否被完整捕获（未截断、未出错）
func (i *Interceptor) captureRequest(req *http.Request) (model.NetworkRequest, bool) {
	headers := redact.Headers(flattenHeader(req.Header))

	var body *string
	var size int64
	full := true
	if req.Body != nil && req.Body != http.NoBody {
		var restored io.ReadCloser
		body, size, restored, full = captureBody(req.Body, req.ContentLength, i.maxBody)
		req.Body = restored
		if full && body != nil {
			raw := []byte(*body)
			req.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(raw)), nil
			}
		}
	}

	return model.NetworkRequest{
		URL:         req.URL.String(),
		Method:      model.ParseMethod(req.Method),
		Headers:     headers,
		Body:        body,
		ContentType: req.Header.Get("Content-Type"),
		BodySize:    size,
		Timestamp:   time.Now().UnixMilli(),
	}, full
}

// captureResponse 从真实响应构建模型快照，体按上限捕获并复原供调用方继续读取
func (i *Interceptor) captureResponse(resp *http.Response) (model.NetworkResponse, bool) {
	headers := redact.Headers(flattenHeader(resp.Header))

	var body *string
	var size int64
	full := true
	if resp.Body != nil {
		var restored io.ReadCloser
		body, size, restored, full = captureBody(resp.Body, resp.ContentLength, i.maxBody)
		resp.Body = restored
	}

	return model.NetworkResponse{
		StatusCode:    resp.StatusCode,
		StatusMessage: statusMessage(resp.Status, resp.StatusCode),
		Headers:       headers,
		Body:          body,
		ContentType:   resp.Header.Get("Content-Type"),
		BodySize:      size,
		Timestamp:     time.Now().UnixMilli(),
	}, full
}

// captureBody 按上限读取体并返回复原后的读取器。
// 超限的体不读入内存，以占位符替代；读取错误同样以占位符替代，绝不向上抛出
func captureBody(rc io.ReadCloser, contentLength, max int64) (*string, int64, io.ReadCloser, bool) {
	if contentLength >= 0 && contentLength > max {
		s := bodyTooLargePlaceholder
		return &s, contentLength, rc, false
	}

	buf, err := io.ReadAll(io.LimitReader(rc, max+1))
	if err != nil {
		s := bodyReadFailedPlaceholder
		return &s, int64(len(buf)), joinReadCloser(buf, rc), false
	}
	if int64(len(buf)) > max {
		s := bodyTooLargePlaceholder
		size := contentLength
		if size < 0 {
			size = int64(len(buf))
		}
		return &s, size, joinReadCloser(buf, rc), false
	}

	s := string(buf)
	return &s, int64(len(buf)), joinReadCloser(buf, rc), true
}

// joinReadCloser 将已读取的字节与剩余流拼接为一个读取器，关闭时关闭原流
func joinReadCloser(read []byte, rest io.ReadCloser) io.ReadCloser {
	return &joinedBody{r: io.MultiReader(bytes.NewReader(read), rest), c: rest}
}

type joinedBody struct {
	r io.Reader
	c io.Closer
}

func (j *joinedBody) Read(p []byte) (int, error) { return j.r.Read(p) }
func (j *joinedBody) Close() error               { return j.c.Close() }

// flattenHeader 将多值头折叠为单值映射
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

// statusMessage 从状态行提取原因短语，缺失时按状态码推断
func statusMessage(statusLine string, code int) string {
	if parts := strings.SplitN(statusLine, " ", 2); len(parts) == 2 && parts[1] != "" {
		return parts[1]
	}
	if msg := http.StatusText(code); msg != "" {
		return msg
	}
	return "Unknown"
}

// buildHTTPResponse 从响应模型构造协议兼容的 *http.Response，
// orig 存在时沿用其协议版本
func buildHTTPResponse(m model.NetworkResponse, req *http.Request, orig *http.Response) *http.Response {
	header := make(http.Header, len(m.Headers))
	for k, v := range m.Headers {
		header.Set(k, v)
	}

	var raw []byte
	if m.Body != nil {
		raw = []byte(*m.Body)
	}
	header.Set("Content-Length", strconv.Itoa(len(raw)))

	msg := m.StatusMessage
	if msg == "" {
		msg = http.StatusText(m.StatusCode)
	}

	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", m.StatusCode, msg),
		StatusCode:    m.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(raw)),
		ContentLength: int64(len(raw)),
		Request:       req,
	}
	if orig != nil {
		resp.Proto = orig.Proto
		resp.ProtoMajor = orig.ProtoMajor
		resp.ProtoMinor = orig.ProtoMinor
		resp.TLS = orig.TLS
	}
	return resp
}
