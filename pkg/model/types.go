package model

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TransactionID string

// HTTPMethod HTTP 请求方法
type HTTPMethod string

const (
	MethodGet     HTTPMethod = "GET"
	MethodPost    HTTPMethod = "POST"
	MethodPut     HTTPMethod = "PUT"
	MethodDelete  HTTPMethod = "DELETE"
	MethodPatch   HTTPMethod = "PATCH"
	MethodHead    HTTPMethod = "HEAD"
	MethodOptions HTTPMethod = "OPTIONS"
	MethodTrace   HTTPMethod = "TRACE"
	MethodConnect HTTPMethod = "CONNECT"
)

// ParseMethod 解析方法字符串，未知方法回退为 GET
func ParseMethod(s string) HTTPMethod {
	switch m := HTTPMethod(strings.ToUpper(strings.TrimSpace(s))); m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch,
		MethodHead, MethodOptions, MethodTrace, MethodConnect:
		return m
	default:
		return MethodGet
	}
}

// TransactionStatus 事务状态，PENDING 为初始态，COMPLETED/FAILED 为终态
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

// StatusCategory 响应状态码分类
type StatusCategory string

const (
	CategoryInformational StatusCategory = "INFORMATIONAL"
	CategorySuccess       StatusCategory = "SUCCESS"
	CategoryRedirect      StatusCategory = "REDIRECT"
	CategoryClientError   StatusCategory = "CLIENT_ERROR"
	CategoryServerError   StatusCategory = "SERVER_ERROR"
	CategoryUnknown       StatusCategory = "UNKNOWN"
)

// NetworkRequest 捕获的请求快照（不可变）
type NetworkRequest struct {
	URL         string            `json:"url"`
	Method      HTTPMethod        `json:"method"`
	Headers     map[string]string `json:"headers"`
	Body        *string           `json:"body,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	BodySize    int64             `json:"bodySize"`
	Timestamp   int64             `json:"timestamp"`
}

// HasBody 是否携带请求体
func (r NetworkRequest) HasBody() bool { return r.Body != nil && *r.Body != "" }

// Protocol 返回 URL scheme，解析失败时为空字符串
func (r NetworkRequest) Protocol() string {
	if i := strings.Index(r.URL, "://"); i > 0 {
		return strings.ToLower(r.URL[:i])
	}
	return ""
}

// Host 返回 URL 主机名，解析失败时回退为 "Unknown"
func (r NetworkRequest) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Hostname() == "" {
		return "Unknown"
	}
	return u.Hostname()
}

// Path 返回 URL 路径，解析失败或为空时回退为 "/"
func (r NetworkRequest) Path() string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// Port 返回端口号，未显式指定时按 scheme 推断（https=443, http=80）
func (r NetworkRequest) Port() *int {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return &n
		}
		return nil
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		n := 443
		return &n
	case "http":
		n := 80
		return &n
	}
	return nil
}

// NetworkResponse 捕获的响应快照（不可变）
type NetworkResponse struct {
	StatusCode    int               `json:"statusCode"`
	StatusMessage string            `json:"statusMessage"`
	Headers       map[string]string `json:"headers"`
	Body          *string           `json:"body,omitempty"`
	ContentType   string            `json:"contentType,omitempty"`
	BodySize      int64             `json:"bodySize"`
	Timestamp     int64             `json:"timestamp"`
}

func (r NetworkResponse) IsSuccessful() bool  { return r.StatusCode >= 200 && r.StatusCode < 300 }
func (r NetworkResponse) IsRedirect() bool    { return r.StatusCode >= 300 && r.StatusCode < 400 }
func (r NetworkResponse) IsClientError() bool { return r.StatusCode >= 400 && r.StatusCode < 500 }
func (r NetworkResponse) IsServerError() bool { return r.StatusCode >= 500 && r.StatusCode < 600 }

// Category 按状态码区间返回分类
func (r NetworkResponse) Category() StatusCategory {
	switch {
	case r.StatusCode >= 100 && r.StatusCode < 200:
		return CategoryInformational
	case r.IsSuccessful():
		return CategorySuccess
	case r.IsRedirect():
		return CategoryRedirect
	case r.IsClientError():
		return CategoryClientError
	case r.IsServerError():
		return CategoryServerError
	default:
		return CategoryUnknown
	}
}

func (r NetworkResponse) IsJSON() bool { return containsFold(r.ContentType, "json") }
func (r NetworkResponse) IsXML() bool  { return containsFold(r.ContentType, "xml") }
func (r NetworkResponse) IsHTML() bool { return containsFold(r.ContentType, "html") }
func (r NetworkResponse) IsImage() bool {
	return containsFold(r.ContentType, "image")
}
func (r NetworkResponse) IsText() bool {
	return containsFold(r.ContentType, "text") || r.IsJSON() || r.IsXML()
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}

// NetworkTransaction 一次请求/响应生命周期，写时复制，终态不可回退
type NetworkTransaction struct {
	ID        TransactionID     `json:"id"`
	Request   NetworkRequest    `json:"request"`
	Response  *NetworkResponse  `json:"response,omitempty"`
	StartTime int64             `json:"startTime"`
	EndTime   *int64            `json:"endTime,omitempty"`
	Status    TransactionStatus `json:"status"`
	Error     string            `json:"error,omitempty"`
}

// NewTransaction 以请求快照创建 PENDING 事务
func NewTransaction(req NetworkRequest) NetworkTransaction {
	start := req.Timestamp
	if start == 0 {
		start = time.Now().UnixMilli()
	}
	return NetworkTransaction{
		ID:        TransactionID(uuid.New().String()),
		Request:   req,
		StartTime: start,
		Status:    StatusPending,
	}
}

// WithResponse 返回携带响应的 COMPLETED 副本
func (t NetworkTransaction) WithResponse(resp NetworkResponse) NetworkTransaction {
	end := resp.Timestamp
	if end == 0 {
		end = time.Now().UnixMilli()
	}
	out := t
	out.Response = &resp
	out.EndTime = &end
	out.Status = StatusCompleted
	return out
}

// WithError 返回携带失败原因的 FAILED 副本
func (t NetworkTransaction) WithError(msg string) NetworkTransaction {
	end := time.Now().UnixMilli()
	out := t
	out.EndTime = &end
	out.Status = StatusFailed
	out.Error = msg
	return out
}

// Duration 返回耗时毫秒数，仅在 EndTime 存在时有值
func (t NetworkTransaction) Duration() *int64 {
	if t.EndTime == nil {
		return nil
	}
	d := *t.EndTime - t.StartTime
	return &d
}

// IsFinished 是否已进入终态
func (t NetworkTransaction) IsFinished() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// EngineStats 规则引擎命中统计
type EngineStats struct {
	Total   int64            `json:"total"`
	Matched int64            `json:"matched"`
	ByRule  map[string]int64 `json:"byRule"`
}

// TransactionQuery 事务历史查询条件，零值字段不构成约束
type TransactionQuery struct {
	URL        string `json:"url,omitempty"` // 模糊匹配
	Host       string `json:"host,omitempty"`
	Method     string `json:"method,omitempty"`
	Status     string `json:"status,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	StartTime  int64  `json:"startTime,omitempty"`
	EndTime    int64  `json:"endTime,omitempty"`
	Offset     int    `json:"offset,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// TransactionStats 事务历史统计
type TransactionStats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"byStatus"`
	ByMethod map[string]int64 `json:"byMethod"`
}
