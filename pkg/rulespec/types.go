// Package rulespec 定义规则配置的类型规范
package rulespec

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// 文档版本常量
const (
	DefaultDocVersion = "1.0" // 默认导出文档版本
)

// ID 格式约束
const (
	RuleIDMinLen = 1
	RuleIDMaxLen = 64
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// RuleMode 规则模式，创建后不可变更
type RuleMode string

const (
	ModeInspect RuleMode = "inspect" // 修改后仍转发真实请求
	ModeMock    RuleMode = "mock"    // 合成响应并短路真实请求
)

// RuleOrigin 匹配谓词：每个字段独立可选，缺省字段不构成约束，
// 所有存在的字段必须同时命中（逻辑与）
type RuleOrigin struct {
	Protocols     []string `json:"protocols,omitempty"`     // scheme 白名单，大小写不敏感
	Host          string   `json:"host,omitempty"`          // 精确 / * / *.suffix / prefix.*
	Port          *int     `json:"port,omitempty"`          // 精确端口，未显式指定时按 scheme 推断
	Path          string   `json:"path,omitempty"`          // 精确 / * / prefix/** / prefix/* / 内嵌 *
	Query         *string  `json:"query,omitempty"`         // 查询串模式，值 * 表示仅要求键存在；空串仅匹配无查询串的请求
	Method        string   `json:"method,omitempty"`        // 精确方法，大小写不敏感
	BodyJSONPath  string   `json:"bodyJsonPath,omitempty"`  // gjson 路径，要求请求体命中
	BodyJSONValue string   `json:"bodyJsonValue,omitempty"` // 路径期望值，空表示仅要求存在
}

// IsEmpty 是否未设置任何约束
func (o RuleOrigin) IsEmpty() bool {
	return len(o.Protocols) == 0 && o.Host == "" && o.Port == nil &&
		o.Path == "" && o.Query == nil && o.Method == "" && o.BodyJSONPath == ""
}

// JSONBodyPatch 针对 JSON 体的单点修改（sjson 路径语法）
type JSONBodyPatch struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// RequestModifications 请求阶段修改集，全部字段为空时应用为恒等
type RequestModifications struct {
	AddHeaders    map[string]string `json:"addHeaders,omitempty"`
	ModifyHeaders map[string]string `json:"modifyHeaders,omitempty"`
	RemoveHeaders []string          `json:"removeHeaders,omitempty"`
	URL           *string           `json:"url,omitempty"`
	Method        *string           `json:"method,omitempty"`
	Body          *string           `json:"body,omitempty"`
	BodyPatches   []JSONBodyPatch   `json:"bodyPatches,omitempty"`
}

// IsEmpty 是否为恒等修改
func (m *RequestModifications) IsEmpty() bool {
	if m == nil {
		return true
	}
	return len(m.AddHeaders) == 0 && len(m.ModifyHeaders) == 0 && len(m.RemoveHeaders) == 0 &&
		m.URL == nil && m.Method == nil && m.Body == nil && len(m.BodyPatches) == 0
}

// ResponseModifications 响应阶段修改集，MOCK 模式下同时充当合成响应的模板
type ResponseModifications struct {
	AddHeaders    map[string]string `json:"addHeaders,omitempty"`
	ModifyHeaders map[string]string `json:"modifyHeaders,omitempty"`
	RemoveHeaders []string          `json:"removeHeaders,omitempty"`
	StatusCode    *int              `json:"statusCode,omitempty"`
	StatusMessage *string           `json:"statusMessage,omitempty"`
	Body          *string           `json:"body,omitempty"`
	BodyPatches   []JSONBodyPatch   `json:"bodyPatches,omitempty"`
	DelayMS       int64             `json:"delayMs,omitempty"` // 人为延迟
}

// IsEmpty 是否为恒等修改
func (m *ResponseModifications) IsEmpty() bool {
	if m == nil {
		return true
	}
	return len(m.AddHeaders) == 0 && len(m.ModifyHeaders) == 0 && len(m.RemoveHeaders) == 0 &&
		m.StatusCode == nil && m.StatusMessage == nil && m.Body == nil &&
		len(m.BodyPatches) == 0 && m.DelayMS == 0
}

// NetworkRule 用户定义的匹配与修改规则
type NetworkRule struct {
	ID                    string                 `json:"id"`
	Name                  string                 `json:"name"`
	Enabled               bool                   `json:"enabled"`
	Origin                RuleOrigin             `json:"origin"`
	Mode                  RuleMode               `json:"mode"`
	RequestModifications  *RequestModifications  `json:"requestModifications,omitempty"`
	ResponseModifications *ResponseModifications `json:"responseModifications,omitempty"`
	Position              int                    `json:"position"` // 存储顺序，先匹配者先生效
	CreatedAt             int64                  `json:"createdAt"`
	UpdatedAt             int64                  `json:"updatedAt"`
}

// NewRule 创建启用状态的新规则
func NewRule(name string, mode RuleMode) NetworkRule {
	now := time.Now().UnixMilli()
	return NetworkRule{
		ID:        GenerateRuleID(),
		Name:      name,
		Enabled:   true,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate 校验规则的基本合法性
func (r NetworkRule) Validate() error {
	if err := ValidateRuleID(r.ID); err != nil {
		return err
	}
	if r.Mode != ModeInspect && r.Mode != ModeMock {
		return fmt.Errorf("unknown rule mode %q", r.Mode)
	}
	return nil
}

// GenerateRuleID 生成规则 ID，格式：rule-YYYYMMDD-随机6位
func GenerateRuleID() string {
	dateStr := time.Now().Format("20060102")
	return fmt.Sprintf("rule-%s-%s", dateStr, generateRandomString(6))
}

// ValidateRuleID 校验规则 ID 格式
func ValidateRuleID(id string) error {
	if len(id) < RuleIDMinLen || len(id) > RuleIDMaxLen {
		return fmt.Errorf("rule id length must be between %d and %d", RuleIDMinLen, RuleIDMaxLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("rule id may contain only letters, digits, hyphen and underscore")
	}
	return nil
}

// generateRandomString 生成指定长度的随机字符串（字母+数字）
func generateRandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%06d", time.Now().UnixNano()%1000000)
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// RuleApplicationResult 单次规则应用的审计记录，只写不改
type RuleApplicationResult struct {
	RuleID        string   `json:"ruleId"`
	RuleName      string   `json:"ruleName"`
	Mode          RuleMode `json:"mode"`
	Applied       bool     `json:"applied"`
	Modifications []string `json:"modifications"`
	TransactionID string   `json:"transactionId,omitempty"`
	Timestamp     int64    `json:"timestamp"`
}

// 导出文档的记录类型与作用域
const (
	ExportScopeRules = "rules"
	RecordTypeRule   = "rule"
)

// ExportRecord 导出文档中的单条记录，键/值/类型三元组
type ExportRecord struct {
	Key   string          `json:"key"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// ExportDocument 规则导出文档，导入导出往返无损
type ExportDocument struct {
	Version    string         `json:"version"`
	ExportedAt int64          `json:"exportedAt"`
	Scope      string         `json:"scope,omitempty"`
	Records    []ExportRecord `json:"records"`
}

// NewExportDocument 创建空的规则导出文档
func NewExportDocument() ExportDocument {
	return ExportDocument{
		Version:    DefaultDocVersion,
		ExportedAt: time.Now().UnixMilli(),
		Scope:      ExportScopeRules,
	}
}
