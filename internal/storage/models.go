package storage

import (
	"time"
)

// Setting 用户设置表
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`  // 设置键
	Value     string    `gorm:"type:text" json:"value"` // 设置值
	UpdatedAt time.Time `json:"updatedAt"`              // 更新时间
}

// 预定义的设置 Key
const (
	SettingKeyCaptureEnabled = "capture_enabled" // 是否启用捕获
	SettingKeyRetentionDays  = "retention_days"  // 事务保留天数
	SettingKeyLastExportAt   = "last_export_at"  // 上次导出规则的时间
)

// RuleRecord 规则表：可查询字段扁平化存储，完整规则保存为 JSON
type RuleRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`               // 数据库主键（内部使用）
	RuleID    string    `gorm:"uniqueIndex;not null" json:"ruleId"` // 规则业务ID（唯一索引）
	Name      string    `gorm:"not null" json:"name"`               // 规则名称
	Mode      string    `gorm:"index" json:"mode"`                  // inspect / mock
	Enabled   bool      `gorm:"index;default:true" json:"enabled"`  // 是否启用
	Position  int       `gorm:"index" json:"position"`              // 存储顺序，决定匹配优先级
	RuleJSON  string    `gorm:"type:text" json:"ruleJson"`          // 完整规则 JSON
	CreatedAt time.Time `json:"createdAt"`                          // 创建时间
	UpdatedAt time.Time `json:"updatedAt"`                          // 更新时间
}

// TransactionRecord 网络事务历史表
type TransactionRecord struct {
	ID           string    `gorm:"primaryKey" json:"id"`      // 事务ID（UUID）
	URL          string    `json:"url"`                       // 请求 URL
	Host         string    `gorm:"index" json:"host"`         // 主机名
	Method       string    `gorm:"index" json:"method"`       // 请求方法
	Status       string    `gorm:"index" json:"status"`       // PENDING / COMPLETED / FAILED
	StatusCode   int       `gorm:"index" json:"statusCode"`   // 响应状态码，无响应时为 0
	Error        string    `json:"error"`                     // 失败原因
	StartTime    int64     `gorm:"index" json:"startTime"`    // 开始时间戳（毫秒）
	EndTime      *int64    `json:"endTime"`                   // 结束时间戳（毫秒）
	DurationMS   *int64    `json:"durationMs"`                // 耗时（毫秒）
	RequestJSON  string    `gorm:"type:text" json:"requestJson"`  // 请求快照 JSON（已脱敏）
	ResponseJSON string    `gorm:"type:text" json:"responseJson"` // 响应快照 JSON（已脱敏）
	CreatedAt    time.Time `json:"createdAt"`                 // 创建时间
}

// RuleApplicationRecord 规则应用审计表，只追加
type RuleApplicationRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`     // 主键ID
	RuleID        string    `gorm:"index" json:"ruleId"`      // 规则业务ID
	RuleName      string    `json:"ruleName"`                 // 规则名称
	Mode          string    `json:"mode"`                     // inspect / mock
	Applied       bool      `json:"applied"`                  // 是否实际生效
	Modifications string    `gorm:"type:text" json:"modifications"` // 修改明细 JSON 数组
	TransactionID string    `gorm:"index" json:"transactionId"`     // 关联事务ID
	Timestamp     int64     `gorm:"index" json:"timestamp"`   // 应用时间戳（毫秒）
	CreatedAt     time.Time `json:"createdAt"`                // 创建时间
}
