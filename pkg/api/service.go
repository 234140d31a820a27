package api

import (
	"net/http"

	"jarvis/internal/interceptor"
	"jarvis/internal/logger"
	"jarvis/internal/service"
	"jarvis/pkg/model"
	"jarvis/pkg/rulespec"
)

// Service 对外服务接口：规则管理、历史查询与拦截器装配
type Service interface {
	Interceptor(base http.RoundTripper) (*interceptor.Interceptor, error)
	Client(base http.RoundTripper) (*http.Client, error)

	AddRule(rule rulespec.NetworkRule) (rulespec.NetworkRule, error)
	UpdateRule(rule rulespec.NetworkRule) error
	RemoveRule(ruleID string) error
	SetRuleEnabled(ruleID string, enabled bool) error
	GetRule(ruleID string) (*rulespec.NetworkRule, error)
	ListRules() ([]rulespec.NetworkRule, error)
	ClearRules() error

	ExportRules() ([]byte, error)
	ImportRules(data []byte) (int, error)

	QueryTransactions(q model.TransactionQuery) ([]model.NetworkTransaction, int64, error)
	GetTransaction(id string) (*model.NetworkTransaction, error)
	TransactionStats() (*model.TransactionStats, error)
	ClearTransactions()
	CleanupOldTransactions(retentionDays int) (int64, error)

	RuleApplications(ruleID string, limit int) ([]rulespec.RuleApplicationResult, error)
	EngineStats() model.EngineStats

	Close() error
}

// Options 服务配置选项
type Options struct {
	DBPath           string // 缺省为平台数据目录
	TablePrefix      string // 数据库表名前缀
	Workers          int    // 后台写入池并发数
	MaxContentLength int64  // 体捕获上限（字节）
	Logger           logger.Logger
}

// NewService 创建并返回服务接口实现
func NewService(opts Options) (Service, error) {
	return service.New(service.Options{
		DBPath:           opts.DBPath,
		TablePrefix:      opts.TablePrefix,
		Workers:          opts.Workers,
		MaxContentLength: opts.MaxContentLength,
		Logger:           opts.Logger,
	})
}
