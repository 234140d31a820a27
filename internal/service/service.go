package service

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"jarvis/internal/collector"
	"jarvis/internal/interceptor"
	"jarvis/internal/logger"
	"jarvis/internal/rules"
	"jarvis/internal/storage"
	"jarvis/pkg/errx"
	"jarvis/pkg/model"
	"jarvis/pkg/rulespec"
)

// Svc 服务层：组装存储、规则引擎、采集器与拦截器，
// 规则变更同步写库并热更新引擎
type Svc struct {
	mu        sync.Mutex
	db        *storage.DB
	txnRepo   *storage.TransactionRepo
	ruleRepo  *storage.RuleRepo
	settings  *storage.SettingsRepo
	engine    *rules.Engine
	collector *collector.Collector
	log       logger.Logger
	maxBody   int64
	closed    bool
}

// Options 服务层配置选项，全部字段可缺省
type Options struct {
	DBPath           string // 缺省为平台数据目录，":memory:" 打开内存库
	TablePrefix      string // 数据库表名前缀
	Workers          int    // 后台写入池并发数
	MaxContentLength int64  // 体捕获上限（字节）
	Logger           logger.Logger
}

// New 创建服务层实例：打开数据库、加载规则、启动采集器
func New(opts Options) (*Svc, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewNoop()
	}

	db, err := storage.NewDB(storage.Options{Path: opts.DBPath, TablePrefix: opts.TablePrefix, Logger: opts.Logger})
	if err != nil {
		return nil, errx.Wrap(errx.CodeStorage, err, "打开数据库失败")
	}

	s := &Svc{
		db:       db,
		txnRepo:  storage.NewTransactionRepo(db),
		ruleRepo: storage.NewRuleRepo(db),
		settings: storage.NewSettingsRepo(db),
		engine:   rules.New(opts.Logger),
		log:      opts.Logger,
		maxBody:  opts.MaxContentLength,
	}

	c, err := collector.New(collector.Config{
		Repo:    s.txnRepo,
		History: s.ruleRepo,
		Workers: opts.Workers,
		Logger:  opts.Logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.collector = c

	if err := s.reloadEngine(); err != nil {
		c.Stop()
		_ = db.Close()
		return nil, err
	}

	s.log.Info("服务层初始化完成", "db", opts.DBPath)
	return s, nil
}

// Interceptor 以 base 为底层传输创建拦截器，base 为 nil 时使用默认传输
func (s *Svc) Interceptor(base http.RoundTripper) (*interceptor.Interceptor, error) {
	return interceptor.New(interceptor.Config{
		Base:             base,
		Rules:            s.engine,
		Collector:        s.collector,
		MaxContentLength: s.maxBody,
		Logger:           s.log,
	})
}

// Client 返回挂载了拦截器的 http.Client
func (s *Svc) Client(base http.RoundTripper) (*http.Client, error) {
	rt, err := s.Interceptor(base)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: rt}, nil
}

// reloadEngine 从库中加载全部规则并热更新引擎
func (s *Svc) reloadEngine() error {
	loaded, err := s.ruleRepo.List()
	if err != nil {
		return err
	}
	s.engine.Update(loaded)
	s.log.Debug("规则引擎已更新", "count", len(loaded))
	return nil
}

// AddRule 校验并写入新规则，随后热更新引擎
func (s *Svc) AddRule(rule rulespec.NetworkRule) (rulespec.NetworkRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = rulespec.GenerateRuleID()
	}
	now := time.Now().UnixMilli()
	if rule.CreatedAt == 0 {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if err := rule.Validate(); err != nil {
		return rule, errx.Wrap(errx.CodeInvalidRule, err, "规则校验失败")
	}

	rec, err := s.ruleRepo.Create(rule)
	if err != nil {
		return rule, err
	}
	rule.Position = rec.Position
	if err := s.reloadEngine(); err != nil {
		return rule, err
	}
	s.log.Info("规则已添加", "rule", rule.ID, "name", rule.Name, "mode", string(rule.Mode))
	return rule, nil
}

// UpdateRule 更新已存在的规则，随后热更新引擎
func (s *Svc) UpdateRule(rule rulespec.NetworkRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := rule.Validate(); err != nil {
		return errx.Wrap(errx.CodeInvalidRule, err, "规则校验失败")
	}
	if err := s.ruleRepo.Update(rule); err != nil {
		return err
	}
	s.log.Info("规则已更新", "rule", rule.ID)
	return s.reloadEngine()
}

// RemoveRule 删除规则，随后热更新引擎
func (s *Svc) RemoveRule(ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ruleRepo.Delete(ruleID); err != nil {
		return err
	}
	s.log.Info("规则已删除", "rule", ruleID)
	return s.reloadEngine()
}

// SetRuleEnabled 切换规则启用状态，随后热更新引擎
func (s *Svc) SetRuleEnabled(ruleID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ruleRepo.SetEnabled(ruleID, enabled); err != nil {
		return err
	}
	s.log.Info("规则状态已切换", "rule", ruleID, "enabled", enabled)
	return s.reloadEngine()
}

// GetRule 按 ID 获取规则
func (s *Svc) GetRule(ruleID string) (*rulespec.NetworkRule, error) {
	return s.ruleRepo.GetByID(ruleID)
}

// ListRules 按存储顺序列出全部规则
func (s *Svc) ListRules() ([]rulespec.NetworkRule, error) {
	return s.ruleRepo.List()
}

// ClearRules 清空全部规则，随后热更新引擎
func (s *Svc) ClearRules() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ruleRepo.DeleteAll(); err != nil {
		return err
	}
	s.log.Info("全部规则已清空")
	return s.reloadEngine()
}

// ExportRules 将全部规则序列化为导出文档 JSON
func (s *Svc) ExportRules() ([]byte, error) {
	loaded, err := s.ruleRepo.List()
	if err != nil {
		return nil, err
	}

	doc := rulespec.NewExportDocument()
	for _, rule := range loaded {
		value, err := json.Marshal(rule)
		if err != nil {
			return nil, errx.Wrap(errx.CodeInvalidRule, err, "序列化规则失败: "+rule.ID)
		}
		doc.Records = append(doc.Records, rulespec.ExportRecord{
			Key:   rule.ID,
			Type:  rulespec.RecordTypeRule,
			Value: value,
		})
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errx.Wrap(errx.CodeStorage, err, "序列化导出文档失败")
	}
	_ = s.settings.Set(storage.SettingKeyLastExportAt, time.Now().Format(time.RFC3339))
	s.log.Info("规则导出完成", "count", len(doc.Records))
	return out, nil
}

// ImportRules 解析导出文档并整体替换现有规则。
// 未知记录类型被跳过，任一规则非法时整体失败
func (s *Svc) ImportRules(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc rulespec.ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, errx.Wrap(errx.CodeImportFormat, err, "解析导入文档失败")
	}
	if doc.Version == "" {
		return 0, errx.New(errx.CodeImportFormat, "导入文档缺少版本号")
	}

	var imported []rulespec.NetworkRule
	for _, rec := range doc.Records {
		if rec.Type != rulespec.RecordTypeRule {
			s.log.Warn("跳过未知记录类型", "key", rec.Key, "type", rec.Type)
			continue
		}
		var rule rulespec.NetworkRule
		if err := json.Unmarshal(rec.Value, &rule); err != nil {
			return 0, errx.Wrap(errx.CodeImportFormat, err, "解析规则记录失败: "+rec.Key)
		}
		if err := rule.Validate(); err != nil {
			return 0, errx.Wrap(errx.CodeInvalidRule, err, "导入规则非法: "+rec.Key)
		}
		imported = append(imported, rule)
	}

	if err := s.ruleRepo.ReplaceAll(imported); err != nil {
		return 0, errx.Wrap(errx.CodeStorage, err, "写入导入规则失败")
	}
	if err := s.reloadEngine(); err != nil {
		return 0, err
	}
	s.log.Info("规则导入完成", "count", len(imported))
	return len(imported), nil
}

// QueryTransactions 查询事务历史，解析失败的历史记录被跳过
func (s *Svc) QueryTransactions(q model.TransactionQuery) ([]model.NetworkTransaction, int64, error) {
	s.collector.Drain()
	records, total, err := s.txnRepo.Query(storage.QueryOptions{
		URL:        q.URL,
		Host:       q.Host,
		Method:     q.Method,
		Status:     q.Status,
		StatusCode: q.StatusCode,
		StartTime:  q.StartTime,
		EndTime:    q.EndTime,
		Offset:     q.Offset,
		Limit:      q.Limit,
	})
	if err != nil {
		return nil, 0, errx.Wrap(errx.CodeStorage, err, "查询事务历史失败")
	}

	out := make([]model.NetworkTransaction, 0, len(records))
	for _, rec := range records {
		txn, err := s.txnRepo.ToTransaction(rec)
		if err != nil {
			s.log.Warn("跳过无法解析的事务记录", "id", rec.ID, "error", err.Error())
			continue
		}
		out = append(out, txn)
	}
	return out, total, nil
}

// GetTransaction 按 ID 获取事务
func (s *Svc) GetTransaction(id string) (*model.NetworkTransaction, error) {
	rec, err := s.txnRepo.GetByID(id)
	if err != nil {
		return nil, errx.Wrap(errx.CodeStorage, err, "查询事务失败: "+id)
	}
	txn, err := s.txnRepo.ToTransaction(*rec)
	if err != nil {
		return nil, errx.Wrap(errx.CodeStorage, err, "解析事务失败: "+id)
	}
	return &txn, nil
}

// TransactionStats 获取事务统计
func (s *Svc) TransactionStats() (*model.TransactionStats, error) {
	s.collector.Drain()
	stats, err := s.txnRepo.GetStats()
	if err != nil {
		return nil, errx.Wrap(errx.CodeStorage, err, "查询事务统计失败")
	}
	return &model.TransactionStats{
		Total:    stats.Total,
		ByStatus: stats.ByStatus,
		ByMethod: stats.ByMethod,
	}, nil
}

// ClearTransactions 异步清空事务历史
func (s *Svc) ClearTransactions() {
	s.collector.ClearAll()
}

// CleanupOldTransactions 按保留天数清理旧事务，返回删除条数
func (s *Svc) CleanupOldTransactions(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = s.settings.GetRetentionDays()
	}
	n, err := s.txnRepo.CleanupOldTransactions(retentionDays)
	if err != nil {
		return 0, errx.Wrap(errx.CodeStorage, err, "清理旧事务失败")
	}
	s.log.Info("旧事务清理完成", "deleted", n, "retentionDays", retentionDays)
	return n, nil
}

// RuleApplications 查询规则应用审计历史
func (s *Svc) RuleApplications(ruleID string, limit int) ([]rulespec.RuleApplicationResult, error) {
	s.collector.Drain()
	records, err := s.ruleRepo.ListApplications(ruleID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]rulespec.RuleApplicationResult, 0, len(records))
	for _, rec := range records {
		res := rulespec.RuleApplicationResult{
			RuleID:        rec.RuleID,
			RuleName:      rec.RuleName,
			Mode:          rulespec.RuleMode(rec.Mode),
			Applied:       rec.Applied,
			TransactionID: rec.TransactionID,
			Timestamp:     rec.Timestamp,
		}
		if rec.Modifications != "" {
			_ = json.Unmarshal([]byte(rec.Modifications), &res.Modifications)
		}
		out = append(out, res)
	}
	return out, nil
}

// EngineStats 返回规则引擎命中统计
func (s *Svc) EngineStats() model.EngineStats {
	return s.engine.Stats()
}

// Settings 返回设置仓库
func (s *Svc) Settings() *storage.SettingsRepo {
	return s.settings
}

// Drain 等待所有在途持久化写入落盘，仅供测试使用
func (s *Svc) Drain() {
	s.collector.Drain()
}

// Close 停止采集器并关闭数据库，在途写入会先落盘
func (s *Svc) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.collector.Stop()
	err := s.db.Close()
	s.log.Info("服务层已关闭")
	return err
}
