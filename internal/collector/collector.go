package collector

import (
	"context"
	"errors"

	"jarvis/internal/logger"
	"jarvis/pkg/model"
	"jarvis/pkg/rulespec"
)

// TransactionRepository 采集器消费的事务存储边界
type TransactionRepository interface {
	InsertTransaction(txn model.NetworkTransaction) error
	UpdateTransaction(txn model.NetworkTransaction) error
	DeleteAllTransactions() error
	DeleteOldTransactions(beforeTimestamp int64) (int64, error)
	TransactionCount() (int64, error)
}

// RuleHistoryRepository 规则应用审计记录的存储边界
type RuleHistoryRepository interface {
	InsertRuleApplication(res rulespec.RuleApplicationResult) error
}

// Collector 持久化边界：所有写入在后台工作池执行，调用方永不等待存储 I/O，
// 存储错误被记录后吞掉，绝不回传到网络链路
type Collector struct {
	repo    TransactionRepository
	history RuleHistoryRepository
	pool    *workerPool
	log     logger.Logger
	cancel  context.CancelFunc
}

// Config 采集器配置选项
type Config struct {
	Repo    TransactionRepository
	History RuleHistoryRepository // 可选，缺省时不记录审计
	Workers int
	Logger  logger.Logger
}

// New 创建采集器并启动后台写入池，缺少事务存储时立即失败
func New(cfg Config) (*Collector, error) {
	if cfg.Repo == nil {
		return nil, errors.New("jarvis: collector requires a transaction repository")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		repo:    cfg.Repo,
		history: cfg.History,
		pool:    newWorkerPool(cfg.Workers, cfg.Logger),
		log:     cfg.Logger,
		cancel:  cancel,
	}
	c.pool.start(ctx)
	return c, nil
}

// OnRequestSent 记录请求已发出（异步，不等待）
func (c *Collector) OnRequestSent(txn model.NetworkTransaction) {
	c.dispatch("insert", string(txn.ID), func() error {
		return c.repo.InsertTransaction(txn)
	})
}

// OnResponseReceived 记录响应已到达（异步，不等待）
func (c *Collector) OnResponseReceived(txn model.NetworkTransaction) {
	c.dispatch("update", string(txn.ID), func() error {
		return c.repo.UpdateTransaction(txn)
	})
}

// OnFailure 记录网络失败（异步，不等待），错误仅用于日志
func (c *Collector) OnFailure(txn model.NetworkTransaction, err error) {
	if err != nil && c.log != nil {
		c.log.Debug("记录失败事务", "id", string(txn.ID), "error", err.Error())
	}
	c.dispatch("update", string(txn.ID), func() error {
		return c.repo.UpdateTransaction(txn)
	})
}

// OnRuleApplied 追加规则应用审计记录（异步，不等待）
func (c *Collector) OnRuleApplied(res rulespec.RuleApplicationResult) {
	if c.history == nil {
		return
	}
	c.dispatch("audit", res.RuleID, func() error {
		return c.history.InsertRuleApplication(res)
	})
}

// ClearAll 清空全部事务（异步维护操作）
func (c *Collector) ClearAll() {
	c.dispatch("deleteAll", "", func() error {
		return c.repo.DeleteAllTransactions()
	})
}

// ClearOldTransactions 删除指定时间之前的事务（异步维护操作）
func (c *Collector) ClearOldTransactions(beforeTimestamp int64) {
	c.dispatch("deleteOld", "", func() error {
		_, err := c.repo.DeleteOldTransactions(beforeTimestamp)
		return err
	})
}

// TransactionCount 返回事务总数，出错时返回 0 而非抛出
func (c *Collector) TransactionCount() int64 {
	n, err := c.repo.TransactionCount()
	if err != nil {
		c.log.Err(err, "查询事务总数失败")
		return 0
	}
	return n
}

// Drain 等待所有在途写入落盘，仅供测试使用，不改变生产语义
func (c *Collector) Drain() {
	c.pool.drain()
}

// Stop 停止后台写入池
func (c *Collector) Stop() {
	c.pool.drain()
	c.cancel()
	c.pool.stop()
}

// dispatch 提交写入任务；存储错误在此被记录并吞掉
func (c *Collector) dispatch(op, key string, fn func() error) {
	submitted := c.pool.submit(func() {
		if err := fn(); err != nil {
			c.log.Err(err, "持久化写入失败", "op", op, "key", key)
		}
	})
	if !submitted {
		c.log.Warn("持久化任务被丢弃", "op", op, "key", key)
	}
}
