package storage

import (
	"encoding/json"
	"time"

	"jarvis/pkg/model"
)

// TransactionRepo 事务历史仓库
type TransactionRepo struct {
	db *DB
}

// NewTransactionRepo 创建事务仓库实例
func NewTransactionRepo(db *DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

// toRecord 将事务模型转换为存储记录
func toRecord(txn model.NetworkTransaction) TransactionRecord {
	rec := TransactionRecord{
		ID:        string(txn.ID),
		URL:       txn.Request.URL,
		Host:      txn.Request.Host(),
		Method:    string(txn.Request.Method),
		Status:    string(txn.Status),
		Error:     txn.Error,
		StartTime: txn.StartTime,
		EndTime:   txn.EndTime,
		CreatedAt: time.Now(),
	}
	rec.DurationMS = txn.Duration()
	if reqJSON, err := json.Marshal(txn.Request); err == nil {
		rec.RequestJSON = string(reqJSON)
	}
	if txn.Response != nil {
		rec.StatusCode = txn.Response.StatusCode
		if respJSON, err := json.Marshal(txn.Response); err == nil {
			rec.ResponseJSON = string(respJSON)
		}
	}
	return rec
}

// ToTransaction 将存储记录还原为事务模型
func (r *TransactionRepo) ToTransaction(rec TransactionRecord) (model.NetworkTransaction, error) {
	txn := model.NetworkTransaction{
		ID:        model.TransactionID(rec.ID),
		StartTime: rec.StartTime,
		EndTime:   rec.EndTime,
		Status:    model.TransactionStatus(rec.Status),
		Error:     rec.Error,
	}
	if rec.RequestJSON != "" {
		if err := json.Unmarshal([]byte(rec.RequestJSON), &txn.Request); err != nil {
			return txn, err
		}
	}
	if rec.ResponseJSON != "" {
		var resp model.NetworkResponse
		if err := json.Unmarshal([]byte(rec.ResponseJSON), &resp); err != nil {
			return txn, err
		}
		txn.Response = &resp
	}
	return txn, nil
}

// InsertTransaction 插入事务记录
func (r *TransactionRepo) InsertTransaction(txn model.NetworkTransaction) error {
	rec := toRecord(txn)
	return r.db.GormDB().Create(&rec).Error
}

// UpdateTransaction 以终态快照覆盖事务记录。
// Save 按主键执行 upsert，插入事件被工作池丢弃时更新仍可落盘
func (r *TransactionRepo) UpdateTransaction(txn model.NetworkTransaction) error {
	rec := toRecord(txn)
	return r.db.GormDB().Save(&rec).Error
}

// DeleteAllTransactions 清空事务历史
func (r *TransactionRepo) DeleteAllTransactions() error {
	return r.db.GormDB().Where("1 = 1").Delete(&TransactionRecord{}).Error
}

// DeleteOldTransactions 删除指定时间之前的事务（数据清理）
func (r *TransactionRepo) DeleteOldTransactions(beforeTimestamp int64) (int64, error) {
	result := r.db.GormDB().Where("start_time < ?", beforeTimestamp).Delete(&TransactionRecord{})
	return result.RowsAffected, result.Error
}

// CleanupOldTransactions 根据保留天数清理旧事务
func (r *TransactionRepo) CleanupOldTransactions(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 7 // 默认保留 7 天
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	return r.DeleteOldTransactions(cutoff)
}

// TransactionCount 返回事务总数
func (r *TransactionRepo) TransactionCount() (int64, error) {
	var total int64
	err := r.db.GormDB().Model(&TransactionRecord{}).Count(&total).Error
	return total, err
}

// QueryOptions 查询选项
type QueryOptions struct {
	URL        string // 模糊匹配
	Host       string
	Method     string
	Status     string
	StatusCode int
	StartTime  int64
	EndTime    int64
	Offset     int
	Limit      int
}

// Query 查询事务历史，按开始时间倒序分页
func (r *TransactionRepo) Query(opts QueryOptions) ([]TransactionRecord, int64, error) {
	query := r.db.GormDB().Model(&TransactionRecord{})

	// 应用过滤条件
	if opts.URL != "" {
		query = query.Where("url LIKE ?", "%"+opts.URL+"%")
	}
	if opts.Host != "" {
		query = query.Where("host = ?", opts.Host)
	}
	if opts.Method != "" {
		query = query.Where("method = ?", opts.Method)
	}
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}
	if opts.StatusCode > 0 {
		query = query.Where("status_code = ?", opts.StatusCode)
	}
	if opts.StartTime > 0 {
		query = query.Where("start_time >= ?", opts.StartTime)
	}
	if opts.EndTime > 0 {
		query = query.Where("start_time <= ?", opts.EndTime)
	}

	// 计算总数
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 分页
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var records []TransactionRecord
	err := query.Order("start_time DESC").
		Offset(opts.Offset).
		Limit(opts.Limit).
		Find(&records).Error

	return records, total, err
}

// GetByID 根据事务 ID 获取记录
func (r *TransactionRepo) GetByID(id string) (*TransactionRecord, error) {
	var rec TransactionRecord
	if err := r.db.GormDB().Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// TransactionStats 事务统计
type TransactionStats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"byStatus"`
	ByMethod map[string]int64 `json:"byMethod"`
}

// GetStats 获取事务统计
func (r *TransactionRepo) GetStats() (*TransactionStats, error) {
	var stats TransactionStats

	// 总数
	if err := r.db.GormDB().Model(&TransactionRecord{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}

	type bucket struct {
		Key   string
		Count int64
	}

	// 按状态统计
	var byStatus []bucket
	if err := r.db.GormDB().Model(&TransactionRecord{}).
		Select("status as key, count(*) as count").
		Group("status").
		Find(&byStatus).Error; err != nil {
		return nil, err
	}
	stats.ByStatus = make(map[string]int64)
	for _, b := range byStatus {
		stats.ByStatus[b.Key] = b.Count
	}

	// 按方法统计
	var byMethod []bucket
	if err := r.db.GormDB().Model(&TransactionRecord{}).
		Select("method as key, count(*) as count").
		Group("method").
		Find(&byMethod).Error; err != nil {
		return nil, err
	}
	stats.ByMethod = make(map[string]int64)
	for _, b := range byMethod {
		stats.ByMethod[b.Key] = b.Count
	}

	return &stats, nil
}
