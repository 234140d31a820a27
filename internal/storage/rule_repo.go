package storage

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"jarvis/pkg/errx"
	"jarvis/pkg/rulespec"
)

// RuleRepo 规则仓库
type RuleRepo struct {
	db *DB
}

// NewRuleRepo 创建规则仓库实例
func NewRuleRepo(db *DB) *RuleRepo {
	return &RuleRepo{db: db}
}

// Create 创建新规则，Position 为 0 时追加到末尾
func (r *RuleRepo) Create(rule rulespec.NetworkRule) (*RuleRecord, error) {
	if rule.Position == 0 {
		next, err := r.nextPosition()
		if err != nil {
			return nil, errx.Wrap(errx.CodeStorage, err, "分配规则顺序失败")
		}
		rule.Position = next
	}

	ruleJSON, err := json.Marshal(rule)
	if err != nil {
		return nil, errx.Wrap(errx.CodeInvalidRule, err, "序列化规则失败")
	}

	record := &RuleRecord{
		RuleID:    rule.ID,
		Name:      rule.Name,
		Mode:      string(rule.Mode),
		Enabled:   rule.Enabled,
		Position:  rule.Position,
		RuleJSON:  string(ruleJSON),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := r.db.GormDB().Create(record).Error; err != nil {
		return nil, errx.Wrap(errx.CodeStorage, err, "写入规则失败")
	}
	return record, nil
}

// Update 更新已存在的规则，规则不存在时返回 RULE_NOT_FOUND
func (r *RuleRepo) Update(rule rulespec.NetworkRule) error {
	rule.UpdatedAt = time.Now().UnixMilli()
	ruleJSON, err := json.Marshal(rule)
	if err != nil {
		return errx.Wrap(errx.CodeInvalidRule, err, "序列化规则失败")
	}

	result := r.db.GormDB().Model(&RuleRecord{}).Where("rule_id = ?", rule.ID).Updates(map[string]interface{}{
		"name":       rule.Name,
		"mode":       string(rule.Mode),
		"enabled":    rule.Enabled,
		"position":   rule.Position,
		"rule_json":  string(ruleJSON),
		"updated_at": time.Now(),
	})
	if result.Error != nil {
		return errx.Wrap(errx.CodeStorage, result.Error, "更新规则失败")
	}
	if result.RowsAffected == 0 {
		return errx.New(errx.CodeRuleNotFound, "规则不存在: "+rule.ID)
	}
	return nil
}

// Delete 删除规则，规则不存在时返回 RULE_NOT_FOUND
func (r *RuleRepo) Delete(ruleID string) error {
	result := r.db.GormDB().Where("rule_id = ?", ruleID).Delete(&RuleRecord{})
	if result.Error != nil {
		return errx.Wrap(errx.CodeStorage, result.Error, "删除规则失败")
	}
	if result.RowsAffected == 0 {
		return errx.New(errx.CodeRuleNotFound, "规则不存在: "+ruleID)
	}
	return nil
}

// DeleteAll 清空全部规则
func (r *RuleRepo) DeleteAll() error {
	if err := r.db.GormDB().Where("1 = 1").Delete(&RuleRecord{}).Error; err != nil {
		return errx.Wrap(errx.CodeStorage, err, "清空规则失败")
	}
	return nil
}

// GetByID 根据规则业务 ID 获取规则
func (r *RuleRepo) GetByID(ruleID string) (*rulespec.NetworkRule, error) {
	var record RuleRecord
	if err := r.db.GormDB().Where("rule_id = ?", ruleID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errx.New(errx.CodeRuleNotFound, "规则不存在: "+ruleID)
		}
		return nil, errx.Wrap(errx.CodeStorage, err, "查询规则失败")
	}
	return parseRule(record)
}

// List 按存储顺序列出所有规则
func (r *RuleRepo) List() ([]rulespec.NetworkRule, error) {
	var records []RuleRecord
	if err := r.db.GormDB().Order("position ASC, id ASC").Find(&records).Error; err != nil {
		return nil, errx.Wrap(errx.CodeStorage, err, "查询规则列表失败")
	}

	rules := make([]rulespec.NetworkRule, 0, len(records))
	for _, rec := range records {
		rule, err := parseRule(rec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, nil
}

// SetEnabled 切换规则启用状态
func (r *RuleRepo) SetEnabled(ruleID string, enabled bool) error {
	rule, err := r.GetByID(ruleID)
	if err != nil {
		return err
	}
	rule.Enabled = enabled
	return r.Update(*rule)
}

// ReplaceAll 以导入的规则整体替换现有规则（事务内执行）
func (r *RuleRepo) ReplaceAll(rules []rulespec.NetworkRule) error {
	return r.db.GormDB().Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&RuleRecord{}).Error; err != nil {
			return err
		}
		now := time.Now()
		for i, rule := range rules {
			rule.Position = i + 1
			ruleJSON, err := json.Marshal(rule)
			if err != nil {
				return err
			}
			record := RuleRecord{
				RuleID:    rule.ID,
				Name:      rule.Name,
				Mode:      string(rule.Mode),
				Enabled:   rule.Enabled,
				Position:  rule.Position,
				RuleJSON:  string(ruleJSON),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// nextPosition 返回下一个可用的存储顺序号
func (r *RuleRepo) nextPosition() (int, error) {
	var max int
	err := r.db.GormDB().Model(&RuleRecord{}).
		Select("COALESCE(MAX(position), 0)").
		Scan(&max).Error
	return max + 1, err
}

// parseRule 从记录中解析完整规则
func parseRule(rec RuleRecord) (*rulespec.NetworkRule, error) {
	var rule rulespec.NetworkRule
	if err := json.Unmarshal([]byte(rec.RuleJSON), &rule); err != nil {
		return nil, errx.Wrap(errx.CodeStorage, err, "解析规则失败: "+rec.RuleID)
	}
	// 可查询列以数据库为准
	rule.Enabled = rec.Enabled
	rule.Position = rec.Position
	return &rule, nil
}

// InsertRuleApplication 追加规则应用审计记录
func (r *RuleRepo) InsertRuleApplication(res rulespec.RuleApplicationResult) error {
	mods, err := json.Marshal(res.Modifications)
	if err != nil {
		mods = []byte("[]")
	}
	record := RuleApplicationRecord{
		RuleID:        res.RuleID,
		RuleName:      res.RuleName,
		Mode:          string(res.Mode),
		Applied:       res.Applied,
		Modifications: string(mods),
		TransactionID: res.TransactionID,
		Timestamp:     res.Timestamp,
		CreatedAt:     time.Now(),
	}
	return r.db.GormDB().Create(&record).Error
}

// ListApplications 查询指定规则的应用历史，ruleID 为空时返回全部
func (r *RuleRepo) ListApplications(ruleID string, limit int) ([]RuleApplicationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := r.db.GormDB().Model(&RuleApplicationRecord{})
	if ruleID != "" {
		query = query.Where("rule_id = ?", ruleID)
	}

	var records []RuleApplicationRecord
	err := query.Order("timestamp DESC").Limit(limit).Find(&records).Error
	if err != nil {
		return nil, errx.Wrap(errx.CodeStorage, err, "查询规则应用历史失败")
	}
	return records, nil
}

// DeleteOldApplications 删除指定时间之前的审计记录
func (r *RuleRepo) DeleteOldApplications(beforeTimestamp int64) (int64, error) {
	result := r.db.GormDB().Where("timestamp < ?", beforeTimestamp).Delete(&RuleApplicationRecord{})
	return result.RowsAffected, result.Error
}
