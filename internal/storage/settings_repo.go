package storage

import (
	"strconv"
	"time"

	"gorm.io/gorm"
)

// SettingsRepo 设置仓库
type SettingsRepo struct {
	db *DB
}

// NewSettingsRepo 创建设置仓库实例
func NewSettingsRepo(db *DB) *SettingsRepo {
	return &SettingsRepo{db: db}
}

// Get 获取设置值
func (r *SettingsRepo) Get(key string) (string, error) {
	var setting Setting
	result := r.db.GormDB().Where("key = ?", key).First(&setting)
	if result.Error != nil {
		return "", result.Error
	}
	return setting.Value, nil
}

// GetWithDefault 获取设置值，不存在时返回默认值
func (r *SettingsRepo) GetWithDefault(key, defaultValue string) string {
	val, err := r.Get(key)
	if err != nil {
		return defaultValue
	}
	return val
}

// Set 设置值（存在则更新，不存在则创建）
func (r *SettingsRepo) Set(key, value string) error {
	setting := Setting{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	return r.db.GormDB().Save(&setting).Error
}

// Delete 删除设置
func (r *SettingsRepo) Delete(key string) error {
	return r.db.GormDB().Delete(&Setting{}, "key = ?", key).Error
}

// GetAll 获取所有设置
func (r *SettingsRepo) GetAll() (map[string]string, error) {
	var settings []Setting
	if err := r.db.GormDB().Find(&settings).Error; err != nil {
		return nil, err
	}

	result := make(map[string]string)
	for _, s := range settings {
		result[s.Key] = s.Value
	}
	return result, nil
}

// SetMultiple 批量设置
func (r *SettingsRepo) SetMultiple(kvs map[string]string) error {
	return r.db.GormDB().Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for key, value := range kvs {
			setting := Setting{
				Key:       key,
				Value:     value,
				UpdatedAt: now,
			}
			if err := tx.Save(&setting).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// 便捷方法

// GetCaptureEnabled 捕获是否启用，默认启用
func (r *SettingsRepo) GetCaptureEnabled() bool {
	return r.GetWithDefault(SettingKeyCaptureEnabled, "true") == "true"
}

// SetCaptureEnabled 设置捕获开关
func (r *SettingsRepo) SetCaptureEnabled(enabled bool) error {
	return r.Set(SettingKeyCaptureEnabled, strconv.FormatBool(enabled))
}

// GetRetentionDays 事务保留天数，默认 7 天
func (r *SettingsRepo) GetRetentionDays() int {
	v := r.GetWithDefault(SettingKeyRetentionDays, "7")
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 7
	}
	return n
}

// SetRetentionDays 设置事务保留天数
func (r *SettingsRepo) SetRetentionDays(days int) error {
	return r.Set(SettingKeyRetentionDays, strconv.Itoa(days))
}
