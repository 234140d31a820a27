package storage

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"jarvis/internal/logger"
)

// DB 数据库连接管理器
type DB struct {
	gormDB *gorm.DB
}

// Options 数据库打开选项
type Options struct {
	Path        string // 缺省为平台数据目录，":memory:" 打开内存库（测试用）
	TablePrefix string // 表名前缀
	Logger      logger.Logger
}

// NewDB 打开数据库连接并执行迁移
func NewDB(opts Options) (*DB, error) {
	path := opts.Path
	if path == "" {
		p, err := defaultDBPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	if opts.Logger != nil {
		cfg.Logger = NewGormLogger(opts.Logger).LogMode(gormlogger.Warn)
	}
	if opts.TablePrefix != "" {
		cfg.NamingStrategy = schema.NamingStrategy{TablePrefix: opts.TablePrefix}
	}

	gormDB, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, err
	}

	db := &DB{gormDB: gormDB}
	if err := db.autoMigrate(); err != nil {
		return nil, err
	}
	return db, nil
}

// GormDB 获取 gorm.DB 实例
func (d *DB) GormDB() *gorm.DB {
	return d.gormDB
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	if d.gormDB == nil {
		return nil
	}
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// defaultDBPath 获取跨平台的数据库文件路径
func defaultDBPath() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		// %APPDATA%/jarvis/data.db
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		// ~/Library/Application Support/jarvis/data.db
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(home, "Library", "Application Support")
	default:
		// Linux: ~/.local/share/jarvis/data.db
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, ".local", "share")
		}
	}

	return filepath.Join(baseDir, "jarvis", "data.db"), nil
}

// autoMigrate 自动迁移所有模型
func (d *DB) autoMigrate() error {
	return d.gormDB.AutoMigrate(
		&Setting{},
		&RuleRecord{},
		&TransactionRecord{},
		&RuleApplicationRecord{},
	)
}

// DefaultDBPath 导出获取默认数据库路径的方法（用于调试）
func DefaultDBPath() (string, error) {
	return defaultDBPath()
}
