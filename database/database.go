package database

import (
	"fmt"

	"buildsite/config"
	"buildsite/logger"
	"buildsite/models"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

// Init 初始化数据库连接
func Init(cfg *config.Config) error {
	db, err := Open(cfg.Database, logger.MapGormLogLevel(cfg.Log.SQLLevel))
	if err != nil {
		return err
	}
	DB = db

	if err := Migrate(DB); err != nil {
		return err
	}

	logger.L.Info("数据库初始化成功", zap.String("driver", cfg.Database.Driver))
	return nil
}

// Open 按配置打开数据库，mysql 用于生产，sqlite 用于单机部署和测试
func Open(cfg config.DatabaseConfig, level gormlogger.LogLevel) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql", "":
		dialector = mysql.Open(cfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(SQLiteDSN(cfg.Path))
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.NewGormLogger(logger.L, level),
		TranslateError: true, // 唯一键冲突翻译为 gorm.ErrDuplicatedKey，编号生成依赖此行为
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if cfg.Driver == "sqlite" {
		// sqlite 只允许单写连接
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
	}

	return db, nil
}

// SQLiteDSN 为 sqlite 路径开启外键约束
func SQLiteDSN(path string) string {
	if path == "" {
		path = ":memory:"
	}
	return path + "?_foreign_keys=on"
}

// Migrate 自动迁移数据库表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Customer{},
		&models.Investor{},
		&models.Project{},
		&models.ProjectInvestor{},
		&models.InvestmentInstallment{},
		&models.ProjectExpense{},
		&models.DailySequence{},
		&models.ContactMessage{},
	)
}

// GetDB 获取数据库连接
func GetDB() *gorm.DB {
	return DB
}
