package testutil

import (
	"testing"

	"buildsite/config"
	"buildsite/database"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenDB 打开迁移完成的内存 sqlite，供各包测试使用
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite"}, gormlogger.Silent)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// UseDB 用测试库替换全局 DB，测试结束后恢复
func UseDB(t testing.TB) *gorm.DB {
	t.Helper()
	db := OpenDB(t)
	old := database.DB
	database.DB = db
	t.Cleanup(func() { database.DB = old })
	return db
}
