package database

import (
	"time"

	"solar-audit-go/internal/model"
	"solar-audit-go/pkg/log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *gorm.DB

// InitMySQL 初始化 MySQL 数据库连接
func InitMySQL(dsn string) {
	var err error
	DB, err = gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect database", err)
	}

	// 配置连接池
	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatal("failed to get sql.DB", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("MySQL database connected successfully")
}

// Migrate 同步表结构。
func Migrate() {
	if err := DB.AutoMigrate(
		&model.Plant{},
		&model.Audit{},
		&model.AuditUpload{},
		&model.DataUpload{},
	); err != nil {
		log.Fatal("failed to migrate database schema", err)
	}
	log.Info("Database schema migrated successfully")
}
