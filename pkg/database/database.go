// Package database 负责初始化关系型数据库与 Redis 连接。
package database

import (
	"fmt"
	"persona-research-go/internal/model"
	"persona-research-go/pkg/log"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	// gorm 方言只负责 SQL 生成，连接由 modernc 驱动提供
	_ "modernc.org/sqlite"
)

var DB *gorm.DB

// Open 按驱动名打开数据库连接并配置连接池。driver 取值 mysql | postgres | sqlite。
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		// 使用纯 Go 的 modernc 驱动，它注册的驱动名是 "sqlite"
		dialector = sqlite.Dialector{DriverName: "sqlite", DSN: dsn}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if driver == "sqlite" || driver == "" {
		// SQLite 只允许单写者
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return db, nil
}

// Init 打开数据库并赋值给全局 DB，失败时退出进程。
func Init(driver, dsn string) {
	db, err := Open(driver, dsn)
	if err != nil {
		log.Fatal("failed to connect database", err)
	}
	DB = db
	log.Infof("database connected successfully, driver=%s", driver)
}

// AutoMigrate 创建或更新研究相关的表结构。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.ResearchSession{},
		&model.Persona{},
		&model.InterviewResponse{},
	)
}

// OpenInMemory 打开一个独立的内存 SQLite 数据库并完成迁移，供测试使用。
func OpenInMemory() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return db, nil
}
