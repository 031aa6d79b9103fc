package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aihub/localkb-go/internal/config"
	"github.com/aihub/localkb-go/internal/logger"
	"github.com/aihub/localkb-go/internal/models"
)

var DB *gorm.DB

// InitDB 按配置打开数据库，默认使用本地sqlite文件
func InitDB() (*gorm.DB, error) {
	cfg := config.AppConfig
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	var dialector gorm.Dialector
	switch cfg.Database.Provider {
	case "postgres":
		dialector = postgres.Open(cfg.Database.URL)
	case "sqlite", "":
		if dir := filepath.Dir(cfg.Database.URL); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.Database.URL)
	default:
		return nil, fmt.Errorf("unsupported database provider: %s", cfg.Database.Provider)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("database migration: %w", err)
	}

	DB = db
	logger.Info("database connected")
	return db, nil
}

// AutoMigrate 迁移知识库与对话相关表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.KnowledgeBase{},
		&models.KnowledgeDocument{},
		&models.KnowledgeChunk{},
		&models.ChatSession{},
		&models.ChatMessage{},
	)
}

func CloseDB() error {
	if DB == nil {
		return nil
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
