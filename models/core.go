package models

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/GrainArc/RestRaster/config"
)

var DB *gorm.DB

// dialector 按驱动名选择gorm方言
func dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	dsn := cfg.ConnString()
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		if dir := filepath.Dir(dsn); dir != "" && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			if err := os.MkdirAll(dir, os.ModePerm); err != nil {
				return nil, fmt.Errorf("create database folder: %w", err)
			}
		}
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Open 打开数据库并迁移任务表
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	d, err := dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := migrateAllTables(db); err != nil {
		return nil, fmt.Errorf("migrate tables: %w", err)
	}
	return db, nil
}

// InitDB 初始化全局数据库连接
func InitDB(cfg config.DatabaseConfig) error {
	db, err := Open(cfg)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// migrateAllTables 批量迁移所有表
func migrateAllTables(db *gorm.DB) error {
	models := []interface{}{
		&FetchTask{},
	}

	return db.AutoMigrate(models...)
}
