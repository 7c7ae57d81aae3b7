package config

import (
	"fmt"
	"strings"
)

// DatabaseConfig 任务记录数据库
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite/postgres/mysql
	DSN      string `mapstructure:"dsn"`    // 非空时直接使用
	Path     string `mapstructure:"path"`   // sqlite文件路径
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

func (d DatabaseConfig) validate() error {
	switch strings.ToLower(d.Driver) {
	case "sqlite":
		if d.DSN == "" && d.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres", "mysql":
		if d.DSN == "" && d.Name == "" {
			return fmt.Errorf("database.name or database.dsn is required for %s", d.Driver)
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, postgres, mysql", d.Driver)
	}
	return nil
}

// ConnString 组装驱动连接串
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	switch strings.ToLower(d.Driver) {
	case "postgres":
		port := d.Port
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			d.Host, d.User, d.Password, d.Name, port)
	case "mysql":
		port := d.Port
		if port == "" {
			port = "3306"
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			d.User, d.Password, d.Host, port, d.Name)
	default:
		return d.Path
	}
}
