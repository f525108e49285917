package database

import (
	"fmt"
	"strings"

	"liveconsult/internal/config"
	"liveconsult/internal/models"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// Options 打开数据库时的附加选项
type Options struct {
	LogLevel logger.LogLevel
	Tracing  bool
}

// Open connects to the configured store and applies the pool settings.
func Open(dc config.DatabaseConfig, opts Options) (*gorm.DB, error) {
	dialector, err := dialectorFor(dc)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel == 0 {
		opts.LogLevel = logger.Warn
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(opts.LogLevel)})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", dc.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql handle: %w", err)
	}
	if dc.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(dc.MaxOpenConns)
	}
	if dc.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(dc.MaxIdleConns)
	}
	if dc.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(dc.ConnMaxLifetime)
	}

	// GORM OTel 插件
	if opts.Tracing {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			logrus.Warnf("gorm tracing plugin: %v", err)
		}
	}
	return db, nil
}

func dialectorFor(dc config.DatabaseConfig) (gorm.Dialector, error) {
	switch strings.ToLower(dc.Driver) {
	case "", "postgres":
		return postgres.Open(PostgresDSN(dc)), nil
	case "sqlite":
		dsn := dc.DSN
		if dsn == "" {
			dsn = "file:liveconsult.db?_pragma=foreign_keys(1)"
		}
		return gormsqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dc.Driver)
	}
}

// PostgresDSN builds a libpq DSN; an explicit dsn wins.
func PostgresDSN(dc config.DatabaseConfig) string {
	if dc.DSN != "" {
		return dc.DSN
	}
	sslmode := dc.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		dc.Host, dc.User, dc.Password, dc.Name, dc.Port, sslmode)
}

// extraIndexes 补充 AutoMigrate 不会创建的复合索引
var extraIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_chat_messages_session_created ON chat_messages(session_id, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_chat_messages_chat_status ON chat_messages(chat_id, status)",
	"CREATE INDEX IF NOT EXISTS idx_chat_sessions_type_created ON chat_sessions(type, created_at)",
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Chat{}, &models.ChatSession{}, &models.ChatMessage{}); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	for _, stmt := range extraIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Ping checks the connection; used by the readiness probe.
func Ping(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database not configured")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
