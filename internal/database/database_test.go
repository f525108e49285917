package database

import (
	"strings"
	"testing"

	"liveconsult/internal/config"
	"liveconsult/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func TestOpenSQLiteAndMigrate(t *testing.T) {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := Open(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          "file:" + name + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
	}, Options{LogLevel: logger.Silent, Tracing: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db), "migrate is idempotent")
	assert.True(t, db.Migrator().HasTable(&models.ChatSession{}))
	assert.True(t, db.Migrator().HasIndex(&models.ChatMessage{}, "idx_chat_messages_session_created"))
	assert.NoError(t, Ping(db))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"}, Options{})
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	dc := config.GetDefaultConfig().Database
	dsn := PostgresDSN(dc)
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "dbname=liveconsult")
	assert.Contains(t, dsn, "sslmode=disable")

	dc.DSN = "postgres://u:p@db:5432/x"
	assert.Equal(t, "postgres://u:p@db:5432/x", PostgresDSN(dc))
}

func TestPingNil(t *testing.T) {
	assert.Error(t, Ping(nil))
}
