package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/rehydrate/config"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func sqliteConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Driver:          "sqlite",
		Name:            ":memory:",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

func TestOpen_Sqlite(t *testing.T) {
	m, err := Open(sqliteConfig(), zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	assert.NotNil(t, m.DB())
	require.NoError(t, m.Ping(context.Background()))

	stats := m.Stats()
	assert.GreaterOrEqual(t, stats.OpenConnections, 0)
}

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := sqliteConfig()
	cfg.Driver = "oracle"

	_, err := Open(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestManager_CloseIdempotent(t *testing.T) {
	m, err := Open(sqliteConfig(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	// 关闭后 Ping 报错
	assert.Error(t, m.Ping(context.Background()))
}

// mockManager 基于 sqlmock 构造 Manager, 用于驱动底层连接故障
func mockManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	m := &Manager{
		sqlDB:  mockDB,
		logger: zap.NewNop(),
		stopCh: make(chan struct{}),
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, mock
}

func TestManager_PingSuccess(t *testing.T) {
	m, mock := mockManager(t)

	mock.ExpectPing()
	assert.NoError(t, m.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_PingFailure(t *testing.T) {
	m, mock := mockManager(t)

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, m.Ping(context.Background()))
}
