package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewClientSQLiteAppliesSchema(t *testing.T) {
	ctx := context.Background()
	c, err := NewClient(ctx, &Config{Driver: DriverSQLite, DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	var tables []string
	err = c.DB().SelectContext(ctx, &tables,
		"SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	require.NoError(t, err)
	assert.Subset(t, tables, []string{"actions", "agents", "audit_entries", "teams", "workspaces"})

	// schema is idempotent
	require.NoError(t, c.Migrate(ctx))
	require.NoError(t, c.Ping(ctx))
	assert.Equal(t, DriverSQLite, c.Driver())
}

func TestDataSource(t *testing.T) {
	pg := &Config{Driver: DriverPostgres, Host: "db", Port: 5432, User: "orch", Password: "pw", Database: "orchestrator"}
	dsn, err := pg.dataSource()
	require.NoError(t, err)
	assert.Equal(t, "host=db port=5432 user=orch password=pw dbname=orchestrator sslmode=require", dsn)

	explicit := &Config{Driver: DriverPostgres, DSN: "postgres://x"}
	dsn, err = explicit.dataSource()
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", dsn)

	_, err = (&Config{Driver: "mysql"}).dataSource()
	assert.Error(t, err)
}
