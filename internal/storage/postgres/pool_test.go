package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfig_ApplyDefaults(t *testing.T) {
	cfg := &PoolConfig{ConnString: "postgres://localhost/reelforge"}
	cfg.ApplyDefaults()

	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, int32(1), cfg.MinConns)
	assert.Equal(t, time.Hour, cfg.MaxConnLifetime)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestPoolConfig_Validate(t *testing.T) {
	assert.Error(t, (&PoolConfig{}).Validate())
	assert.Error(t, (&PoolConfig{ConnString: "postgres://x", MinConns: 5, MaxConns: 2}).Validate())
}

func TestNewPool_Errors(t *testing.T) {
	_, err := NewPool(context.Background(), nil)
	assert.Error(t, err)

	_, err = NewPool(context.Background(), &PoolConfig{})
	assert.Error(t, err)
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].version)
	assert.Equal(t, 2, migrations[1].version)
	assert.Contains(t, migrations[0].content, "CREATE TABLE IF NOT EXISTS jobs")
	assert.Contains(t, migrations[1].content, "CREATE TABLE IF NOT EXISTS assets")
}

func TestMapPostgresError(t *testing.T) {
	assert.NoError(t, mapPostgresError(nil))

	plain := errors.New("boom")
	assert.Equal(t, plain, mapPostgresError(plain))

	dup := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "jobs_pkey"}
	mapped := mapPostgresError(fmt.Errorf("insert: %w", dup))
	assert.ErrorIs(t, mapped, ErrDuplicate)
	assert.Contains(t, mapped.Error(), "jobs_pkey")

	canceled := &pgconn.PgError{Code: pgerrcode.QueryCanceled}
	mapped = mapPostgresError(canceled)
	assert.ErrorAs(t, mapped, new(*pgconn.PgError))
	assert.Contains(t, mapped.Error(), "query canceled")

	other := &pgconn.PgError{Code: pgerrcode.SyntaxError, Message: "syntax error"}
	assert.Contains(t, mapPostgresError(other).Error(), "postgres error [42601]")
}
