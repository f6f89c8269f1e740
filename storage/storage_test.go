package storage

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samooth/twetch-go/types"
)

func exerciseStore(t *testing.T, s types.KeyValueStore) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "tokenTwetchAuth")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "tokenTwetchAuth", "first"))
	require.NoError(t, s.Set(ctx, "tokenTwetchAuth", "second"))

	v, ok, err := s.Get(ctx, "tokenTwetchAuth")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "second", v)

	require.NoError(t, s.Delete(ctx, "tokenTwetchAuth"))
	_, ok, err = s.Get(ctx, "tokenTwetchAuth")
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting a missing key is not an error
	require.NoError(t, s.Delete(ctx, "tokenTwetchAuth"))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	exerciseStore(t, s)

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "abi", `{"name":"twetch"}`))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	v, ok, err := reopened.Get(ctx, "abi")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"name":"twetch"}`, v)
}

func TestFileStore_RejectsEmptyPath(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s, err := NewFileStore(path)
	require.NoError(t, err)
	_, _, err = s.Get(context.Background(), "abi")
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "twetch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS twetch_kv`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewPostgresStore(context.Background(), db)
	require.NoError(t, err)

	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO twetch_kv (key, value) VALUES ($1, $2)`)).
		WithArgs("walletPrivateKey", "L1abc").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Set(ctx, "walletPrivateKey", "L1abc"))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM twetch_kv WHERE key = $1`)).
		WithArgs("walletPrivateKey").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("L1abc"))
	v, ok, err := s.Get(ctx, "walletPrivateKey")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "L1abc", v)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM twetch_kv WHERE key = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM twetch_kv WHERE key = $1`)).
		WithArgs("walletPrivateKey").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Delete(ctx, "walletPrivateKey"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MigrateError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(assert.AnError)

	_, err = NewPostgresStore(context.Background(), db)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TWETCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TWETCH_TEST_REDIS_ADDR not set")
	}
	db, _ := strconv.Atoi(os.Getenv("TWETCH_TEST_REDIS_DB"))
	s := NewRedisStore(addr, "", db, "twetch-test:")
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Config{Driver: DriverFile, Path: filepath.Join(t.TempDir(), "s.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, Config{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "s.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"sqlite without path", Config{Driver: DriverSQLite}},
		{"postgres without dsn", Config{Driver: DriverPostgres}},
		{"redis without addr", Config{Driver: DriverRedis}},
		{"unknown driver", Config{Driver: "etcd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(ctx, tt.cfg)
			assert.Error(t, err)
		})
	}
}
