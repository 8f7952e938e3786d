package output

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/tock/am"
	"github.com/teranos/tock/errors"
	tocktest "github.com/teranos/tock/internal/testing"
)

func backends(t *testing.T) map[string]BlobStore {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return map[string]BlobStore{
		"sqlite": NewSQLBlobStore(tocktest.CreateTestDB(t)),
		"fs":     NewFSBlobStore(afero.NewMemMapFs(), "/var/tock/output"),
		"redis":  NewRedisBlobStore(rdb, 0),
	}
}

func writeAll(t *testing.T, store BlobStore, name string, mode Mode, chunks ...string) {
	t.Helper()
	s, err := store.Open(t.Context(), name, mode)
	require.NoError(t, err)
	for _, c := range chunks {
		n, err := s.Write([]byte(c))
		require.NoError(t, err)
		assert.Equal(t, len(c), n)
	}
	require.NoError(t, s.Close())
}

func TestBlobStores(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			stream := StdoutName("job-1")

			t.Run("write then read", func(t *testing.T) {
				writeAll(t, store, stream, ModeWrite, "hello ", "world\n")
				data, err := ReadAll(ctx, store, stream)
				require.NoError(t, err)
				assert.Equal(t, "hello world\n", string(data))
			})

			t.Run("append continues the stream", func(t *testing.T) {
				writeAll(t, store, stream, ModeAppend, "more\n")
				data, err := ReadAll(ctx, store, stream)
				require.NoError(t, err)
				assert.Equal(t, "hello world\nmore\n", string(data))
			})

			t.Run("write truncates", func(t *testing.T) {
				writeAll(t, store, stream, ModeWrite, "fresh")
				data, err := ReadAll(ctx, store, stream)
				require.NoError(t, err)
				assert.Equal(t, "fresh", string(data))
			})

			t.Run("missing stream is not found", func(t *testing.T) {
				_, err := ReadAll(ctx, store, StderrName("nope"))
				assert.True(t, errors.IsNotFoundError(err))
			})

			t.Run("unknown mode", func(t *testing.T) {
				_, err := store.Open(ctx, stream, Mode(42))
				assert.True(t, errors.Is(err, ErrInvalidMode))
			})

			t.Run("read stream rejects writes", func(t *testing.T) {
				s, err := store.Open(ctx, stream, ModeRead)
				require.NoError(t, err)
				defer s.Close()
				_, err = s.Write([]byte("x"))
				assert.Error(t, err)
			})
		})
	}
}

func TestStreamClosedTwice(t *testing.T) {
	for name, store := range backends(t) {
		if name == "fs" {
			continue // afero files report their own close errors
		}
		t.Run(name, func(t *testing.T) {
			s, err := store.Open(t.Context(), "tock-stdout-x", ModeWrite)
			require.NoError(t, err)
			require.NoError(t, s.Close())
			assert.True(t, errors.Is(s.Close(), errors.ErrClosed))

			_, err = s.Write([]byte("late"))
			assert.True(t, errors.Is(err, errors.ErrClosed))

			_, err = s.Read(make([]byte, 4))
			assert.True(t, errors.Is(err, ErrInvalidMode))
		})
	}
}

func TestSQLChunksPreserveWriteBoundaries(t *testing.T) {
	db := tocktest.CreateTestDB(t)
	store := NewSQLBlobStore(db)

	writeAll(t, store, "tock-stdout-a", ModeWrite, "one", "two")
	writeAll(t, store, "tock-stdout-a", ModeAppend, "three")

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM output_chunks WHERE name = ?`, "tock-stdout-a").Scan(&count))
	assert.Equal(t, 3, count)

	s, err := store.Open(t.Context(), "tock-stdout-a", ModeRead)
	require.NoError(t, err)
	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "onetwothree", string(data))
}

func TestFSRejectsPathNames(t *testing.T) {
	store := NewFSBlobStore(afero.NewMemMapFs(), "/out")
	for _, name := range []string{"../escape", "a/b", "..", "."} {
		_, err := store.Open(t.Context(), name, ModeWrite)
		assert.True(t, errors.IsInvalidRequestError(err), name)
	}
}

func TestRedisTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewRedisBlobStore(rdb, 2*time.Hour)
	writeAll(t, store, "tock-stderr-j", ModeWrite, "boom")

	assert.Equal(t, 2*time.Hour, mr.TTL(RedisKeyPrefix+"tock-stderr-j"))
	got, err := mr.Get(RedisKeyPrefix + "tock-stderr-j")
	require.NoError(t, err)
	assert.Equal(t, "boom", got)
}

func TestNew(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	t.Run("sqlite needs a database", func(t *testing.T) {
		_, err := New(&am.Config{Output: am.OutputConfig{Backend: am.OutputSQLite}}, nil, logger)
		assert.Error(t, err)

		store, err := New(&am.Config{Output: am.OutputConfig{Backend: am.OutputSQLite}}, tocktest.CreateTestDB(t), logger)
		require.NoError(t, err)
		assert.IsType(t, &SQLBlobStore{}, store)
	})

	t.Run("fs", func(t *testing.T) {
		store, err := New(&am.Config{Output: am.OutputConfig{Backend: am.OutputFS, Dir: t.TempDir()}}, nil, logger)
		require.NoError(t, err)
		writeAll(t, store, "tock-stdout-disk", ModeWrite, "on disk")
		data, err := ReadAll(context.Background(), store, "tock-stdout-disk")
		require.NoError(t, err)
		assert.Equal(t, "on disk", string(data))
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := New(&am.Config{
			Output: am.OutputConfig{Backend: am.OutputRedis},
			Redis:  am.RedisConfig{Addr: mr.Addr()},
		}, nil, logger)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &RedisBlobStore{}, store)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := New(&am.Config{Output: am.OutputConfig{Backend: "s3"}}, nil, logger)
		assert.True(t, errors.IsInvalidRequestError(err))
	})
}
