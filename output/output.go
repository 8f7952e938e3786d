// Package output stores the stdout/stderr captured from jobs under stable stream names.
//
// A BlobStore opens named streams in one of three modes. Write truncates, Append
// continues an existing stream (used when a master picks up a job it did not spawn)
// and Read returns what was captured. Three backends are provided: SQLite chunks in
// the tock database, files on an afero filesystem and redis strings.
package output

import (
	"context"
	"database/sql"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/teranos/tock/am"
	"github.com/teranos/tock/errors"
)

// Mode selects how a stream is opened
type Mode int

const (
	ModeWrite  Mode = iota // truncate, then write
	ModeAppend             // write after existing content
	ModeRead
)

func (m Mode) String() string {
	switch m {
	case ModeWrite:
		return "write"
	case ModeAppend:
		return "append"
	case ModeRead:
		return "read"
	default:
		return "unknown"
	}
}

// ErrInvalidMode is returned for unknown modes and for reads on write streams (and vice versa)
var ErrInvalidMode = errors.New("invalid stream mode")

// Stream is an open output stream. Close must be called exactly once.
type Stream interface {
	io.ReadWriteCloser
}

// BlobStore opens named output streams
type BlobStore interface {
	Open(ctx context.Context, name string, mode Mode) (Stream, error)
	Close() error
}

// StdoutName is the stream name for a job's standard output
func StdoutName(jobID string) string { return "tock-stdout-" + jobID }

// StderrName is the stream name for a job's standard error
func StderrName(jobID string) string { return "tock-stderr-" + jobID }

// ReadAll returns everything captured under name
func ReadAll(ctx context.Context, store BlobStore, name string) ([]byte, error) {
	s, err := store.Open(ctx, name, ModeRead)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	data, err := io.ReadAll(s)
	if err != nil {
		return nil, errors.Wrapf(err, "read stream %s", name)
	}
	return data, nil
}

// New builds the backend selected by cfg.Output.Backend.
// db is only used by the sqlite backend and may be nil otherwise.
func New(cfg *am.Config, db *sql.DB, logger *zap.SugaredLogger) (BlobStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	switch cfg.Output.Backend {
	case am.OutputSQLite, "":
		if db == nil {
			return nil, errors.New("sqlite output backend needs a database")
		}
		logger.Debugw("Output backend", "backend", am.OutputSQLite)
		return NewSQLBlobStore(db), nil

	case am.OutputFS:
		logger.Debugw("Output backend", "backend", am.OutputFS, "dir", cfg.Output.Dir)
		return NewFSBlobStore(afero.NewOsFs(), cfg.Output.Dir), nil

	case am.OutputRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			rdb.Close()
			return nil, errors.Wrapf(err, "failed to connect to redis at %s", cfg.Redis.Addr)
		}
		logger.Debugw("Output backend", "backend", am.OutputRedis, "addr", cfg.Redis.Addr, "ttl", cfg.Output.TTL())
		return NewRedisBlobStore(rdb, cfg.Output.TTL()), nil

	default:
		return nil, errors.NewInvalidRequestError("unknown output backend %q", cfg.Output.Backend)
	}
}

// writeOnly rejects reads on streams opened for writing
type writeOnly struct{}

func (writeOnly) Read([]byte) (int, error) { return 0, ErrInvalidMode }
