package output

import (
	"bytes"
	"context"
	"database/sql"
	"sync"

	"github.com/teranos/tock/errors"
)

// SQLBlobStore keeps streams as ordered chunks in the output_chunks table
type SQLBlobStore struct {
	db *sql.DB
}

// NewSQLBlobStore creates a chunk store over a migrated tock database
func NewSQLBlobStore(db *sql.DB) *SQLBlobStore {
	return &SQLBlobStore{db: db}
}

// Open opens name in the given mode
func (s *SQLBlobStore) Open(ctx context.Context, name string, mode Mode) (Stream, error) {
	switch mode {
	case ModeWrite:
		if _, err := s.db.ExecContext(ctx, `DELETE FROM output_chunks WHERE name = ?`, name); err != nil {
			return nil, errors.Wrapf(err, "truncate stream %s", name)
		}
		return &sqlStream{db: s.db, name: name}, nil

	case ModeAppend:
		var next int64
		err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq) + 1, 0) FROM output_chunks WHERE name = ?`, name,
		).Scan(&next)
		if err != nil {
			return nil, errors.Wrapf(err, "open stream %s for append", name)
		}
		return &sqlStream{db: s.db, name: name, seq: next}, nil

	case ModeRead:
		rows, err := s.db.QueryContext(ctx,
			`SELECT data FROM output_chunks WHERE name = ? ORDER BY seq`, name,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "read stream %s", name)
		}
		defer rows.Close()

		var buf bytes.Buffer
		found := false
		for rows.Next() {
			var chunk []byte
			if err := rows.Scan(&chunk); err != nil {
				return nil, errors.Wrapf(err, "scan chunk of %s", name)
			}
			buf.Write(chunk)
			found = true
		}
		if err := rows.Err(); err != nil {
			return nil, errors.Wrapf(err, "read stream %s", name)
		}
		if !found {
			return nil, errors.NewNotFoundError("output stream %s", name)
		}
		return &readStream{Reader: bytes.NewReader(buf.Bytes())}, nil

	default:
		return nil, errors.Wrapf(ErrInvalidMode, "mode %d", mode)
	}
}

// Close is a no-op; the database belongs to the caller
func (s *SQLBlobStore) Close() error { return nil }

type sqlStream struct {
	writeOnly
	db   *sql.DB
	name string

	mu     sync.Mutex
	seq    int64
	closed bool
}

func (s *sqlStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := s.db.Exec(
		`INSERT INTO output_chunks (name, seq, data) VALUES (?, ?, ?)`,
		s.name, s.seq, append([]byte(nil), p...),
	); err != nil {
		return 0, errors.Wrapf(err, "append to stream %s", s.name)
	}
	s.seq++
	return len(p), nil
}

func (s *sqlStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrClosed
	}
	s.closed = true
	return nil
}

// readStream serves a fully loaded stream
type readStream struct {
	*bytes.Reader
}

func (readStream) Write([]byte) (int, error) { return 0, ErrInvalidMode }
func (readStream) Close() error              { return nil }
