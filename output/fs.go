package output

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/teranos/tock/am"
	"github.com/teranos/tock/errors"
)

// FSBlobStore keeps one file per stream under a directory
type FSBlobStore struct {
	fs  afero.Fs
	dir string
}

// NewFSBlobStore creates a file store rooted at dir on fs
func NewFSBlobStore(fs afero.Fs, dir string) *FSBlobStore {
	return &FSBlobStore{fs: fs, dir: dir}
}

func (s *FSBlobStore) path(name string) (string, error) {
	base := filepath.Base(name)
	if base == "." || base == ".." || base == string(filepath.Separator) || base != name {
		return "", errors.NewInvalidRequestError("invalid stream name %q", name)
	}
	return filepath.Join(s.dir, base), nil
}

// Open opens name in the given mode
func (s *FSBlobStore) Open(_ context.Context, name string, mode Mode) (Stream, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}

	var flag int
	switch mode {
	case ModeWrite:
		flag = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	case ModeAppend:
		flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	case ModeRead:
		f, err := s.fs.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.NewNotFoundError("output stream %s", name)
			}
			return nil, errors.Wrapf(err, "open stream %s", name)
		}
		return f, nil
	default:
		return nil, errors.Wrapf(ErrInvalidMode, "mode %d", mode)
	}

	if err := s.fs.MkdirAll(s.dir, am.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "create output dir %s", s.dir)
	}
	f, err := s.fs.OpenFile(p, flag, am.DefaultFilePermissions)
	if err != nil {
		return nil, errors.Wrapf(err, "open stream %s for %s", name, mode)
	}
	return f, nil
}

// Close is a no-op
func (s *FSBlobStore) Close() error { return nil }
