package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

// LocalBackend stores replicas as files in a directory, one file per
// content id. It is the zero-dependency backend for single-host
// deployments and the durable side of tests.
type LocalBackend struct {
	dir string
}

// NewLocalBackend creates the directory if needed.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if dir == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "local backend dir must be set")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.New(errors.ErrCodeConfigLoad, "failed to create local backend dir").WithCause(err)
	}
	return &LocalBackend{dir: dir}, nil
}

func (l *LocalBackend) Put(ctx context.Context, id types.ContentID, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := l.objectPath(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0600); err != nil {
		return errors.Newf(errors.ErrCodeBackendFault, "write failed for %s", id).WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Newf(errors.ErrCodeBackendFault, "rename failed for %s", id).WithCause(err)
	}
	return nil
}

func (l *LocalBackend) Get(ctx context.Context, id types.ContentID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.objectPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrCodeObjectNotFound, "object %s not found", id)
		}
		return nil, errors.Newf(errors.ErrCodeBackendFault, "read failed for %s", id).WithCause(err)
	}
	return data, nil
}

func (l *LocalBackend) Delete(ctx context.Context, id types.ContentID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(l.objectPath(id)); err != nil && !os.IsNotExist(err) {
		return errors.Newf(errors.ErrCodeBackendFault, "delete failed for %s", id).WithCause(err)
	}
	return nil
}

func (l *LocalBackend) Stat(ctx context.Context, id types.ContentID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := os.Stat(l.objectPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.Newf(errors.ErrCodeObjectNotFound, "object %s not found", id)
		}
		return 0, errors.Newf(errors.ErrCodeBackendFault, "stat failed for %s", id).WithCause(err)
	}
	return info.Size(), nil
}

func (l *LocalBackend) Health(_ context.Context) types.BackendHealth {
	if info, err := os.Stat(l.dir); err != nil || !info.IsDir() {
		return types.HealthUnreachable
	}
	return types.HealthHealthy
}

func (l *LocalBackend) objectPath(id types.ContentID) string {
	return filepath.Join(l.dir, fmt.Sprintf("%016x.obj", xxhash.Sum64String(string(id))))
}
