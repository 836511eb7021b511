package export

import (
	"context"
	"os"
	"path/filepath"

	"github.com/3leaps/genomatrix/pkg/faults"
)

// Sink stores an export artifact and returns its location.
type Sink interface {
	Put(ctx context.Context, name, contentType string, body []byte) (string, error)
}

// LocalSink writes artifacts into a directory.
type LocalSink struct {
	Dir string
}

// Put implements Sink. Files are written atomically via temp+rename.
func (s LocalSink) Put(_ context.Context, name, _ string, body []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", &faults.IOFailure{Op: "mkdir", Path: s.Dir, Err: err}
	}
	path := filepath.Join(s.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		_ = os.Remove(tmp)
		return "", &faults.IOFailure{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", &faults.IOFailure{Op: "rename", Path: path, Err: err}
	}
	return path, nil
}
