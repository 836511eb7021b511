// Package directory resolves users to groups and jobs to their pipeline
// output files.
package directory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/genomatrix/pkg/faults"
)

// Errors returned by directory lookups.
var (
	// ErrUnknownUser indicates the user has no group.
	ErrUnknownUser = errors.New("unknown user")

	// ErrNoOutput indicates no output file matched in a job's run directory.
	ErrNoOutput = errors.New("no pipeline output found")

	// ErrInvalidPattern is returned when a glob cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// IdentityDirectory maps users to the group owning their subjects.
type IdentityDirectory interface {
	GroupOf(ctx context.Context, user string) (string, error)
}

// UploadStore locates the output file of a job.
type UploadStore interface {
	Resolve(ctx context.Context, jobID string) (string, error)
}

// StaticDirectory is an IdentityDirectory backed by a fixed user to group map.
type StaticDirectory map[string]string

// GroupOf implements IdentityDirectory.
func (d StaticDirectory) GroupOf(_ context.Context, user string) (string, error) {
	if g, ok := d[user]; ok && g != "" {
		return g, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownUser, user)
}

// DefaultIncludes are tried in order when LocalUploads has no includes.
var DefaultIncludes = []string{"output.tsv", "**/*_output.tsv", "**/*.tsv"}

// LocalUploads resolves outputs under <Root>/<jobID>/.
//
// Include patterns are tried in order; the first pattern with a match wins,
// and ties within a pattern resolve to the lexically smallest path. Hidden
// files and anything matching an exclude pattern are ignored.
type LocalUploads struct {
	root     string
	includes []string
	excludes []string
}

// NewLocalUploads validates patterns and returns a LocalUploads.
func NewLocalUploads(root string, includes, excludes []string) (*LocalUploads, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: upload root is required", faults.ErrInvalidRequest)
	}
	if len(includes) == 0 {
		includes = DefaultIncludes
	}
	for _, p := range append(append([]string(nil), includes...), excludes...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPattern, p)
		}
	}
	return &LocalUploads{root: root, includes: includes, excludes: excludes}, nil
}

// RunDir returns the directory holding a job's files.
func (u *LocalUploads) RunDir(jobID string) string {
	return filepath.Join(u.root, jobID)
}

// Resolve implements UploadStore.
func (u *LocalUploads) Resolve(_ context.Context, jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("%w: job id %q", faults.ErrInvalidRequest, jobID)
	}
	dir := u.RunDir(jobID)
	fsys := os.DirFS(dir)

	for _, inc := range u.includes {
		matches, err := doublestar.Glob(fsys, inc, doublestar.WithFilesOnly())
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			return "", &faults.IOFailure{Op: "resolve", Path: dir, Err: err}
		}
		var kept []string
		for _, m := range matches {
			if isHidden(m) || u.excluded(m) {
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) > 0 {
			sort.Strings(kept)
			return filepath.Join(dir, filepath.FromSlash(kept[0])), nil
		}
	}
	return "", &faults.IOFailure{Op: "resolve", Path: dir, Err: ErrNoOutput}
}

func (u *LocalUploads) excluded(rel string) bool {
	for _, exc := range u.excludes {
		if ok, _ := doublestar.Match(exc, rel); ok {
			return true
		}
	}
	return false
}

func isHidden(rel string) bool {
	for _, seg := range strings.Split(path.Clean(rel), "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}
