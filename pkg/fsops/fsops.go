// Package fsops implements the Filesystem Ops component (spec.md §4.B):
// readFile, writeFile, rm, readdir, mkdir, stat, and mount, each operating
// on paths already routed through pkg/sandbox. Every failure is reported
// with the uniform FILESYSTEM_OPERATION_FAILED code; the underlying path is
// never included in the error message, to avoid leaking workspace layout.
package fsops

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/agent8hq/agent8ctr/pkg/sandbox"
	"github.com/agent8hq/agent8ctr/pkg/types"
)

// Error wraps a filesystem failure with the uniform error-code taxonomy
// used across every operation family (spec.md §7).
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

func opFailed(message string) *Error {
	return &Error{Message: message}
}

func opFailedf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Detail converts an fsops.Error into the wire ErrorDetail shape.
func Detail(err error) *types.ErrorDetail {
	return &types.ErrorDetail{Code: types.CodeFilesystemFailed, Message: err.Error()}
}

// Ops executes filesystem operations rooted at a fixed workspace.
type Ops struct {
	Workspace string
}

// New returns an Ops rooted at workspace.
func New(workspace string) *Ops {
	return &Ops{Workspace: workspace}
}

func (o *Ops) resolve(path string) string {
	return sandbox.Resolve(o.Workspace, path)
}

// ReadFile reads the file at path. encoding is currently informational
// ("utf8" vs "base64" at the wire layer is the caller's concern); the
// bytes are always returned as-is.
func (o *Ops) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(o.resolve(path))
	if err != nil {
		return nil, opFailed("failed to read file")
	}
	return data, nil
}

// WriteFile writes content to path, creating any missing parent
// directories first.
func (o *Ops) WriteFile(path string, content []byte) error {
	full := o.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return opFailed("failed to write file")
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return opFailed("failed to write file")
	}
	return nil
}

// RmOptions configures Rm.
type RmOptions struct {
	Recursive bool
	Force     bool
}

// Rm removes the file or directory at path.
func (o *Ops) Rm(path string, opts RmOptions) error {
	full := o.resolve(path)

	var err error
	if opts.Recursive {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil {
		if opts.Force && os.IsNotExist(err) {
			return nil
		}
		return opFailed("failed to remove path")
	}
	return nil
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDirectory,omitempty"`
}

// ReaddirOptions configures Readdir.
type ReaddirOptions struct {
	WithFileTypes bool
}

// Readdir returns the ordered directory entries at path.
func (o *Ops) Readdir(path string, opts ReaddirOptions) ([]DirEntry, error) {
	full := o.resolve(path)

	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, opFailed("failed to read directory")
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		d := DirEntry{Name: e.Name()}
		if opts.WithFileTypes {
			d.IsDir = e.IsDir()
		}
		out = append(out, d)
	}
	return out, nil
}

// MkdirOptions configures Mkdir.
type MkdirOptions struct {
	Recursive bool
}

// Mkdir creates the directory at path.
func (o *Ops) Mkdir(path string, opts MkdirOptions) error {
	full := o.resolve(path)

	var err error
	if opts.Recursive {
		err = os.MkdirAll(full, 0o755)
	} else {
		err = os.Mkdir(full, 0o755)
	}
	if err != nil {
		return opFailed("failed to create directory")
	}
	return nil
}

// StatResult is the subset of os.FileInfo the wire layer needs.
type StatResult struct {
	Size    int64 `json:"size"`
	IsDir   bool  `json:"isDirectory"`
	ModTime int64 `json:"mtimeMs"`
}

// Stat returns file metadata for path.
func (o *Ops) Stat(path string) (*StatResult, error) {
	full := o.resolve(path)

	info, err := os.Stat(full)
	if err != nil {
		return nil, opFailed("failed to stat path")
	}
	return &StatResult{
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime().UnixMilli(),
	}, nil
}

// Mount materializes a recursive tree of files/directories rooted at path.
// It is atomic per file but not transactional across the tree: a failure
// partway through returns the first error, leaving the files written so
// far in place (spec.md §9 open question (c) — no rollback is attempted).
func (o *Ops) Mount(path string, tree *types.MountEntry) error {
	root := o.resolve(path)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return opFailedf("failed to create mount root")
	}
	return mountEntries(root, tree.Directory)
}

func mountEntries(dir string, entries map[string]*types.MountEntry) error {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := entries[name]
		target := filepath.Join(dir, name)

		if entry.IsDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return opFailed("failed to create directory in mount tree")
			}
			if err := mountEntries(target, entry.Directory); err != nil {
				return err
			}
			continue
		}

		if err := os.WriteFile(target, []byte(entry.Contents), 0o644); err != nil {
			return opFailed("failed to write file in mount tree")
		}
	}
	return nil
}

// Chown changes ownership of path to uid:gid. Used by the Action Runner
// (spec.md §4.G) when writing files on behalf of the least-privilege
// non-root user.
func (o *Ops) Chown(path string, uid, gid int) error {
	if err := os.Chown(o.resolve(path), uid, gid); err != nil {
		return opFailed("failed to chown path")
	}
	return nil
}
