package task

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileMapOptions bounds the workspace walk in Engine.buildFileMap.
type FileMapOptions struct {
	AllowExt      []string // e.g. [".go", ".md", ".json"]
	ExcludeDirs   []string // e.g. ["node_modules", ".git"]
	ExcludeGlobs  []string // filepath.Match patterns (no **) matched against the relative path
	MaxFileBytes  int64    // per-file cap, default 1 MiB
	MaxTotalBytes int64    // total cap, default 50 MiB
}

// DefaultFileMapOptions mirrors spec.md §4.H step 2's stated defaults.
func DefaultFileMapOptions() FileMapOptions {
	return FileMapOptions{
		AllowExt:      []string{".go", ".js", ".jsx", ".ts", ".tsx", ".json", ".md", ".yaml", ".yml", ".txt", ".html", ".css"},
		ExcludeDirs:   []string{".git", "node_modules", "vendor", "dist", "build", ".agent8"},
		MaxFileBytes:  1 << 20,
		MaxTotalBytes: 50 << 20,
	}
}

// FileEntry is one file included in the upstream payload's file map.
type FileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// errFileMapTooLarge is returned when the total cap is exceeded; spec.md
// §4.H marks this a fatal build error.
type errFileMapTooLarge struct{ limit int64 }

func (e errFileMapTooLarge) Error() string {
	return "file map exceeds total size cap"
}

// buildFileMap walks root, keeping files whose extension is allow-listed,
// whose directory is not excluded, whose path does not match an excluded
// glob, and whose content passes the binary heuristic.
func buildFileMap(root string, opts FileMapOptions) ([]FileEntry, error) {
	excludedDir := make(map[string]bool, len(opts.ExcludeDirs))
	for _, d := range opts.ExcludeDirs {
		excludedDir[d] = true
	}
	allowExt := make(map[string]bool, len(opts.AllowExt))
	for _, e := range opts.AllowExt {
		allowExt[strings.ToLower(e)] = true
	}

	var entries []FileEntry
	var total int64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if excludedDir[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		if !allowExt[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if matchesAny(opts.ExcludeGlobs, filepath.ToSlash(rel)) {
			return nil
		}

		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		if info.Size() > opts.MaxFileBytes {
			return nil
		}

		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		if looksBinary(data) {
			return nil
		}

		total += int64(len(data))
		if opts.MaxTotalBytes > 0 && total > opts.MaxTotalBytes {
			return errFileMapTooLarge{opts.MaxTotalBytes}
		}

		entries = append(entries, FileEntry{Path: filepath.ToSlash(rel), Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// matchesAny reports whether rel matches any of the exclude patterns, via
// filepath.Match semantics (glob patterns without doublestar's `**`; the
// file map's excludes are intentionally simpler than the watcher's).
func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// looksBinary applies spec.md §4.H's binary heuristic: a null byte, or
// more than 30% non-printable bytes, in the first 8 KiB.
func looksBinary(data []byte) bool {
	const sample = 8192
	if len(data) > sample {
		data = data[:sample]
	}
	if bytes.IndexByte(data, 0) != -1 {
		return true
	}
	if len(data) == 0 {
		return false
	}

	nonPrintable := 0
	for _, b := range data {
		if b == '\n' || b == '\r' || b == '\t' {
			continue
		}
		if b < 0x20 || b == 0x7f {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(data)) > 0.30
}
