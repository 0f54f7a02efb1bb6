// Package sandbox resolves client-supplied paths against the fixed
// workspace root. Every filesystem operation and every Action Runner file
// operation routes through Resolve before touching disk.
package sandbox

import (
	"path/filepath"
	"strings"
)

// Resolve normalizes join(workspace, userPath). If the result lies under
// the normalized workspace it is returned as-is; otherwise every ".."
// segment is stripped from userPath and the rejoin is retried. Resolve
// never fails — it always returns its safest approximation of the intended
// path, matching the invariant that every path submitted by a client
// resolves to somewhere under the workspace root.
func Resolve(workspace, userPath string) string {
	workspace = filepath.Clean(workspace)

	joined := filepath.Clean(filepath.Join(workspace, userPath))
	if withinWorkspace(workspace, joined) {
		return joined
	}

	clamped := filepath.Clean(filepath.Join(workspace, stripTraversal(userPath)))
	if withinWorkspace(workspace, clamped) {
		return clamped
	}

	// stripTraversal guarantees no ".." segments remain, so the only way
	// withinWorkspace can still fail is userPath being an absolute path
	// outside the workspace; treat it as a relative path instead.
	return filepath.Clean(filepath.Join(workspace, filepath.Base(clamped)))
}

func withinWorkspace(workspace, candidate string) bool {
	if candidate == workspace {
		return true
	}
	return strings.HasPrefix(candidate, workspace+string(filepath.Separator))
}

func stripTraversal(userPath string) string {
	parts := strings.Split(filepath.ToSlash(userPath), "/")
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == ".." || p == "." || p == "" {
			continue
		}
		kept = append(kept, p)
	}
	return filepath.Join(kept...)
}
