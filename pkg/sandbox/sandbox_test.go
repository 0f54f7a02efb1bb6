package sandbox

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	workspace := "/workspace"

	tests := []struct {
		name string
		path string
		want string
	}{
		{"simple relative", "a.ts", "/workspace/a.ts"},
		{"nested relative", "src/main.go", "/workspace/src/main.go"},
		{"traversal clamps into workspace", "../../etc/passwd", "/workspace/etc/passwd"},
		{"deep traversal clamps", "../../../../../../etc/shadow", "/workspace/etc/shadow"},
		{"absolute path is relativized under workspace", "/etc/passwd", "/workspace/etc/passwd"},
		{"dot segments collapse", "./a/./b", "/workspace/a/b"},
		{"bare workspace", ".", "/workspace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(workspace, tt.path)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestResolveAlwaysWithinWorkspace is the sandbox property from spec.md §8:
// for all workspace W and user paths U, resolve(W, U) begins with
// normalize(W).
func TestResolveAlwaysWithinWorkspace(t *testing.T) {
	workspace := "/workspace"
	norm := filepath.Clean(workspace)

	inputs := []string{
		"a.ts", "../a.ts", "../../../a.ts", "/a.ts", "/../a.ts",
		"..", "../..", "a/../../b", "", ".", "////a//b",
	}

	for _, in := range inputs {
		got := Resolve(workspace, in)
		ok := got == norm || strings.HasPrefix(got, norm+string(filepath.Separator))
		assert.Truef(t, ok, "Resolve(%q, %q) = %q not within workspace", workspace, in, got)
	}
}

func TestResolveNeverFails(t *testing.T) {
	// Resolve has no error return; confirm it tolerates pathological input
	// without panicking.
	assert.NotPanics(t, func() {
		Resolve("/workspace", "")
		Resolve("/workspace", "../../../../../../../../../../etc/passwd")
		Resolve("/workspace", strings.Repeat("../", 500)+"x")
	})
}
