package fsops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agent8hq/agent8ctr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFile(t *testing.T) {
	ws := t.TempDir()
	ops := New(ws)

	require.NoError(t, ops.WriteFile("a.txt", []byte("hello")))
	data, err := ops.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWriteFileClampsTraversal(t *testing.T) {
	ws := t.TempDir()
	ops := New(ws)

	require.NoError(t, ops.WriteFile("../../etc/passwd", []byte("x")))

	data, err := os.ReadFile(filepath.Join(ws, "etc", "passwd"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestReaddirOrdered(t *testing.T) {
	ws := t.TempDir()
	ops := New(ws)

	require.NoError(t, ops.WriteFile("b.txt", []byte("1")))
	require.NoError(t, ops.WriteFile("a.txt", []byte("2")))
	require.NoError(t, ops.Mkdir("z-dir", MkdirOptions{}))

	entries, err := ops.Readdir(".", ReaddirOptions{WithFileTypes: true})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "b.txt", entries[1].Name)
	assert.Equal(t, "z-dir", entries[2].Name)
	assert.True(t, entries[2].IsDir)
}

func TestRmRecursiveForce(t *testing.T) {
	ws := t.TempDir()
	ops := New(ws)

	require.NoError(t, ops.Mkdir("dir/sub", MkdirOptions{Recursive: true}))
	require.NoError(t, ops.WriteFile("dir/sub/f.txt", []byte("x")))

	require.NoError(t, ops.Rm("dir", RmOptions{Recursive: true}))

	_, err := ops.Stat("dir")
	assert.Error(t, err)

	// Force removing an already-missing path succeeds.
	assert.NoError(t, ops.Rm("dir", RmOptions{Recursive: true, Force: true}))
}

func TestStatNoPathLeakInError(t *testing.T) {
	ws := t.TempDir()
	ops := New(ws)

	_, err := ops.Stat("does/not/exist")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), ws)
	assert.Equal(t, types.CodeFilesystemFailed, Detail(err).Code)
}

func TestMountTreeNested(t *testing.T) {
	ws := t.TempDir()
	ops := New(ws)

	tree := &types.MountEntry{
		Directory: map[string]*types.MountEntry{
			"README.md": {Contents: "hello\n"},
			"src": {
				IsDir: true,
				Directory: map[string]*types.MountEntry{
					"main.go": {Contents: "package main\n"},
				},
			},
		},
	}

	require.NoError(t, ops.Mount(".", tree))

	data, err := ops.ReadFile("README.md")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	data, err = ops.ReadFile("src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))
}
