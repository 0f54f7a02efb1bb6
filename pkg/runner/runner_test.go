package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agent8hq/agent8ctr/pkg/fsops"
	"github.com/agent8hq/agent8ctr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFileCreateWritesContent(t *testing.T) {
	ws := t.TempDir()
	fs := fsops.New(ws)
	r := New(fs, Credentials{})

	actions := []types.Action{
		{Type: types.ActionTypeFile, FilePath: "nested/dir/hello.txt", Operation: types.FileOpCreate, Content: "hi\n"},
	}

	results, ok := r.Run(context.Background(), actions, Observer{})
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	data, err := os.ReadFile(filepath.Join(ws, "nested", "dir", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
}

func TestRunFileDeleteRemovesFile(t *testing.T) {
	ws := t.TempDir()
	fs := fsops.New(ws)
	require.NoError(t, fs.WriteFile("gone.txt", []byte("x")))
	r := New(fs, Credentials{})

	actions := []types.Action{
		{Type: types.ActionTypeFile, FilePath: "gone.txt", Operation: types.FileOpDelete},
	}
	results, ok := r.Run(context.Background(), actions, Observer{})
	require.True(t, ok)
	assert.True(t, results[0].Success)

	_, err := os.Stat(filepath.Join(ws, "gone.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunShellAction(t *testing.T) {
	ws := t.TempDir()
	fs := fsops.New(ws)
	r := New(fs, Credentials{})

	actions := []types.Action{
		{Type: types.ActionTypeShell, Command: "echo hello"},
	}
	results, ok := r.Run(context.Background(), actions, Observer{})
	require.True(t, ok)
	assert.True(t, results[0].Success)
	assert.Contains(t, results[0].Output, "hello")
}

// TestFailureDoesNotAbortSequence is spec.md §4.G's core invariant: one
// action failing still lets every remaining action run, and overall
// success is the AND of every result.
func TestFailureDoesNotAbortSequence(t *testing.T) {
	ws := t.TempDir()
	fs := fsops.New(ws)
	r := New(fs, Credentials{})

	actions := []types.Action{
		{Type: types.ActionTypeFile, FilePath: "does/not/exist/file.txt", Operation: types.FileOpDelete},
		{Type: types.ActionTypeFile, FilePath: "ok.txt", Operation: types.FileOpCreate, Content: "fine\n"},
	}
	results, ok := r.Run(context.Background(), actions, Observer{})
	require.False(t, ok)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)

	data, err := os.ReadFile(filepath.Join(ws, "ok.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fine\n", string(data))
}

func TestObserverCallbacksFire(t *testing.T) {
	ws := t.TempDir()
	fs := fsops.New(ws)
	r := New(fs, Credentials{})

	var starts, completes int
	obs := Observer{
		OnStart:    func(a types.Action) { starts++ },
		OnComplete: func(a types.Action, res types.ActionResult) { completes++ },
	}

	actions := []types.Action{
		{Type: types.ActionTypeShell, Command: "echo one"},
		{Type: types.ActionTypeShell, Command: "echo two"},
	}
	_, _ = r.Run(context.Background(), actions, obs)
	assert.Equal(t, 2, starts)
	assert.Equal(t, 2, completes)
}
