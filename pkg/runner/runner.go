// Package runner implements the Action Runner (spec.md §4.G): it executes
// a sequence of parser-produced Actions one at a time, routing file
// mutations through the Path Sandbox and filesystem manager and shell
// commands through the process package's one-shot runner. A configured
// uid/gid is applied to spawned commands and written files only when both
// are set; otherwise they run and are written as the current user.
package runner

import (
	"context"

	"github.com/agent8hq/agent8ctr/pkg/fsops"
	"github.com/agent8hq/agent8ctr/pkg/process"
	"github.com/agent8hq/agent8ctr/pkg/types"
)

// Observer receives informational callbacks as actions execute. Any nil
// field is skipped.
type Observer struct {
	OnStart    func(a types.Action)
	OnComplete func(a types.Action, result types.ActionResult)
	OnError    func(a types.Action, err error)
}

// Credentials is the non-privileged uid/gid every action runs as.
type Credentials struct {
	Uid *uint32
	Gid *uint32
}

// Runner executes Actions against a single workspace.
type Runner struct {
	fs    *fsops.Ops
	creds Credentials
}

// New returns a Runner rooted at fs's workspace, running every action
// under creds.
func New(fs *fsops.Ops, creds Credentials) *Runner {
	return &Runner{fs: fs, creds: creds}
}

// Run executes actions sequentially. A failure in one action never stops
// the sequence; overall success is the AND of every result (spec.md §4.G).
func (r *Runner) Run(ctx context.Context, actions []types.Action, obs Observer) ([]types.ActionResult, bool) {
	results := make([]types.ActionResult, 0, len(actions))
	success := true

	for _, a := range actions {
		if obs.OnStart != nil {
			obs.OnStart(a)
		}

		res := r.runOne(ctx, a)
		results = append(results, res)
		if !res.Success {
			success = false
			if obs.OnError != nil && res.Error != "" {
				obs.OnError(a, errString(res.Error))
			}
		}
		if obs.OnComplete != nil {
			obs.OnComplete(a, res)
		}
	}

	return results, success
}

func (r *Runner) runOne(ctx context.Context, a types.Action) types.ActionResult {
	switch a.Type {
	case types.ActionTypeFile:
		return r.runFile(a)
	case types.ActionTypeShell:
		return r.runShell(ctx, a)
	default:
		return types.ActionResult{Success: false, Error: "unknown action type", Action: a}
	}
}

func (r *Runner) runFile(a types.Action) types.ActionResult {
	switch a.Operation {
	case types.FileOpDelete:
		if err := r.fs.Rm(a.FilePath, fsops.RmOptions{}); err != nil {
			return types.ActionResult{Success: false, Error: err.Error(), Action: a}
		}
		return types.ActionResult{Success: true, Action: a}

	default: // create, update
		if err := r.fs.Mkdir(parentOf(a.FilePath), fsops.MkdirOptions{Recursive: true}); err != nil {
			return types.ActionResult{Success: false, Error: err.Error(), Action: a}
		}
		if err := r.fs.WriteFile(a.FilePath, []byte(a.Content)); err != nil {
			return types.ActionResult{Success: false, Error: err.Error(), Action: a}
		}
		if r.creds.Uid != nil && r.creds.Gid != nil {
			if err := r.fs.Chown(a.FilePath, int(*r.creds.Uid), int(*r.creds.Gid)); err != nil {
				return types.ActionResult{Success: false, Error: err.Error(), Action: a}
			}
		}
		return types.ActionResult{Success: true, Action: a}
	}
}

func (r *Runner) runShell(ctx context.Context, a types.Action) types.ActionResult {
	res := process.RunOneShot(ctx, a.Command, r.creds.Uid, r.creds.Gid)
	return types.ActionResult{
		Success: res.Success,
		Output:  res.Output,
		Error:   res.Error,
		Action:  a,
	}
}

func parentOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 {
				return "/"
			}
			return path[:i]
		}
	}
	return "."
}

type errString string

func (e errString) Error() string { return string(e) }
