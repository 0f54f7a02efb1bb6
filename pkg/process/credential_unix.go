//go:build linux || darwin

package process

import (
	"os/exec"
	"syscall"
)

// applyCredential configures cmd to drop to uid:gid before exec whenever
// both are given; with either one nil, cmd runs as the current user
// (spec.md §4.C least-privilege invariant).
func applyCredential(cmd *exec.Cmd, uid, gid *uint32) {
	if uid == nil || gid == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: *uid, Gid: *gid}
}
