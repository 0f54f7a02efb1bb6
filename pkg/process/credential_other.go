//go:build !linux && !darwin

package process

import "os/exec"

// applyCredential is a no-op on platforms without POSIX credentials.
func applyCredential(cmd *exec.Cmd, uid, gid *uint32) {}
