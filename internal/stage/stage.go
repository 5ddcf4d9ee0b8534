// Package stage implements the intermediate and target entrypoints of
// the launch pipeline: the two re-exec'd stages that replace a raw
// fork() chain (see SPEC_FULL.md §2).
//
// Inter-stage file descriptors are passed the way
// go.podman.io/storage/pkg/unshare carries its pid/continue pipes: as
// inherited fds whose number is communicated to the child via an
// environment variable, since re-exec starts a brand new process image
// with no shared memory to pass a Go value through directly.
package stage

import (
	"fmt"
	"os"
	"strconv"

	"github.com/hakoniwa-dev/hakoniwa-go/internal/reexec"
)

// Stage sentinels: the Args[0] value dispatched on by internal/reexec.
const (
	IntermediateStageName = "hakoniwa-intermediate"
	TargetStageName       = "hakoniwa-target"
)

// Environment variables carrying the fd numbers of the pipes each
// stage inherits via exec.Cmd.ExtraFiles, following the
// "_Containers-pid-pipe=N"-style convention from
// go.podman.io/storage/pkg/unshare. The first four are set by the
// orchestrator (package hakoniwa) when it builds the intermediate's
// exec.Cmd, so they're exported; envTargetConfig is set by the
// intermediate itself for the second hop and never leaves this
// package.
const (
	EnvConfigFd  = "_HAKONIWA_CONFIG_FD"
	EnvStatusFd  = "_HAKONIWA_STATUS_FD"
	EnvRendReqFd = "_HAKONIWA_REND_REQ_FD"
	EnvRendAckFd = "_HAKONIWA_REND_ACK_FD"

	envConfigFd     = EnvConfigFd
	envStatusFd     = EnvStatusFd
	envRendReqFd    = EnvRendReqFd
	envRendAckFd    = EnvRendAckFd
	envTargetConfig = "_HAKONIWA_TARGET_CONFIG_FD"

	// envTargetReasonFd carries the write end of a pipe the target
	// stage uses to hand a human-readable failure reason back to the
	// intermediate, since a target that dies via fatal() has no other
	// way to explain itself: its only visible signal to the
	// intermediate's wait4 is an exit code.
	envTargetReasonFd = "_HAKONIWA_TARGET_REASON_FD"
)

func init() {
	reexec.Register(IntermediateStageName, func() {
		os.Exit(RunIntermediate())
	})
	reexec.Register(TargetStageName, func() {
		os.Exit(RunTarget())
	})
}

func fdFromEnv(name string) (*os.File, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return nil, fmt.Errorf("stage: missing environment variable %s", name)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("stage: invalid fd in %s: %w", name, err)
	}
	return os.NewFile(uintptr(n), name), nil
}
