// Package exitstatus decodes a target process's wait status and
// resource usage into the configs.ExitStatus taxonomy: 0..127 for a
// normal exit, 128+N for death by signal N, 125 reserved for a sandbox
// setup failure that never reached the target's exec.
//
// Grounded on go.podman.io/storage/pkg/unshare's ExecRunnable, which
// maps a *os.ProcessState into exactly this 128+signal convention, and
// on buildah/pkg/rusage/rusage_unix.go for the rusage capture shape.
package exitstatus

import (
	"fmt"
	"os"
	"syscall"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
)

// SetupFailureCode is returned when the sandbox could not reach the
// target's exec at all (mount/namespace/seccomp/landlock setup
// failure).
const SetupFailureCode int32 = 125

// FromProcessState decodes a successfully-waited process's exit code,
// signal classification and resource usage. program is the path the
// target was exec'd with, folded into Reason on a signal death.
func FromProcessState(program string, ps *os.ProcessState) *configs.ExitStatus {
	status := decodeWaitStatus(program, ps.Sys().(syscall.WaitStatus))
	status.Rusage = rusageFromSysUsage(ps.SysUsage())
	return status
}

// FromWaitStatus decodes an exit code, classification and rusage from
// a raw wait status and syscall.Rusage, for callers (the ptrace-based
// wait loop) that cannot go through os.ProcessState.
func FromWaitStatus(program string, ws syscall.WaitStatus, ru *syscall.Rusage) *configs.ExitStatus {
	status := decodeWaitStatus(program, ws)
	status.Rusage = rusageFromSysUsage(ru)
	return status
}

// decodeWaitStatus applies spec.md §4.9's classification: a normal
// exit is Ok; a signal death is classified by the killing signal
// (SIGKILL/SIGXCPU -> TimeLimitExceeded, SIGXFSZ -> OutputLimitExceeded,
// SIGSYS -> RestrictedFunction, anything else -> Signaled); any other
// wait result (stopped, continued) never reaches here from a waitpid
// loop that only returns on exit/signal, so it is reported as a setup
// error.
func decodeWaitStatus(program string, ws syscall.WaitStatus) *configs.ExitStatus {
	switch {
	case ws.Exited():
		return &configs.ExitStatus{
			Code:   int32(ws.ExitStatus()),
			Status: configs.StatusOK,
		}
	case ws.Signaled():
		sig := ws.Signal()
		return &configs.ExitStatus{
			Code:   int32(128 + int(sig)),
			Status: statusForSignal(sig),
			Reason: fmt.Sprintf("process(%s) received signal %d", program, sig),
		}
	default:
		return &configs.ExitStatus{
			Code:   SetupFailureCode,
			Status: configs.StatusSandboxSetupError,
			Reason: "unexpected wait status",
		}
	}
}

func statusForSignal(sig syscall.Signal) configs.StatusKind {
	switch sig {
	case syscall.SIGKILL, syscall.SIGXCPU:
		return configs.StatusTimeLimitExceeded
	case syscall.SIGXFSZ:
		return configs.StatusOutputLimitExceeded
	case syscall.SIGSYS:
		return configs.StatusRestrictedFunction
	default:
		return configs.StatusSignaled
	}
}

func rusageFromSysUsage(sysUsage any) *configs.Rusage {
	ru, ok := sysUsage.(*syscall.Rusage)
	if !ok || ru == nil {
		return nil
	}
	return &configs.Rusage{
		UtimeSeconds: float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6,
		StimeSeconds: float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6,
		MaxRSSKB:     int64(ru.Maxrss),
	}
}

// SetupFailure builds the ExitStatus for a sandbox setup failure. The
// intermediate reports one when a setup step fails before the target
// runs, and Child.Wait synthesizes one when the status pipe closed
// without a FIN-framed message: the intermediate process died (or was
// killed) before it could report.
func SetupFailure(reason string) *configs.ExitStatus {
	return &configs.ExitStatus{
		Code:   SetupFailureCode,
		Status: configs.StatusSandboxSetupError,
		Reason: reason,
	}
}

// Timeout builds the ExitStatus reported when the watchdog killed the
// target for exceeding its deadline. Per spec, a timeout is not
// treated as a setup error: Code still follows the 128+SIGKILL
// convention, with TimedOut set so callers can distinguish an
// intentional user SIGKILL from a watchdog one.
func Timeout(base *configs.ExitStatus) *configs.ExitStatus {
	base.TimedOut = true
	return base
}
