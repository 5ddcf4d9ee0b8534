package stage

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/exitstatus"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/reexec"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/rendezvous"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/wire"
	"github.com/sirupsen/logrus"
)

// RunIntermediate is the entrypoint re-exec'd by Command.Spawn to
// become the intermediate process of SPEC_FULL.md §4.3. By the time
// this runs, the process is already inside the new namespaces and
// (for a single-range mapping) the new user namespace's uid/gid maps,
// applied at clone(2) time via the orchestrator's exec.Cmd.SysProcAttr
// (the Go-native substitute for an explicit unshare(2) call).
//
// Returns the process exit code (0 on success; the caller os.Exit()s
// it), mirroring runc's own init-process entrypoints.
func RunIntermediate() int {
	logrus.SetOutput(os.Stderr)

	cmdFd, err := fdFromEnv(envConfigFd)
	if err != nil {
		fatal("reading config handle: %v", err)
	}
	var cmd configs.Command
	if err := wire.ReadMessage(cmdFd, &cmd); err != nil {
		fatal("decoding launch config: %v", err)
	}
	cmdFd.Close()
	container := cmd.Container

	statusFd, err := fdFromEnv(envStatusFd)
	if err != nil {
		fatal("reading status handle: %v", err)
	}
	defer statusFd.Close()

	if err := setPdeathsig(syscall.SIGKILL); err != nil {
		return reportSetupFailure(statusFd, fmt.Errorf("setting parent death signal: %w", err))
	}

	if err := serveRendezvous(container); err != nil {
		return reportSetupFailure(statusFd, err)
	}

	if container.Rootdir != "" {
		if err := applyMounts(container.Rootdir, container.Mounts, container.MountFallback); err != nil {
			return reportSetupFailure(statusFd, err)
		}
		if err := pivotInto(container.Rootdir); err != nil {
			return reportSetupFailure(statusFd, err)
		}
		if err := applyFSOps("/", container.FSOps); err != nil {
			return reportSetupFailure(statusFd, err)
		}
	}

	if container.WantsProcPidMetrics() {
		// ptrace requires the waiter to be the same OS thread that
		// observes the tracee's stops; pin this goroutine for the
		// rest of the function, following the same
		// runtime.LockOSThread discipline
		// go.podman.io/storage/pkg/unshare's Cmd.Start uses around
		// namespace-sensitive syscalls.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	targetCmd, targetStdio, reasonRead, err := buildTargetCmd(&cmd)
	if err != nil {
		return reportSetupFailure(statusFd, err)
	}
	if err := targetCmd.Start(); err != nil {
		return reportSetupFailure(statusFd, fmt.Errorf("starting target process: %w", err))
	}
	closeAll(targetStdio)

	timeout := time.Duration(cmd.TimeoutSeconds * float64(time.Second))
	cancelWatchdog, timedOut := armWatchdog(targetCmd.Process.Pid, timeout)

	var status *configs.ExitStatus
	if container.WantsProcPidMetrics() {
		waitStatus, procStatus, smapsRollup, rusage, err := waitTracedWithMetrics(targetCmd.Process.Pid)
		cancelWatchdog()
		if err != nil {
			return reportSetupFailure(statusFd, fmt.Errorf("waiting for traced target: %w", err))
		}
		status = exitstatus.FromWaitStatus(cmd.Program, *waitStatus, rusage)
		status.ProcPidStatus = procStatus
		status.ProcPidSmapsRollup = smapsRollup
	} else {
		waitErr := targetCmd.Wait()
		cancelWatchdog()
		if waitErr != nil && targetCmd.ProcessState == nil {
			return reportSetupFailure(statusFd, fmt.Errorf("waiting for target: %w", waitErr))
		}
		status = exitstatus.FromProcessState(cmd.Program, targetCmd.ProcessState)
	}
	if timedOut() {
		status = exitstatus.Timeout(status)
	}
	if status.Code == exitstatus.SetupFailureCode && status.Reason == "" {
		status.Reason = readTargetReason(reasonRead)
	}
	reasonRead.Close()

	if err := wire.WriteMessage(statusFd, status); err != nil {
		logrus.Warnf("hakoniwa: writing final status: %v", err)
		return 1
	}
	return 0
}

func setPdeathsig(sig syscall.Signal) error {
	return unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(sig), 0, 0, 0)
}

// serveRendezvous handles the intermediate side of the bitmask/ack
// protocol for work the orchestrator must perform on its behalf:
// multi-range uid/gid maps via newuidmap/newgidmap, and (deferred
// until after the target exists) pasta network setup.
func serveRendezvous(container *configs.Container) error {
	reqFd, err := fdFromEnv(envRendReqFd)
	if err != nil {
		return nil // no rendezvous pipes wired: nothing was requested
	}
	ackFd, ackErr := fdFromEnv(envRendAckFd)
	if ackErr != nil {
		return nil
	}

	var bits byte
	if len(container.UIDMappings) > 1 || len(container.GIDMappings) > 1 {
		bits |= rendezvous.BitMultiRangeIDMap
	}
	return rendezvous.RequestFromChild(reqFd, ackFd, bits)
}

func reportSetupFailure(statusFd *os.File, err error) int {
	logrus.Errorf("hakoniwa: %v", err)
	status := exitstatus.SetupFailure(err.Error())
	if werr := wire.WriteMessage(statusFd, status); werr != nil {
		logrus.Warnf("hakoniwa: writing setup-failure status: %v", werr)
	}
	return 0
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// buildTargetCmd assembles the second re-exec: the target stage,
// which inherits the intermediate's already-established namespaces
// (no Cloneflags set on this exec.Cmd) and receives the launch config
// over a fresh pipe plus its stdio per Command's StdioPlan. It also
// wires a one-shot reason pipe the target's fatal() can use to explain
// a setup failure that os.Exit(125) alone can't: the returned
// *os.File is the intermediate's read end, left open (read only after
// the target has exited) rather than closed alongside the other
// child-side fds.
func buildTargetCmd(cmd *configs.Command) (targetCmd *exec.Cmd, closeAfterStart []*os.File, reasonRead *os.File, err error) {
	targetCmd = reexec.Command(TargetStageName)
	targetCmd.Dir = cmd.CurrentDir

	configRead, configWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating target config pipe: %w", err)
	}
	if err := wire.WriteMessage(configWrite, cmd); err != nil {
		return nil, nil, nil, fmt.Errorf("writing target config: %w", err)
	}
	configWrite.Close()

	reasonRead, reasonWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating target reason pipe: %w", err)
	}

	targetCmd.ExtraFiles = []*os.File{configRead, reasonWrite}
	targetCmd.Env = append(os.Environ(),
		envPair(envTargetConfig, 3),
		envPair(envTargetReasonFd, 4),
	)

	stdin, stdinClose, err := resolveStdio(cmd.Stdin, os.Stdin)
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, stdoutClose, err := resolveStdio(cmd.Stdout, os.Stdout)
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, stderrClose, err := resolveStdio(cmd.Stderr, os.Stderr)
	if err != nil {
		return nil, nil, nil, err
	}
	targetCmd.Stdin, targetCmd.Stdout, targetCmd.Stderr = stdin, stdout, stderr

	return targetCmd, []*os.File{configRead, reasonWrite, stdinClose, stdoutClose, stderrClose}, reasonRead, nil
}

// readTargetReason reads whatever the target wrote to its reason pipe
// before exiting; an empty result just means the target never got far
// enough to call fatal() itself (e.g. it was killed by a signal).
func readTargetReason(r *os.File) string {
	buf := make([]byte, 4096)
	n, _ := r.Read(buf)
	return string(buf[:n])
}

func resolveStdio(plan configs.StdioPlan, fallback *os.File) (*os.File, *os.File, error) {
	switch plan.Kind {
	case configs.StdioNull:
		f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
		}
		return f, f, nil
	default: // StdioInherit, StdioPiped: whatever fd we were ourselves given
		return fallback, nil, nil
	}
}

func envPair(name string, fd int) string {
	return name + "=" + strconv.Itoa(fd)
}

// fatal reports an unrecoverable setup error and exits. Called from
// both stages: in the intermediate, before statusFd even exists,
// there's nothing to do but log and exit (RunIntermediate's own
// defer/return paths handle reporting once statusFd is available). In
// the target, the reason pipe lets the message reach the intermediate
// despite syscall.Exec never being able to use it to return an error
// value.
func fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logrus.Errorf("hakoniwa: %s", msg)
	if reasonFd, err := fdFromEnv(envTargetReasonFd); err == nil {
		_, _ = reasonFd.Write([]byte(msg))
		reasonFd.Close()
	}
	os.Exit(int(exitstatus.SetupFailureCode))
}
