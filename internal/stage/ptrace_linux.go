package stage

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/exitstatus"
)

// ptraceEventExit is (SIGTRAP | PTRACE_EVENT_EXIT<<8), the status
// value wait4 reports when a traced process is stopped right before
// it exits, its address space (and /proc/<pid>/status,
// /proc/<pid>/smaps_rollup) still intact.
const ptraceEventExit = int(unix.SIGTRAP) | (unix.PTRACE_EVENT_EXIT << 8)

// waitTracedWithMetrics waits for a PTRACE_TRACEME'd target, captures
// its /proc/<pid>/status and /proc/<pid>/smaps_rollup at
// PTRACE_EVENT_EXIT, then lets it finish exiting and returns its final
// wait status and rusage.
//
// No teacher precedent for ptrace-based exit metrics capture (runc
// doesn't do this); grounded on original_source/hakoniwa's
// proc_pid_status.rs capture point, reimplemented against Go's
// syscall.PtraceSetOptions/PtraceCont/Wait4.
func waitTracedWithMetrics(pid int) (*syscall.WaitStatus, *configs.ProcPidStatus, *configs.ProcPidSmapsRollup, *syscall.Rusage, error) {
	var status syscall.WaitStatus
	var rusage syscall.Rusage

	// First stop: the target's own raise(SIGSTOP) after PTRACE_TRACEME.
	if _, err := syscall.Wait4(pid, &status, 0, &rusage); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stage: waiting for initial trace stop: %w", err)
	}
	if err := syscall.PtraceSetOptions(pid, unix.PTRACE_O_TRACEEXIT); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stage: setting ptrace options: %w", err)
	}
	if err := syscall.PtraceCont(pid, 0); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stage: resuming traced target: %w", err)
	}

	var procStatus *configs.ProcPidStatus
	var smapsRollup *configs.ProcPidSmapsRollup

	for {
		if _, err := syscall.Wait4(pid, &status, 0, &rusage); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("stage: wait4: %w", err)
		}
		if status.Exited() || status.Signaled() {
			return &status, procStatus, smapsRollup, &rusage, nil
		}
		if status.Stopped() && int(status)>>8 == ptraceEventExit {
			procStatus, _ = exitstatus.ReadProcPidStatus(pid)
			smapsRollup, _ = exitstatus.ReadProcPidSmapsRollup(pid)
			if err := syscall.PtraceCont(pid, 0); err != nil {
				return nil, nil, nil, nil, fmt.Errorf("stage: resuming after exit-event capture: %w", err)
			}
			continue
		}
		// Any other stop (signal-delivery-stop): just continue it.
		sig := 0
		if status.Stopped() {
			sig = int(status.StopSignal())
		}
		if err := syscall.PtraceCont(pid, sig); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("stage: resuming traced target: %w", err)
		}
	}
}
