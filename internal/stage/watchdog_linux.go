package stage

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

// watchdogTargetPid is the per-process static state spec.md's timer
// watchdog assumes: a single target per intermediate process, so a
// package-level atomic is safe without additional synchronization
// (see SPEC_FULL.md §9).
var watchdogTargetPid atomic.Int32

// armWatchdog starts a SIGALRM-based deadline for pid: if timeout
// elapses before the returned cancel func is called, the target is
// sent SIGKILL. Returns a cancel func to disarm it early (on normal exit).
//
// Realized with time.AfterFunc plus a SIGALRM signal.Notify channel
// rather than a raw alarm(2)/sigaction pair, since Go's runtime owns
// signal delivery; this is the idiomatic substitute, not a literal
// unsafe reimplementation of the C primitive.
func armWatchdog(pid int, timeout time.Duration) (cancel func(), timedOut func() bool) {
	watchdogTargetPid.Store(int32(pid))
	if timeout <= 0 {
		return func() {}, func() bool { return false }
	}

	alarmCh := make(chan os.Signal, 1)
	signal.Notify(alarmCh, syscall.SIGALRM)

	done := make(chan struct{})
	var fired atomic.Bool

	go func() {
		select {
		case <-alarmCh:
			fired.Store(true)
			if p := watchdogTargetPid.Load(); p != 0 {
				_ = syscall.Kill(int(p), syscall.SIGKILL)
			}
		case <-done:
		}
		signal.Stop(alarmCh)
	}()

	timer := time.AfterFunc(timeout, func() {
		alarmCh <- syscall.SIGALRM
	})

	cancel = func() {
		timer.Stop()
		close(done)
		watchdogTargetPid.Store(0)
	}
	timedOut = fired.Load
	return cancel, timedOut
}
