package stage

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/landlockadapt"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/seccompadapt"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/wire"
	"github.com/sirupsen/logrus"
)

// RunTarget is the entrypoint re-exec'd by the intermediate process to
// become the target: SPEC_FULL.md §4.6 steps 1-12, ending in
// syscall.Exec so the sandboxed program replaces this process image
// entirely (no Go runtime survives past that call).
func RunTarget() int {
	logrus.SetOutput(os.Stderr)

	cfgFd, err := fdFromEnv(envTargetConfig)
	if err != nil {
		fatal("reading target config handle: %v", err)
	}
	var cmd configs.Command
	if err := wire.ReadMessage(cfgFd, &cmd); err != nil {
		fatal("decoding target config: %v", err)
	}
	cfgFd.Close()
	container := cmd.Container

	// 1. Parent-death signal.
	if err := setPdeathsig(syscall.SIGKILL); err != nil {
		fatal("setting parent death signal: %v", err)
	}

	// 2. Fresh /proc, unmount the preserved host one — only when a
	// proc mount was actually part of the plan. Container.Validate
	// already refuses a proc mount unless the PID namespace is
	// unshared, so reaching here with one means it's safe to mount.
	if proc := procMount(container.Mounts); proc != nil {
		if err := mountFreshProc(proc.Destination, mountFlagsFor(proc.Options), container.MountFallback); err != nil {
			fatal("mounting fresh /proc: %v", err)
		}
	}

	// 3. Remount root read-only unless requested read-write.
	if container.Rootdir != "" && !container.RootdirRW {
		if err := makeReadOnly("/", unix.MS_REC, container.MountFallback); err != nil {
			fatal("remounting root read-only: %v", err)
		}
	}

	// 4. sethostname, if UTS was unshared and a hostname was given.
	if container.Namespaces.Has(configs.NamespaceUTS) && container.Hostname != "" {
		if err := unix.Sethostname([]byte(container.Hostname)); err != nil {
			fatal("setting hostname: %v", err)
		}
	}

	// 5. User/group switch, resolved against /etc/passwd, /etc/group
	// inside the already-pivoted-into root.
	if container.User != "" || container.Group != "" {
		if err := applyUserAndGroup(container); err != nil {
			fatal("applying user/group: %v", err)
		}
	}

	// 6. chdir.
	if cmd.CurrentDir != "" {
		if err := unix.Chdir(cmd.CurrentDir); err != nil {
			fatal("chdir to %q: %v", cmd.CurrentDir, err)
		}
	}

	// 7. Optional ptrace-exit tracing: announce ourselves as traceable
	// and stop, so the intermediate (our ptrace parent) can attach
	// PTRACE_O_TRACEEXIT before resuming us.
	if container.WantsProcPidMetrics() {
		if err := syscall.PtraceTraceme(); err != nil {
			fatal("ptrace traceme: %v", err)
		}
		if err := syscall.Kill(os.Getpid(), syscall.SIGSTOP); err != nil {
			fatal("raising sigstop for tracing: %v", err)
		}
	}

	// 8. Reset SIGPIPE to default disposition for the exec'd program.
	signal.Reset(syscall.SIGPIPE)

	// 9. Rlimits.
	for _, rl := range container.Rlimits {
		limit := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := unix.Setrlimit(rl.Type, &limit); err != nil {
			fatal("setting rlimit %d: %v", rl.Type, err)
		}
	}

	// 10. Landlock.
	if container.Landlock != nil {
		if err := landlockadapt.Install(container.Landlock); err != nil {
			fatal("installing landlock ruleset: %v", err)
		}
	}

	// 11. Seccomp, else PR_SET_NO_NEW_PRIVS if nothing else claimed it.
	if container.Seccomp != nil {
		if err := seccompadapt.Install(container.Seccomp); err != nil {
			fatal("installing seccomp filter: %v", err)
		}
	} else if container.Landlock == nil && !container.AllowNewPrivs {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			fatal("setting no_new_privs: %v", err)
		}
	}

	// 12. Exec.
	argv := append([]string{cmd.Program}, cmd.Args...)
	if err := syscall.Exec(cmd.Program, argv, cmd.Env); err != nil {
		fatal("exec %q: %v", cmd.Program, err)
	}
	return 0 // unreachable
}

// procMount returns the MountProc entry in mounts, if any.
func procMount(mounts []*configs.Mount) *configs.Mount {
	for _, m := range mounts {
		if m.Kind == configs.MountProc {
			return m
		}
	}
	return nil
}

// mountFreshProc implements spec.md §4.3/§4.6's second mount phase: it
// mounts a fresh procfs at dest (necessarily reflecting the PID
// namespace this, the forked target, now belongs to — the first
// phase's mount happened in the intermediate, before the fork, and
// would have shown the parent namespace's view), then tears down the
// .oldproc bind mount applyMounts preserved the host's original /proc
// under.
func mountFreshProc(dest string, flags uintptr, allowFallback bool) error {
	if err := unix.Mount("proc", dest, "proc", flags, ""); err != nil {
		return fmt.Errorf("mounting proc at %q: %w", dest, err)
	}
	if flags&possibleImportantFlags != 0 {
		if err := remountWithFlags(dest, flags, allowFallback); err != nil {
			return err
		}
	}
	if err := unmountDetachWithRetry("/.oldproc"); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("unmounting preserved host /proc: %w", err)
	}
	if err := os.Remove("/.oldproc"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing /.oldproc: %w", err)
	}
	return nil
}

func applyUserAndGroup(container *configs.Container) error {
	var uid, gid uint32
	var err error

	// The target runs after pivot_root, so the container's files are
	// under "/" here, not under the host path in container.Rootdir.
	const root = "/"

	if container.User != "" {
		uid, gid, _, err = resolveUser(root, container.User)
		if err != nil {
			return err
		}
	}
	if container.Group != "" {
		gid, err = resolveGroup(root, container.Group)
		if err != nil {
			return err
		}
	}

	if container.SupplementaryGroups {
		groups, err := supplementaryGroupsForUID(root, uid)
		if err != nil {
			return err
		}
		if err := unix.Setgroups(intsFromUint32(groups)); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
	}

	if err := unix.Setgid(int(gid)); err != nil {
		return fmt.Errorf("setgid(%d): %w", gid, err)
	}
	if err := unix.Setuid(int(uid)); err != nil {
		return fmt.Errorf("setuid(%d): %w", uid, err)
	}
	return nil
}

func intsFromUint32(in []uint32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
