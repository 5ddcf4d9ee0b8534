package stage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
)

const possibleImportantFlags = uintptr(unix.ST_NODEV | unix.ST_NOEXEC | unix.ST_NOSUID | unix.ST_RDONLY)

func mountFlagsForFSFlags(fsFlags uintptr) uintptr {
	var out uintptr
	for _, m := range []struct{ st, ms uintptr }{
		{unix.ST_MANDLOCK, unix.MS_MANDLOCK},
		{unix.ST_NOATIME, unix.MS_NOATIME},
		{unix.ST_NODEV, unix.MS_NODEV},
		{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
		{unix.ST_NOEXEC, unix.MS_NOEXEC},
		{unix.ST_NOSUID, unix.MS_NOSUID},
		{unix.ST_RDONLY, unix.MS_RDONLY},
		{unix.ST_RELATIME, unix.MS_RELATIME},
		{unix.ST_SYNCHRONOUS, unix.MS_SYNCHRONOUS},
	} {
		if fsFlags&m.st == m.st {
			out |= m.ms
		}
	}
	return out
}

// remountWithFlags applies spec.md §4.3/§4.6's two-step bind-mount
// flag dance: a plain MS_BIND mount never applies MS_RDONLY/MS_NOSUID/
// etc, so a second MS_REMOUNT carrying the requested flags is always
// attempted. If that remount itself fails, MountFallback decides
// whether to retry by querying statfs and OR-ing in whatever locked
// flags the source filesystem already imposes (allowFallback), or to
// propagate the error (the default, strict behavior).
func remountWithFlags(target string, requestFlags uintptr, allowFallback bool) error {
	if err := unix.Mount(target, target, "", unix.MS_REMOUNT|requestFlags, ""); err == nil {
		return nil
	} else if !allowFallback {
		return fmt.Errorf("stage: remounting %q with requested flags: %w", target, err)
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(target, &fs); err != nil {
		return fmt.Errorf("stage: statfs %q after failed remount: %w", target, err)
	}
	lockedFlags := mountFlagsForFSFlags(uintptr(fs.Flags) & possibleImportantFlags)
	if err := unix.Mount(target, target, "", unix.MS_REMOUNT|requestFlags|lockedFlags, ""); err != nil {
		return fmt.Errorf("stage: remounting %q with locked-flag fallback: %w", target, err)
	}
	return nil
}

// makeReadOnly remounts mntpoint read-only, per spec.md §4.6 step 3
// ("remount the current root read-only ... with the same locked-flag
// fallback as §4.3").
func makeReadOnly(mntpoint string, flags uintptr, allowFallback bool) error {
	var fs unix.Statfs_t
	if err := unix.Statfs(mntpoint, &fs); err != nil {
		return fmt.Errorf("stage: statfs %q: %w", mntpoint, err)
	}
	if fs.Flags&unix.ST_RDONLY != 0 {
		return nil
	}
	return remountWithFlags(mntpoint, flags|unix.MS_BIND|unix.MS_RDONLY, allowFallback)
}

func mountFlagsFor(opts configs.MountFlags) uintptr {
	var f uintptr
	if opts&configs.MountReadonly != 0 {
		f |= unix.MS_RDONLY
	}
	if opts&configs.MountNoSUID != 0 {
		f |= unix.MS_NOSUID
	}
	if opts&configs.MountNoDev != 0 {
		f |= unix.MS_NODEV
	}
	if opts&configs.MountNoExec != 0 {
		f |= unix.MS_NOEXEC
	}
	if opts&configs.MountBind != 0 {
		f |= unix.MS_BIND
	}
	if opts&configs.MountRec != 0 {
		f |= unix.MS_REC
	}
	return f
}

// applyMounts performs the first-phase, pre-pivot_root mount plan:
// bind mounts, devfs population, tmpfs, and (for a requested proc
// mount) preserving the host /proc at .oldproc so the second phase
// (target_linux.go, after the PID namespace's first fork) can mount a
// fresh one. allowFallback threads the container's MountFallback
// runctl toggle into the bind-mount flag dance.
func applyMounts(rootdir string, mounts []*configs.Mount, allowFallback bool) error {
	for _, m := range mounts {
		target := filepath.Join(rootdir, m.Destination)
		requestFlags := mountFlagsFor(m.Options)

		switch m.Kind {
		case configs.MountBindFrom:
			if err := ensureMountpoint(target, m.Source); err != nil {
				return err
			}
			if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
				return fmt.Errorf("stage: bind mounting %q onto %q: %w", m.Source, target, err)
			}
			if requestFlags != 0 {
				if err := remountWithFlags(target, requestFlags, allowFallback); err != nil {
					return err
				}
			}
		case configs.MountDevfs:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("stage: creating devfs mountpoint %q: %w", target, err)
			}
			if err := unix.Mount("tmpfs", target, "tmpfs", requestFlags, "mode=755"); err != nil {
				return fmt.Errorf("stage: mounting devfs at %q: %w", target, err)
			}
			if err := populateDevfs(target); err != nil {
				return err
			}
		case configs.MountTmpfs:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("stage: creating tmpfs mountpoint %q: %w", target, err)
			}
			if err := unix.Mount("tmpfs", target, "tmpfs", requestFlags, ""); err != nil {
				return fmt.Errorf("stage: mounting tmpfs at %q: %w", target, err)
			}
		case configs.MountProc:
			// Second phase (the actual fresh procfs mount) happens in
			// the target, once it is running inside the unshared PID
			// namespace. Here we only pre-create the mountpoint and
			// preserve the host's current /proc at .oldproc so it
			// survives the pivot_root below.
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("stage: creating proc mountpoint %q: %w", target, err)
			}
			oldproc := filepath.Join(rootdir, ".oldproc")
			if err := os.MkdirAll(oldproc, 0o755); err != nil {
				return fmt.Errorf("stage: creating %q: %w", oldproc, err)
			}
			if err := unix.Mount("/proc", oldproc, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
				return fmt.Errorf("stage: preserving host /proc at %q: %w", oldproc, err)
			}
		default:
			return fmt.Errorf("stage: unknown mount kind %d for %q", m.Kind, m.Destination)
		}
	}
	return nil
}

// populateDevfs fills a freshly tmpfs-mounted devDir with the minimal
// node set spec.md §4.3 documents: bind-mounted passthroughs for the
// handful of always-safe /dev nodes, the /proc/self/fd symlink family,
// a devpts instance, and (when stdin is a tty) the controlling
// terminal bound onto console.
func populateDevfs(devDir string) error {
	for _, node := range []string{"null", "zero", "full", "random", "urandom", "tty"} {
		src := filepath.Join("/dev", node)
		if _, err := os.Stat(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stage: examining host %q: %w", src, err)
		}
		dst := filepath.Join(devDir, node)
		f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE, 0o666)
		if err != nil {
			return fmt.Errorf("stage: creating devfs node %q: %w", dst, err)
		}
		f.Close()
		if err := unix.Mount(src, dst, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("stage: bind mounting %q onto %q: %w", src, dst, err)
		}
	}

	for _, link := range []struct{ name, target string }{
		{"stdin", "/proc/self/fd/0"},
		{"stdout", "/proc/self/fd/1"},
		{"stderr", "/proc/self/fd/2"},
		{"fd", "/proc/self/fd"},
		{"core", "/proc/kcore"},
	} {
		dst := filepath.Join(devDir, link.name)
		if err := os.Symlink(link.target, dst); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("stage: symlinking %q -> %q: %w", dst, link.target, err)
		}
	}

	shmDir := filepath.Join(devDir, "shm")
	if err := os.MkdirAll(shmDir, 0o1777); err != nil {
		return fmt.Errorf("stage: creating %q: %w", shmDir, err)
	}

	ptsDir := filepath.Join(devDir, "pts")
	if err := os.MkdirAll(ptsDir, 0o755); err != nil {
		return fmt.Errorf("stage: creating %q: %w", ptsDir, err)
	}
	if err := unix.Mount("devpts", ptsDir, "devpts", unix.MS_NOSUID|unix.MS_NOEXEC, "newinstance,ptmxmode=0666,mode=0620"); err != nil {
		return fmt.Errorf("stage: mounting devpts at %q: %w", ptsDir, err)
	}
	ptmx := filepath.Join(devDir, "ptmx")
	if err := os.Symlink("pts/ptmx", ptmx); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("stage: symlinking %q: %w", ptmx, err)
	}

	return bindControllingTerminal(devDir)
}

// bindControllingTerminal bind-mounts the real device backing stdin
// onto devDir/console, but only when stdin actually resolves to a
// /dev/pts or /dev/tty node; a piped or /dev/null stdin leaves console
// absent, matching spec.md §4.3's "if stdin is a tty" condition.
func bindControllingTerminal(devDir string) error {
	termPath, err := os.Readlink("/proc/self/fd/0")
	if err != nil || !strings.HasPrefix(termPath, "/dev/") {
		return nil
	}
	console := filepath.Join(devDir, "console")
	f, err := os.OpenFile(console, os.O_WRONLY|os.O_CREATE, 0o620)
	if err != nil {
		return fmt.Errorf("stage: creating %q: %w", console, err)
	}
	f.Close()
	if err := unix.Mount(termPath, console, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("stage: bind mounting controlling terminal onto %q: %w", console, err)
	}
	return nil
}

func ensureMountpoint(target, source string) error {
	srcInfo, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stage: examining bind source %q: %w", source, err)
	}
	if _, err := os.Stat(target); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stage: examining mountpoint %q: %w", target, err)
		}
		if srcInfo.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("stage: creating mountpoint %q: %w", target, err)
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("stage: creating parent of mountpoint %q: %w", target, err)
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE, 0o644)
			if err != nil {
				return fmt.Errorf("stage: creating mountpoint file %q: %w", target, err)
			}
			f.Close()
		}
	}
	return nil
}

// pivotInto performs the open-fd/Fchdir/PivotRoot/Fchdir-back/remount
// /unmount sequence that makes rootdir the process's new root.
//
// Grounded directly on buildah/chroot/run_linux.go's
// createPlatformContainer, crediting the same LXC/runc lineage it
// notes.
func pivotInto(rootdir string) error {
	oldRootFd, err := unix.Open("/", unix.O_DIRECTORY, 0)
	if err != nil {
		return fmt.Errorf("stage: opening host root: %w", err)
	}
	defer unix.Close(oldRootFd)

	newRootFd, err := unix.Open(rootdir, unix.O_DIRECTORY, 0)
	if err != nil {
		return fmt.Errorf("stage: opening container root %q: %w", rootdir, err)
	}
	defer unix.Close(newRootFd)

	if err := unix.Fchdir(newRootFd); err != nil {
		return fmt.Errorf("stage: chdir into container root: %w", err)
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("stage: pivot_root: %w", err)
	}
	if err := unix.Fchdir(oldRootFd); err != nil {
		return fmt.Errorf("stage: chdir back to old root: %w", err)
	}
	if err := unix.Mount(".", ".", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("stage: marking old root rslave before detaching: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("stage: detaching old root: %w", err)
	}
	if err := unix.Fchdir(newRootFd); err != nil {
		return fmt.Errorf("stage: returning to container root: %w", err)
	}
	return nil
}

// applyFSOps applies WriteFile/MakeDir/MakeSymlink entries, with each
// op's path joined onto rootdir. The intermediate runs it after mounts
// and pivot_root, passing "/" so paths resolve inside the new root.
func applyFSOps(rootdir string, ops []*configs.FSOp) error {
	for _, op := range ops {
		full := filepath.Join(rootdir, op.Path)
		switch op.Kind {
		case configs.FSOpMakeDir:
			mode := os.FileMode(0o755)
			if op.Mode != 0 {
				mode = os.FileMode(op.Mode)
			}
			if err := os.MkdirAll(full, mode); err != nil {
				return fmt.Errorf("stage: mkdir %q: %w", full, err)
			}
		case configs.FSOpWriteFile:
			mode := os.FileMode(0o644)
			if op.Mode != 0 {
				mode = os.FileMode(op.Mode)
			}
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return fmt.Errorf("stage: preparing parent of %q: %w", full, err)
			}
			if err := os.WriteFile(full, op.Content, mode); err != nil {
				return fmt.Errorf("stage: writing file %q: %w", full, err)
			}
		case configs.FSOpMakeSymlink:
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return fmt.Errorf("stage: preparing parent of symlink %q: %w", full, err)
			}
			if err := os.Symlink(op.Target, full); err != nil {
				return fmt.Errorf("stage: symlinking %q -> %q: %w", full, op.Target, err)
			}
		default:
			return fmt.Errorf("stage: unknown fs op kind %d for %q", op.Kind, op.Path)
		}
	}
	return nil
}

// unmountDetachWithRetry detaches mnt, retrying briefly on EBUSY/EAGAIN
// as buildah/chroot/run_linux.go's undoBinds does.
func unmountDetachWithRetry(mnt string) error {
	err := unix.Unmount(mnt, unix.MNT_DETACH)
	retries := 0
	for (err == unix.EBUSY || err == unix.EAGAIN) && retries < 50 {
		time.Sleep(50 * time.Millisecond)
		err = unix.Unmount(mnt, unix.MNT_DETACH)
		retries++
	}
	return err
}
