package stage

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
)

// unshareUserAndMount puts the calling (locked) OS thread into a fresh
// user+mount namespace, mapping the caller's own uid/gid 1:1 so the
// rest of the test can mount as if it were root inside that namespace.
// Skips the test outright when unprivileged user namespaces aren't
// permitted (e.g. a CI sandbox with kernel.unprivileged_userns_clone=0).
func unshareUserAndMount(t *testing.T) {
	t.Helper()
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)

	uid, gid := os.Getuid(), os.Getgid()
	if err := unix.Unshare(unix.CLONE_NEWUSER | unix.CLONE_NEWNS); err != nil {
		t.Skipf("unshare(CLONE_NEWUSER|CLONE_NEWNS): %v (unprivileged user namespaces unavailable)", err)
	}
	if err := os.WriteFile("/proc/self/setgroups", []byte("deny"), 0o644); err != nil {
		t.Skipf("writing /proc/self/setgroups: %v", err)
	}
	if err := os.WriteFile("/proc/self/uid_map", []byte("0 "+strconv.Itoa(uid)+" 1\n"), 0o644); err != nil {
		t.Skipf("writing uid_map: %v", err)
	}
	if err := os.WriteFile("/proc/self/gid_map", []byte("0 "+strconv.Itoa(gid)+" 1\n"), 0o644); err != nil {
		t.Skipf("writing gid_map: %v", err)
	}
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		t.Skipf("marking mount tree private: %v", err)
	}
}

func TestPopulateDevfsBuildsExpectedNodes(t *testing.T) {
	unshareUserAndMount(t)

	devDir := t.TempDir()
	if err := unix.Mount("tmpfs", devDir, "tmpfs", 0, "mode=755"); err != nil {
		t.Skipf("mounting tmpfs at %q: %v", devDir, err)
	}
	t.Cleanup(func() { _ = unix.Unmount(devDir, unix.MNT_DETACH) })

	if err := populateDevfs(devDir); err != nil {
		t.Fatalf("populateDevfs: %v", err)
	}

	for _, name := range []string{"null", "zero", "full", "shm", "pts", "ptmx", "stdin", "stdout", "stderr", "fd", "core"} {
		if _, err := os.Lstat(filepath.Join(devDir, name)); err != nil {
			t.Errorf("expected %s to exist under devfs root: %v", name, err)
		}
	}

	target, err := os.Readlink(filepath.Join(devDir, "ptmx"))
	if err != nil {
		t.Fatalf("reading ptmx symlink: %v", err)
	}
	if target != "pts/ptmx" {
		t.Errorf("ptmx symlink target = %q, want \"pts/ptmx\"", target)
	}

	const devptsSuperMagic = 0x1cd1
	var fs unix.Statfs_t
	if err := unix.Statfs(filepath.Join(devDir, "pts"), &fs); err != nil {
		t.Fatalf("statfs pts: %v", err)
	}
	if int64(fs.Type) != devptsSuperMagic {
		t.Errorf("pts filesystem type = %#x, want devpts (%#x)", fs.Type, devptsSuperMagic)
	}
}

// TestApplyMountsDevfsEndToEnd exercises the Devfsmount path through
// applyMounts exactly as the intermediate process calls it, rather than
// calling populateDevfs directly.
func TestApplyMountsDevfsEndToEnd(t *testing.T) {
	unshareUserAndMount(t)

	rootdir := t.TempDir()
	mounts := []*configs.Mount{{
		Kind:        configs.MountDevfs,
		Destination: "/dev",
		Options:     configs.MountNoSUID | configs.MountNoExec,
	}}

	if err := applyMounts(rootdir, mounts, false); err != nil {
		t.Fatalf("applyMounts: %v", err)
	}
	t.Cleanup(func() { _ = unmountDetachWithRetry(filepath.Join(rootdir, "dev", "pts")) })
	t.Cleanup(func() { _ = unmountDetachWithRetry(filepath.Join(rootdir, "dev")) })

	if _, err := os.Lstat(filepath.Join(rootdir, "dev", "null")); err != nil {
		t.Errorf("expected /dev/null under rootdir: %v", err)
	}
}
