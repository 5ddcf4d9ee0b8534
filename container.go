// Package hakoniwa launches programs inside an unprivileged Linux
// sandbox built from namespaces, a bind-mounted root filesystem,
// rlimits, and optional Landlock/seccomp confinement.
//
// Callers must invoke Init in main(), before doing anything else: it
// dispatches the re-exec'd intermediate/target stages the launch
// pipeline depends on (see internal/reexec).
package hakoniwa

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/reexec"
	_ "github.com/hakoniwa-dev/hakoniwa-go/internal/stage" // registers the intermediate/target re-exec stages
)

// Init must be called first thing in main(), before flag parsing or
// any other setup. If the running process is actually a re-exec'd
// intermediate or target stage, Init runs that stage to completion
// and the process exits from within Init — it never returns in that
// case. A top-level orchestrator process sees Init return false and
// continues on to build and Spawn containers normally.
func Init() bool {
	return reexec.Init()
}

// Container is the fluent builder for a sandbox's configuration. It
// wraps a configs.Container; methods mutate the wrapped value in
// place and return the receiver so calls can be chained.
type Container struct {
	cfg *configs.Container
}

// FromConfig wraps an already-built configs.Container, for callers
// (such as internal/policyfile) that assemble one directly from a
// serialized source instead of the fluent builder.
func FromConfig(cfg *configs.Container) *Container {
	return &Container{cfg: cfg}
}

// NewContainer returns a Container with the default namespace set:
// user, mount and PID namespaces unshared, everything else shared
// with the host.
func NewContainer() *Container {
	return &Container{cfg: configs.DefaultContainer()}
}

// Unshare adds the given namespaces to the set the container
// isolates.
func (c *Container) Unshare(flags configs.NamespaceFlags) *Container {
	c.cfg.Namespaces |= flags
	return c
}

// Share removes the given namespaces from the isolated set, so the
// container reuses the host's.
func (c *Container) Share(flags configs.NamespaceFlags) *Container {
	c.cfg.Namespaces &^= flags
	return c
}

// Rootdir sets the directory that becomes the container's new root
// via pivot_root. rw controls whether the root stays writable
// (false remounts it read-only in the target, per SPEC_FULL.md
// §4.6 step 3).
func (c *Container) Rootdir(path string, rw bool) *Container {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	c.cfg.Rootdir = abs
	c.cfg.RootdirRW = rw
	return c
}

// Rootfs is a convenience over Rootdir: it uses dir as the container's
// new root and adds a read-only bind mount for each of dir's direct
// children, rather than requiring the caller to enumerate them.
func (c *Container) Rootfs(dir string) (*Container, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return c, fmt.Errorf("hakoniwa: reading rootfs %s: %w", dir, err)
	}
	c.Rootdir(abs, false)
	for _, entry := range entries {
		name := entry.Name()
		c.BindmountRO(filepath.Join(abs, name), "/"+name)
	}
	return c, nil
}

// BindmountRO adds a read-only bind mount from source (on the host)
// to destination (inside the container, relative to Rootdir).
func (c *Container) BindmountRO(source, destination string) *Container {
	return c.bindmount(source, destination, configs.MountReadonly)
}

// BindmountRW adds a writable bind mount.
func (c *Container) BindmountRW(source, destination string) *Container {
	return c.bindmount(source, destination, 0)
}

func (c *Container) bindmount(source, destination string, extra configs.MountFlags) *Container {
	c.cfg.Mounts = append(c.cfg.Mounts, &configs.Mount{
		Kind:        configs.MountBindFrom,
		Source:      source,
		Destination: destination,
		Options:     configs.MountBind | configs.MountRec | extra,
	})
	return c
}

// Devfsmount mounts a minimal, namespaced /dev-like tmpfs at
// destination.
func (c *Container) Devfsmount(destination string) *Container {
	c.cfg.Mounts = append(c.cfg.Mounts, &configs.Mount{
		Kind:        configs.MountDevfs,
		Destination: destination,
		Options:     configs.MountNoSUID | configs.MountNoExec,
	})
	return c
}

// Procmount mounts a fresh procfs at destination. Only meaningful (and
// only accepted by Validate) when the PID namespace is unshared;
// otherwise the kernel would refuse the mount, so Validate rejects it
// up front with MountProcfsEPERM rather than failing deep inside the
// launch pipeline.
func (c *Container) Procmount(destination string) *Container {
	c.cfg.Mounts = append(c.cfg.Mounts, &configs.Mount{
		Kind:        configs.MountProc,
		Destination: destination,
		Options:     configs.MountNoSUID | configs.MountNoExec | configs.MountNoDev,
	})
	return c
}

// Tmpfsmount mounts an empty tmpfs at destination.
func (c *Container) Tmpfsmount(destination string, opts configs.MountFlags) *Container {
	c.cfg.Mounts = append(c.cfg.Mounts, &configs.Mount{
		Kind:        configs.MountTmpfs,
		Destination: destination,
		Options:     opts,
	})
	return c
}

// Dir creates a directory at path (inside the container root) after
// pivot_root.
func (c *Container) Dir(path string, mode uint32) *Container {
	c.cfg.FSOps = append(c.cfg.FSOps, &configs.FSOp{Kind: configs.FSOpMakeDir, Path: path, Mode: mode})
	return c
}

// Symlink creates a symlink at path pointing to target.
func (c *Container) Symlink(path, target string) *Container {
	c.cfg.FSOps = append(c.cfg.FSOps, &configs.FSOp{Kind: configs.FSOpMakeSymlink, Path: path, Target: target})
	return c
}

// File writes content to path with the given mode.
func (c *Container) File(path string, content []byte, mode uint32) *Container {
	c.cfg.FSOps = append(c.cfg.FSOps, &configs.FSOp{Kind: configs.FSOpWriteFile, Path: path, Content: content, Mode: mode})
	return c
}

// Uidmap adds a single UID mapping range for the user namespace.
func (c *Container) Uidmap(containerID, hostID, size int64) *Container {
	c.cfg.UIDMappings = append(c.cfg.UIDMappings, configs.IDMap{ContainerID: containerID, HostID: hostID, Size: size})
	return c
}

// Gidmap adds a single GID mapping range for the user namespace.
func (c *Container) Gidmap(containerID, hostID, size int64) *Container {
	c.cfg.GIDMappings = append(c.cfg.GIDMappings, configs.IDMap{ContainerID: containerID, HostID: hostID, Size: size})
	return c
}

// Hostname sets the container's hostname (requires the UTS namespace
// to be unshared to take effect).
func (c *Container) Hostname(name string) *Container {
	c.cfg.Hostname = name
	return c
}

// User selects the target process's user (name or uid), resolved
// against /etc/passwd inside the container root.
func (c *Container) User(spec string) *Container {
	c.cfg.User = spec
	return c
}

// Group selects the target process's primary group (name or gid).
func (c *Container) Group(spec string) *Container {
	c.cfg.Group = spec
	return c
}

// SupplementaryGroups enables resolving and applying the target
// user's supplementary groups from /etc/group.
func (c *Container) SupplementaryGroups(enable bool) *Container {
	c.cfg.SupplementaryGroups = enable
	return c
}

// Setrlimit adds a resource limit applied before exec.
func (c *Container) Setrlimit(resource int, soft, hard uint64) *Container {
	c.cfg.Rlimits = append(c.cfg.Rlimits, configs.Rlimit{Type: resource, Soft: soft, Hard: hard})
	return c
}

// LandlockRuleset installs a Landlock ruleset.
func (c *Container) LandlockRuleset(ruleset *configs.LandlockRuleset) *Container {
	c.cfg.Landlock = ruleset
	return c
}

// SeccompFilter installs a seccomp filter.
func (c *Container) SeccompFilter(filter *configs.Seccomp) *Container {
	c.cfg.Seccomp = filter
	return c
}

// AllowNewPrivs disables the PR_SET_NO_NEW_PRIVS fallback that would
// otherwise be applied when neither Landlock nor seccomp is
// configured.
func (c *Container) AllowNewPrivs(allow bool) *Container {
	c.cfg.AllowNewPrivs = allow
	return c
}

// Network configures the container's network namespace connectivity.
func (c *Container) Network(spec *configs.NetworkSpec) *Container {
	c.cfg.Network = spec
	return c
}

// MountFallback controls the runctl toggle of the same name: when
// enabled, a mount's flag-verification remount that the kernel refused
// may retry with its locked flags OR'd in (statfs-queried) rather than
// propagating the error (spec.md §3/§4.3/§4.6).
func (c *Container) MountFallback(enable bool) *Container {
	c.cfg.MountFallback = enable
	return c
}

// GetProcPidStatus requests ptrace-based /proc/<pid>/status capture at
// the target's exit.
func (c *Container) GetProcPidStatus(enable bool) *Container {
	c.cfg.GetProcPidStatus = enable
	return c
}

// GetProcPidSmapsRollup requests ptrace-based /proc/<pid>/smaps_rollup
// capture at the target's exit.
func (c *Container) GetProcPidSmapsRollup(enable bool) *Container {
	c.cfg.GetProcPidSmapsRollup = enable
	return c
}

// Validate checks the container for structural errors (see
// configs.Container.Validate).
func (c *Container) Validate() error {
	return c.cfg.Validate()
}

// Config returns the underlying configs.Container snapshot.
// Command.Spawn calls this to marshal the launch-time configuration
// across the process boundary.
func (c *Container) Config() *configs.Container {
	return c.cfg
}

func (c *Container) String() string {
	return fmt.Sprintf("hakoniwa.Container{rootdir=%q, namespaces=%#x}", c.cfg.Rootdir, c.cfg.Namespaces)
}
