// Package configs provides the declarative types describing a sandboxed
// container and the command run inside it. Values in this package are
// plain data: building a Container or Command never touches the kernel,
// it only assembles the configuration that the launch pipeline later
// applies.
package configs

import (
	"fmt"
	"path/filepath"
)

// NamespaceFlags is a bitmask of Linux namespaces to unshare when
// launching a container. The zero value shares every namespace with
// the calling process.
type NamespaceFlags uint32

const (
	NamespaceUser NamespaceFlags = 1 << iota
	NamespaceMount
	NamespacePID
	NamespaceNetwork
	NamespaceIPC
	NamespaceUTS
	NamespaceCgroup
)

// Has reports whether all of the given flags are set.
func (n NamespaceFlags) Has(flags NamespaceFlags) bool {
	return n&flags == flags
}

// defaultNamespaces is the namespace set a freshly constructed
// Container starts with: enough to isolate the process tree and the
// filesystem without requiring any extra host privileges.
const defaultNamespaces = NamespaceUser | NamespaceMount | NamespacePID

// MountFlags is a bitmask of mount options applied to a Mount entry.
type MountFlags uint32

const (
	MountReadonly MountFlags = 1 << iota
	MountNoSUID
	MountNoDev
	MountNoExec
	MountBind
	MountRec
)

// MountKind distinguishes the handful of mount shapes the sandbox
// supports; each maps to a distinct syscall sequence in the
// intermediate process.
type MountKind int

const (
	MountBindFrom MountKind = iota + 1
	MountDevfs
	MountTmpfs
	// MountProc mounts a fresh procfs. Only valid when the PID
	// namespace is unshared; otherwise setup fails with
	// MountProcfsEPERM (spec.md §3).
	MountProc
)

// Mount describes a single filesystem change applied inside the
// container's mount namespace, in the order the Container lists them.
// The locked-flag remount fallback that MountFallback enables is
// applied to the mount's own target only, not to submounts beneath it.
type Mount struct {
	Kind        MountKind  `json:"kind"`
	Source      string     `json:"source,omitempty"`
	Destination string     `json:"destination"`
	Options     MountFlags `json:"options"`
}

// IDMap represents a single UID/GID mapping range for a user
// namespace, in the same shape the kernel's uid_map/gid_map files use.
type IDMap struct {
	ContainerID int64 `json:"container_id"`
	HostID      int64 `json:"host_id"`
	Size        int64 `json:"size"`
}

// Rlimit is a single POSIX resource limit to apply to the target
// process before exec.
type Rlimit struct {
	Type int    `json:"type"`
	Soft uint64 `json:"soft"`
	Hard uint64 `json:"hard"`
}

// FSOpKind distinguishes the small set of filesystem-mutating
// operations a Container can request beyond mounts.
type FSOpKind int

const (
	FSOpWriteFile FSOpKind = iota + 1
	FSOpMakeDir
	FSOpMakeSymlink
)

// FSOp is a single filesystem operation (file write, directory
// creation, symlink creation) applied after mount setup and
// pivot_root, with Path taken inside the new root.
type FSOp struct {
	Kind    FSOpKind `json:"kind"`
	Path    string   `json:"path"`
	Target  string   `json:"target,omitempty"` // symlink target
	Content []byte   `json:"content,omitempty"`
	Mode    uint32   `json:"mode,omitempty"`
}

// Container is the full declarative description of a sandbox: the
// namespaces to unshare, the root filesystem to pivot into, the
// mounts and filesystem operations to apply, and the confinement
// layers (rlimits, Landlock, seccomp) to install before the user's
// program runs.
//
// A Container is built with the fluent methods in package hakoniwa and
// is immutable once handed to Command.Spawn: Spawn marshals a snapshot
// of it across the process boundary rather than sharing the value.
type Container struct {
	Namespaces NamespaceFlags `json:"namespaces"`

	// Rootdir is the absolute path to the directory that becomes the
	// container's new root via pivot_root. Empty means the host's
	// root is reused unmodified (the default hakoniwa container).
	Rootdir   string `json:"rootdir,omitempty"`
	RootdirRW bool   `json:"rootdir_rw,omitempty"`

	Mounts []*Mount `json:"mounts,omitempty"`
	FSOps  []*FSOp  `json:"fs_ops,omitempty"`

	UIDMappings []IDMap `json:"uid_mappings,omitempty"`
	GIDMappings []IDMap `json:"gid_mappings,omitempty"`

	Hostname string `json:"hostname,omitempty"`

	// User/Group/SupplementaryGroups select the target process's
	// credentials, resolved against /etc/passwd and /etc/group inside
	// the (already pivoted-into) container root. Empty User means
	// keep the namespace-mapped uid/gid the kernel assigned.
	User                string `json:"user,omitempty"`
	Group               string `json:"group,omitempty"`
	SupplementaryGroups bool   `json:"supplementary_groups,omitempty"`

	Rlimits []Rlimit `json:"rlimits,omitempty"`

	Landlock *LandlockRuleset `json:"landlock,omitempty"`
	Seccomp  *Seccomp         `json:"seccomp,omitempty"`

	// AllowNewPrivs, when false (the default) and neither Landlock nor
	// Seccomp is configured, causes PR_SET_NO_NEW_PRIVS to be applied
	// anyway so a container never silently runs with ambient
	// privilege-escalation available.
	AllowNewPrivs bool `json:"allow_new_privs,omitempty"`

	Network *NetworkSpec `json:"network,omitempty"`

	// runctl toggles (spec.md §3): behavior switches that are neither
	// namespace selection nor a declarative mount/FS-op/confinement
	// entry.

	// MountFallback, when true, allows the mount-flag-verification step
	// to remount with its locked flags OR'd in when the kernel didn't
	// apply the requested flags outright (spec.md §4.3/§4.6). When
	// false (the default), a flag mismatch is a hard error.
	MountFallback bool `json:"mount_fallback,omitempty"`

	// GetProcPidStatus requests the ptrace-based /proc/<pid>/status
	// capture at the target's exit.
	GetProcPidStatus bool `json:"get_proc_pid_status,omitempty"`

	// GetProcPidSmapsRollup requests the ptrace-based
	// /proc/<pid>/smaps_rollup capture at the target's exit.
	GetProcPidSmapsRollup bool `json:"get_proc_pid_smaps_rollup,omitempty"`
}

// WantsProcPidMetrics reports whether either ptrace-based metrics
// capture was requested, the condition that gates the
// PtraceTraceme/PTRACE_O_TRACEEXIT dance in the target and intermediate.
func (c *Container) WantsProcPidMetrics() bool {
	return c.GetProcPidStatus || c.GetProcPidSmapsRollup
}

// Validate performs the structural checks the builder cannot catch at
// call time: mounts without a rootdir, empty, relative or duplicate
// mount destinations, relative or unresolvable bind-mount sources,
// and mutually exclusive option combinations.
func (c *Container) Validate() error {
	if c.Rootdir == "" && len(c.Mounts) > 0 {
		return &ProcessError{Kind: ProcessErrorSpawn, Err: fmt.Errorf("mounts require a rootdir")}
	}
	seen := make(map[string]struct{}, len(c.Mounts))
	for _, m := range c.Mounts {
		if m.Destination == "" {
			return &PathError{Op: "mount", Path: "", Err: fmt.Errorf("empty destination")}
		}
		if !filepath.IsAbs(m.Destination) {
			return MountTargetPathMustBeAbsolute(m.Destination)
		}
		if m.Kind == MountBindFrom && !filepath.IsAbs(m.Source) {
			return MountSourcePathMustBeAbsolute(m.Source)
		}
		if m.Kind == MountBindFrom {
			if _, err := filepath.EvalSymlinks(m.Source); err != nil {
				return &PathError{Op: "mount", Path: m.Source, Err: err}
			}
		}
		if m.Kind == MountProc && !c.Namespaces.Has(NamespacePID) {
			return MountProcfsEPERM()
		}
		if _, dup := seen[m.Destination]; dup {
			return &PathError{Op: "mount", Path: m.Destination, Err: fmt.Errorf("duplicate destination")}
		}
		seen[m.Destination] = struct{}{}
	}
	if c.Landlock != nil {
		for _, rule := range c.Landlock.PathRules {
			if !filepath.IsAbs(rule.Path) {
				return LandlockPathMustBeAbsolute(rule.Path)
			}
		}
	}
	if c.Namespaces.Has(NamespaceUser) && len(c.UIDMappings) == 0 && c.Rootdir != "" {
		return &ProcessError{Kind: ProcessErrorSpawn, Err: fmt.Errorf("user namespace requires at least one uid mapping")}
	}
	return nil
}

// Command is the process to run inside a Container: the program,
// arguments, environment, working directory and I/O plan.
type Command struct {
	Container *Container `json:"container"`

	Program string   `json:"program"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`

	Stdin  StdioPlan `json:"stdin"`
	Stdout StdioPlan `json:"stdout"`
	Stderr StdioPlan `json:"stderr"`

	// CurrentDir is the working directory inside the container that
	// the target process chdirs into before exec. Unlike the
	// Container it runs in, CurrentDir belongs to the Command: two
	// Commands sharing one Container may chdir differently.
	CurrentDir string `json:"current_dir,omitempty"`

	// TimeoutSeconds, when non-zero, is the wall-clock duration in
	// seconds after which the intermediate process's watchdog kills the
	// target with SIGKILL. Zero means no timeout.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

// StdioKind selects how a single standard stream is wired for the
// target process.
type StdioKind int

const (
	StdioPiped StdioKind = iota // default: a fresh os.Pipe, read/written by the orchestrator
	StdioInherit               // use the fd the calling process was itself given
	StdioNull
)

// StdioPlan describes one of Command's three standard streams. Piped
// and Inherit (and a caller-supplied *os.File, which the orchestrator
// wires onto its own exec.Cmd exactly like Inherit) are indistinguishable
// by the time they reach the intermediate process: it always just
// forwards whatever fd it was itself given as fd 0/1/2, and only Null
// needs special handling (opening /dev/null itself rather than costing
// the orchestrator an extra fd to pass down).
type StdioPlan struct {
	Kind StdioKind `json:"kind"`
}

// DefaultContainer returns a Container with the namespace set
// spec.md documents as the default: user, mount and PID namespaces
// unshared, everything else shared with the host.
func DefaultContainer() *Container {
	return &Container{Namespaces: defaultNamespaces}
}
