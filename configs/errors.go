package configs

import (
	"errors"
	"fmt"
)

// PathError reports a problem with a path given to the Container
// builder or encountered while applying it: a bind-mount source that
// doesn't exist, a destination collision, a path escaping the
// rootdir. It wraps the underlying cause the way os.PathError does.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("hakoniwa: %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// ProcessErrorKind distinguishes the ways launching or running the
// sandboxed process can fail, mirroring spec.md §7's ProcessError
// subclasses.
type ProcessErrorKind int

const (
	// ProcessErrorSpawn means the launch pipeline itself failed before
	// the target ever reached exec (namespace setup, mounts, rlimits,
	// Landlock/seccomp installation, or a Container that fails
	// Validate before anything is even started).
	ProcessErrorSpawn ProcessErrorKind = iota
	// ProcessErrorExec means syscall.Exec itself failed in the target
	// (ENOENT, EACCES, ENOEXEC on the given program).
	ProcessErrorExec
	// ProcessErrorWait means collecting the target's final status
	// failed.
	ProcessErrorWait
	// ProcessErrorNix means a raw syscall invoked while setting up the
	// sandbox (mount, pivot_root, prctl, setuid/setgid, ...) returned
	// an errno, mirroring the original hakoniwa's NixError wrapping of
	// the nix crate's syscall failures.
	ProcessErrorNix
	// ProcessErrorStdIo means an ordinary file or pipe I/O operation
	// failed (opening /dev/null, reading a config pipe, ...).
	ProcessErrorStdIo
	// ProcessErrorSetupNetworkFailed means the orchestrator-side pasta
	// network setup, run over the rendezvous protocol, failed.
	ProcessErrorSetupNetworkFailed
	// ProcessErrorSetupUGidmapFailed means the newuidmap/newgidmap
	// helper invoked over the rendezvous protocol for a multi-range
	// uid/gid mapping failed; Err carries the helper's own output.
	ProcessErrorSetupUGidmapFailed
	// ProcessErrorBincodeDecode means decoding a message off one of the
	// launch pipeline's pipes failed. Named after the original
	// hakoniwa's bincode wire codec; this port frames the same way
	// with a length-prefixed JSON message instead (internal/wire).
	ProcessErrorBincodeDecode
	// ProcessErrorSetUserFailed means resolving or applying the
	// requested User/Group credentials inside the container root
	// failed.
	ProcessErrorSetUserFailed
	// ProcessErrorMountProcfsEPERM means a proc mount was requested
	// without the PID namespace being unshared first: the kernel would
	// refuse the mount anyway, so this is surfaced up front as EPERM
	// rather than attempted.
	ProcessErrorMountProcfsEPERM
	// ProcessErrorMountSourcePathMustBeAbsolute means a bind mount's
	// source was a relative path; Path carries the offending value.
	ProcessErrorMountSourcePathMustBeAbsolute
	// ProcessErrorMountTargetPathMustBeAbsolute means a mount's
	// destination was a relative path; Path carries the offending
	// value.
	ProcessErrorMountTargetPathMustBeAbsolute
)

func (k ProcessErrorKind) String() string {
	switch k {
	case ProcessErrorSpawn:
		return "spawn"
	case ProcessErrorExec:
		return "exec"
	case ProcessErrorWait:
		return "wait"
	case ProcessErrorNix:
		return "nix"
	case ProcessErrorStdIo:
		return "stdio"
	case ProcessErrorSetupNetworkFailed:
		return "setup_network_failed"
	case ProcessErrorSetupUGidmapFailed:
		return "setup_ugidmap_failed"
	case ProcessErrorBincodeDecode:
		return "decode"
	case ProcessErrorSetUserFailed:
		return "set_user_failed"
	case ProcessErrorMountProcfsEPERM:
		return "mount_procfs_eperm"
	case ProcessErrorMountSourcePathMustBeAbsolute:
		return "mount_source_path_must_be_absolute"
	case ProcessErrorMountTargetPathMustBeAbsolute:
		return "mount_target_path_must_be_absolute"
	default:
		return "unknown"
	}
}

// ProcessError reports a failure tied to a specific phase of running
// the sandboxed process. Path is only set for the two
// MustBeAbsolute kinds, carrying the offending path.
type ProcessError struct {
	Kind ProcessErrorKind
	Path string
	Err  error
}

func (e *ProcessError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("hakoniwa: process %s error: %q: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("hakoniwa: process %s error: %v", e.Kind, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// MountProcfsEPERM reports a proc mount requested without the PID
// namespace having been unshared.
func MountProcfsEPERM() *ProcessError {
	return &ProcessError{
		Kind: ProcessErrorMountProcfsEPERM,
		Err:  fmt.Errorf("operation not permitted: a proc mount was requested but the PID namespace was not unshared"),
	}
}

// MountSourcePathMustBeAbsolute reports a relative bind-mount source.
func MountSourcePathMustBeAbsolute(path string) *ProcessError {
	return &ProcessError{
		Kind: ProcessErrorMountSourcePathMustBeAbsolute,
		Path: path,
		Err:  errors.New("mount source path must be absolute"),
	}
}

// MountTargetPathMustBeAbsolute reports a relative mount destination.
func MountTargetPathMustBeAbsolute(path string) *ProcessError {
	return &ProcessError{
		Kind: ProcessErrorMountTargetPathMustBeAbsolute,
		Path: path,
		Err:  errors.New("mount target path must be absolute"),
	}
}

// SetupNetworkFailed wraps a pasta network-setup failure reported over
// the rendezvous protocol.
func SetupNetworkFailed(err error) *ProcessError {
	return &ProcessError{Kind: ProcessErrorSetupNetworkFailed, Err: err}
}

// SetupUGidmapFailed wraps a newuidmap/newgidmap helper failure
// reported over the rendezvous protocol.
func SetupUGidmapFailed(reason string) *ProcessError {
	return &ProcessError{Kind: ProcessErrorSetupUGidmapFailed, Err: errors.New(reason)}
}

// SetUserFailed wraps a User/Group resolution or setuid/setgid
// failure.
func SetUserFailed(reason string) *ProcessError {
	return &ProcessError{Kind: ProcessErrorSetUserFailed, Err: errors.New(reason)}
}

// NixError wraps a raw syscall failure encountered during sandbox
// setup.
func NixError(err error) *ProcessError {
	return &ProcessError{Kind: ProcessErrorNix, Err: err}
}

// StdIoError wraps an ordinary file or pipe I/O failure encountered
// during sandbox setup.
func StdIoError(err error) *ProcessError {
	return &ProcessError{Kind: ProcessErrorStdIo, Err: err}
}

// BincodeDecodeError wraps a failure decoding a message off one of the
// launch pipeline's pipes.
func BincodeDecodeError(err error) *ProcessError {
	return &ProcessError{Kind: ProcessErrorBincodeDecode, Err: err}
}

// LandlockErrorKind distinguishes Landlock failure modes, mirroring
// spec.md §7's LandlockError subclasses.
type LandlockErrorKind int

const (
	// LandlockErrorUnsupported means the running kernel lacks Landlock
	// (or lacks the requested ABI version) entirely.
	LandlockErrorUnsupported LandlockErrorKind = iota
	// LandlockErrorRestrict means the kernel has Landlock but applying
	// the requested ruleset failed (a HardRequirement path, since a
	// BestEffort ruleset silently narrows instead of erroring).
	LandlockErrorRestrict
	// LandlockErrorPathMustBeAbsolute means a Landlock path rule named
	// a relative path.
	LandlockErrorPathMustBeAbsolute
)

func (k LandlockErrorKind) String() string {
	switch k {
	case LandlockErrorUnsupported:
		return "unsupported"
	case LandlockErrorPathMustBeAbsolute:
		return "path_must_be_absolute"
	default:
		return "restrict"
	}
}

// LandlockError reports a Landlock installation failure. Path is only
// set for the PathMustBeAbsolute kind.
type LandlockError struct {
	Kind LandlockErrorKind
	Path string
	Err  error
}

func (e *LandlockError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("hakoniwa: landlock %s error: %q: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("hakoniwa: landlock %s error: %v", e.Kind, e.Err)
}

func (e *LandlockError) Unwrap() error { return e.Err }

// LandlockPathMustBeAbsolute reports a relative Landlock path rule.
func LandlockPathMustBeAbsolute(path string) *LandlockError {
	return &LandlockError{
		Kind: LandlockErrorPathMustBeAbsolute,
		Path: path,
		Err:  errors.New("landlock path rule must be absolute"),
	}
}

// SeccompError reports a seccomp filter compilation or installation
// failure.
type SeccompError struct {
	Err error
}

func (e *SeccompError) Error() string {
	return fmt.Sprintf("hakoniwa: seccomp error: %v", e.Err)
}

func (e *SeccompError) Unwrap() error { return e.Err }
