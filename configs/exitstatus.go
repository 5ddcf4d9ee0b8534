package configs

// StatusKind classifies how a run ended, mirroring spec.md §4.9's
// status taxonomy (the original hakoniwa's ExecutorResultStatus:
// Ok/SandboxSetupError/Signaled/RestrictedFunction/TimeLimitExceeded/
// OutputLimitExceeded).
type StatusKind int

const (
	StatusOK StatusKind = iota
	StatusSandboxSetupError
	StatusSignaled
	StatusRestrictedFunction
	StatusTimeLimitExceeded
	StatusOutputLimitExceeded
)

func (k StatusKind) String() string {
	switch k {
	case StatusOK:
		return "ok"
	case StatusSandboxSetupError:
		return "sandbox_setup_error"
	case StatusSignaled:
		return "signaled"
	case StatusRestrictedFunction:
		return "restricted_function"
	case StatusTimeLimitExceeded:
		return "time_limit_exceeded"
	case StatusOutputLimitExceeded:
		return "output_limit_exceeded"
	default:
		return "unknown"
	}
}

// ExitStatus is the result of running a Command, decoded from the
// status pipe the intermediate process writes to before exiting.
//
// JSON-tagged like every struct in this package, following the
// teacher's convention of using encoding/json for all serialized
// config/result types rather than a binary codec.
type ExitStatus struct {
	// Code follows the convention: 0..127 for a normal exit with that
	// code, 128+N for death by signal N, 125 for a sandbox setup
	// failure that never reached the target's exec.
	Code int32 `json:"code"`

	// Status classifies Code per spec.md §4.9: a death by SIGKILL or
	// SIGXCPU is TimeLimitExceeded, SIGXFSZ is OutputLimitExceeded,
	// SIGSYS is RestrictedFunction, any other signal is Signaled.
	Status StatusKind `json:"status"`

	// Reason carries a human-readable cause when Code == 125 or when
	// the target died by signal ("process(<prog>) received signal
	// <sig>"), or when it was killed by the timeout watchdog or by a
	// seccomp filter's Kill action.
	Reason string `json:"reason,omitempty"`

	// TimedOut is set when the timeout watchdog killed the target,
	// distinguishing a watchdog SIGKILL from any other TimeLimitExceeded
	// cause (e.g. an RLIMIT_CPU SIGXCPU).
	TimedOut bool `json:"timed_out,omitempty"`

	Rusage *Rusage `json:"rusage,omitempty"`

	ProcPidStatus      *ProcPidStatus      `json:"proc_pid_status,omitempty"`
	ProcPidSmapsRollup *ProcPidSmapsRollup `json:"proc_pid_smaps_rollup,omitempty"`
}

// Rusage is the resource usage of the target and any descendants it
// spawned, as reported by wait4 when the target is reaped.
//
// Field names grounded on buildah/pkg/rusage/rusage_unix.go's Rusage
// struct, itself derived from syscall.Rusage.
type Rusage struct {
	UtimeSeconds float64 `json:"utime_seconds"`
	StimeSeconds float64 `json:"stime_seconds"`
	MaxRSSKB     int64   `json:"max_rss_kb"`
}

// ProcPidStatus is the subset of /proc/<pid>/status fields the
// original hakoniwa captures (see
// original_source/hakoniwa/src/metric/proc_pid_status.rs).
type ProcPidStatus struct {
	VmPeakKB int64 `json:"vm_peak_kb"`
	VmSizeKB int64 `json:"vm_size_kb"`
	VmRSSKB  int64 `json:"vm_rss_kb"`
	VmHWMKB  int64 `json:"vm_hwm_kb"`
	VmDataKB int64 `json:"vm_data_kb"`
	Threads  int64 `json:"threads"`
}

// ProcPidSmapsRollup is the subset of /proc/<pid>/smaps_rollup fields
// the original hakoniwa captures.
type ProcPidSmapsRollup struct {
	RssKB           int64 `json:"rss_kb"`
	PssKB           int64 `json:"pss_kb"`
	SharedCleanKB   int64 `json:"shared_clean_kb"`
	SharedDirtyKB   int64 `json:"shared_dirty_kb"`
	PrivateCleanKB  int64 `json:"private_clean_kb"`
	PrivateDirtyKB  int64 `json:"private_dirty_kb"`
	ReferencedKB    int64 `json:"referenced_kb"`
	SwapKB          int64 `json:"swap_kb"`
}
