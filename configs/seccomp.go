package configs

// Seccomp represents syscall restrictions applied to the target
// process. By default only the native architecture of the kernel is
// filtered; additional architectures can be added via Architectures.
//
// Shape adapted from libcontainer/configs' own Seccomp/Syscall/Arg
// types, which already model exactly this kernel primitive; retargeted
// from the OCI runtime-spec's nested flag/listener fields to the flat
// model the sandbox needs.
type Seccomp struct {
	DefaultAction Action     `json:"default_action"`
	Architectures []string   `json:"architectures,omitempty"`
	Syscalls      []*Syscall `json:"syscalls"`
}

// Action is taken when a rule matches a syscall.
type Action int

const (
	ActionKill Action = iota + 1
	ActionErrno
	ActionTrap
	ActionAllow
	ActionLog
	ActionKillProcess
)

// Operator is a comparison operator used when matching syscall
// arguments.
type Operator int

const (
	OpEqualTo Operator = iota + 1
	OpNotEqualTo
	OpGreaterThan
	OpGreaterThanOrEqualTo
	OpLessThan
	OpLessThanOrEqualTo
	OpMaskedEqualTo
)

// Arg matches a specific syscall argument.
type Arg struct {
	Index    uint     `json:"index"`
	Value    uint64   `json:"value"`
	ValueTwo uint64   `json:"value_two,omitempty"`
	Op       Operator `json:"op"`
}

// Syscall is a single rule matching a syscall name, optionally
// narrowed by argument comparisons.
type Syscall struct {
	Name   string `json:"name"`
	Action Action `json:"action"`
	Args   []*Arg `json:"args,omitempty"`
}
