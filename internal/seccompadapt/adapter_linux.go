// Package seccompadapt installs a configs.Seccomp filter using the
// real libseccomp library, rather than hand-assembled BPF bytecode.
//
// Directly adapted from
// go.podman.io/common/pkg/seccomp/filter_linux.go's
// BuildFilter/matchSyscall/toAction/toCondition/toCompareOp, retargeted
// from OCI's specs.LinuxSeccomp to this project's configs.Seccomp.
package seccompadapt

import (
	"errors"
	"fmt"
	"runtime"

	libseccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
)

// ErrFilterNil is returned when asked to install a nil filter.
var ErrFilterNil = errors.New("seccompadapt: filter is nil")

// Install builds a libseccomp filter from spec and loads it into the
// kernel for the calling thread (and, since CLONE_THREAD is implicit
// for exec, the whole process). Must be called from the target
// process shortly before exec, after PR_SET_NO_NEW_PRIVS decisions
// have been made elsewhere (see internal/stage's target setup
// sequence).
func Install(spec *configs.Seccomp) error {
	if err := install(spec); err != nil {
		return &configs.SeccompError{Err: err}
	}
	return nil
}

func install(spec *configs.Seccomp) error {
	if spec == nil {
		return ErrFilterNil
	}

	defaultAction, err := toAction(spec.DefaultAction)
	if err != nil {
		return fmt.Errorf("seccompadapt: convert default action: %w", err)
	}

	filter, err := libseccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("seccompadapt: create filter: %w", err)
	}
	defer filter.Release()

	if len(spec.Architectures) == 0 {
		// Native arch is always present by default; nothing to add.
	}
	for _, arch := range spec.Architectures {
		scmpArch, err := libseccomp.GetArchFromString(arch)
		if err != nil {
			return fmt.Errorf("seccompadapt: unknown architecture %q: %w", arch, err)
		}
		if err := filter.AddArch(scmpArch); err != nil {
			return fmt.Errorf("seccompadapt: add architecture %q: %w", arch, err)
		}
	}

	for _, call := range spec.Syscalls {
		if call == nil {
			continue
		}
		if call.Action == spec.DefaultAction {
			// Redundant with the filter's own default; skip.
			continue
		}
		if err := matchSyscall(filter, call); err != nil {
			return fmt.Errorf("seccompadapt: %w", err)
		}
	}

	if err := filter.Load(); err != nil {
		return fmt.Errorf("seccompadapt: load filter: %w", err)
	}
	runtime.KeepAlive(filter)
	return nil
}

func matchSyscall(filter *libseccomp.ScmpFilter, call *configs.Syscall) error {
	if call.Name == "" {
		return errors.New("empty syscall name")
	}

	// Unknown syscalls (e.g. not supported by this kernel/arch) are
	// silently skipped rather than treated as an error, matching the
	// vendor adapter this is grounded on.
	callNum, err := libseccomp.GetSyscallFromName(call.Name)
	if err != nil {
		return nil
	}

	action, err := toAction(call.Action)
	if err != nil {
		return fmt.Errorf("convert action for %s: %w", call.Name, err)
	}

	if len(call.Args) == 0 {
		if err := filter.AddRule(callNum, action); err != nil {
			return fmt.Errorf("add rule for %s: %w", call.Name, err)
		}
		return nil
	}

	const syscallMaxArguments = 6
	argCounts := make([]uint, syscallMaxArguments)
	conditions := make([]libseccomp.ScmpCondition, 0, len(call.Args))
	for _, arg := range call.Args {
		cond, err := toCondition(arg)
		if err != nil {
			return fmt.Errorf("build condition for %s: %w", call.Name, err)
		}
		argCounts[arg.Index]++
		conditions = append(conditions, cond)
	}

	hasRepeatedArg := false
	for _, count := range argCounts {
		if count > 1 {
			hasRepeatedArg = true
			break
		}
	}

	if hasRepeatedArg {
		for _, cond := range conditions {
			if err := filter.AddRuleConditional(callNum, action, []libseccomp.ScmpCondition{cond}); err != nil {
				return fmt.Errorf("add conditional rule for %s: %w", call.Name, err)
			}
		}
		return nil
	}
	if err := filter.AddRuleConditional(callNum, action, conditions); err != nil {
		return fmt.Errorf("add conditional rule for %s: %w", call.Name, err)
	}
	return nil
}

func toAction(act configs.Action) (libseccomp.ScmpAction, error) {
	switch act {
	case configs.ActionKill:
		return libseccomp.ActKillThread, nil
	case configs.ActionKillProcess:
		return libseccomp.ActKillProcess, nil
	case configs.ActionErrno:
		return libseccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case configs.ActionTrap:
		return libseccomp.ActTrap, nil
	case configs.ActionAllow:
		return libseccomp.ActAllow, nil
	case configs.ActionLog:
		return libseccomp.ActLog, nil
	default:
		return libseccomp.ActInvalid, fmt.Errorf("invalid action %d", act)
	}
}

func toCondition(arg *configs.Arg) (libseccomp.ScmpCondition, error) {
	op, err := toCompareOp(arg.Op)
	if err != nil {
		return libseccomp.ScmpCondition{}, fmt.Errorf("compare operator: %w", err)
	}
	return libseccomp.MakeCondition(arg.Index, op, arg.Value, arg.ValueTwo)
}

func toCompareOp(op configs.Operator) (libseccomp.ScmpCompareOp, error) {
	switch op {
	case configs.OpEqualTo:
		return libseccomp.CompareEqual, nil
	case configs.OpNotEqualTo:
		return libseccomp.CompareNotEqual, nil
	case configs.OpGreaterThan:
		return libseccomp.CompareGreater, nil
	case configs.OpGreaterThanOrEqualTo:
		return libseccomp.CompareGreaterEqual, nil
	case configs.OpLessThan:
		return libseccomp.CompareLess, nil
	case configs.OpLessThanOrEqualTo:
		return libseccomp.CompareLessOrEqual, nil
	case configs.OpMaskedEqualTo:
		return libseccomp.CompareMaskedEqual, nil
	default:
		return libseccomp.CompareInvalid, fmt.Errorf("invalid operator %d", op)
	}
}
