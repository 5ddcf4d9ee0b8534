package hakoniwa

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/netns"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/reexec"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/rendezvous"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/stage"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/wire"
	"github.com/sirupsen/logrus"
)

// Command is the fluent builder for a program to run inside a
// Container. Build one with Container.Command, then Spawn it.
type Command struct {
	container *Container
	cfg       *configs.Command

	stdinFile  *os.File
	stdoutFile *os.File
	stderrFile *os.File

	timeout time.Duration
}

// Command starts building a Command that runs program with args
// inside c. Stdio defaults to Piped for all three streams.
func (c *Container) Command(program string, args ...string) *Command {
	piped := configs.StdioPlan{Kind: configs.StdioPiped}
	return &Command{
		container: c,
		cfg: &configs.Command{
			Container: c.cfg,
			Program:   program,
			Args:      args,
			Stdin:     piped,
			Stdout:    piped,
			Stderr:    piped,
		},
	}
}

// CommandFromConfig wraps an already-built configs.Command, for
// callers (such as internal/policyfile) that assemble one directly
// rather than through Container.Command.
func CommandFromConfig(cfg *configs.Command) *Command {
	return &Command{container: FromConfig(cfg.Container), cfg: cfg}
}

// Env sets the target process's environment, replacing whatever was
// there. A nil or empty env means the target execs with no
// environment at all.
func (cmd *Command) Env(env []string) *Command {
	cmd.cfg.Env = env
	return cmd
}

// InheritStdio wires all three standard streams to the orchestrator's
// own stdin/stdout/stderr.
func (cmd *Command) InheritStdio() *Command {
	cmd.cfg.Stdin = configs.StdioPlan{Kind: configs.StdioInherit}
	cmd.cfg.Stdout = configs.StdioPlan{Kind: configs.StdioInherit}
	cmd.cfg.Stderr = configs.StdioPlan{Kind: configs.StdioInherit}
	cmd.stdinFile, cmd.stdoutFile, cmd.stderrFile = nil, nil, nil
	return cmd
}

// DiscardOutput wires stdout and stderr to /dev/null.
func (cmd *Command) DiscardOutput() *Command {
	cmd.cfg.Stdout = configs.StdioPlan{Kind: configs.StdioNull}
	cmd.cfg.Stderr = configs.StdioPlan{Kind: configs.StdioNull}
	return cmd
}

// SetStdin wires stdin to an already-open file, such as one opened
// from a policy file's input redirection. It behaves exactly like
// Inherit once the launch pipeline has it: the intermediate process
// never sees a difference between "inherited from the orchestrator's
// own stdin" and "an arbitrary file the orchestrator opened".
func (cmd *Command) SetStdin(f *os.File) *Command {
	cmd.stdinFile = f
	cmd.cfg.Stdin = configs.StdioPlan{Kind: configs.StdioInherit}
	return cmd
}

// SetStdout wires stdout to an already-open file.
func (cmd *Command) SetStdout(f *os.File) *Command {
	cmd.stdoutFile = f
	cmd.cfg.Stdout = configs.StdioPlan{Kind: configs.StdioInherit}
	return cmd
}

// SetStderr wires stderr to an already-open file.
func (cmd *Command) SetStderr(f *os.File) *Command {
	cmd.stderrFile = f
	cmd.cfg.Stderr = configs.StdioPlan{Kind: configs.StdioInherit}
	return cmd
}

// Timeout sets the wall-clock duration after which the intermediate
// process's watchdog kills the target with SIGKILL. Zero (the
// default) means no timeout.
func (cmd *Command) Timeout(d time.Duration) *Command {
	cmd.timeout = d
	cmd.cfg.TimeoutSeconds = d.Seconds()
	return cmd
}

// Workdir sets the working directory inside the container that the
// target process chdirs into before exec (configs.Command.CurrentDir).
func (cmd *Command) Workdir(dir string) *Command {
	cmd.cfg.CurrentDir = dir
	return cmd
}

// Config returns the underlying configs.Command snapshot.
func (cmd *Command) Config() *configs.Command {
	return cmd.cfg
}

// Spawn starts the launch pipeline: it allocates the status,
// rendezvous and config pipes, builds the orchestrator's exec.Cmd
// pointing at the re-exec'd intermediate stage with the namespace
// Cloneflags and (for a single mapping range) UidMappings/GidMappings
// the kernel applies at clone(2) time, and starts it. See
// SPEC_FULL.md §4.2.
func (cmd *Command) Spawn() (*Child, error) {
	if err := cmd.container.Validate(); err != nil {
		return nil, err
	}

	statusRead, statusWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("hakoniwa: creating status pipe: %w", err)
	}
	reqRead, reqWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("hakoniwa: creating rendezvous request pipe: %w", err)
	}
	ackRead, ackWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("hakoniwa: creating rendezvous ack pipe: %w", err)
	}
	configRead, configWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("hakoniwa: creating config pipe: %w", err)
	}

	childEC := reexec.Command(stage.IntermediateStageName)
	childEC.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneFlagsFor(cmd.container.cfg.Namespaces),
		Pdeathsig:  syscall.SIGKILL,
	}
	applySingleRangeIDMaps(childEC.SysProcAttr, cmd.container.cfg)

	childEC.ExtraFiles = []*os.File{statusWrite, reqWrite, ackRead, configRead}
	childEC.Env = append(os.Environ(),
		envPair(stage.EnvStatusFd, 3),
		envPair(stage.EnvRendReqFd, 4),
		envPair(stage.EnvRendAckFd, 5),
		envPair(stage.EnvConfigFd, 6),
	)

	var stdinPipe, stdoutPipe, stderrPipe *os.File
	stdinPipe, childEC.Stdin = cmd.wireStdin()
	stdoutPipe, childEC.Stdout = cmd.wireOutput(cmd.cfg.Stdout, cmd.stdoutFile, os.Stdout)
	stderrPipe, childEC.Stderr = cmd.wireOutput(cmd.cfg.Stderr, cmd.stderrFile, os.Stderr)

	if err := childEC.Start(); err != nil {
		closeAll(statusRead, statusWrite, reqRead, reqWrite, ackRead, ackWrite, configRead, configWrite)
		return nil, fmt.Errorf("hakoniwa: starting intermediate process: %w", err)
	}

	// These fds now live in the child; our copies just waste a
	// descriptor and (for statusWrite) would mask the child's death
	// by keeping the status pipe's write end open ourselves.
	closeAll(statusWrite, reqWrite, ackRead, configRead)

	if err := wire.WriteMessage(configWrite, cmd.cfg); err != nil {
		_ = childEC.Process.Kill()
		closeAll(statusRead, reqRead, ackWrite, configWrite)
		return nil, fmt.Errorf("hakoniwa: writing launch config: %w", err)
	}
	configWrite.Close()

	child := &Child{
		process:    childEC.Process,
		statusRead: statusRead,
		stdin:      stdinPipe,
		stdout:     stdoutPipe,
		stderr:     stderrPipe,
		errC:       make(chan error, 2),
	}

	go child.serveRendezvous(reqRead, ackWrite, cmd.container.cfg)
	if spec := cmd.container.cfg.Network; spec != nil && spec.Kind == configs.NetworkPasta {
		go child.setupNetwork(spec, childEC.Process.Pid, cmd.timeout)
	}

	return child, nil
}

func (c *Child) serveRendezvous(reqRead, ackWrite *os.File, container *configs.Container) {
	err := rendezvous.ServeFromParent(reqRead, ackWrite, func(bits byte) error {
		if bits&rendezvous.BitMultiRangeIDMap != 0 {
			return writeMultiRangeIDMaps(c.process.Pid, container)
		}
		return nil
	})
	if err != nil {
		logrus.Warnf("hakoniwa: rendezvous: %v", err)
		c.errC <- configs.SetupUGidmapFailed(err.Error())
	}
}

func (c *Child) setupNetwork(spec *configs.NetworkSpec, pid int, timeout time.Duration) {
	if err := netns.SetupPasta(spec, pid, timeout); err != nil {
		logrus.Warnf("hakoniwa: network setup: %v", err)
		c.errC <- configs.SetupNetworkFailed(err)
	}
}

// writeMultiRangeIDMaps shells out to newuidmap/newgidmap, the setuid
// helpers Linux requires for writing more than one mapping range to
// an unprivileged user namespace's uid_map/gid_map.
func writeMultiRangeIDMaps(pid int, container *configs.Container) error {
	if len(container.UIDMappings) > 1 {
		if err := runIDMapHelper("newuidmap", pid, container.UIDMappings); err != nil {
			return err
		}
	}
	if len(container.GIDMappings) > 1 {
		if err := runIDMapHelper("newgidmap", pid, container.GIDMappings); err != nil {
			return err
		}
	}
	return nil
}

func runIDMapHelper(helper string, pid int, mappings []configs.IDMap) error {
	args := []string{fmt.Sprintf("%d", pid)}
	for _, m := range mappings {
		args = append(args, fmt.Sprintf("%d", m.ContainerID), fmt.Sprintf("%d", m.HostID), fmt.Sprintf("%d", m.Size))
	}
	out, err := exec.Command(helper, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("hakoniwa: %s: %w (%s)", helper, err, out)
	}
	return nil
}

func applySingleRangeIDMaps(attr *syscall.SysProcAttr, container *configs.Container) {
	if len(container.UIDMappings) == 1 {
		m := container.UIDMappings[0]
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: int(m.ContainerID), HostID: int(m.HostID), Size: int(m.Size)}}
	}
	if len(container.GIDMappings) == 1 {
		m := container.GIDMappings[0]
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: int(m.ContainerID), HostID: int(m.HostID), Size: int(m.Size)}}
	}
	// Writing gid_map requires denying setgroups first unless the
	// caller explicitly asked to resolve and apply supplementary
	// groups inside the sandbox.
	attr.GidMappingsEnableSetgroups = container.SupplementaryGroups
}

func cloneFlagsFor(ns configs.NamespaceFlags) uintptr {
	var flags uintptr
	if ns.Has(configs.NamespaceUser) {
		flags |= unix.CLONE_NEWUSER
	}
	if ns.Has(configs.NamespaceMount) {
		flags |= unix.CLONE_NEWNS
	}
	if ns.Has(configs.NamespacePID) {
		flags |= unix.CLONE_NEWPID
	}
	if ns.Has(configs.NamespaceNetwork) {
		flags |= unix.CLONE_NEWNET
	}
	if ns.Has(configs.NamespaceIPC) {
		flags |= unix.CLONE_NEWIPC
	}
	if ns.Has(configs.NamespaceUTS) {
		flags |= unix.CLONE_NEWUTS
	}
	if ns.Has(configs.NamespaceCgroup) {
		flags |= unix.CLONE_NEWCGROUP
	}
	return flags
}

// wireStdin resolves the orchestrator-side file for the target's
// stdin: a fresh pipe (orchestrator writes, child reads) for Piped, an
// explicit file or the orchestrator's own stdin for Inherit, or nil
// (os/exec's own /dev/null default) for Null.
func (cmd *Command) wireStdin() (pipeEnd, childEnd *os.File) {
	switch cmd.cfg.Stdin.Kind {
	case configs.StdioInherit:
		if cmd.stdinFile != nil {
			return nil, cmd.stdinFile
		}
		return nil, os.Stdin
	case configs.StdioNull:
		return nil, nil
	default: // Piped
		r, w, err := os.Pipe()
		if err != nil {
			return nil, os.Stdin // best effort; Start() will likely fail downstream anyway
		}
		return w, r
	}
}

// wireOutput is wireStdin's mirror for stdout/stderr: for Piped it
// creates a pipe the orchestrator reads from and the child writes
// into.
func (cmd *Command) wireOutput(plan configs.StdioPlan, explicit, fallback *os.File) (pipeEnd, childEnd *os.File) {
	switch plan.Kind {
	case configs.StdioInherit:
		if explicit != nil {
			return nil, explicit
		}
		return nil, fallback
	case configs.StdioNull:
		return nil, nil
	default: // Piped
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fallback
		}
		return r, w
	}
}

func envPair(name string, fd int) string {
	return fmt.Sprintf("%s=%d", name, fd)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
