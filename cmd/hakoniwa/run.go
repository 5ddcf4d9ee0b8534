package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hakoniwa-dev/hakoniwa-go"
	"github.com/hakoniwa-dev/hakoniwa-go/configs"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/policyfile"
)

type runFlags struct {
	unshareAll, unshareCgroup, unshareIPC, unshareNetwork, unshareUTS bool

	rootdir string // PATH or PATH:rw
	rootfs  string

	bindmountRO, bindmountRW []string // HOST:CONT
	devfs, tmpfs, procmount  []string
	dirs                     []string
	symlinks                 []string // ORIG:LINK
	uidmap, gidmap           []string // containerID:hostID:size, or bare containerID for a size-1 map to the caller's own id

	hostname string
	network  string // MODE[:extra,args]
	setenv   []string
	workdir  string

	mountFallback, getProcPidStatus, getProcPidSmapsRollup bool

	limitAS, limitCore, limitCPU, limitFsize, limitNofile, limitWalltime string

	landlockRestrict                    string // "fs", "net", or "fs,net"
	landlockFSRO, landlockFSRW          []string
	landlockFSRX                        []string
	landlockTCPBind, landlockTCPConnect []string

	seccomp string // "unconfined" or a path to a JSON filter

	config string
}

func newRunCommand() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run [flags] -- PROGRAM [ARGS...]",
		Short: "Run PROGRAM inside a new sandbox",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(&f, args)
		},
	}

	fl := cmd.Flags()
	fl.BoolVar(&f.unshareAll, "unshare-all", false, "unshare every namespace (cgroup, ipc, network, uts, in addition to the default user/mount/pid)")
	fl.BoolVar(&f.unshareCgroup, "unshare-cgroup", false, "unshare the cgroup namespace")
	fl.BoolVar(&f.unshareIPC, "unshare-ipc", false, "unshare the IPC namespace")
	fl.BoolVar(&f.unshareNetwork, "unshare-network", false, "unshare the network namespace")
	fl.BoolVar(&f.unshareUTS, "unshare-uts", false, "unshare the UTS namespace")

	fl.StringVar(&f.rootdir, "rootdir", "", "PATH[:rw] to pivot_root into")
	fl.StringVar(&f.rootfs, "rootfs", "", "DIR: bind-mount each of DIR's direct children read-only and use DIR as rootdir")

	fl.StringArrayVar(&f.bindmountRO, "bindmount-ro", nil, "HOST:CONT read-only bind mount (repeatable)")
	fl.StringArrayVar(&f.bindmountRW, "bindmount-rw", nil, "HOST:CONT read-write bind mount (repeatable)")
	fl.StringArrayVar(&f.devfs, "devfs", nil, "CONT: mount a synthetic /dev there (repeatable)")
	fl.StringArrayVar(&f.tmpfs, "tmpfs", nil, "CONT: mount an empty tmpfs there (repeatable)")
	fl.StringArrayVar(&f.procmount, "procmount", nil, "CONT: mount a fresh procfs there, requires --unshare-pid semantics already on by default (repeatable)")
	fl.StringArrayVar(&f.dirs, "dir", nil, "CONT: create an empty directory there (repeatable)")
	fl.StringArrayVar(&f.symlinks, "symlink", nil, "ORIG:LINK: create a symlink (repeatable)")

	fl.StringArrayVar(&f.uidmap, "uidmap", nil, "containerID:hostID:size, or bare containerID for a size-1 map to the caller's own uid (repeatable)")
	fl.StringArrayVar(&f.gidmap, "gidmap", nil, "like --uidmap, for the gid mapping")

	fl.StringVar(&f.hostname, "hostname", "", "hostname to set (requires --unshare-uts)")
	fl.StringVar(&f.network, "network", "", "MODE[:extra,pasta,args] (only mode is \"pasta\")")
	fl.StringArrayVar(&f.setenv, "setenv", nil, "N=V environment variable for the target (repeatable)")
	fl.StringVar(&f.workdir, "workdir", "", "working directory inside the container")

	fl.BoolVar(&f.mountFallback, "mount-fallback", false, "allow a refused mount-flag remount to retry with the kernel's locked flags OR'd in, instead of failing")
	fl.BoolVar(&f.getProcPidStatus, "get-proc-pid-status", false, "capture /proc/<pid>/status via ptrace at exit")
	fl.BoolVar(&f.getProcPidSmapsRollup, "get-proc-pid-smaps-rollup", false, "capture /proc/<pid>/smaps_rollup via ptrace at exit")

	fl.StringVar(&f.limitAS, "limit-as", "", "RLIMIT_AS soft:hard, in bytes")
	fl.StringVar(&f.limitCore, "limit-core", "", "RLIMIT_CORE soft:hard, in bytes")
	fl.StringVar(&f.limitCPU, "limit-cpu", "", "RLIMIT_CPU soft:hard, in seconds")
	fl.StringVar(&f.limitFsize, "limit-fsize", "", "RLIMIT_FSIZE soft:hard, in bytes")
	fl.StringVar(&f.limitNofile, "limit-nofile", "", "RLIMIT_NOFILE soft:hard")
	fl.StringVar(&f.limitWalltime, "limit-walltime", "", "wall-clock timeout in seconds (watchdog SIGKILL, not an rlimit)")

	fl.StringVar(&f.landlockRestrict, "landlock-restrict", "", "comma-separated resources to restrict: fs,net")
	fl.StringArrayVar(&f.landlockFSRO, "landlock-fs-ro", nil, "comma-separated read-only paths (repeatable)")
	fl.StringArrayVar(&f.landlockFSRW, "landlock-fs-rw", nil, "comma-separated read-write paths (repeatable)")
	fl.StringArrayVar(&f.landlockFSRX, "landlock-fs-rx", nil, "comma-separated read+execute paths (repeatable)")
	fl.StringArrayVar(&f.landlockTCPBind, "landlock-tcp-bind", nil, "comma-separated TCP ports allowed to bind (repeatable)")
	fl.StringArrayVar(&f.landlockTCPConnect, "landlock-tcp-connect", nil, "comma-separated TCP ports allowed to connect (repeatable)")

	fl.StringVar(&f.seccomp, "seccomp", "", "\"unconfined\" or a path to a seccomp filter file")
	fl.StringVar(&f.config, "config", "", "load a policy TOML file instead of building from flags")

	return cmd
}

func runRun(f *runFlags, args []string) error {
	var container *configs.Container
	var cmdCfg *configs.Command
	var err error

	if f.config != "" {
		container, cmdCfg, err = loadFromPolicyFile(f.config)
	} else {
		container, err = buildContainer(f)
		if err == nil {
			cmdCfg, err = buildCommand(f, container, args)
		}
	}
	if err != nil {
		return err
	}

	command := hakoniwa.CommandFromConfig(cmdCfg)
	command.InheritStdio()
	if f.limitWalltime != "" {
		seconds, perr := strconv.ParseFloat(f.limitWalltime, 64)
		if perr != nil {
			return fmt.Errorf("--limit-walltime: %w", perr)
		}
		command.Timeout(time.Duration(seconds * float64(time.Second)))
	}

	status, err := command.Status()
	if err != nil {
		return err
	}
	if status.Reason != "" {
		fmt.Fprintf(os.Stderr, "hakoniwa: %s\n", status.Reason)
	}
	os.Exit(int(status.Code))
	return nil
}

func loadFromPolicyFile(path string) (*configs.Container, *configs.Command, error) {
	policy, err := policyfile.Load(path)
	if err != nil {
		return nil, nil, err
	}
	container, err := policy.ToContainer()
	if err != nil {
		return nil, nil, err
	}
	cmdCfg, err := policy.ToCommand(container)
	if err != nil {
		return nil, nil, err
	}
	return container, cmdCfg, nil
}

func buildContainer(f *runFlags) (*configs.Container, error) {
	c := hakoniwa.NewContainer()

	if f.unshareAll {
		c.Unshare(configs.NamespaceCgroup | configs.NamespaceIPC | configs.NamespaceNetwork | configs.NamespaceUTS)
	}
	if f.unshareCgroup {
		c.Unshare(configs.NamespaceCgroup)
	}
	if f.unshareIPC {
		c.Unshare(configs.NamespaceIPC)
	}
	if f.unshareNetwork {
		c.Unshare(configs.NamespaceNetwork)
	}
	if f.unshareUTS {
		c.Unshare(configs.NamespaceUTS)
	}

	if f.rootfs != "" {
		if _, err := c.Rootfs(f.rootfs); err != nil {
			return nil, err
		}
	} else if f.rootdir != "" {
		path, rw := f.rootdir, false
		if idx := strings.LastIndex(path, ":"); idx >= 0 && path[idx+1:] == "rw" {
			path, rw = path[:idx], true
		}
		c.Rootdir(path, rw)
	}

	for _, hostCont := range f.bindmountRO {
		host, cont, err := splitPair(hostCont, "--bindmount-ro")
		if err != nil {
			return nil, err
		}
		c.BindmountRO(host, cont)
	}
	for _, hostCont := range f.bindmountRW {
		host, cont, err := splitPair(hostCont, "--bindmount-rw")
		if err != nil {
			return nil, err
		}
		c.BindmountRW(host, cont)
	}
	for _, dst := range f.devfs {
		c.Devfsmount(dst)
	}
	for _, dst := range f.tmpfs {
		c.Tmpfsmount(dst, 0)
	}
	for _, dst := range f.procmount {
		c.Procmount(dst)
	}
	for _, dst := range f.dirs {
		c.Dir(dst, 0o755)
	}
	for _, pair := range f.symlinks {
		orig, link, err := splitPair(pair, "--symlink")
		if err != nil {
			return nil, err
		}
		c.Symlink(link, orig)
	}

	for _, spec := range f.uidmap {
		m, err := parseIDMap(spec, int64(os.Getuid()))
		if err != nil {
			return nil, fmt.Errorf("--uidmap: %w", err)
		}
		c.Uidmap(m.ContainerID, m.HostID, m.Size)
	}
	for _, spec := range f.gidmap {
		m, err := parseIDMap(spec, int64(os.Getgid()))
		if err != nil {
			return nil, fmt.Errorf("--gidmap: %w", err)
		}
		c.Gidmap(m.ContainerID, m.HostID, m.Size)
	}

	if f.hostname != "" {
		c.Hostname(f.hostname)
	}

	if f.network != "" {
		mode, extra, _ := strings.Cut(f.network, ":")
		if mode != "pasta" {
			return nil, fmt.Errorf("--network: unknown mode %q (only \"pasta\" is supported)", mode)
		}
		var extraArgs []string
		if extra != "" {
			extraArgs = strings.Split(extra, ",")
		}
		c.Network(&configs.NetworkSpec{Kind: configs.NetworkPasta, PastaExtraArgs: extraArgs})
	}

	c.MountFallback(f.mountFallback)
	c.GetProcPidStatus(f.getProcPidStatus)
	c.GetProcPidSmapsRollup(f.getProcPidSmapsRollup)

	if err := applyLimits(c, f); err != nil {
		return nil, err
	}
	if err := applyLandlock(c, f); err != nil {
		return nil, err
	}
	if err := applySeccomp(c, f); err != nil {
		return nil, err
	}

	return c.Config(), c.Validate()
}

func buildCommand(f *runFlags, container *configs.Container, args []string) (*configs.Command, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no program given; pass it after --")
	}
	cmd := hakoniwa.FromConfig(container).Command(args[0], args[1:]...)
	cmd.Env(f.setenv)
	if f.workdir != "" {
		cmd.Workdir(f.workdir)
	}
	return cmd.Config(), nil
}

func splitPair(s, flag string) (string, string, error) {
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", fmt.Errorf("%s: expected HOST:CONT, got %q", flag, s)
	}
	return a, b, nil
}

func parseIDMap(spec string, ownID int64) (configs.IDMap, error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 1:
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return configs.IDMap{}, err
		}
		return configs.IDMap{ContainerID: id, HostID: ownID, Size: 1}, nil
	case 3:
		c, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return configs.IDMap{}, err
		}
		h, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return configs.IDMap{}, err
		}
		sz, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return configs.IDMap{}, err
		}
		return configs.IDMap{ContainerID: c, HostID: h, Size: sz}, nil
	default:
		return configs.IDMap{}, fmt.Errorf("expected ID or containerID:hostID:size, got %q", spec)
	}
}

func applyLimits(c *hakoniwa.Container, f *runFlags) error {
	type named struct {
		name, spec string
	}
	for _, n := range []named{
		{"as", f.limitAS}, {"core", f.limitCore}, {"cpu", f.limitCPU},
		{"fsize", f.limitFsize}, {"nofile", f.limitNofile},
	} {
		if n.spec == "" {
			continue
		}
		soft, hard, err := splitLimit(n.spec)
		if err != nil {
			return fmt.Errorf("--limit-%s: %w", n.name, err)
		}
		rtype, ok := configs.RlimitNameToType["RLIMIT_"+strings.ToUpper(n.name)]
		if !ok {
			return fmt.Errorf("--limit-%s: no such resource", n.name)
		}
		c.Setrlimit(rtype, soft, hard)
	}
	return nil
}

func splitLimit(spec string) (soft, hard uint64, err error) {
	a, b, ok := strings.Cut(spec, ":")
	if !ok {
		v, err := strconv.ParseUint(spec, 10, 64)
		return v, v, err
	}
	soft, err = strconv.ParseUint(a, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	hard, err = strconv.ParseUint(b, 10, 64)
	return soft, hard, err
}

func applyLandlock(c *hakoniwa.Container, f *runFlags) error {
	if f.landlockRestrict == "" {
		return nil
	}
	ruleset := &configs.LandlockRuleset{Mode: configs.LandlockBestEffort}
	for _, resource := range strings.Split(f.landlockRestrict, ",") {
		switch resource {
		case "fs":
			ruleset.RestrictFS = true
		case "net":
			ruleset.RestrictNet = true
		default:
			return fmt.Errorf("--landlock-restrict: unknown resource %q", resource)
		}
	}
	addPaths(ruleset, f.landlockFSRO, configs.LandlockAccessReadFile|configs.LandlockAccessReadDir)
	addPaths(ruleset, f.landlockFSRW, configs.LandlockAccessReadFile|configs.LandlockAccessReadDir|configs.LandlockAccessWriteFile|configs.LandlockAccessMakeReg|configs.LandlockAccessMakeDir|configs.LandlockAccessRemoveFile|configs.LandlockAccessRemoveDir)
	addPaths(ruleset, f.landlockFSRX, configs.LandlockAccessReadFile|configs.LandlockAccessReadDir|configs.LandlockAccessExecute)

	for _, group := range f.landlockTCPBind {
		for _, port := range strings.Split(group, ",") {
			p, err := strconv.ParseUint(port, 10, 16)
			if err != nil {
				return fmt.Errorf("--landlock-tcp-bind: %w", err)
			}
			ruleset.NetRules = append(ruleset.NetRules, configs.LandlockNetRule{Port: uint16(p), Bind: true})
		}
	}
	for _, group := range f.landlockTCPConnect {
		for _, port := range strings.Split(group, ",") {
			p, err := strconv.ParseUint(port, 10, 16)
			if err != nil {
				return fmt.Errorf("--landlock-tcp-connect: %w", err)
			}
			ruleset.NetRules = append(ruleset.NetRules, configs.LandlockNetRule{Port: uint16(p), Connect: true})
		}
	}

	c.LandlockRuleset(ruleset)
	return nil
}

func addPaths(ruleset *configs.LandlockRuleset, groups []string, access configs.LandlockAccess) {
	for _, group := range groups {
		for _, path := range strings.Split(group, ",") {
			if path == "" {
				continue
			}
			ruleset.PathRules = append(ruleset.PathRules, configs.LandlockPathRule{Path: path, Access: access})
		}
	}
}

func applySeccomp(c *hakoniwa.Container, f *runFlags) error {
	switch f.seccomp {
	case "", "unconfined":
		return nil
	case "audit", "podman":
		return fmt.Errorf("--seccomp %s: named built-in profiles are not embedded in this build; pass a filter file path instead", f.seccomp)
	default:
		filter, err := loadSeccompFile(f.seccomp)
		if err != nil {
			return fmt.Errorf("--seccomp %s: %w", f.seccomp, err)
		}
		c.SeccompFilter(filter)
		return nil
	}
}

// loadSeccompFile reads a JSON-encoded configs.Seccomp filter from
// path. There is no bundled profile format to translate from: the CLI
// speaks the library's own wire shape directly.
func loadSeccompFile(path string) (*configs.Seccomp, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var filter configs.Seccomp
	if err := json.Unmarshal(raw, &filter); err != nil {
		return nil, fmt.Errorf("parsing seccomp filter: %w", err)
	}
	return &filter, nil
}
