// Package policyfile loads the TOML policy documents the CLI accepts
// via --config, mirroring spec.md §6's top-level tables: namespaces,
// rootdir, mounts, filesystem, envs, network, landlock, uidmap,
// gidmap, hostname, limits, seccomp, command.
//
// Grounded on github.com/BurntSushi/toml, present in the teacher
// pack's go.mod (jesseduffield-lazydocker) for its own config loading;
// the struct-tag-driven decode style follows that package's
// conventions throughout the ecosystem.
package policyfile

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
)

// Policy is the decoded shape of a policy TOML document.
type Policy struct {
	Namespaces []string `toml:"namespaces"`
	Rootdir    string   `toml:"rootdir"`
	RootdirRW  bool      `toml:"rootdir_rw"`

	RunCtl struct {
		MountFallback         bool `toml:"mount_fallback"`
		GetProcPidStatus      bool `toml:"get_proc_pid_status"`
		GetProcPidSmapsRollup bool `toml:"get_proc_pid_smaps_rollup"`
	} `toml:"runctl"`

	Mounts []MountEntry `toml:"mounts"`

	Filesystem struct {
		Dirs     []string        `toml:"dirs"`
		Symlinks []SymlinkEntry  `toml:"symlinks"`
		Files    []FileEntry     `toml:"files"`
	} `toml:"filesystem"`

	Envs []string `toml:"envs"`

	Network struct {
		Mode      string   `toml:"mode"`
		ExtraArgs []string `toml:"extra_args"`
	} `toml:"network"`

	Landlock struct {
		Mode       string         `toml:"mode"`
		RestrictFS bool           `toml:"restrict_fs"`
		RestrictNet bool          `toml:"restrict_net"`
		Paths      []LandlockPath `toml:"paths"`
		Net        []LandlockNet  `toml:"net"`
	} `toml:"landlock"`

	Uidmap []IDMapEntry `toml:"uidmap"`
	Gidmap []IDMapEntry `toml:"gidmap"`

	Hostname string `toml:"hostname"`

	Limits []LimitEntry `toml:"limits"`

	Seccomp struct {
		Path string `toml:"path"`
	} `toml:"seccomp"`

	Command struct {
		Cmdline []string `toml:"cmdline"`
		Cwd     string   `toml:"cwd"`
	} `toml:"command"`
}

// MountEntry is one [[mounts]] table.
type MountEntry struct {
	Kind        string   `toml:"kind"` // "bind", "devfs", "tmpfs", "proc"
	Source      string   `toml:"source"`
	Destination string   `toml:"destination"`
	Options     []string `toml:"options"`
}

// SymlinkEntry is one filesystem.symlinks entry.
type SymlinkEntry struct {
	Path   string `toml:"path"`
	Target string `toml:"target"`
}

// FileEntry is one filesystem.files entry.
type FileEntry struct {
	Path    string `toml:"path"`
	Content string `toml:"content"`
	Mode    uint32 `toml:"mode"`
}

// LandlockPath is one landlock.paths entry.
type LandlockPath struct {
	Path   string `toml:"path"`
	Access []string `toml:"access"`
}

// LandlockNet is one landlock.net entry.
type LandlockNet struct {
	Port    uint16 `toml:"port"`
	Bind    bool   `toml:"bind"`
	Connect bool   `toml:"connect"`
}

// IDMapEntry is one uidmap/gidmap entry.
type IDMapEntry struct {
	ContainerID int64 `toml:"container_id"`
	HostID      int64 `toml:"host_id"`
	Size        int64 `toml:"size"`
}

// LimitEntry is one limits entry.
type LimitEntry struct {
	Name string `toml:"name"`
	Soft uint64 `toml:"soft"`
	Hard uint64 `toml:"hard"`
}

var envLookup = regexp.MustCompile(`\$\{ENV:([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and decodes the policy file at path, applying
// ${ENV:NAME} host-environment-lookup templating to the raw text
// before TOML decoding. This is the minimal templating the policy
// format documents; a general template engine is out of scope (see
// SPEC_FULL.md §6).
func Load(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policyfile: reading %s: %w", path, err)
	}
	expanded := envLookup.ReplaceAllStringFunc(string(raw), func(m string) string {
		name := envLookup.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})

	var p Policy
	if _, err := toml.Decode(expanded, &p); err != nil {
		return nil, fmt.Errorf("policyfile: decoding %s: %w", path, err)
	}
	return &p, nil
}

// ToContainer converts a decoded Policy into a configs.Container.
func (p *Policy) ToContainer() (*configs.Container, error) {
	c := configs.DefaultContainer()
	c.Namespaces = 0
	for _, name := range p.Namespaces {
		flag, err := namespaceFlag(name)
		if err != nil {
			return nil, err
		}
		c.Namespaces |= flag
	}

	c.Rootdir = p.Rootdir
	c.RootdirRW = p.RootdirRW
	c.Hostname = p.Hostname
	c.MountFallback = p.RunCtl.MountFallback
	c.GetProcPidStatus = p.RunCtl.GetProcPidStatus
	c.GetProcPidSmapsRollup = p.RunCtl.GetProcPidSmapsRollup

	for _, m := range p.Mounts {
		kind, err := mountKind(m.Kind)
		if err != nil {
			return nil, err
		}
		opts, err := mountFlags(m.Options)
		if err != nil {
			return nil, err
		}
		c.Mounts = append(c.Mounts, &configs.Mount{
			Kind: kind, Source: m.Source, Destination: m.Destination, Options: opts,
		})
	}

	for _, d := range p.Filesystem.Dirs {
		c.FSOps = append(c.FSOps, &configs.FSOp{Kind: configs.FSOpMakeDir, Path: d, Mode: 0o755})
	}
	for _, s := range p.Filesystem.Symlinks {
		c.FSOps = append(c.FSOps, &configs.FSOp{Kind: configs.FSOpMakeSymlink, Path: s.Path, Target: s.Target})
	}
	for _, f := range p.Filesystem.Files {
		c.FSOps = append(c.FSOps, &configs.FSOp{Kind: configs.FSOpWriteFile, Path: f.Path, Content: []byte(f.Content), Mode: f.Mode})
	}

	for _, m := range p.Uidmap {
		c.UIDMappings = append(c.UIDMappings, configs.IDMap{ContainerID: m.ContainerID, HostID: m.HostID, Size: m.Size})
	}
	for _, m := range p.Gidmap {
		c.GIDMappings = append(c.GIDMappings, configs.IDMap{ContainerID: m.ContainerID, HostID: m.HostID, Size: m.Size})
	}

	for _, l := range p.Limits {
		rtype, ok := configs.RlimitNameToType[l.Name]
		if !ok {
			return nil, fmt.Errorf("policyfile: unknown limit %q", l.Name)
		}
		c.Rlimits = append(c.Rlimits, configs.Rlimit{Type: rtype, Soft: l.Soft, Hard: l.Hard})
	}

	if p.Network.Mode == "pasta" {
		c.Network = &configs.NetworkSpec{Kind: configs.NetworkPasta, PastaExtraArgs: p.Network.ExtraArgs}
	}

	if p.Landlock.RestrictFS || p.Landlock.RestrictNet {
		ruleset, err := p.toLandlockRuleset()
		if err != nil {
			return nil, err
		}
		c.Landlock = ruleset
	}

	return c, nil
}

func (p *Policy) toLandlockRuleset() (*configs.LandlockRuleset, error) {
	mode := configs.LandlockBestEffort
	if p.Landlock.Mode == "hard" {
		mode = configs.LandlockHardRequirement
	}
	ruleset := &configs.LandlockRuleset{Mode: mode, RestrictFS: p.Landlock.RestrictFS, RestrictNet: p.Landlock.RestrictNet}
	for _, path := range p.Landlock.Paths {
		access, err := landlockAccess(path.Access)
		if err != nil {
			return nil, err
		}
		ruleset.PathRules = append(ruleset.PathRules, configs.LandlockPathRule{Path: path.Path, Access: access})
	}
	for _, net := range p.Landlock.Net {
		ruleset.NetRules = append(ruleset.NetRules, configs.LandlockNetRule{Port: net.Port, Bind: net.Bind, Connect: net.Connect})
	}
	return ruleset, nil
}

// ToCommand converts the policy's [command] table plus envs into a
// configs.Command wrapping the given container.
func (p *Policy) ToCommand(container *configs.Container) (*configs.Command, error) {
	if len(p.Command.Cmdline) == 0 {
		return nil, fmt.Errorf("policyfile: command.cmdline must name at least a program")
	}
	piped := configs.StdioPlan{Kind: configs.StdioInherit}
	return &configs.Command{
		Container:  container,
		Program:    p.Command.Cmdline[0],
		Args:       p.Command.Cmdline[1:],
		Env:        p.Envs,
		CurrentDir: p.Command.Cwd,
		Stdin:      piped,
		Stdout:     piped,
		Stderr:     piped,
	}, nil
}

func namespaceFlag(name string) (configs.NamespaceFlags, error) {
	switch name {
	case "user":
		return configs.NamespaceUser, nil
	case "mount":
		return configs.NamespaceMount, nil
	case "pid":
		return configs.NamespacePID, nil
	case "network":
		return configs.NamespaceNetwork, nil
	case "ipc":
		return configs.NamespaceIPC, nil
	case "uts":
		return configs.NamespaceUTS, nil
	case "cgroup":
		return configs.NamespaceCgroup, nil
	default:
		return 0, fmt.Errorf("policyfile: unknown namespace %q", name)
	}
}

func mountKind(name string) (configs.MountKind, error) {
	switch name {
	case "bind", "":
		return configs.MountBindFrom, nil
	case "devfs":
		return configs.MountDevfs, nil
	case "tmpfs":
		return configs.MountTmpfs, nil
	case "proc":
		return configs.MountProc, nil
	default:
		return 0, fmt.Errorf("policyfile: unknown mount kind %q", name)
	}
}

func mountFlags(names []string) (configs.MountFlags, error) {
	var flags configs.MountFlags
	for _, name := range names {
		switch name {
		case "ro":
			flags |= configs.MountReadonly
		case "nosuid":
			flags |= configs.MountNoSUID
		case "nodev":
			flags |= configs.MountNoDev
		case "noexec":
			flags |= configs.MountNoExec
		case "bind":
			flags |= configs.MountBind
		case "rec":
			flags |= configs.MountRec
		default:
			return 0, fmt.Errorf("policyfile: unknown mount option %q", name)
		}
	}
	return flags, nil
}

func landlockAccess(names []string) (configs.LandlockAccess, error) {
	var access configs.LandlockAccess
	for _, name := range names {
		switch name {
		case "execute":
			access |= configs.LandlockAccessExecute
		case "write_file":
			access |= configs.LandlockAccessWriteFile
		case "read_file":
			access |= configs.LandlockAccessReadFile
		case "read_dir":
			access |= configs.LandlockAccessReadDir
		case "remove_dir":
			access |= configs.LandlockAccessRemoveDir
		case "remove_file":
			access |= configs.LandlockAccessRemoveFile
		case "make_char":
			access |= configs.LandlockAccessMakeChar
		case "make_dir":
			access |= configs.LandlockAccessMakeDir
		case "make_reg":
			access |= configs.LandlockAccessMakeReg
		case "make_sock":
			access |= configs.LandlockAccessMakeSock
		case "make_fifo":
			access |= configs.LandlockAccessMakeFifo
		case "make_block":
			access |= configs.LandlockAccessMakeBlock
		case "make_sym":
			access |= configs.LandlockAccessMakeSym
		default:
			return 0, fmt.Errorf("policyfile: unknown landlock access %q", name)
		}
	}
	return access, nil
}
