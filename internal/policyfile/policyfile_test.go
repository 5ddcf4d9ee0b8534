package policyfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
)

const samplePolicy = `
namespaces = ["user", "mount", "pid", "uts"]
rootdir = "/var/lib/sandboxes/demo"
hostname = "demo"

[[mounts]]
kind = "bind"
source = "/lib"
destination = "/lib"
options = ["ro", "bind", "rec"]

[filesystem]
dirs = ["/tmp"]

[[uidmap]]
container_id = 0
host_id = 1000
size = 1

[[gidmap]]
container_id = 0
host_id = 1000
size = 1

[[limits]]
name = "RLIMIT_NOFILE"
soft = 1024
hard = 2048

[network]
mode = "pasta"
extra_args = ["--foo"]

[command]
cmdline = ["/bin/echo", "hi ${ENV:GREETING_SUFFIX}"]
cwd = "/"
`

func TestLoadDecodesAndExpandsEnv(t *testing.T) {
	t.Setenv("GREETING_SUFFIX", "there")

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o644); err != nil {
		t.Fatal(err)
	}

	policy, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := policy.Command.Cmdline[1], "hi there"; got != want {
		t.Fatalf("templated cmdline arg = %q, want %q", got, want)
	}
}

func TestToContainerBuildsExpectedShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GREETING_SUFFIX", "there")

	policy, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	container, err := policy.ToContainer()
	if err != nil {
		t.Fatalf("ToContainer: %v", err)
	}

	if !container.Namespaces.Has(configs.NamespaceUser | configs.NamespaceMount | configs.NamespacePID | configs.NamespaceUTS) {
		t.Fatalf("namespaces = %b, missing expected flags", container.Namespaces)
	}
	if container.Rootdir != "/var/lib/sandboxes/demo" {
		t.Fatalf("rootdir = %q", container.Rootdir)
	}
	if len(container.Mounts) != 1 || container.Mounts[0].Options&configs.MountReadonly == 0 {
		t.Fatalf("expected one read-only mount, got %+v", container.Mounts)
	}
	if len(container.UIDMappings) != 1 || len(container.GIDMappings) != 1 {
		t.Fatalf("expected one uid and one gid mapping, got %+v / %+v", container.UIDMappings, container.GIDMappings)
	}
	if len(container.Rlimits) != 1 || container.Rlimits[0].Type != configs.RlimitNameToType["RLIMIT_NOFILE"] {
		t.Fatalf("expected RLIMIT_NOFILE limit, got %+v", container.Rlimits)
	}
	if container.Network == nil || container.Network.Kind != configs.NetworkPasta {
		t.Fatalf("expected pasta network spec, got %+v", container.Network)
	}

	cmd, err := policy.ToCommand(container)
	if err != nil {
		t.Fatalf("ToCommand: %v", err)
	}
	if cmd.Program != "/bin/echo" || len(cmd.Args) != 1 || cmd.Args[0] != "hi there" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if cmd.CurrentDir != "/" {
		t.Fatalf("CurrentDir = %q, want \"/\" (from command.cwd)", cmd.CurrentDir)
	}
}

func TestToContainerWiresRunCtlAndProcMount(t *testing.T) {
	const body = `
namespaces = ["user", "mount", "pid"]
rootdir = "/var/lib/sandboxes/demo"

[runctl]
mount_fallback = true
get_proc_pid_status = true
get_proc_pid_smaps_rollup = true

[[mounts]]
kind = "proc"
destination = "/proc"

[command]
cmdline = ["/bin/true"]
`
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	policy, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	container, err := policy.ToContainer()
	if err != nil {
		t.Fatalf("ToContainer: %v", err)
	}

	if !container.MountFallback {
		t.Fatal("expected runctl.mount_fallback to set container.MountFallback")
	}
	if !container.WantsProcPidMetrics() {
		t.Fatal("expected runctl.get_proc_pid_status/get_proc_pid_smaps_rollup to set container.WantsProcPidMetrics")
	}
	if len(container.Mounts) != 1 || container.Mounts[0].Kind != configs.MountProc {
		t.Fatalf("expected one MountProc entry, got %+v", container.Mounts)
	}
}

func TestToCommandRejectsEmptyCmdline(t *testing.T) {
	var p Policy
	if _, err := p.ToCommand(configs.DefaultContainer()); err == nil {
		t.Fatal("expected error for empty command.cmdline")
	}
}

func TestUnknownNamespaceNameRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	body := `
namespaces = ["bogus"]
[command]
cmdline = ["/bin/true"]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	policy, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := policy.ToContainer(); err == nil {
		t.Fatal("expected error for unknown namespace name")
	}
}
