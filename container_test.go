package hakoniwa

import (
	"os"
	"testing"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
)

func TestNewContainerDefaultNamespaces(t *testing.T) {
	c := NewContainer()
	if !c.Config().Namespaces.Has(configs.NamespaceUser | configs.NamespaceMount | configs.NamespacePID) {
		t.Fatalf("new container missing expected default namespaces: %b", c.Config().Namespaces)
	}
}

func TestContainerFluentChaining(t *testing.T) {
	c := NewContainer().
		Unshare(configs.NamespaceUTS).
		Rootdir("/tmp/rootfs", false).
		BindmountRO("/lib", "/lib").
		BindmountRW("/tmp", "/tmp").
		Dir("/proc", 0o555).
		Hostname("sandboxed")

	cfg := c.Config()
	if !cfg.Namespaces.Has(configs.NamespaceUTS) {
		t.Fatal("Unshare(UTS) did not take effect")
	}
	if cfg.Hostname != "sandboxed" {
		t.Fatalf("hostname = %q, want sandboxed", cfg.Hostname)
	}
	if len(cfg.Mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d", len(cfg.Mounts))
	}
	if cfg.Mounts[0].Options&configs.MountReadonly == 0 {
		t.Fatal("BindmountRO did not set MountReadonly")
	}
	if cfg.Mounts[1].Options&configs.MountReadonly != 0 {
		t.Fatal("BindmountRW should not set MountReadonly")
	}
	if len(cfg.FSOps) != 1 || cfg.FSOps[0].Kind != configs.FSOpMakeDir {
		t.Fatalf("expected one MakeDir FSOp, got %+v", cfg.FSOps)
	}
}

func TestContainerRootfsBindmountsDirectChildren(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"bin", "lib", "usr"} {
		if err := os.Mkdir(dir+"/"+name, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	c := NewContainer()
	if _, err := c.Rootfs(dir); err != nil {
		t.Fatalf("Rootfs: %v", err)
	}

	cfg := c.Config()
	if cfg.Rootdir != dir {
		t.Fatalf("Rootdir = %q, want %q", cfg.Rootdir, dir)
	}
	if len(cfg.Mounts) != 3 {
		t.Fatalf("expected 3 bind mounts for 3 children, got %d: %+v", len(cfg.Mounts), cfg.Mounts)
	}
	for _, m := range cfg.Mounts {
		if m.Options&configs.MountReadonly == 0 {
			t.Fatalf("Rootfs mount %+v should be read-only", m)
		}
	}
}

func TestShareRemovesNamespace(t *testing.T) {
	c := NewContainer().Share(configs.NamespaceMount)
	if c.Config().Namespaces.Has(configs.NamespaceMount) {
		t.Fatal("Share(Mount) should remove the mount namespace")
	}
}

func TestFromConfigWrapsExistingContainer(t *testing.T) {
	cfg := configs.DefaultContainer()
	cfg.Hostname = "preset"
	c := FromConfig(cfg)
	if c.Config() != cfg {
		t.Fatal("FromConfig should wrap the given pointer, not copy it")
	}
}

func TestRunCtlToggles(t *testing.T) {
	c := NewContainer().
		MountFallback(true).
		GetProcPidStatus(true).
		GetProcPidSmapsRollup(true)

	cfg := c.Config()
	if !cfg.MountFallback {
		t.Fatal("MountFallback(true) did not take effect")
	}
	if !cfg.WantsProcPidMetrics() {
		t.Fatal("GetProcPidStatus/GetProcPidSmapsRollup should make WantsProcPidMetrics true")
	}
}

func TestProcmountAddsProcMountKind(t *testing.T) {
	c := NewContainer().Rootdir("/tmp/rootfs", false).Procmount("/proc")
	cfg := c.Config()
	if len(cfg.Mounts) != 1 || cfg.Mounts[0].Kind != configs.MountProc {
		t.Fatalf("expected a single MountProc entry, got %+v", cfg.Mounts)
	}
	if cfg.Mounts[0].Destination != "/proc" {
		t.Fatalf("Destination = %q, want /proc", cfg.Mounts[0].Destination)
	}
}

func TestCommandWorkdirSetsCurrentDirOnCommandNotContainer(t *testing.T) {
	c := NewContainer()
	cmd := c.Command("/bin/true").Workdir("/work")

	if cmd.Config().CurrentDir != "/work" {
		t.Fatalf("CurrentDir = %q, want /work", cmd.Config().CurrentDir)
	}
}

