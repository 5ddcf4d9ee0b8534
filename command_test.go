package hakoniwa

import (
	"os"
	"testing"
	"time"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
)

func TestCommandDefaultsToPipedStdio(t *testing.T) {
	cmd := NewContainer().Command("/bin/true")
	cfg := cmd.Config()
	for name, plan := range map[string]configs.StdioPlan{"stdin": cfg.Stdin, "stdout": cfg.Stdout, "stderr": cfg.Stderr} {
		if plan.Kind != configs.StdioPiped {
			t.Fatalf("%s defaults to %v, want StdioPiped", name, plan.Kind)
		}
	}
}

func TestCommandInheritStdioOverridesExplicitFiles(t *testing.T) {
	cmd := NewContainer().Command("/bin/true")
	cmd.SetStdout(os.Stderr)
	cmd.InheritStdio()

	if cmd.stdoutFile != nil {
		t.Fatal("InheritStdio should clear a previously set explicit file")
	}
	if cmd.Config().Stdout.Kind != configs.StdioInherit {
		t.Fatalf("Stdout.Kind = %v, want StdioInherit", cmd.Config().Stdout.Kind)
	}
}

func TestCommandDiscardOutputLeavesStdinUntouched(t *testing.T) {
	cmd := NewContainer().Command("/bin/true")
	cmd.DiscardOutput()

	cfg := cmd.Config()
	if cfg.Stdout.Kind != configs.StdioNull || cfg.Stderr.Kind != configs.StdioNull {
		t.Fatal("DiscardOutput should set stdout and stderr to StdioNull")
	}
	if cfg.Stdin.Kind != configs.StdioPiped {
		t.Fatalf("DiscardOutput should not touch stdin, got %v", cfg.Stdin.Kind)
	}
}

func TestCommandTimeoutSetsBothFields(t *testing.T) {
	cmd := NewContainer().Command("/bin/true")
	cmd.Timeout(5 * time.Second)

	if cmd.timeout != 5*time.Second {
		t.Fatalf("timeout = %v, want 5s", cmd.timeout)
	}
	if cmd.Config().TimeoutSeconds != 5.0 {
		t.Fatalf("TimeoutSeconds = %v, want 5.0", cmd.Config().TimeoutSeconds)
	}
}

func TestCommandEnvReplacesWholesale(t *testing.T) {
	cmd := NewContainer().Command("/bin/true")
	cmd.Env([]string{"A=1"})
	cmd.Env([]string{"B=2"})

	env := cmd.Config().Env
	if len(env) != 1 || env[0] != "B=2" {
		t.Fatalf("Env should replace, got %v", env)
	}
}

func TestCloneFlagsForMapsEachNamespace(t *testing.T) {
	all := configs.NamespaceUser | configs.NamespaceMount | configs.NamespacePID |
		configs.NamespaceNetwork | configs.NamespaceIPC | configs.NamespaceUTS | configs.NamespaceCgroup
	flags := cloneFlagsFor(all)
	if flags == 0 {
		t.Fatal("cloneFlagsFor(all namespaces) should be non-zero")
	}
	seen := uintptr(0)
	for _, ns := range []configs.NamespaceFlags{
		configs.NamespaceUser, configs.NamespaceMount, configs.NamespacePID,
		configs.NamespaceNetwork, configs.NamespaceIPC, configs.NamespaceUTS, configs.NamespaceCgroup,
	} {
		f := cloneFlagsFor(ns)
		if f == 0 || f&flags != f || f&seen != 0 {
			t.Fatalf("cloneFlagsFor(%#x) = %#x, want a distinct non-zero part of %#x", ns, f, flags)
		}
		seen |= f
	}

	none := cloneFlagsFor(0)
	if none != 0 {
		t.Fatalf("cloneFlagsFor(0) = %#x, want 0", none)
	}
}

func TestSpawnRejectsInvalidContainer(t *testing.T) {
	// A user namespace with no uid mapping fails Validate before any
	// pipe or process is created — this much is safe to exercise
	// without kernel namespace privileges.
	c := NewContainer().Rootdir("/nonexistent-rootfs-for-test", false)
	_, err := c.Command("/bin/true").Spawn()
	if err == nil {
		t.Fatal("expected Spawn to fail Validate for a rootdir without a uid mapping")
	}
}
