package configs

import "testing"

func TestDefaultContainerNamespaces(t *testing.T) {
	c := DefaultContainer()
	if !c.Namespaces.Has(NamespaceUser | NamespaceMount | NamespacePID) {
		t.Fatalf("default container missing expected namespaces: %b", c.Namespaces)
	}
	if c.Namespaces.Has(NamespaceNetwork) {
		t.Fatalf("default container should not unshare network")
	}
}

func TestValidateRejectsMountsWithoutRootdir(t *testing.T) {
	c := DefaultContainer()
	c.Mounts = append(c.Mounts, &Mount{Destination: "/tmp"})
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for mounts without rootdir")
	}
}

func TestValidateRejectsDuplicateMountDestinations(t *testing.T) {
	c := DefaultContainer()
	c.Rootdir = "/tmp/rootfs"
	c.Mounts = append(c.Mounts,
		&Mount{Destination: "/lib", Source: "/lib"},
		&Mount{Destination: "/lib", Source: "/usr/lib"},
	)
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for duplicate mount destination")
	}
}

func TestValidateRejectsUserNamespaceWithoutUIDMapping(t *testing.T) {
	c := DefaultContainer()
	c.Rootdir = "/tmp/rootfs"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for user namespace without uid mapping")
	}
	c.UIDMappings = []IDMap{{ContainerID: 0, HostID: 1000, Size: 1}}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error after adding uid mapping: %v", err)
	}
}

func TestValidateRejectsProcMountWithoutPIDNamespace(t *testing.T) {
	c := DefaultContainer()
	c.Namespaces &^= NamespacePID
	c.Rootdir = "/tmp/rootfs"
	c.Mounts = append(c.Mounts, &Mount{Kind: MountProc, Destination: "/proc"})

	err := c.Validate()
	if err == nil {
		t.Fatal("expected error for proc mount without PID namespace")
	}
	pe, ok := err.(*ProcessError)
	if !ok || pe.Kind != ProcessErrorMountProcfsEPERM {
		t.Fatalf("got %#v, want *ProcessError{Kind: ProcessErrorMountProcfsEPERM}", err)
	}
}

func TestValidateAcceptsProcMountWithPIDNamespace(t *testing.T) {
	c := DefaultContainer()
	c.Rootdir = "/tmp/rootfs"
	c.UIDMappings = []IDMap{{ContainerID: 0, HostID: 1000, Size: 1}}
	c.Mounts = append(c.Mounts, &Mount{Kind: MountProc, Destination: "/proc"})

	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error for proc mount with PID namespace unshared: %v", err)
	}
}

func TestValidateRejectsRelativeMountDestination(t *testing.T) {
	c := DefaultContainer()
	c.Rootdir = "/tmp/rootfs"
	c.Mounts = append(c.Mounts, &Mount{Destination: "lib", Source: "/lib"})

	err := c.Validate()
	pe, ok := err.(*ProcessError)
	if !ok || pe.Kind != ProcessErrorMountTargetPathMustBeAbsolute {
		t.Fatalf("got %#v, want *ProcessError{Kind: ProcessErrorMountTargetPathMustBeAbsolute}", err)
	}
	if pe.Path != "lib" {
		t.Fatalf("Path = %q, want %q", pe.Path, "lib")
	}
}

func TestValidateRejectsRelativeBindMountSource(t *testing.T) {
	c := DefaultContainer()
	c.Rootdir = "/tmp/rootfs"
	c.Mounts = append(c.Mounts, &Mount{Kind: MountBindFrom, Destination: "/lib", Source: "lib"})

	err := c.Validate()
	pe, ok := err.(*ProcessError)
	if !ok || pe.Kind != ProcessErrorMountSourcePathMustBeAbsolute {
		t.Fatalf("got %#v, want *ProcessError{Kind: ProcessErrorMountSourcePathMustBeAbsolute}", err)
	}
}

func TestValidateRejectsRelativeLandlockPath(t *testing.T) {
	c := DefaultContainer()
	c.Rootdir = "/tmp/rootfs"
	c.UIDMappings = []IDMap{{ContainerID: 0, HostID: 1000, Size: 1}}
	c.Landlock = &LandlockRuleset{
		RestrictFS: true,
		PathRules:  []LandlockPathRule{{Path: "etc", Access: LandlockAccessReadFile}},
	}

	err := c.Validate()
	le, ok := err.(*LandlockError)
	if !ok || le.Kind != LandlockErrorPathMustBeAbsolute {
		t.Fatalf("got %#v, want *LandlockError{Kind: LandlockErrorPathMustBeAbsolute}", err)
	}
}

func TestWantsProcPidMetrics(t *testing.T) {
	c := DefaultContainer()
	if c.WantsProcPidMetrics() {
		t.Fatal("fresh container should not want proc/pid metrics")
	}
	c.GetProcPidStatus = true
	if !c.WantsProcPidMetrics() {
		t.Fatal("GetProcPidStatus should be enough to want proc/pid metrics")
	}
	c.GetProcPidStatus = false
	c.GetProcPidSmapsRollup = true
	if !c.WantsProcPidMetrics() {
		t.Fatal("GetProcPidSmapsRollup should be enough to want proc/pid metrics")
	}
}
