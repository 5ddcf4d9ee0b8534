package hakoniwa

import (
	"errors"
	"testing"
)

func TestProcessErrorUnwraps(t *testing.T) {
	cause := errors.New("mount failed")
	err := &ProcessError{Kind: ProcessErrorSpawn, Err: cause}

	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should see through ProcessError to its cause")
	}
	if err.Error() == "" {
		t.Fatal("Error() should not be empty")
	}
}

func TestLandlockErrorKindString(t *testing.T) {
	if LandlockErrorUnsupported.String() != "unsupported" {
		t.Fatalf("String() = %q, want \"unsupported\"", LandlockErrorUnsupported.String())
	}
	if LandlockErrorRestrict.String() != "restrict" {
		t.Fatalf("String() = %q, want \"restrict\"", LandlockErrorRestrict.String())
	}
}

func TestMountAbsolutePathConstructorsCarryPath(t *testing.T) {
	src := MountSourcePathMustBeAbsolute("lib")
	if src.Kind != ProcessErrorMountSourcePathMustBeAbsolute || src.Path != "lib" {
		t.Fatalf("got %#v", src)
	}
	dst := MountTargetPathMustBeAbsolute("lib")
	if dst.Kind != ProcessErrorMountTargetPathMustBeAbsolute || dst.Path != "lib" {
		t.Fatalf("got %#v", dst)
	}
	proc := MountProcfsEPERM()
	if proc.Kind != ProcessErrorMountProcfsEPERM {
		t.Fatalf("got %#v", proc)
	}
	ll := LandlockPathMustBeAbsolute("etc")
	if ll.Kind != LandlockErrorPathMustBeAbsolute || ll.Path != "etc" {
		t.Fatalf("got %#v", ll)
	}
}

func TestSetupFailureConstructorsWrapTheirCause(t *testing.T) {
	cause := errors.New("newuidmap: permission denied")
	err := SetupUGidmapFailed(cause.Error())
	if err.Kind != ProcessErrorSetupUGidmapFailed {
		t.Fatalf("got %#v", err)
	}

	netErr := SetupNetworkFailed(cause)
	if !errors.Is(netErr, cause) {
		t.Fatal("SetupNetworkFailed should wrap its cause so errors.Is sees it")
	}
}
