package exitstatus

import (
	"os/exec"
	"syscall"
	"testing"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
)

func waitedState(t *testing.T, args ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(args[0], args[1:]...)
	_ = cmd.Run()
	if cmd.ProcessState == nil {
		t.Fatalf("no ProcessState after running %v", args)
	}
	return cmd
}

func TestFromProcessStateNormalExit(t *testing.T) {
	cmd := waitedState(t, "/bin/sh", "-c", "exit 7")
	status := FromProcessState("/bin/sh", cmd.ProcessState)
	if status.Code != 7 {
		t.Fatalf("Code = %d, want 7", status.Code)
	}
	if status.Status != configs.StatusOK {
		t.Fatalf("Status = %v, want StatusOK", status.Status)
	}
	if status.TimedOut {
		t.Fatal("TimedOut should be false for a normal exit")
	}
}

func TestFromProcessStateSignaled(t *testing.T) {
	cmd := waitedState(t, "/bin/sh", "-c", "kill -KILL $$")
	status := FromProcessState("/bin/sh", cmd.ProcessState)
	want := int32(128 + int(syscall.SIGKILL))
	if status.Code != want {
		t.Fatalf("Code = %d, want %d (128+SIGKILL)", status.Code, want)
	}
	if status.Status != configs.StatusTimeLimitExceeded {
		t.Fatalf("Status = %v, want StatusTimeLimitExceeded for SIGKILL", status.Status)
	}
	if status.Reason == "" {
		t.Fatal("expected a non-empty reason for a signal death")
	}
}

func TestStatusForSignalClassification(t *testing.T) {
	cases := []struct {
		sig  syscall.Signal
		want configs.StatusKind
	}{
		{syscall.SIGKILL, configs.StatusTimeLimitExceeded},
		{syscall.SIGXCPU, configs.StatusTimeLimitExceeded},
		{syscall.SIGXFSZ, configs.StatusOutputLimitExceeded},
		{syscall.SIGSYS, configs.StatusRestrictedFunction},
		{syscall.SIGTERM, configs.StatusSignaled},
	}
	for _, c := range cases {
		if got := statusForSignal(c.sig); got != c.want {
			t.Errorf("statusForSignal(%v) = %v, want %v", c.sig, got, c.want)
		}
	}
}

func TestDecodeWaitStatusSignaledReason(t *testing.T) {
	cmd := waitedState(t, "/bin/sh", "-c", "kill -SYS $$")
	status := FromProcessState("/bin/prog", cmd.ProcessState)
	want := "process(/bin/prog) received signal 31"
	if status.Reason != want {
		t.Fatalf("Reason = %q, want %q", status.Reason, want)
	}
	if status.Status != configs.StatusRestrictedFunction {
		t.Fatalf("Status = %v, want StatusRestrictedFunction", status.Status)
	}
}

func TestSetupFailureCarriesReason(t *testing.T) {
	status := SetupFailure("mounting /proc: permission denied")
	if status.Code != SetupFailureCode {
		t.Fatalf("Code = %d, want %d", status.Code, SetupFailureCode)
	}
	if status.Reason == "" {
		t.Fatal("expected a non-empty reason")
	}
	if status.Status != configs.StatusSandboxSetupError {
		t.Fatalf("Status = %v, want StatusSandboxSetupError", status.Status)
	}
}

func TestTimeoutMarksExistingStatus(t *testing.T) {
	base := &configs.ExitStatus{Code: int32(128 + int(syscall.SIGKILL))}
	out := Timeout(base)
	if !out.TimedOut {
		t.Fatal("Timeout should set TimedOut")
	}
}
