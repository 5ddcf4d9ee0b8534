package hakoniwa

import (
	"errors"
	"fmt"
	"os"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/exitstatus"
	"github.com/hakoniwa-dev/hakoniwa-go/internal/wire"
)

// Child is a running (or finished) sandboxed process. It is returned
// by Command.Spawn; callers drain Stdin/Stdout/Stderr (when Piped)
// and call Wait to collect the final configs.ExitStatus.
type Child struct {
	process *os.Process

	statusRead *os.File
	stdin      *os.File // orchestrator's write end, nil unless Stdin was Piped
	stdout     *os.File // orchestrator's read end, nil unless Stdout was Piped
	stderr     *os.File // orchestrator's read end, nil unless Stderr was Piped

	errC chan error

	waited bool
	status *configs.ExitStatus
	waitErr error
}

// Pid returns the intermediate process's pid. This is not the
// sandboxed target's pid: the target is a second re-exec the
// intermediate itself waits on, invisible to the orchestrator except
// through the final ExitStatus.
func (c *Child) Pid() int {
	return c.process.Pid
}

// Stdin returns the write end of the target's stdin pipe, or nil if
// Stdin was not Piped. Callers must close it to signal EOF.
func (c *Child) Stdin() *os.File { return c.stdin }

// Stdout returns the read end of the target's stdout pipe, or nil if
// Stdout was not Piped.
func (c *Child) Stdout() *os.File { return c.stdout }

// Stderr returns the read end of the target's stderr pipe, or nil if
// Stderr was not Piped.
func (c *Child) Stderr() *os.File { return c.stderr }

// Kill sends SIGKILL to the intermediate process. Because the target
// sets PR_SET_PDEATHSIG on itself as its first setup step
// (SPEC_FULL.md §4.6 step 1), killing the intermediate reliably tears
// down the target too.
func (c *Child) Kill() error {
	return c.process.Kill()
}

// Wait blocks until the sandboxed target has exited, the intermediate
// process has reported its final configs.ExitStatus over the status
// pipe, and closes the status pipe. It is safe to call more than
// once; the result is cached after the first call.
//
// If the status pipe closes without a message (the intermediate died
// or was killed before it could report), Wait synthesizes a setup
// failure ExitStatus rather than returning an error, mirroring how
// go.podman.io/storage/pkg/unshare.ExecRunnable treats an
// unexpectedly-closed continue pipe as a definite (if uninformative)
// outcome rather than a wait error.
func (c *Child) Wait() (*configs.ExitStatus, error) {
	if c.waited {
		return c.status, c.waitErr
	}
	c.waited = true

	var status configs.ExitStatus
	err := wire.ReadMessage(c.statusRead, &status)
	c.statusRead.Close()

	if errors.Is(err, wire.ErrNoMessage) {
		c.status = exitstatus.SetupFailure("intermediate process exited without reporting a status")
	} else if err != nil {
		c.waitErr = fmt.Errorf("hakoniwa: reading final status: %w", err)
		return nil, c.waitErr
	} else {
		c.status = &status
	}

	// *os.Process.Wait would race the intermediate's own internal
	// wait4 on the target; the status pipe closing is already our
	// reliable completion signal, so just reap the zombie.
	_, _ = c.process.Wait()

	select {
	case err := <-c.errC:
		if err != nil && c.waitErr == nil {
			c.waitErr = err
		}
	default:
	}

	return c.status, c.waitErr
}
