package hakoniwa

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
)

// Output is the result of Command.Output: the target's captured
// stdout/stderr alongside its final ExitStatus.
type Output struct {
	Stdout []byte
	Stderr []byte
	Status *configs.ExitStatus
}

// Output runs cmd to completion, capturing stdout and stderr into
// memory. It forces both streams to Piped regardless of how the
// Command was previously configured, the same way os/exec.Cmd.Output
// takes over Cmd.Stdout.
//
// This is the one place concurrency is load-bearing rather than
// incidental (SPEC_FULL.md §5): stdout and stderr are drained on
// separate goroutines so that a chatty target can't deadlock by
// filling one pipe's buffer while the orchestrator is blocked
// draining the other.
func (cmd *Command) Output() (*Output, error) {
	cmd.cfg.Stdout = configs.StdioPlan{Kind: configs.StdioPiped}
	cmd.cfg.Stderr = configs.StdioPlan{Kind: configs.StdioPiped}
	cmd.stdoutFile, cmd.stderrFile = nil, nil

	child, err := cmd.Spawn()
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go drainInto(&stdout, child.Stdout(), &wg)
	go drainInto(&stderr, child.Stderr(), &wg)
	wg.Wait()

	status, err := child.Wait()
	out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Status: status}
	if err != nil {
		return out, err
	}
	if status.Code != 0 {
		return out, fmt.Errorf("hakoniwa: target exited with code %d", status.Code)
	}
	return out, nil
}

// Status runs cmd to completion with its configured stdio (typically
// Inherit or Null) and returns only the final ExitStatus.
func (cmd *Command) Status() (*configs.ExitStatus, error) {
	child, err := cmd.Spawn()
	if err != nil {
		return nil, err
	}
	return child.Wait()
}

func drainInto(buf *bytes.Buffer, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	if r == nil {
		return
	}
	_, _ = io.Copy(buf, r)
	if closer, ok := r.(io.Closer); ok {
		closer.Close()
	}
}
