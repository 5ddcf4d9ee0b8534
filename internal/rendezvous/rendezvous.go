// Package rendezvous implements the single-byte bitmask/ack handshake
// the intermediate process uses to ask the orchestrator to perform
// privileged setup it cannot do itself from inside the new user
// namespace: writing multi-range uid/gid maps via newuidmap/newgidmap,
// and starting the pasta network helper.
//
// There is no teacher precedent for this exact protocol (runc instead
// synchronizes over a fifo plus file descriptors); it is new code
// following the general pipe read/write helper style of
// go.podman.io/storage/pkg/unshare's pid/continue-pipe pair, narrowed
// to a fixed one-byte exchange.
package rendezvous

import (
	"fmt"
	"io"
	"os"
)

// Bit flags carried in the bitmask byte. Zero means "nothing needed",
// and the exchange is skipped entirely in that case.
//
// Network setup (the pasta helper) is not part of this handshake: it
// needs a pid to point --netns at, and the orchestrator already knows
// the intermediate's pid directly once exec.Cmd.Start returns, so it
// runs concurrently with the rest of the launch instead of waiting on
// a request from the child.
const (
	BitMultiRangeIDMap byte = 1 << 1
)

// Pipes bundles the two unidirectional os.Pipe pairs the rendezvous
// needs: the child writes requests on Req and reads acks from Ack.
type Pipes struct {
	ReqRead, ReqWrite *os.File
	AckRead, AckWrite *os.File
}

// RequestFromChild is called in the intermediate process. If bits is
// zero it closes its end of the request pipe and returns immediately
// without blocking on an ack: nothing was asked for, so nothing is
// acknowledged. Otherwise it writes the bitmask byte and blocks for a
// single ack byte, returning an error if the ack signals failure
// (non-zero).
func RequestFromChild(reqWrite, ackRead *os.File, bits byte) error {
	defer reqWrite.Close()
	if bits == 0 {
		return nil
	}
	if _, err := reqWrite.Write([]byte{bits}); err != nil {
		return fmt.Errorf("rendezvous: writing request: %w", err)
	}
	ack := make([]byte, 1)
	if _, err := io.ReadFull(ackRead, ack); err != nil {
		return fmt.Errorf("rendezvous: reading ack: %w", err)
	}
	if ack[0] != 0 {
		return fmt.Errorf("rendezvous: orchestrator reported setup failure (code %d)", ack[0])
	}
	return nil
}

// ServeFromParent is called in the orchestrator. It reads the request
// byte; an immediate EOF means the child requested nothing and
// ServeFromParent returns without calling handler. Otherwise it calls
// handler with the bitmask and writes a single ack byte: 0 on success,
// 1 if handler returned an error.
func ServeFromParent(reqRead, ackWrite *os.File, handler func(bits byte) error) error {
	defer ackWrite.Close()
	buf := make([]byte, 1)
	n, err := reqRead.Read(buf)
	if err == io.EOF || n == 0 {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rendezvous: reading request: %w", err)
	}

	handlerErr := handler(buf[0])
	ack := byte(0)
	if handlerErr != nil {
		ack = 1
	}
	if _, err := ackWrite.Write([]byte{ack}); err != nil {
		return fmt.Errorf("rendezvous: writing ack: %w", err)
	}
	return handlerErr
}
