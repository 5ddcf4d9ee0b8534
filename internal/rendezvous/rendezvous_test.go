package rendezvous

import (
	"errors"
	"os"
	"testing"
)

func TestRendezvousRoundTripSuccess(t *testing.T) {
	reqRead, reqWrite, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	ackRead, ackWrite, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	var gotBits byte
	serveErrC := make(chan error, 1)
	go func() {
		serveErrC <- ServeFromParent(reqRead, ackWrite, func(bits byte) error {
			gotBits = bits
			return nil
		})
	}()

	if err := RequestFromChild(reqWrite, ackRead, BitMultiRangeIDMap); err != nil {
		t.Fatalf("RequestFromChild: %v", err)
	}
	if err := <-serveErrC; err != nil {
		t.Fatalf("ServeFromParent: %v", err)
	}
	if gotBits != BitMultiRangeIDMap {
		t.Fatalf("handler saw bits %#x, want %#x", gotBits, BitMultiRangeIDMap)
	}
}

func TestRendezvousZeroBitsSkipsHandshake(t *testing.T) {
	reqRead, reqWrite, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	_, ackWrite, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	called := false
	serveErrC := make(chan error, 1)
	go func() {
		serveErrC <- ServeFromParent(reqRead, ackWrite, func(bits byte) error {
			called = true
			return nil
		})
	}()

	ackRead, _, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := RequestFromChild(reqWrite, ackRead, 0); err != nil {
		t.Fatalf("RequestFromChild(0): %v", err)
	}
	if err := <-serveErrC; err != nil {
		t.Fatalf("ServeFromParent: %v", err)
	}
	if called {
		t.Fatal("handler should not be called when bits == 0")
	}
}

func TestRendezvousHandlerFailurePropagatesAck(t *testing.T) {
	reqRead, reqWrite, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	ackRead, ackWrite, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	serveErrC := make(chan error, 1)
	go func() {
		serveErrC <- ServeFromParent(reqRead, ackWrite, func(bits byte) error {
			return errors.New("setup failed")
		})
	}()

	err = RequestFromChild(reqWrite, ackRead, BitMultiRangeIDMap)
	if err == nil {
		t.Fatal("expected RequestFromChild to report the handler's failure via a non-zero ack")
	}
	if serveErr := <-serveErrC; serveErr == nil {
		t.Fatal("ServeFromParent should return the handler's error")
	}
}
