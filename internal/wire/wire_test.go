package wire

import (
	"bytes"
	"testing"
)

type payload struct {
	Code   int
	Reason string
}

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := payload{Code: 125, Reason: "mount failed"}

	if err := WriteMessage(&buf, want); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var got payload
	if err := ReadMessage(&buf, &got); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReadMessageEmptyReaderReturnsErrNoMessage(t *testing.T) {
	var buf bytes.Buffer
	var got payload
	if err := ReadMessage(&buf, &got); err != ErrNoMessage {
		t.Fatalf("err = %v, want ErrNoMessage", err)
	}
}

func TestReadMessageRejectsBadLeadingByte(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 0, 0, 0, 0})
	var got payload
	if err := ReadMessage(buf, &got); err == nil {
		t.Fatal("expected error for non-FIN leading byte")
	}
}

func TestReadMessageTruncatedPayloadErrors(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, payload{Code: 1}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	truncated := bytes.NewBuffer(buf.Bytes()[:buf.Len()-1])

	var got payload
	if err := ReadMessage(truncated, &got); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
