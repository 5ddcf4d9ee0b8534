// Package wire implements the framing used on the status pipe and the
// config pipe: a single FIN marker byte followed by a 4-byte
// little-endian length prefix and a JSON payload.
//
// The corpus has no binary wire codec to ground this on (this is a
// private Go-to-Go process-boundary protocol, not an interop format),
// so it uses encoding/json, the serialization library every teacher
// struct in this project is already tagged for, rather than a
// hand-rolled binary layout.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// FIN is written as the first byte of a status-pipe message; its
// absence (the pipe closing with zero bytes written) signals that the
// intermediate process died before it could report a status at all.
const FIN byte = 0x00

// WriteMessage writes FIN, the 4-byte length of the JSON encoding of
// v, and the encoding itself.
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshaling message: %w", err)
	}
	header := make([]byte, 5)
	header[0] = FIN
	binary.LittleEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: writing header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: writing payload: %w", err)
	}
	return nil
}

// ErrNoMessage is returned by ReadMessage when the reader reached EOF
// before a complete 5-byte header was read (including when no bytes
// at all were written): the writer died without reporting.
var ErrNoMessage = fmt.Errorf("wire: no message written before EOF")

// ReadMessage reads a FIN byte, a 4-byte length, and a JSON payload of
// that length, decoding it into v.
func ReadMessage(r io.Reader, v any) error {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrNoMessage
		}
		return fmt.Errorf("wire: reading header: %w", err)
	}
	if header[0] != FIN {
		return fmt.Errorf("wire: unexpected leading byte 0x%02x", header[0])
	}
	length := binary.LittleEndian.Uint32(header[1:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("wire: reading payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: unmarshaling message: %w", err)
	}
	return nil
}
