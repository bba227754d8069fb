// Package nativemsg implements the browser native messaging framing: each
// message is a 4-byte little-endian length followed by that many bytes of
// UTF-8 JSON.
package nativemsg

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize caps an inbound message. The browser never sends a host
// more than 1 MiB.
const MaxMessageSize = 1 << 20

const headerLength = 4

// Request is what the extension sends when it wants the gateway running.
type Request struct {
	Cmd string `json:"cmd"`
}

// Response tells the extension where the gateway's tool listener is.
type Response struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Logs   string `json:"logs,omitempty"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Scheme string `json:"scheme"`
}

// readRaw reads one framed message and returns its payload.
func readRaw(r io.Reader) ([]byte, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read message header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("message length %d exceeds maximum %d", length, MaxMessageSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read message payload: %w", err)
	}
	return payload, nil
}

// ReadMessage reads one framed message and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	payload, err := readRaw(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// WriteMessage encodes v as JSON and writes it as one framed message.
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	frame := make([]byte, headerLength+len(payload))
	binary.LittleEndian.PutUint32(frame[:headerLength], uint32(len(payload)))
	copy(frame[headerLength:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
