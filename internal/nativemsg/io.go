// Package nativemsg implements the extension native-messaging framing used
// on the relay <-> mediator socket: a 4-byte little-endian length followed
// by that many bytes of JSON.
package nativemsg

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize caps one frame (1 MiB, as browsers do for native hosts).
const MaxMessageSize = 1 << 20

var (
	ErrEmptyMessage = errors.New("nativemsg: empty message")
	ErrTooLarge     = errors.New("nativemsg: message too large")
)

// Read reads one frame and returns its raw JSON payload.
func Read(r io.Reader) (json.RawMessage, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, ErrEmptyMessage
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, length, MaxMessageSize)
	}
	msg := make([]byte, length)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return json.RawMessage(msg), nil
}

// Decode reads one frame into v.
func Decode(r io.Reader, v any) error {
	raw, err := Read(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Encode marshals msg into one complete frame. A payload over
// MaxMessageSize yields ErrTooLarge and nothing is written anywhere, so a
// caller can refuse one message without giving up on the stream.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), MaxMessageSize)
	}
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	return buf, nil
}

// Write encodes msg and writes it as one frame. The prefix and the payload
// go out in a single Write so concurrent writers serialized by the caller
// never interleave partial frames.
func Write(w io.Writer, msg any) error {
	buf, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
