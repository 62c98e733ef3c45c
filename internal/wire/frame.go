package wire

import (
	"errors"
	"fmt"
	"io"
)

// headerLen is the size of the frame header: the payload length as a
// zero-padded ASCII decimal.
const headerLen = 10

// DefaultMaxFrame bounds a single payload unless the configuration says
// otherwise.
const DefaultMaxFrame = 1 << 20

// ErrFrameTooLarge reports a frame whose declared payload exceeds the limit.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// DecodeError marks a frame or payload that could not be parsed. The
// connection is dropped; a peer that framed one message wrong cannot be
// trusted to resynchronize.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: %s: %v", e.Reason, e.Err)
	}
	return "wire: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ReadFrame reads one frame from r.
// Wire format: [10 bytes ASCII: zero-padded payload length][payload].
// Returns the payload bytes.
func ReadFrame(r io.Reader, maxFrame int) ([]byte, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	payloadLen := 0
	for _, c := range header {
		if c < '0' || c > '9' {
			return nil, &DecodeError{Reason: fmt.Sprintf("frame header %q is not a decimal length", header)}
		}
		payloadLen = payloadLen*10 + int(c-'0')
	}
	if payloadLen == 0 {
		return nil, &DecodeError{Reason: "empty frame"}
	}
	if payloadLen > maxFrame {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, payloadLen, maxFrame)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload (%d bytes): %w", payloadLen, err)
	}
	return payload, nil
}

// WriteFrame writes one frame to w.
// Wire format: [10 bytes ASCII: zero-padded len(data)][data].
func WriteFrame(w io.Writer, data []byte, maxFrame int) error {
	if len(data) > maxFrame {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, len(data), maxFrame)
	}

	var header [headerLen]byte
	n := len(data)
	for i := headerLen - 1; i >= 0; i-- {
		header[i] = byte('0' + n%10)
		n /= 10
	}

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}
