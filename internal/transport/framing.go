package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// readLengthPrefixed reads one 4-byte big-endian length-prefixed frame.
func readLengthPrefixed(r io.Reader, max uint32) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 || length > max {
		return nil, fmt.Errorf("bad frame length %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// writeLengthPrefixed writes one 4-byte big-endian length-prefixed frame.
func writeLengthPrefixed(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
