package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"docmesh/protocol"
)

// Wire framing: a 4-byte big-endian length prefix followed by exactly that many
// bytes of canonical CBOR message encoding. One message per frame.
const maxFrameSize = 16 << 20

func writeFrame(w io.Writer, raw []byte) error {
	if len(raw) > maxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds limit of %d", len(raw), maxFrameSize)
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(raw)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 || length > maxFrameSize {
		return nil, fmt.Errorf("transport: invalid frame length %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeMessage(w io.Writer, m *protocol.Message) error {
	raw, err := m.Encode()
	if err != nil {
		return err
	}
	return writeFrame(w, raw)
}

func readMessage(r io.Reader) (*protocol.Message, error) {
	raw, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(raw)
}
