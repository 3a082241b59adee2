package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507

	DefaultMaxFrameSize = 10 * 1024 * 1024

	lengthPrefixSize = 4
)

var (
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
	ErrDatagramTooLarge = errors.New("envelope exceeds maximum datagram size")
	ErrBadPreamble      = errors.New("bad stream preamble")
)

var preambleMagic = []byte("NSYN")

// WritePreamble writes the magic bytes and schema version that open every
// stream.
func WritePreamble(w io.Writer) error {
	buf := make([]byte, 0, len(preambleMagic)+2)
	buf = append(buf, preambleMagic...)
	buf = binary.BigEndian.AppendUint16(buf, SchemaVersion)
	_, err := w.Write(buf)
	return err
}

func ReadPreamble(r io.Reader) error {
	buf := make([]byte, len(preambleMagic)+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if !bytes.Equal(buf[:len(preambleMagic)], preambleMagic) {
		return ErrBadPreamble
	}
	if v := binary.BigEndian.Uint16(buf[len(preambleMagic):]); v != SchemaVersion {
		return fmt.Errorf("%w: peer speaks %d", ErrUnsupportedVersion, v)
	}
	return nil
}

// WriteFrame writes data behind a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, data []byte, maxSize int) error {
	if len(data) > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), maxSize)
	}

	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed frame. An oversized frame is skipped
// and reported as ErrFrameTooLarge so the stream stays aligned on the next
// frame.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	n := int64(binary.BigEndian.Uint32(prefix[:]))
	if n > int64(maxSize) {
		if _, err := io.CopyN(io.Discard, r, n); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// EncodeDatagram marshals env for a single UDP packet. Envelopes that do not
// fit are refused, never truncated.
func EncodeDatagram(env *Envelope) ([]byte, error) {
	data, err := Marshal(env)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrDatagramTooLarge, len(data))
	}
	return data, nil
}
