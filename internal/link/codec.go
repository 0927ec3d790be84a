package link

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// lengthPrefixSize is the size of the big-endian frame length header.
const lengthPrefixSize = 4

// ReadHandshakeLine reads the newline-terminated handshake line.
//
// Carriage returns are dropped wherever they appear. The terminating '\n'
// is not included. If the stream ends after some bytes but before a
// newline, the bytes read so far are returned as the line; if it ends
// before any byte, io.EOF is returned. More than maxLen line bytes yields
// ErrHandshakeTooLong.
func ReadHandshakeLine(r *bufio.Reader, maxLen int) ([]byte, error) {
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}

		switch b {
		case '\n':
			return line, nil
		case '\r':
			continue
		}

		if len(line) >= maxLen {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrHandshakeTooLong, maxLen)
		}
		line = append(line, b)
	}
}

// ReadFrame reads one length-prefixed frame and returns its payload.
//
// The 4-byte prefix is interpreted as a signed 32-bit integer. A prefix of
// zero or less returns ErrInvalidFrameLength; one above maxSize returns
// ErrFrameTooLarge before any payload buffer is allocated. A clean EOF at a
// frame boundary returns io.EOF; a stream that ends inside a frame returns
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := int32(binary.BigEndian.Uint32(hdr[:]))
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrameLength, n)
	}
	if int64(n) > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, n, maxSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// EncodeFrame prefixes payload with its big-endian length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidFrameLength)
	}
	if len(payload) > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[lengthPrefixSize:], payload)
	return buf, nil
}

// WriteFrame writes payload as a single length-prefixed frame in one Write
// call, so concurrent writers serialised by a mutex never interleave bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
