package link

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds the size of a single encoded packet.
const DefaultMaxFrameSize = 64 << 20

// WriteFrame writes buf prefixed by its varint encoded length.
func WriteFrame(w io.Writer, buf []byte, maxSize int) error {
	if maxSize > 0 && len(buf) > maxSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(buf))
	}
	framed := protowire.AppendVarint(make([]byte, 0, binary.MaxVarintLen64+len(buf)), uint64(len(buf)))
	framed = append(framed, buf...)
	_, err := w.Write(framed)
	return err
}

// ReadFrame reads one frame written by [WriteFrame].
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	prefix := make([]byte, binary.MaxVarintLen64)
	n := 0
	for {
		if n == len(prefix) {
			return nil, fmt.Errorf("link: frame length prefix overflows")
		}
		if _, err := io.ReadFull(r, prefix[n:n+1]); err != nil {
			if n > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		n++
		if prefix[n-1] < 0x80 {
			break
		}
	}

	size, m := protowire.ConsumeVarint(prefix[:n])
	if m < 0 {
		return nil, protowire.ParseError(m)
	}
	if maxSize > 0 && size > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
