package proto

import (
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// MaxFrameSize bounds one length-delimited record; a full block result plus headroom.
const MaxFrameSize = MaxBlockSize + 64<<10

type FrameReader interface {
	io.Reader
	io.ByteReader
}

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, 0, varint.UvarintSize(uint64(len(payload)))+len(payload))
	out = append(out, varint.ToUvarint(uint64(len(payload)))...)
	return append(out, payload...), nil
}

func ReadFrame(r FrameReader, max int) ([]byte, error) {
	if max <= 0 || max > MaxFrameSize {
		max = MaxFrameSize
	}
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 || n > uint64(max) {
		return nil, fmt.Errorf("invalid frame size %d", n)
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}
