package gateway

import (
	"bytes"
	"compress/flate"
	"errors"
	"io"
)

// zlib-stream frames end with a Z_SYNC_FLUSH marker. Everything before the
// marker may arrive split across any number of websocket reads.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

const maxDictSize = 32 * 1024 // deflate window

// inflater decompresses a zlib-stream: one long-lived deflate stream,
// flushed at every message boundary. The flush aligns each frame to a
// byte boundary, so a frame can be inflated on its own as long as the
// previous 32KB of output is carried over as the dictionary.
type inflater struct {
	buf     []byte
	dict    []byte
	started bool
}

// push appends a binary chunk to the frame buffer. It returns the inflated
// message once a chunk terminated by the flush suffix arrives, or nil while
// the frame is still incomplete.
func (z *inflater) push(chunk []byte) ([]byte, error) {
	z.buf = append(z.buf, chunk...)
	if len(chunk) < len(zlibSuffix) || !bytes.HasSuffix(chunk, zlibSuffix) {
		return nil, nil
	}

	frame := z.buf
	z.buf = nil
	if !z.started {
		// The very first frame opens the zlib stream with a 2-byte header.
		if len(frame) < 2 {
			return nil, ErrDecode
		}
		frame = frame[2:]
		z.started = true
	}

	fr := flate.NewReaderDict(bytes.NewReader(frame), z.dict)
	out, err := io.ReadAll(fr)
	// The stream is never terminated, only flushed, so the reader always
	// runs out of input mid-stream once the frame is fully inflated.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	z.extendDict(out)
	return out, nil
}

func (z *inflater) extendDict(out []byte) {
	z.dict = append(z.dict, out...)
	if len(z.dict) > maxDictSize {
		z.dict = z.dict[len(z.dict)-maxDictSize:]
	}
}

// reset discards all decompression state. Called when a new connection is
// dialed, since every connection starts a fresh zlib stream.
func (z *inflater) reset() {
	z.buf = nil
	z.dict = nil
	z.started = false
}
