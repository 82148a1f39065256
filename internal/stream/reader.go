package stream

import (
	"errors"
	"io"
)

const readChunkSize = 4096

// Reader yields canonical events, in order, from a raw backend transport.
type Reader struct {
	src   io.Reader
	norm  *Normalizer
	queue []Event
	buf   []byte
	err   error
}

func NewReader(src io.Reader, norm *Normalizer) *Reader {
	return &Reader{src: src, norm: norm, buf: make([]byte, readChunkSize)}
}

// Next returns the next event. It returns io.EOF after the transport ends and
// every buffered event has been delivered; any other error is the transport's.
func (r *Reader) Next() (Event, error) {
	for len(r.queue) == 0 {
		if r.err != nil {
			return nil, r.err
		}
		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.queue = append(r.queue, r.norm.ProcessChunk(string(r.buf[:n]))...)
		}
		if err != nil {
			r.queue = append(r.queue, r.norm.Flush()...)
			if errors.Is(err, io.EOF) {
				r.err = io.EOF
			} else {
				r.err = err
			}
		}
	}
	ev := r.queue[0]
	r.queue = r.queue[1:]
	return ev, nil
}
