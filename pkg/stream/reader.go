package stream

import (
	"io"
	"iter"
)

const readBufferSize = 32 * 1024

// Reader lazily decodes events from an io.Reader. It is single pass: once
// Next has returned an error every later call returns the same error.
type Reader struct {
	src   io.Reader
	dec   Decoder
	buf   []byte
	queue []Event
	err   error
}

// NewReader wraps r, typically an HTTP response body.
func NewReader(r io.Reader) *Reader {
	return &Reader{src: r, buf: make([]byte, readBufferSize)}
}

// Next returns the next event. It returns io.EOF once the stream has ended,
// either because a Complete event was delivered or because the source hit
// EOF. Any other error comes from the source and is returned unchanged.
func (r *Reader) Next() (Event, error) {
	for {
		if len(r.queue) > 0 {
			ev := r.queue[0]
			r.queue = r.queue[1:]
			return ev, nil
		}
		if r.err != nil {
			return nil, r.err
		}
		if r.dec.Done() {
			r.err = io.EOF
			continue
		}

		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.queue = append(r.queue, r.dec.Feed(r.buf[:n])...)
		}
		switch {
		case err == io.EOF:
			r.queue = append(r.queue, r.dec.Flush()...)
			r.err = io.EOF
		case err != nil:
			r.err = err
		}
	}
}

// Events adapts Next to a range-over-func sequence. The sequence ends
// silently on io.EOF and yields the error otherwise.
func (r *Reader) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := r.Next()
			if err == io.EOF {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// Malformed returns the number of frames dropped so far.
func (r *Reader) Malformed() int {
	return r.dec.Malformed()
}
