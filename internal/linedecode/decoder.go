// Package linedecode turns a sequence of arbitrarily split byte chunks into
// complete text lines.
//
// Chunks need not align with lines or with UTF-8 character boundaries. Both
// "\n" and "\r\n" terminate a line; a lone "\r" is kept as line content. When
// the chunk sequence terminates, any unterminated tail is yielded as one last
// line before the terminal error is returned.
package linedecode

import (
	"bytes"
	"context"
	"errors"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const scratchSize = 4096

// ChunkReader is a pull-based source of raw chunks. Any error ends the
// sequence.
type ChunkReader interface {
	Next(ctx context.Context) ([]byte, error)
}

// Decoder is a single-pass line iterator over a ChunkReader. It is not safe
// for concurrent use.
type Decoder struct {
	src ChunkReader
	utf transform.Transformer

	scratch []byte
	pending []byte // undecoded bytes of an incomplete character
	text    []byte // decoded text not yet yielded as a line
	off     int    // consumed prefix of text

	err     error // terminal error from src
	flushed bool
}

// New returns a Decoder reading from src.
func New(src ChunkReader) *Decoder {
	return &Decoder{
		src:     src,
		utf:     unicode.UTF8.NewDecoder(),
		scratch: make([]byte, scratchSize),
	}
}

// Next returns the next complete line without its delimiter. Once the
// source has terminated and the remaining text is exhausted, Next returns
// the source's terminal error on every call.
func (d *Decoder) Next(ctx context.Context) (string, error) {
	for {
		if line, ok := d.scan(); ok {
			return line, nil
		}

		if d.err != nil {
			if !d.flushed {
				d.flushed = true
				if rest := d.remainder(); rest != "" {
					return rest, nil
				}
			}
			return "", d.err
		}

		chunk, err := d.src.Next(ctx)
		if err != nil {
			d.err = err
			if derr := d.decode(nil, true); derr != nil {
				d.err = errors.Join(err, derr)
			}
			continue
		}
		if err := d.decode(chunk, false); err != nil {
			d.err = err
		}
	}
}

// scan yields the next delimited line from the buffered text, if any.
func (d *Decoder) scan() (string, bool) {
	i := bytes.IndexByte(d.text[d.off:], '\n')
	if i < 0 {
		d.compact()
		return "", false
	}
	end := d.off + i
	line := d.text[d.off:end]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	d.off = end + 1
	return string(line), true
}

func (d *Decoder) remainder() string {
	rest := string(d.text[d.off:])
	d.text = d.text[:0]
	d.off = 0
	return rest
}

// compact drops the consumed prefix so the buffer only holds the carry-over.
func (d *Decoder) compact() {
	if d.off == 0 {
		return
	}
	n := copy(d.text, d.text[d.off:])
	d.text = d.text[:n]
	d.off = 0
}

// decode runs chunk through the UTF-8 decoder, keeping an incomplete
// trailing character in pending for the next call. atEOF flushes pending.
func (d *Decoder) decode(chunk []byte, atEOF bool) error {
	src := chunk
	if len(d.pending) > 0 {
		src = append(d.pending, chunk...)
		d.pending = nil
	}

	// Invalid bytes expand to a 3-byte U+FFFD at most.
	if need := 3*len(src) + 4; len(d.scratch) < need {
		d.scratch = make([]byte, max(need, scratchSize))
	}

	for {
		nDst, nSrc, err := d.utf.Transform(d.scratch, src, atEOF)
		d.text = append(d.text, d.scratch[:nDst]...)
		src = src[nSrc:]

		switch {
		case err == nil:
			return nil
		case errors.Is(err, transform.ErrShortDst):
			continue
		case errors.Is(err, transform.ErrShortSrc):
			d.pending = append([]byte(nil), src...)
			return nil
		default:
			return err
		}
	}
}
