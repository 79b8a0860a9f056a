// Package hashsplit segments byte streams into variable-size blobs at
// boundaries chosen by content, not position, using the rolling checksum in
// internal/rollsum. It is the transducer at the heart of the save path:
// every blob, every file's blob-ID stream, and every directory's entry
// stream is segmented by one of the Splitter configurations in this
// package.
package hashsplit

import (
	"bufio"
	"io"

	"github.com/tgentry/packvault/internal/rollsum"
)

// DefaultBits is the default chunking significance for file content, per
// spec default of 13.
const DefaultBits = 13

// MaxBitsHardCeiling bounds how large bits may grow before the hard-ceiling
// multiplier would overflow a reasonable blob size in practice.
const MaxBitsHardCeiling = 22

// Params configures a Splitter.
type Params struct {
	// Bits is the boundary significance: a boundary occurs after a byte
	// when the rolling digest's low Bits bits are all zero.
	Bits uint
}

// DefaultParams returns the default file-content chunking parameters.
func DefaultParams() Params {
	return Params{Bits: DefaultBits}
}

// hardCeiling is the maximum blob size for the given bits: 4 * 2^bits.
func (p Params) hardCeiling() int {
	return 4 << p.Bits
}

func (p Params) mask() uint32 {
	return (1 << p.Bits) - 1
}

// Chunk is one emitted blob plus the boundary metadata the tree builder
// needs to decide how to nest it.
type Chunk struct {
	Data []byte
	// Level is trailing_ones(digest >> bits), digest being the rolling
	// checksum's 32-bit value at the boundary; level 0 closes only this chunk,
	// level >= 1 simultaneously closes a subtree at that height. The final
	// chunk of a stream is always promoted to a synthetic highest level so
	// pending subtrees close cleanly.
	Level int
	// Hard reports whether this boundary was forced by the size ceiling
	// rather than discovered by the rolling hash.
	Hard bool
}

// Splitter is a pure, single-buffering transducer: it never holds more
// than one chunk's worth of unread bytes in memory, so it tolerates
// unbounded input streams.
type Splitter struct {
	params Params
	roll   *rollsum.Rollsum
	r      *bufio.Reader
}

// New wraps r with a Splitter using params.
func New(r io.Reader, params Params) *Splitter {
	return &Splitter{
		params: params,
		roll:   rollsum.New(),
		r:      bufio.NewReaderSize(r, 64*1024),
	}
}

// Next reads forward until a chunk boundary (natural or hard) is found and
// returns the chunk with a nil error. Once the underlying reader is
// exhausted with nothing pending, Next returns io.EOF.
func (s *Splitter) Next() (Chunk, error) {
	buf := make([]byte, 0, s.params.hardCeiling())
	ceiling := s.params.hardCeiling()
	mask := s.params.mask()

	for {
		b, err := s.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				if len(buf) == 0 {
					return Chunk{}, io.EOF
				}
				// Stream end: synthesize a highest-level boundary so any
				// pending subtrees close.
				return Chunk{Data: buf, Level: maxLevel, Hard: false}, nil
			}
			return Chunk{}, err
		}

		digest := s.roll.Roll(b)
		buf = append(buf, b)

		if len(buf) >= ceiling {
			return Chunk{Data: buf, Level: 0, Hard: true}, nil
		}

		if digest&mask == 0 {
			level := trailingOnes(digest >> s.params.Bits)
			return Chunk{Data: buf, Level: level}, nil
		}
	}
}

// maxLevel is used to mark the synthetic end-of-stream boundary; it is
// larger than any level a 32-bit digest could naturally produce.
const maxLevel = 33

// trailingOnes counts the number of consecutive set bits starting at bit 0.
func trailingOnes(v uint32) int {
	n := 0
	for v&1 == 1 {
		n++
		v >>= 1
		if n >= 32 {
			break
		}
	}
	return n
}

// Split drains the splitter fully, invoking fn for every chunk in order.
// It stops at the first error fn returns.
func Split(r io.Reader, params Params, fn func(Chunk) error) error {
	s := New(r, params)
	for {
		c, err := s.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
}
