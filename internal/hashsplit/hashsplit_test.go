package hashsplit

import (
	"bytes"
	"io"
	"testing"
)

func collect(t *testing.T, data []byte, readSize int, params Params) [][]byte {
	t.Helper()
	r := &chunkedReader{data: data, size: readSize}
	var out [][]byte
	err := Split(r, params, func(c Chunk) error {
		cp := make([]byte, len(c.Data))
		copy(cp, c.Data)
		out = append(out, cp)
		return nil
	})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	return out
}

// chunkedReader delivers data in reads of at most size bytes, to exercise
// the splitter's independence from how the caller chooses to read.
type chunkedReader struct {
	data []byte
	size int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.size
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestDeterministicAcrossReadSizes(t *testing.T) {
	data := bytes.Repeat([]byte{0}, 65536)
	params := Params{Bits: 13}

	a := collect(t, data, 4096, params)
	b := collect(t, data, 7919, params)

	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Fatalf("chunk %d differs between read sizes", i)
		}
	}
}

func TestHardCeilingAppliedExactlyOnce(t *testing.T) {
	params := Params{Bits: 13}
	ceiling := params.hardCeiling()
	// A random stream is very unlikely to ever hit a natural boundary at
	// exactly the ceiling; force it by using a ceiling-sized stream of a
	// single repeating byte, for which no natural boundary fires at these
	// bits (verified by checking the fixture's chunk count below rather
	// than asserting hash internals directly).
	data := bytes.Repeat([]byte{0}, ceiling)
	chunks := collect(t, data, ceiling, params)
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one hard-ceiling chunk, got %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		if len(c) > ceiling {
			t.Fatalf("chunk exceeds hard ceiling: %d > %d", len(c), ceiling)
		}
		total += len(c)
	}
	if total != len(data) {
		t.Fatalf("total chunked bytes %d != input %d", total, len(data))
	}
}

func TestSharedSubstringProducesSharedChunk(t *testing.T) {
	params := Params{Bits: 13}
	shared := bytes.Repeat([]byte("depleted-uranium-is-heavier-than-lead:"), 4000) // >> 4*2^13
	fileA := shared
	fileB := append(append([]byte{}, shared...), []byte("small-tail")...)

	a := collect(t, fileA, 4096, params)
	b := collect(t, fileB, 4096, params)

	seen := map[string]bool{}
	for _, c := range a {
		seen[string(c)] = true
	}
	shared_found := false
	for _, c := range b {
		if seen[string(c)] {
			shared_found = true
			break
		}
	}
	if !shared_found {
		t.Fatalf("expected at least one identical chunk between files sharing a long prefix")
	}
}

func TestEmptyStreamProducesNoChunks(t *testing.T) {
	chunks := collect(t, nil, 10, DefaultParams())
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks from empty stream, got %d", len(chunks))
	}
}

func TestFinalChunkIsSyntheticHighestLevel(t *testing.T) {
	params := Params{Bits: 20} // unlikely to hit a natural boundary in a short stream
	data := []byte("short stream well under the hard ceiling")
	var levels []int
	err := Split(bytes.NewReader(data), params, func(c Chunk) error {
		levels = append(levels, c.Level)
		return nil
	})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(levels) != 1 {
		t.Fatalf("expected exactly one chunk for a short stream, got %d", len(levels))
	}
	if levels[0] != maxLevel {
		t.Fatalf("expected final chunk to carry the synthetic highest level, got %d", levels[0])
	}
}
