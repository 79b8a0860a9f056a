package objects

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Commit is the decoded form of a commit object: a root tree plus parent
// commit(s) and author/timestamp metadata (spec.md §3).
type Commit struct {
	Tree      ID
	Parents   []ID
	Author    string
	Timestamp int64 // unix seconds
	Message   string
}

// EncodeCommit produces the canonical payload bytes for a commit object.
// Layout: 20-byte tree ID, uvarint(len(parents)), parent IDs, uvarint(len
// author), author bytes, varint(timestamp), uvarint(len message), message
// bytes. This mirrors the teacher's history.Leaf canonical-encoding idiom
// (uvarint-framed fields in a fixed order) adapted to the spec's simpler
// commit shape (no MMR position, no merge-index bookkeeping — that belongs
// to the history/workspace layer this core does not implement).
func EncodeCommit(c Commit) []byte {
	var buf bytes.Buffer
	buf.Write(c.Tree[:])

	writeUvarint(&buf, uint64(len(c.Parents)))
	for _, p := range c.Parents {
		buf.Write(p[:])
	}

	writeUvarint(&buf, uint64(len(c.Author)))
	buf.WriteString(c.Author)

	writeVarint(&buf, c.Timestamp)

	writeUvarint(&buf, uint64(len(c.Message)))
	buf.WriteString(c.Message)

	return buf.Bytes()
}

// DecodeCommit parses a canonical commit payload.
func DecodeCommit(payload []byte) (Commit, error) {
	r := bytes.NewReader(payload)
	var c Commit

	if _, err := readFull(r, c.Tree[:]); err != nil {
		return Commit{}, fmt.Errorf("decode commit: read tree id: %w", err)
	}

	parentCount, err := binary.ReadUvarint(r)
	if err != nil {
		return Commit{}, fmt.Errorf("decode commit: read parent count: %w", err)
	}
	c.Parents = make([]ID, 0, parentCount)
	for i := uint64(0); i < parentCount; i++ {
		var p ID
		if _, err := readFull(r, p[:]); err != nil {
			return Commit{}, fmt.Errorf("decode commit: read parent %d: %w", i, err)
		}
		c.Parents = append(c.Parents, p)
	}

	authorLen, err := binary.ReadUvarint(r)
	if err != nil {
		return Commit{}, fmt.Errorf("decode commit: read author length: %w", err)
	}
	author := make([]byte, authorLen)
	if _, err := readFull(r, author); err != nil {
		return Commit{}, fmt.Errorf("decode commit: read author: %w", err)
	}
	c.Author = string(author)

	ts, err := binary.ReadVarint(r)
	if err != nil {
		return Commit{}, fmt.Errorf("decode commit: read timestamp: %w", err)
	}
	c.Timestamp = ts

	msgLen, err := binary.ReadUvarint(r)
	if err != nil {
		return Commit{}, fmt.Errorf("decode commit: read message length: %w", err)
	}
	msg := make([]byte, msgLen)
	if _, err := readFull(r, msg); err != nil {
		return Commit{}, fmt.Errorf("decode commit: read message: %w", err)
	}
	c.Message = string(msg)

	return c, nil
}

func writeVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}
