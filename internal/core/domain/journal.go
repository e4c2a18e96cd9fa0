package domain

import (
	"bytes"
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// JournalEntry is a committed event as persisted in the append-only journal.
// Hash chains every entry to its predecessor so that edits are detectable.
type JournalEntry struct {
	Event
	PrevHash []byte `json:"prev_hash"`
	Hash     []byte `json:"hash"`
}

// NewJournalEntry chains e onto prev. The first entry has an empty, non-nil
// PrevHash so it is stored as an empty BYTEA rather than NULL.
func NewJournalEntry(e Event, prev []byte) JournalEntry {
	return JournalEntry{
		Event:    e,
		PrevHash: append([]byte{}, prev...),
		Hash:     ChainHash(prev, e),
	}
}

// Verify reports whether the entry links to prev and its hash matches its content.
func (j JournalEntry) Verify(prev []byte) bool {
	if !bytes.Equal(j.PrevHash, prev) {
		return false
	}
	return bytes.Equal(j.Hash, ChainHash(prev, j.Event))
}

// ChainHash computes BLAKE2b-256(prev || canonical(e)).
func ChainHash(prev []byte, e Event) []byte {
	h, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes
	h.Write(prev)
	writeUint64(h, e.Sequence)
	h.Write(e.ID[:])
	writeString(h, string(e.Type))
	writeString(h, string(e.Principal))
	writeUint64(h, e.Amount)
	writeUint64(h, e.BalanceAfter)
	writeUint64(h, e.TotalDepositsAfter)
	writeUint64(h, uint64(e.OccurredAt.UTC().UnixNano()))
	return h.Sum(nil)
}

func writeUint64(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

// Strings are length-prefixed so adjacent fields cannot collide.
func writeString(h hash.Hash, s string) {
	writeUint64(h, uint64(len(s)))
	h.Write([]byte(s))
}
