// Package codec implements the byte-level encoding spec §2 calls out as a
// leaf component: fixed-width little-endian integers for the log store's
// on-disk framing, CRC32 (Castagnoli) for entries and snapshot headers, and
// configuration encoding for snapshot metadata (spec §4.2).
package codec

import (
	"encoding/binary"
	"hash/crc32"
)

// Table is the Castagnoli CRC32 table used throughout the store, grounded
// on the pack's convention (see other_examples' wal checksumming) of using
// the hardware-accelerated variant rather than the IEEE default.
var Table = crc32.MakeTable(crc32.Castagnoli)

// PutUint64 writes v as 8 little-endian bytes into b (which must have
// len(b) >= 8).
func PutUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// Uint64 reads 8 little-endian bytes from b.
func Uint64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

// PutUint32 writes v as 4 little-endian bytes into b.
func PutUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

// Uint32 reads 4 little-endian bytes from b.
func Uint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// Checksum returns the Castagnoli CRC32 of b.
func Checksum(b []byte) uint32 { return crc32.Checksum(b, Table) }

// ChecksumAll returns the Castagnoli CRC32 over the concatenation of bs,
// computed incrementally so callers never need to actually concatenate.
func ChecksumAll(bs ...[]byte) uint32 {
	h := crc32.New(Table)
	for _, b := range bs {
		h.Write(b)
	}
	return h.Sum32()
}

// PutUint64BE writes v as 8 big-endian bytes, used only for the snapshot
// metadata header whose wire format spec §4.2 pins to big-endian words.
func PutUint64BE(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }

// Uint64BE reads 8 big-endian bytes, the snapshot metadata word format.
func Uint64BE(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
