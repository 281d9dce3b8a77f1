package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version        byte = 1
	kindPair       byte = 1
	kindCheckpoint byte = 2
)

var (
	ErrCorrupt = errors.New("memocell: corrupt entry")
	magic4     = [...]byte{'M', 'C', 'E', 'L'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Pair: magic(4) | ver(1) | kind(1=pair) | klen(u32 be) | key(klen) | vlen(u32 be) | value(vlen)
func EncodePair(key, value []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 4 + len(key) + 4 + len(value))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindPair)

	var u4 [4]byte

	binary.BigEndian.PutUint32(u4[:], uint32(len(key)))
	buf.Write(u4[:])
	buf.Write(key)

	binary.BigEndian.PutUint32(u4[:], uint32(len(value)))
	buf.Write(u4[:])
	buf.Write(value)

	return buf.Bytes()
}

// DecodePair returns zero-copy slices into b. The frame must be exact:
// trailing bytes after the value are treated as corruption.
func DecodePair(b []byte) (key, value []byte, err error) {
	const hdr = 4 + 1 + 1 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindPair {
		return nil, nil, ErrCorrupt
	}

	off := 6

	klen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if klen < 0 || klen > len(b)-off {
		return nil, nil, ErrCorrupt
	}
	key = b[off : off+klen]
	off += klen

	if off+4 > len(b) {
		return nil, nil, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return nil, nil, ErrCorrupt
	}
	value = b[off : off+vlen]

	return key, value, nil
}

// Checkpoint: magic(4) | ver(1) | kind(1=checkpoint) | seq(u64 be)
func EncodeCheckpoint(seq uint64) []byte {
	out := make([]byte, 0, 4+1+1+8)
	out = append(out, magic4[:]...)
	out = append(out, version, kindCheckpoint)

	var u8 [8]byte
	binary.BigEndian.PutUint64(u8[:], seq)
	return append(out, u8[:]...)
}

func DecodeCheckpoint(b []byte) (uint64, error) {
	const total = 4 + 1 + 1 + 8
	if len(b) != total || !hasMagic(b) || b[4] != version || b[5] != kindCheckpoint {
		return 0, ErrCorrupt
	}
	return binary.BigEndian.Uint64(b[6:]), nil
}
