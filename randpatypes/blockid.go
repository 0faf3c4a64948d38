package randpatypes

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
)

// BlockID is an opaque block hash whose leading 4 bytes embed the block's
// monotonic number, following the same convention the underlying DPoS chain
// uses for its own block ids.
type BlockID [32]byte

// ZeroBlockID is the nil block id, used as a sentinel "not found" value.
var ZeroBlockID = BlockID{}

func (id BlockID) IsZero() bool {
	return id == ZeroBlockID
}

func (id BlockID) Equal(other BlockID) bool {
	return bytes.Equal(id[:], other[:])
}

func (id BlockID) String() string {
	return hex.EncodeToString(id[:])
}

func (id BlockID) Bytes() []byte {
	return id[:]
}

// BlockNum extracts the block number embedded in a block id's leading bits.
// It is a pure function: the core never needs tree context to read it.
func BlockNum(id BlockID) uint32 {
	return binary.BigEndian.Uint32(id[:4])
}

// BlockIDFromNum builds a block id carrying the given number in its leading
// bytes and the remainder filled from the provided hash suffix. Used by
// genesis/root construction and tests.
func BlockIDFromNum(num uint32, suffix []byte) BlockID {
	var id BlockID
	binary.BigEndian.PutUint32(id[:4], num)
	copy(id[4:], suffix)
	return id
}

// ContainsBlockID reports whether id appears in ids.
func ContainsBlockID(ids []BlockID, id BlockID) bool {
	for _, b := range ids {
		if b.Equal(id) {
			return true
		}
	}
	return false
}
