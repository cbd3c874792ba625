// Package hasher provides the 256-bit content digest used throughout the
// state tree: block hashes, file root hashes and directory hashes are all
// values of the same 32-byte type and combine with XOR.
package hasher

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// Hash is a 32-byte BLAKE3 digest. The zero value is the hash of an empty
// directory and the fold identity: h.XOR(Zero) == h.
type Hash [Size]byte

// Zero is the identity element of the XOR fold.
var Zero Hash

// Sum hashes a single buffer.
func Sum(data []byte) Hash {
	return blake3.Sum256(data)
}

// Sum2 hashes the concatenation of two buffers without joining them.
func Sum2(a, b []byte) Hash {
	h := blake3.New()
	h.Write(a)
	h.Write(b)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Block computes the positional hash of one data block:
// H(blockoffset_le64 ‖ block). Binding the byte offset into the digest
// makes equal blocks at different positions hash differently.
func Block(blockOffset int64, block []byte) Hash {
	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], uint64(blockOffset))
	return Sum2(off[:], block[:])
}

// FileRoot computes a file's root hash: H(filename ‖ folded) where folded
// is the XOR of all the file's block hashes. Mixing the file name in keeps
// two same-content siblings from cancelling inside a directory fold.
func FileRoot(filename string, folded Hash) Hash {
	return Sum2([]byte(filename), folded[:])
}

// XOR folds other into h in place.
func (h *Hash) XOR(other Hash) {
	for i := range h {
		h[i] ^= other[i]
	}
}

// Fold XORs a list of hashes together.
func Fold(hashes []Hash) Hash {
	var out Hash
	for _, h := range hashes {
		out.XOR(h)
	}
	return out
}

// IsZero reports whether h is the zero digest.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Hex returns the lowercase hex form, used to name root-hash hard links.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// FromHex parses a 64-char hex digest.
func FromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != Size {
		return h, hex.ErrLength
	}
	copy(h[:], b)
	return h, nil
}
