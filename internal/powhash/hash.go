package powhash

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	// PrePoWHashSize is the size of the immutable, nonce-independent part of
	// a block header: everything the node pre-hashes before handing the
	// template to miners.
	PrePoWHashSize = 32

	// InputSize is the size of the mining input: prePoWHash + timestamp +
	// zero padding + nonce, matching the layout the consensus PoW function
	// expects its input padded to.
	InputSize = 80

	// NonceOffset is the nonce's byte offset within InputSize.
	NonceOffset = 72

	// timestampOffset is the timestamp's byte offset within InputSize.
	timestampOffset = 32
)

// BuildInput assembles the 80-byte mining input from a template's immutable
// prePoWHash, a timestamp and a candidate nonce.
func BuildInput(prePoWHash [32]byte, timestamp int64, nonce uint64) []byte {
	input := make([]byte, InputSize)
	copy(input[:PrePoWHashSize], prePoWHash[:])
	binary.LittleEndian.PutUint64(input[timestampOffset:timestampOffset+8], uint64(timestamp))
	binary.LittleEndian.PutUint64(input[NonceOffset:NonceOffset+8], nonce)
	return input
}

// Hash computes the proof-of-work hash for a mining input. The real
// consensus hash function (a memory-hard matrix multiplication over the
// prePoWHash) is a vendored, pre-verified dependency in production; this
// wraps the general-purpose hash the pool links against in its place, since
// building that function is explicitly out of scope here.
func Hash(input []byte) ([]byte, error) {
	if len(input) != InputSize {
		return nil, fmt.Errorf("powhash: input must be %d bytes, got %d", InputSize, len(input))
	}
	h := blake3.New()
	h.Write(input)
	return h.Sum(nil), nil
}

// HashHeader is a convenience wrapper combining BuildInput and Hash.
func HashHeader(prePoWHash [32]byte, timestamp int64, nonce uint64) ([]byte, error) {
	return Hash(BuildInput(prePoWHash, timestamp, nonce))
}
