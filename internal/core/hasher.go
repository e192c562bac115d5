package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "ILShield:genesis:v1"

// StateHasher chains a SHA-256 digest over every applied event:
// state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// ComputeHash extends the chain and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	buf := make([]byte, 0, len(h.prevHash)+8+len(stateDigest))
	buf = append(buf, h.prevHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, stateDigest...)

	h.prevHash = sha256.Sum256(buf)
	return h.prevHash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resumes the chain from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
