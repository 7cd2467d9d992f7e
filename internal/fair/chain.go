package fair

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GenerateChain pre-generates a seed chain of the given length. The seed at
// index 0 is random; every following seed is the SHA-256 of its predecessor,
// and the returned terminal hash is the SHA-256 of the last seed. The
// terminal hash is the only value published before play begins.
func GenerateChain(length int64) (seeds []string, terminalHash string, err error) {
	if length <= 0 {
		return nil, "", fmt.Errorf("chain length must be positive, got %d", length)
	}

	seeds = make([]string, length)

	base := make([]byte, 32)
	if _, err := rand.Read(base); err != nil {
		return nil, "", fmt.Errorf("generate chain base: %w", err)
	}
	seeds[0] = hex.EncodeToString(base)

	for i := int64(1); i < length; i++ {
		sum := sha256.Sum256([]byte(seeds[i-1]))
		seeds[i] = hex.EncodeToString(sum[:])
	}

	last := sha256.Sum256([]byte(seeds[length-1]))
	return seeds, hex.EncodeToString(last[:]), nil
}

// VerifyChainMembership proves a revealed seed belongs to the pre-committed
// chain: hashing forward chainLength−index times must reproduce the
// terminating hash. No other seed is needed for the proof.
func VerifyChainMembership(seed string, index, chainLength int64, terminalHash string) bool {
	if index < 0 || index >= chainLength {
		return false
	}
	cur := seed
	for i := chainLength - index; i > 0; i-- {
		sum := sha256.Sum256([]byte(cur))
		cur = hex.EncodeToString(sum[:])
	}
	return cur == terminalHash
}
