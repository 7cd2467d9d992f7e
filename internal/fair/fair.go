package fair

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
)

const (
	MinMultiplier = 1.00

	// verifyTolerance absorbs float formatting differences between the
	// engine and third-party verifiers re-deriving the same multiplier.
	verifyTolerance = 1e-8
)

// CrashMultiplier maps a server seed to the round's crash multiplier.
//
// H is the unsigned 32-bit integer formed from the first 4 bytes of
// HMAC-SHA256(serverSeed, publicEntropy). The public entropy is a single
// fixed value announced at chain-creation time and shared by every seed in
// the chain. The result is floor-truncated to 2 decimals and never drops
// below 1.00x.
func CrashMultiplier(serverSeed, publicEntropy string, houseEdge float64) float64 {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte(publicEntropy))
	sum := mac.Sum(nil)

	h := binary.BigEndian.Uint32(sum[:4])
	raw := (math.Pow(2, 32) / (float64(h) + 1)) * (1 - houseEdge)

	crash := math.Floor(raw*100) / 100
	if crash < MinMultiplier {
		return MinMultiplier
	}
	return crash
}

// Verify recomputes the multiplier for a revealed seed and compares it with
// the claimed value within tolerance. A zero claim only checks derivability
// and returns the derived multiplier.
func Verify(serverSeed, publicEntropy string, houseEdge, claimed float64) (float64, bool) {
	derived := CrashMultiplier(serverSeed, publicEntropy, houseEdge)
	if claimed == 0 {
		return derived, true
	}
	return derived, math.Abs(derived-claimed) < verifyTolerance
}

// SeedHash is the public pre-crash commitment for a server seed.
func SeedHash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Curve is the multiplier growth function m(t) = 1 + c*t^k with t in
// seconds. It is strictly increasing so TimeToMultiplier is exact.
type Curve struct {
	C float64
	K float64
}

// MultiplierAt returns the display multiplier after elapsed seconds of
// flight, floor-truncated to 2 decimals.
func (c Curve) MultiplierAt(elapsed float64) float64 {
	if elapsed <= 0 {
		return MinMultiplier
	}
	m := 1 + c.C*math.Pow(elapsed, c.K)
	return math.Floor(m*100) / 100
}

// TimeToMultiplier inverts the growth curve: the flight time in seconds at
// which the multiplier reaches m.
func (c Curve) TimeToMultiplier(m float64) float64 {
	if m <= MinMultiplier {
		return 0
	}
	return math.Pow((m-1)/c.C, 1/c.K)
}
