package fair

import (
	"math"
	"testing"
)

func TestCrashMultiplier_Deterministic(t *testing.T) {
	seed := "deterministic_test_seed"
	entropy := "0000000000000000000b4d0c2b3e7a9f"

	result1 := CrashMultiplier(seed, entropy, 0.01)
	result2 := CrashMultiplier(seed, entropy, 0.01)
	result3 := CrashMultiplier(seed, entropy, 0.01)

	if result1 != result2 || result2 != result3 {
		t.Errorf("CrashMultiplier() is not deterministic: got %v, %v, %v", result1, result2, result3)
	}
}

func TestCrashMultiplier_Floor(t *testing.T) {
	entropy := "block-hash-entropy"

	// Sweep a batch of seeds; every result must respect the 1.00 floor and
	// carry at most 2 decimals.
	seeds := []string{"a", "b", "c", "seed-1", "seed-2", "seed-3", "long_seed_value_xyz"}
	for _, seed := range seeds {
		got := CrashMultiplier(seed, entropy, 0.01)
		if got < MinMultiplier {
			t.Errorf("CrashMultiplier(%q) = %v, below floor", seed, got)
		}
		scaled := got * 100
		if math.Abs(scaled-math.Round(scaled)) > 1e-6 {
			t.Errorf("CrashMultiplier(%q) = %v, more than 2 decimals", seed, got)
		}
	}
}

func TestCrashMultiplier_HouseEdgeLowersResult(t *testing.T) {
	seed := "edge_comparison_seed"
	entropy := "entropy"

	fair := CrashMultiplier(seed, entropy, 0)
	edged := CrashMultiplier(seed, entropy, 0.05)

	if edged > fair {
		t.Errorf("house edge raised the multiplier: %v > %v", edged, fair)
	}
}

func TestVerify(t *testing.T) {
	seed := "verification_test_seed"
	entropy := "public-entropy"
	edge := 0.01

	derived := CrashMultiplier(seed, entropy, edge)

	tests := []struct {
		name    string
		claimed float64
		want    bool
	}{
		{"matching claim", derived, true},
		{"zero claim derives only", 0, true},
		{"wrong claim", derived + 0.5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Verify(seed, entropy, edge, tt.claimed)
			if ok != tt.want {
				t.Errorf("Verify() ok = %v, want %v", ok, tt.want)
			}
			if got != derived {
				t.Errorf("Verify() derived = %v, want %v", got, derived)
			}
		})
	}
}

func TestSeedHash(t *testing.T) {
	hash1 := SeedHash("test_seed_12345")
	hash2 := SeedHash("test_seed_12345")

	if hash1 != hash2 {
		t.Error("SeedHash() is not deterministic")
	}
	if len(hash1) != 64 {
		t.Errorf("SeedHash() length = %v, want 64", len(hash1))
	}
}

func TestCurve_MonotonicAndInvertible(t *testing.T) {
	curve := Curve{C: 0.06, K: 1.8}

	prev := 0.0
	for _, elapsed := range []float64{0.5, 1, 2, 5, 10, 30} {
		m := curve.MultiplierAt(elapsed)
		if m <= prev {
			t.Fatalf("MultiplierAt(%v) = %v, not strictly increasing past %v", elapsed, m, prev)
		}
		prev = m
	}

	// Round trip: TimeToMultiplier(m) must land where the raw curve reaches
	// m. Use exact curve values so floor truncation does not interfere.
	for _, target := range []float64{1.5, 2.0, 2.45, 10.0, 100.0} {
		elapsed := curve.TimeToMultiplier(target)
		raw := 1 + curve.C*math.Pow(elapsed, curve.K)
		if math.Abs(raw-target) > 1e-9 {
			t.Errorf("TimeToMultiplier(%v) round trip = %v", target, raw)
		}
	}
}

func TestCurve_TimeToMultiplierAtFloor(t *testing.T) {
	curve := Curve{C: 0.06, K: 1.8}

	if got := curve.TimeToMultiplier(1.0); got != 0 {
		t.Errorf("TimeToMultiplier(1.0) = %v, want 0", got)
	}
	if got := curve.MultiplierAt(0); got != MinMultiplier {
		t.Errorf("MultiplierAt(0) = %v, want %v", got, MinMultiplier)
	}
}
