package core

import (
	"testing"
	"time"
)

func TestStructuralRandDeterministic(t *testing.T) {
	a := NewStructuralRandFor("host-a", 1234)
	b := NewStructuralRandFor("host-a", 1234)
	for i := 0; i < 10; i++ {
		if a.Float64() != b.Float64() {
			t.Fatalf("same identity must reproduce the same sequence (diverged at %d)", i)
		}
	}
}

func TestStructuralRandIdentitySensitive(t *testing.T) {
	a := NewStructuralRandFor("host-a", 1234)
	b := NewStructuralRandFor("host-b", 1234)
	c := NewStructuralRandFor("host-a", 1235)

	same := 0
	for i := 0; i < 20; i++ {
		av := a.Float64()
		if av == b.Float64() {
			same++
		}
		if av == c.Float64() {
			same++
		}
	}
	if same > 2 {
		t.Errorf("different identities should produce different sequences, got %d collisions", same)
	}
}

func TestJitterBounds(t *testing.T) {
	rng := NewEphemeralRand()
	for i := 0; i < 1000; i++ {
		v := Jitter(100, 0.2, rng)
		if v < 80 || v > 120 {
			t.Fatalf("jitter out of bounds: %f", v)
		}
	}
}

func TestJitterFixedMidpoint(t *testing.T) {
	// rng = 0.5 maps to a multiplier of exactly 1
	if v := Jitter(100, 0.2, FixedRand(0.5)); v != 100 {
		t.Errorf("expected 100, got %f", v)
	}
	if d := JitterDuration(time.Second, 0.2, FixedRand(0.5)); d != time.Second {
		t.Errorf("expected 1s, got %s", d)
	}
}
