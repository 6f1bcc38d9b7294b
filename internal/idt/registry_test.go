package idt

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistryTryClaimOnce(t *testing.T) {
	var r Registry

	const workers = 64
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if r.TryClaim(200) {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("TryClaim succeeded %d times, want 1", got)
	}
	if !r.IsClaimed(200) {
		t.Fatalf("vector 200 not claimed")
	}
}

func TestRegistryDistinctClaims(t *testing.T) {
	var r Registry

	var wg sync.WaitGroup
	for v := 0; v < NumVectors; v++ {
		wg.Add(1)
		go func(v Vector) {
			defer wg.Done()
			if !r.TryClaim(v) {
				t.Errorf("TryClaim(%s) failed", v)
			}
		}(Vector(v))
	}
	wg.Wait()

	if got := len(r.Claimed()); got != NumVectors {
		t.Fatalf("Claimed() has %d vectors, want %d", got, NumVectors)
	}
	if _, ok := r.nextFree(0, NumVectors); ok {
		t.Fatalf("nextFree found a vector in a full registry")
	}
}

func TestRegistryClaimRange(t *testing.T) {
	var r Registry

	r.ClaimRange(60, 70, true)
	for v := Vector(60); v <= 70; v++ {
		if !r.IsClaimed(v) {
			t.Fatalf("%s not claimed", v)
		}
	}
	if r.IsClaimed(59) || r.IsClaimed(71) {
		t.Fatalf("range claim leaked outside its bounds")
	}

	r.ClaimRange(64, 64, false)
	if r.IsClaimed(64) {
		t.Fatalf("vector 64 still claimed after release")
	}
	if v, ok := r.nextFree(60, 71); !ok || v != 64 {
		t.Fatalf("nextFree = %s, %t", v, ok)
	}

	r.ClaimRange(255, 255, true)
	if !r.IsClaimed(255) {
		t.Fatalf("last vector not claimed")
	}

	expectPanic(t, "inverted range", func() { r.ClaimRange(10, 9, true) })
}
