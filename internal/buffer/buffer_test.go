package buffer

import (
	"encoding/json"
	"testing"
)

func TestLatestSlotCoalescing(t *testing.T) {
	b := NewLatestSlot()
	tok := b.Subscribe()
	defer b.Unsubscribe(tok)

	b.Write([]byte("W1"))
	b.Write([]byte("W2"))
	b.Write([]byte("W3"))

	got, ok := b.Read(tok, false)
	if !ok {
		t.Fatal("expected data")
	}
	if string(got) != "W3" {
		t.Fatalf("got %q, want W3 (coalesced to latest)", got)
	}

	// no further writes: non-blocking read returns nothing new
	if _, ok := b.Read(tok, false); ok {
		t.Fatal("expected no new data")
	}
}

func TestLatestSlotMultiReaderIndependent(t *testing.T) {
	b := NewLatestSlot()
	slow := b.Subscribe()
	fast := b.Subscribe()
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	b.Write([]byte("A"))
	if got, _ := b.Read(fast, false); string(got) != "A" {
		t.Fatalf("fast reader got %q", got)
	}
	b.Write([]byte("B"))
	if got, _ := b.Read(fast, false); string(got) != "B" {
		t.Fatalf("fast reader got %q", got)
	}
	// slow reader never read; only sees the latest value
	if got, ok := b.Read(slow, false); !ok || string(got) != "B" {
		t.Fatalf("slow reader got %q, ok=%v", got, ok)
	}
}

func TestLatestSlotUnsubscribe(t *testing.T) {
	b := NewLatestSlot()
	tok := b.Subscribe()
	b.Unsubscribe(tok)
	if len(b.readers) != 0 {
		t.Fatalf("expected 0 readers after unsubscribe, got %d", len(b.readers))
	}
}

func TestRingWriteAndReadAll(t *testing.T) {
	r := NewRing(5)
	tok := r.Subscribe()
	defer r.Unsubscribe(tok)

	r.Write(map[string][]float64{"x": {1, 2, 3}})
	r.Write(map[string][]float64{"x": {4, 5, 6}}) // overflows capacity 5

	b, ok := r.ReadAll(tok, false)
	if !ok {
		t.Fatal("expected data")
	}
	var out map[string][]float64
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	want := []float64{2, 3, 4, 5, 6} // oldest (1) overwritten, newest 5 retained in order
	got := out["x"]
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRingReadCoalesces(t *testing.T) {
	r := NewRing(10)
	tok := r.Subscribe()
	defer r.Unsubscribe(tok)

	r.Write(map[string][]float64{"x": {1}})
	r.Write(map[string][]float64{"x": {2}})

	b, ok := r.Read(tok, false)
	if !ok {
		t.Fatal("expected data")
	}
	var out map[string][]float64
	json.Unmarshal(b, &out)
	if len(out["x"]) != 1 || out["x"][0] != 2 {
		t.Fatalf("got %v, want latest batch [2]", out["x"])
	}
}

func TestRingSetSizeShrinkPreservesNewest(t *testing.T) {
	r := NewRing(10)
	tok := r.Subscribe()
	defer r.Unsubscribe(tok)

	r.Write(map[string][]float64{"x": {1, 2, 3, 4, 5, 6, 7, 8, 9, 10}})
	r.SetSize(4)

	b, ok := r.ReadAll(tok, false)
	if !ok {
		t.Fatal("expected data after resize")
	}
	var out map[string][]float64
	json.Unmarshal(b, &out)
	want := []float64{7, 8, 9, 10}
	got := out["x"]
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRingSetSizeGrowPadsZero(t *testing.T) {
	r := NewRing(3)
	tok := r.Subscribe()
	defer r.Unsubscribe(tok)

	r.Write(map[string][]float64{"x": {1, 2, 3}})
	r.SetSize(5)

	b, ok := r.ReadAll(tok, false)
	if !ok {
		t.Fatal("expected data after resize")
	}
	var out map[string][]float64
	json.Unmarshal(b, &out)
	want := []float64{0, 0, 1, 2, 3}
	got := out["x"]
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRingBadShapeRejected(t *testing.T) {
	r := NewRing(5)
	err := r.Write(map[string][]float64{"x": {1, 2}, "y": {1}})
	if err == nil {
		t.Fatal("expected error for mismatched column lengths")
	}
}
