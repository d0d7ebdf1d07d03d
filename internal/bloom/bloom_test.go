package bloom

import (
	"fmt"
	"testing"
)

func TestMightContainNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)
	keys := make([][]byte, 500)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		f.Add(keys[i])
	}
	for _, k := range keys {
		if !f.MightContain(k) {
			t.Fatalf("inserted key %q reported absent", k)
		}
	}
}

func TestMightContainFalsePositiveRateRoughlyBounded(t *testing.T) {
	f := New(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}
	falsePositives := 0
	trials := 5000
	for i := 0; i < trials; i++ {
		if f.MightContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	if rate > 0.05 {
		t.Fatalf("false positive rate too high: %v (target 0.01)", rate)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	f := New(100, 0.05)
	f.Add([]byte("alpha"))
	f.Add([]byte("beta"))

	data, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var g Filter
	if err := g.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if g.K() != f.K() || g.M() != f.M() {
		t.Fatalf("metadata mismatch: k=%d/%d m=%d/%d", g.K(), f.K(), g.M(), f.M())
	}
	if !g.MightContain([]byte("alpha")) || !g.MightContain([]byte("beta")) {
		t.Fatal("deserialized filter lost membership")
	}
}

func TestUnmarshalRejectsBadHeader(t *testing.T) {
	var g Filter
	if err := g.UnmarshalBinary([]byte{0xFF}); err == nil {
		t.Fatal("expected rejection of garbage header")
	}
}
