package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func TestFromSlice(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	m, err := FromSlice(2, 3, data)
	if err != nil {
		t.Fatalf("FromSlice failed: %v", err)
	}
	if m.At(0, 2) != 3 || m.At(1, 0) != 4 {
		t.Errorf("unexpected layout: got %v and %v", m.At(0, 2), m.At(1, 0))
	}

	if _, err := FromSlice(2, 3, data[:5]); err == nil {
		t.Error("expected error for short slice")
	}
}

func TestAbsSum(t *testing.T) {
	testCases := []struct {
		name string
		data []float32
		want float32
	}{
		{"all positive", []float32{1, 2, 3}, 6},
		{"mixed signs", []float32{-1, 2, -3}, 6},
		{"zeros", []float32{0, 0, 0}, 0},
		{"negative zero", []float32{-0.0, 1}, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := FromSlice(1, len(tc.data), tc.data)
			if err != nil {
				t.Fatalf("FromSlice failed: %v", err)
			}
			if got := m.AbsSum(); got != tc.want {
				t.Errorf("AbsSum = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAddScaled(t *testing.T) {
	a := Full(1, 3, 1)
	b := Full(1, 3, 2)
	if err := a.AddScaled(b, 0.5); err != nil {
		t.Fatalf("AddScaled failed: %v", err)
	}
	for i, v := range a.Data {
		if v != 2 {
			t.Errorf("element %d = %v, want 2", i, v)
		}
	}

	if err := a.AddScaled(New(1, 4), 1); err == nil {
		t.Error("expected error for length mismatch")
	}
}

func TestMaxAbsDiff(t *testing.T) {
	a, _ := FromSlice(1, 3, []float32{1, 2, 3})
	b, _ := FromSlice(1, 3, []float32{1, 2.5, 3})
	diff, idx, err := a.MaxAbsDiff(b)
	if err != nil {
		t.Fatalf("MaxAbsDiff failed: %v", err)
	}
	if diff != 0.5 || idx != 1 {
		t.Errorf("got diff %v at %d, want 0.5 at 1", diff, idx)
	}
}

func TestEqual(t *testing.T) {
	a := Full(2, 2, 1)
	b := Full(2, 2, 1)
	if !a.Equal(b) {
		t.Error("identical tensors should compare equal")
	}
	b.Data[3] = 2
	if a.Equal(b) {
		t.Error("differing tensors should not compare equal")
	}
	if a.Equal(New(4, 1)) {
		t.Error("shape mismatch should not compare equal")
	}

	nan := Full(1, 1, float32(math.NaN()))
	if nan.Equal(nan.Clone()) {
		t.Error("NaN should never compare equal")
	}
}

func TestRandUniformDeterminism(t *testing.T) {
	a := New(4, 4)
	b := New(4, 4)
	a.RandUniform(rand.New(rand.NewSource(7)))
	b.RandUniform(rand.New(rand.NewSource(7)))
	if !a.Equal(b) {
		t.Error("identical seeds must produce identical tensors")
	}
	for _, v := range a.Data {
		if v < 0 || v >= 1 {
			t.Errorf("value %v outside [0, 1)", v)
		}
	}
}

func TestRoundTripFP16(t *testing.T) {
	data := []float32{0, 1, -1, 0.1, 65504, 1e-8}
	RoundTripFP16(data)

	if data[0] != 0 || data[1] != 1 || data[2] != -1 {
		t.Errorf("exact fp16 values must survive: got %v", data[:3])
	}
	if data[3] == 0.1 {
		t.Error("0.1 is not representable in fp16, round trip should change it")
	}
	if math.Abs(float64(data[3])-0.1) > 1e-4 {
		t.Errorf("0.1 rounded too far: %v", data[3])
	}
	if data[4] != 65504 {
		t.Errorf("fp16 max should survive, got %v", data[4])
	}

	// Idempotent: a second round trip changes nothing.
	again := append([]float32(nil), data...)
	RoundTripFP16(again)
	for i := range data {
		if data[i] != again[i] {
			t.Errorf("round trip not idempotent at %d: %v vs %v", i, data[i], again[i])
		}
	}
}

func TestRoundTripFP16Overflow(t *testing.T) {
	data := []float32{1e6}
	RoundTripFP16(data)
	if !math.IsInf(float64(data[0]), 1) {
		t.Errorf("1e6 should overflow fp16 to +Inf, got %v", data[0])
	}
	if !SliceHasNaNOrInf(data) {
		t.Error("SliceHasNaNOrInf should flag the overflow")
	}
}

func TestSliceHasNaNOrInf(t *testing.T) {
	if SliceHasNaNOrInf([]float32{1, 2, 3}) {
		t.Error("finite data flagged")
	}
	if !SliceHasNaNOrInf([]float32{1, float32(math.NaN())}) {
		t.Error("NaN not flagged")
	}
	if !SliceHasNaNOrInf([]float32{float32(math.Inf(-1))}) {
		t.Error("-Inf not flagged")
	}
}
