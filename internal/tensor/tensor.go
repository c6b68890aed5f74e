package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/x448/float16"
)

// Tensor is a dense row-major float32 matrix. Vectors are represented as
// single-row tensors.
type Tensor struct {
	Rows int
	Cols int
	Data []float32
}

// New allocates a zeroed rows x cols tensor.
func New(rows, cols int) *Tensor {
	return &Tensor{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// FromSlice wraps data as a rows x cols tensor. The slice is not copied.
func FromSlice(rows, cols int, data []float32) (*Tensor, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("invalid data length: %d (want %d x %d = %d)", len(data), rows, cols, rows*cols)
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data}, nil
}

// Full allocates a rows x cols tensor with every element set to v.
func Full(rows, cols int, v float32) *Tensor {
	t := New(rows, cols)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Ones allocates a rows x cols tensor of ones.
func Ones(rows, cols int) *Tensor {
	return Full(rows, cols, 1.0)
}

func (t *Tensor) Len() int { return len(t.Data) }

func (t *Tensor) At(r, c int) float32 { return t.Data[r*t.Cols+c] }

func (t *Tensor) Set(r, c int, v float32) { t.Data[r*t.Cols+c] = v }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.Rows, t.Cols)
	copy(out.Data, t.Data)
	return out
}

// CopyFrom overwrites t with the contents of src. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if t.Rows != src.Rows || t.Cols != src.Cols {
		return fmt.Errorf("shape mismatch: %dx%d vs %dx%d", t.Rows, t.Cols, src.Rows, src.Cols)
	}
	copy(t.Data, src.Data)
	return nil
}

// Zero clears every element in place.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Scale multiplies every element by s in place.
func (t *Tensor) Scale(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// AddScaled adds s*src to t in place. Shapes must match.
func (t *Tensor) AddScaled(src *Tensor, s float32) error {
	if len(t.Data) != len(src.Data) {
		return fmt.Errorf("length mismatch: %d vs %d", len(t.Data), len(src.Data))
	}
	for i := range t.Data {
		t.Data[i] += s * src.Data[i]
	}
	return nil
}

// AbsSum returns the sum of absolute values of all elements, accumulated in
// float32 in element order so that it is reproducible across runs.
func (t *Tensor) AbsSum() float32 {
	var sum float32
	for _, v := range t.Data {
		if v < 0 {
			sum -= v
		} else {
			sum += v
		}
	}
	return sum
}

// MaxAbsDiff returns the largest elementwise absolute difference and its flat
// index. Shapes must match.
func (t *Tensor) MaxAbsDiff(other *Tensor) (float32, int, error) {
	if len(t.Data) != len(other.Data) {
		return 0, -1, fmt.Errorf("length mismatch: %d vs %d", len(t.Data), len(other.Data))
	}
	var maxDiff float32
	idx := -1
	for i := range t.Data {
		d := float32(math.Abs(float64(t.Data[i] - other.Data[i])))
		if d > maxDiff || idx == -1 {
			maxDiff = d
			idx = i
		}
	}
	return maxDiff, idx, nil
}

// Equal reports exact elementwise equality. NaNs never compare equal.
func (t *Tensor) Equal(other *Tensor) bool {
	if t.Rows != other.Rows || t.Cols != other.Cols {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// RandUniform fills t with uniform values in [0, 1) drawn from rng.
func (t *Tensor) RandUniform(rng *rand.Rand) {
	for i := range t.Data {
		t.Data[i] = rng.Float32()
	}
}

// RandUniformRange fills t with uniform values in [lo, hi) drawn from rng.
func (t *Tensor) RandUniformRange(rng *rand.Rand, lo, hi float32) {
	for i := range t.Data {
		t.Data[i] = lo + (hi-lo)*rng.Float32()
	}
}

// HasNaNOrInf reports whether any element is NaN or infinite.
func (t *Tensor) HasNaNOrInf() bool {
	return SliceHasNaNOrInf(t.Data)
}

// SliceHasNaNOrInf reports whether any element of data is NaN or infinite.
func SliceHasNaNOrInf(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// RoundTripFP16 converts every element to IEEE binary16 and back, in place.
// This is the single rounding path used both by fp16 gradient compression and
// by the autocast emulation; keeping it shared is what makes fp16 runs
// bit-comparable between the sharded and baseline wrappers.
func RoundTripFP16(data []float32) {
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}
