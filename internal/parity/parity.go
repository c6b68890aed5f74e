// Package parity verifies that two data-parallel wrappers hold bit-identical
// model state, and drives the side-by-side training loops that put them in a
// position to be compared.
package parity

import (
	"fmt"

	"github.com/23skdu/longbow-volley/internal/metrics"
	"github.com/23skdu/longbow-volley/internal/nn"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

// Model is the comparable surface of a wrapped or plain module.
type Model interface {
	Parameters() []*nn.Parameter
	Buffers() []*nn.Buffer
}

// Tolerance bounds an acceptable drift: |a-b| <= Abs + Rel*|b|. The parity
// pass criterion is exact equality; tolerances only classify a failed
// comparison, so the error can say whether the mismatch is a last-bit
// rounding slip or a real divergence.
type Tolerance struct {
	Abs float32
	Rel float32
}

// Within reports whether a is within the tolerance of b. NaN is never within
// any tolerance.
func (t Tolerance) Within(a, b float32) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	bound := t.Abs
	if b < 0 {
		bound -= t.Rel * b
	} else {
		bound += t.Rel * b
	}
	return diff <= bound
}

// diagTolerance is the rounding-noise band quoted by failure diagnostics.
var diagTolerance = Tolerance{Abs: 1e-6, Rel: 1e-5}

// CheckSameModelParams compares every parameter and buffer of a and b for
// exact equality. msg is prefixed to the error to identify which step of
// which configuration diverged.
func CheckSameModelParams(a, b Model, msg string) error {
	metrics.ParityChecks.Inc()

	pa, pb := a.Parameters(), b.Parameters()
	if len(pa) != len(pb) {
		return failure("params", fmt.Errorf("%s: parameter count differs: %d vs %d", msg, len(pa), len(pb)))
	}
	for i := range pa {
		if err := compareTensors(msg, "parameter", pa[i].Name, pa[i].Data, pb[i].Data); err != nil {
			return failure("params", err)
		}
	}

	ba, bb := a.Buffers(), b.Buffers()
	if len(ba) != len(bb) {
		return failure("buffers", fmt.Errorf("%s: buffer count differs: %d vs %d", msg, len(ba), len(bb)))
	}
	for i := range ba {
		if err := compareTensors(msg, "buffer", ba[i].Name, ba[i].Data, bb[i].Data); err != nil {
			return failure("buffers", err)
		}
	}
	return nil
}

func failure(kind string, err error) error {
	metrics.ParityFailures.WithLabelValues(kind).Inc()
	return err
}

func compareTensors(msg, what, name string, a, b *tensor.Tensor) error {
	if a.Equal(b) {
		return nil
	}
	diff, idx, err := a.MaxAbsDiff(b)
	if err != nil {
		return fmt.Errorf("%s: %s %s: %w", msg, what, name, err)
	}
	metrics.ParityMaxAbsDiff.Observe(float64(diff))
	drift := "beyond rounding tolerance"
	if diagTolerance.Within(a.Data[idx], b.Data[idx]) {
		drift = "within rounding tolerance"
	}
	return fmt.Errorf("%s: %s %s differs at element %d: %v vs %v (max abs diff %v, %s)",
		msg, what, name, idx, a.Data[idx], b.Data[idx], diff, drift)
}
