package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-volley/internal/tensor"
)

func TestLinearForward(t *testing.T) {
	l := NewLinear(2, 1, rand.New(rand.NewSource(0)), "test")
	copy(l.W.Data.Data, []float32{2, 3})
	copy(l.B.Data.Data, []float32{1})

	x, _ := tensor.FromSlice(2, 2, []float32{1, 2, 3, 4})
	y, err := l.Forward(x)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	want := []float32{9, 19}
	for i, v := range y.Data {
		if v != want[i] {
			t.Errorf("output[%d] = %v, want %v", i, v, want[i])
		}
	}

	bad := tensor.New(2, 3)
	if _, err := l.Forward(bad); err == nil {
		t.Error("expected error for wrong input width")
	}
}

func TestLinearBackward(t *testing.T) {
	l := NewLinear(2, 1, rand.New(rand.NewSource(0)), "test")
	copy(l.W.Data.Data, []float32{2, 3})
	copy(l.B.Data.Data, []float32{1})

	x, _ := tensor.FromSlice(2, 2, []float32{1, 2, 3, 4})
	if _, err := l.Forward(x); err != nil {
		t.Fatalf("forward failed: %v", err)
	}

	gradOut, _ := tensor.FromSlice(2, 1, []float32{1, 1})
	gx, err := l.Backward(gradOut, true)
	if err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	wantW := []float32{4, 6}
	for i, v := range l.W.Grad.Data {
		if v != wantW[i] {
			t.Errorf("dW[%d] = %v, want %v", i, v, wantW[i])
		}
	}
	if l.B.Grad.Data[0] != 2 {
		t.Errorf("db = %v, want 2", l.B.Grad.Data[0])
	}
	wantX := []float32{2, 3, 2, 3}
	for i, v := range gx.Data {
		if v != wantX[i] {
			t.Errorf("dX[%d] = %v, want %v", i, v, wantX[i])
		}
	}
}

func TestLinearBackwardAccumulates(t *testing.T) {
	l := NewLinear(2, 1, rand.New(rand.NewSource(0)), "test")
	x, _ := tensor.FromSlice(1, 2, []float32{1, 1})
	gradOut, _ := tensor.FromSlice(1, 1, []float32{1})

	for i := 0; i < 2; i++ {
		if _, err := l.Forward(x); err != nil {
			t.Fatalf("forward failed: %v", err)
		}
		if _, err := l.Backward(gradOut, false); err != nil {
			t.Fatalf("backward failed: %v", err)
		}
	}
	if l.B.Grad.Data[0] != 2 {
		t.Errorf("gradient should accumulate across backwards: db = %v, want 2", l.B.Grad.Data[0])
	}
}

func TestFrozenParameterGetsNoGrad(t *testing.T) {
	l := NewLinear(2, 1, rand.New(rand.NewSource(0)), "test")
	l.W.RequiresGrad = false
	x, _ := tensor.FromSlice(1, 2, []float32{1, 1})
	gradOut, _ := tensor.FromSlice(1, 1, []float32{1})

	if _, err := l.Forward(x); err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if _, err := l.Backward(gradOut, false); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	if l.W.Grad != nil {
		t.Error("frozen weight must not allocate a gradient")
	}
	if l.B.Grad == nil {
		t.Error("trainable bias should still get a gradient")
	}
}

// TestMLPGradientFiniteDifference validates the backward chain against a
// central difference of the abs-sum loss. All weights are shifted positive so
// every activation stays away from the kink of |x| under perturbation.
func TestMLPGradientFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	m := NewMLP(2, 3, 4, rng)
	for _, p := range m.Parameters() {
		for i, v := range p.Data.Data {
			p.Data.Data[i] = float32(math.Abs(float64(v))) + 0.5
		}
	}
	x := tensor.New(5, 2)
	x.RandUniform(rng)

	out, err := m.Forward(x)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	_, grad := AbsSumLoss(out, 1)
	if err := m.Backward(grad); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	loss := func() float64 {
		out, err := m.Forward(x)
		if err != nil {
			t.Fatalf("forward failed: %v", err)
		}
		return float64(out.AbsSum())
	}

	const eps = 1e-2
	for _, p := range m.Parameters() {
		for i := range p.Data.Data {
			orig := p.Data.Data[i]
			p.Data.Data[i] = orig + eps
			plus := loss()
			p.Data.Data[i] = orig - eps
			minus := loss()
			p.Data.Data[i] = orig

			numeric := (plus - minus) / (2 * eps)
			analytic := float64(p.Grad.Data[i])
			if math.Abs(numeric-analytic) > 5e-2*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s[%d]: analytic %v vs numeric %v", p.Name, i, analytic, numeric)
			}
		}
	}
}

func TestMLPCloneIsIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m := NewMLP(2, 3, 6, rng)
	m.RegisterBuffer("test_buffer", tensor.Full(1, 1, 7))
	m.Parameters()[0].RequiresGrad = false

	c := m.Clone()
	if len(c.Parameters()) != len(m.Parameters()) {
		t.Fatalf("clone has %d params, want %d", len(c.Parameters()), len(m.Parameters()))
	}
	if c.Parameters()[0].RequiresGrad {
		t.Error("clone must preserve trainability flags")
	}
	if len(c.Buffers()) != 1 || c.Buffers()[0].Data.Data[0] != 7 {
		t.Error("clone must carry buffers")
	}

	c.Parameters()[1].Data.Data[0] += 1
	if m.Parameters()[1].Data.Data[0] == c.Parameters()[1].Data.Data[0] {
		t.Error("clone must not share parameter storage")
	}
}

func TestAbsSumLossGrad(t *testing.T) {
	out, _ := tensor.FromSlice(1, 3, []float32{2, -3, 0})
	loss, grad := AbsSumLoss(out, 2)
	if loss != 5 {
		t.Errorf("loss = %v, want 5", loss)
	}
	want := []float32{2, -2, 0}
	for i, v := range grad.Data {
		if v != want[i] {
			t.Errorf("grad[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestMLPAutocastRoundsActivations(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	m := NewMLP(2, 3, 2, rng)
	x := tensor.New(1, 2)
	x.RandUniform(rng)

	plain, err := m.Forward(x)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	m.Autocast = true
	cast, err := m.Forward(x)
	if err != nil {
		t.Fatalf("autocast forward failed: %v", err)
	}
	if plain.Equal(cast) {
		t.Error("autocast output should differ from full precision for generic inputs")
	}

	cast2, err := m.Forward(x)
	if err != nil {
		t.Fatalf("autocast forward failed: %v", err)
	}
	if !cast.Equal(cast2) {
		t.Error("autocast must be deterministic")
	}
}
