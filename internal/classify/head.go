package classify

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/earlydot/lesion-api/internal/checkpoint"
	"github.com/earlydot/lesion-api/internal/tensor"
)

const (
	ResNetFeatures = 2048
	EffNetFeatures = 1792
	FeatureSize    = ResNetFeatures + EffNetFeatures
	HiddenSize     = 512
)

// Head is the CNN ensemble classifier: Linear(3840,512), ReLU,
// Linear(512,8). Dropout layers are identity at inference.
type Head struct {
	w1 *mat.Dense
	b1 *mat.VecDense
	w2 *mat.Dense
	b2 *mat.VecDense
}

func NewHead(w1 *mat.Dense, b1 *mat.VecDense, w2 *mat.Dense, b2 *mat.VecDense) (*Head, error) {
	r1, c1 := w1.Dims()
	r2, c2 := w2.Dims()
	if r1 != b1.Len() || c2 != r1 || r2 != b2.Len() {
		return nil, fmt.Errorf("inconsistent head shapes: w1 %dx%d b1 %d w2 %dx%d b2 %d",
			r1, c1, b1.Len(), r2, c2, b2.Len())
	}
	return &Head{w1: w1, b1: b1, w2: w2, b2: b2}, nil
}

// LoadHead reads classifier.1 and classifier.4 from the ensemble checkpoint.
func LoadHead(sd *checkpoint.StateDict) (*Head, error) {
	dense := func(name string, rows, cols int) (*mat.Dense, error) {
		t, err := sd.Tensor(name, rows, cols)
		if err != nil {
			return nil, err
		}
		return mat.NewDense(rows, cols, tensor.ToFloat64(t.Data)), nil
	}
	vec := func(name string, n int) (*mat.VecDense, error) {
		t, err := sd.Tensor(name, n)
		if err != nil {
			return nil, err
		}
		return mat.NewVecDense(n, tensor.ToFloat64(t.Data)), nil
	}

	w1, err := dense("classifier.1.weight", HiddenSize, FeatureSize)
	if err != nil {
		return nil, err
	}
	b1, err := vec("classifier.1.bias", HiddenSize)
	if err != nil {
		return nil, err
	}
	w2, err := dense("classifier.4.weight", NumClasses, HiddenSize)
	if err != nil {
		return nil, err
	}
	b2, err := vec("classifier.4.bias", NumClasses)
	if err != nil {
		return nil, err
	}
	return NewHead(w1, b1, w2, b2)
}

// Forward returns the logits and the pre-activation hidden layer.
func (h *Head) Forward(features []float64) (logits, hidden []float64, err error) {
	_, in := h.w1.Dims()
	if len(features) != in {
		return nil, nil, fmt.Errorf("head expects %d features, got %d", in, len(features))
	}

	var z mat.VecDense
	z.MulVec(h.w1, mat.NewVecDense(len(features), features))
	z.AddVec(&z, h.b1)

	a := mat.NewVecDense(z.Len(), nil)
	for i := 0; i < z.Len(); i++ {
		if v := z.AtVec(i); v > 0 {
			a.SetVec(i, v)
		}
	}

	var out mat.VecDense
	out.MulVec(h.w2, a)
	out.AddVec(&out, h.b2)
	return out.RawVector().Data, z.RawVector().Data, nil
}

// Gradient returns d logit[class] / d features given the hidden
// pre-activations from Forward.
func (h *Head) Gradient(hidden []float64, class int) []float64 {
	n := len(hidden)
	delta := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		if hidden[i] > 0 {
			delta.SetVec(i, h.w2.At(class, i))
		}
	}
	var g mat.VecDense
	g.MulVec(h.w1.T(), delta)
	return g.RawVector().Data
}
