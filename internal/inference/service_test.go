package inference

import (
	"context"
	"errors"
	"image/color"
	"io"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earlydot/lesion-api/internal/classify"
	"github.com/earlydot/lesion-api/internal/imageproc"
	"github.com/earlydot/lesion-api/internal/logging"
	"github.com/earlydot/lesion-api/internal/model"
	"github.com/earlydot/lesion-api/internal/risk"
)

type fakeHair struct {
	started chan struct{}
	block   chan struct{}
	calls   int
}

func (f *fakeHair) Process(ctx context.Context, data []byte) ([]byte, error) {
	f.calls++
	if f.block != nil {
		f.started <- struct{}{}
		<-f.block
	}
	return []byte("png"), nil
}

type fakeEnsemble struct {
	classes classify.Classes
	probs   classify.Probabilities
	err     error
}

func (f *fakeEnsemble) Classify(in *classify.Input) (*classify.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	probs := append(classify.Probabilities(nil), f.probs...)
	top := 0
	for i, p := range probs {
		if p > probs[top] {
			top = i
		}
	}
	return &classify.Result{Probs: probs, Top: top, Classes: f.classes, Input: in}, nil
}

func (f *fakeEnsemble) Classes() classify.Classes { return f.classes }
func (f *fakeEnsemble) Names() []string           { return []string{"cnn", "vit"} }

type fakeExplainer struct {
	calls int
	err   error
}

func (f *fakeExplainer) Explain(in *classify.Input, target, predicted int) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

type closer struct{ closed bool }

func (c *closer) Close() error {
	c.closed = true
	return nil
}

// mel at 0.8 in ISIC order
var melProbs = classify.Probabilities{0.05, 0.05, 0.03, 0.02, 0.8, 0.02, 0.02, 0.01}

func newService(t *testing.T, c Components) *Service {
	t.Helper()
	if c.Ensemble == nil {
		classes, err := classify.NewClasses(classify.ISICOrder)
		require.NoError(t, err)
		c.Ensemble = &fakeEnsemble{classes: classes, probs: melProbs}
	}
	if c.Hair == nil {
		c.Hair = &fakeHair{}
	}
	if c.Risk.Version == "" {
		c.Risk = risk.Default
	}
	return New(c, logging.Discard())
}

func photo(t *testing.T) []byte {
	data, err := imageproc.EncodePNG(imaging.New(40, 30, color.NRGBA{180, 120, 100, 255}))
	require.NoError(t, err)
	return data
}

func TestPredictWithoutGradCAMNeverExplains(t *testing.T) {
	exp := &fakeExplainer{}
	svc := newService(t, Components{Explainer: exp})

	pred, err := svc.Predict(context.Background(), photo(t), false)
	require.NoError(t, err)
	assert.Zero(t, exp.calls)
	assert.Nil(t, pred.GradCAM)
	assert.Equal(t, risk.High, pred.RiskLevel)
	assert.Equal(t, "흑색종", pred.DiseaseNameKO)
	assert.Equal(t, "Melanoma", pred.DiseaseNameEN)
	assert.InDelta(t, 0.8, pred.ClassProbs["흑색종"], 1e-12)
	assert.Len(t, pred.ClassProbs, classify.NumClasses)
}

func TestPredictWithGradCAM(t *testing.T) {
	exp := &fakeExplainer{}
	svc := newService(t, Components{Explainer: exp})

	pred, err := svc.Predict(context.Background(), photo(t), true)
	require.NoError(t, err)
	assert.Equal(t, 1, exp.calls)
	assert.NotEmpty(t, pred.GradCAM)
}

func TestGradCAMFailureDegradesToNull(t *testing.T) {
	svc := newService(t, Components{Explainer: &fakeExplainer{err: errors.New("boom")}})
	pred, err := svc.Predict(context.Background(), photo(t), true)
	require.NoError(t, err)
	assert.Nil(t, pred.GradCAM)

	svc = newService(t, Components{})
	pred, err = svc.Predict(context.Background(), photo(t), true)
	require.NoError(t, err)
	assert.Nil(t, pred.GradCAM)
}

func TestPredictIsDeterministic(t *testing.T) {
	svc := newService(t, Components{})
	a, err := svc.Predict(context.Background(), photo(t), false)
	require.NoError(t, err)
	b, err := svc.Predict(context.Background(), photo(t), false)
	require.NoError(t, err)
	assert.Equal(t, a.ClassProbs, b.ClassProbs)
}

func TestPredictErrors(t *testing.T) {
	svc := newService(t, Components{})
	_, err := svc.Predict(context.Background(), []byte("not an image"), false)
	assert.ErrorIs(t, err, model.ErrInvalidImage)
	var se *model.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "decode", se.Stage)

	classes, _ := classify.NewClasses(classify.ISICOrder)
	svc = newService(t, Components{Ensemble: &fakeEnsemble{classes: classes, err: model.ErrInvalidOutput}})
	_, err = svc.Predict(context.Background(), photo(t), false)
	assert.ErrorIs(t, err, model.ErrInvalidOutput)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "classify", se.Stage)
}

func TestAdmissionControl(t *testing.T) {
	h := &fakeHair{started: make(chan struct{}), block: make(chan struct{})}
	svc := newService(t, Components{Hair: h, MaxActive: 1})

	done := make(chan error)
	go func() {
		_, err := svc.RemoveHair(context.Background(), nil)
		done <- err
	}()
	<-h.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.RemoveHair(ctx, nil)
	assert.ErrorIs(t, err, model.ErrBusy)

	close(h.block)
	require.NoError(t, <-done)

	h.block = nil
	out, err := svc.RemoveHair(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), out)
	assert.Equal(t, 2, h.calls)
}

func TestHealthAndClose(t *testing.T) {
	c := &closer{}
	svc := newService(t, Components{
		Health:  model.Health{Inpainting: "onnx", SuperResolution: true},
		Closers: []io.Closer{c},
	})

	h := svc.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, []string{"cnn", "vit"}, h.Classifiers)
	assert.Equal(t, classify.ISICOrder, h.ClassOrder)
	assert.Equal(t, "2024.1", h.RiskTable)
	assert.Equal(t, "onnx", h.Inpainting)

	require.NoError(t, svc.Close())
	assert.True(t, c.closed)
}
