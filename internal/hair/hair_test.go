package hair

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earlydot/lesion-api/internal/config"
	"github.com/earlydot/lesion-api/internal/imageproc"
	"github.com/earlydot/lesion-api/internal/logging"
	"github.com/earlydot/lesion-api/internal/model"
)

type fakeRunner struct {
	calls int
	run   func(inputs []model.Input) ([]model.Output, error)
}

func (f *fakeRunner) Run(inputs ...model.Input) ([]model.Output, error) {
	f.calls++
	return f.run(inputs)
}

func (f *fakeRunner) Close() error { return nil }

type doubler struct {
	calls  int
	failAt int
}

func (d *doubler) Upscale(img *image.NRGBA) (*image.NRGBA, error) {
	d.calls++
	if d.calls == d.failAt {
		return nil, errors.New("out of memory")
	}
	return imaging.Resize(img, 2*img.Rect.Dx(), 2*img.Rect.Dy(), imaging.NearestNeighbor), nil
}

type countingBackend struct {
	calls int
	err   error
}

func (b *countingBackend) Name() string { return "fake" }

func (b *countingBackend) Inpaint(_ context.Context, img *image.NRGBA, _ *image.Gray) (*image.NRGBA, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return imaging.Invert(img), nil
}

func (b *countingBackend) Close() error { return nil }

func photo(w, h int) *image.NRGBA {
	return imaging.New(w, h, color.NRGBA{180, 120, 100, 255})
}

func fullMask(w, h int) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, w, h))
	for i := range m.Pix {
		m.Pix[i] = 255
	}
	return m
}

func TestDecidePasses(t *testing.T) {
	cases := []struct {
		h, w, want int
	}{
		{100, 100, 2},
		{600, 800, 0},
		{160, 900, 2},
		{161, 900, 1},
		{300, 300, 1},
		{301, 1000, 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DecidePasses(c.h, c.w, DefaultPassThresholds), "%dx%d", c.w, c.h)
	}
	assert.Equal(t, 1, DecidePasses(100, 100, PassThresholds{Tiny: 160, Small: 300, MaxPasses: 1}))
}

func TestNormalizeTinyImageRunsTwoPasses(t *testing.T) {
	up := &doubler{}
	n := NewNormalizer(up, logging.Discard())

	out, err := n.Normalize(photo(100, 100), fullMask(100, 100))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Passes)
	assert.Equal(t, 2, up.calls)
	assert.Equal(t, image.Rect(0, 0, 512, 512), out.Image.Rect)
	assert.Equal(t, image.Rect(0, 0, 512, 512), out.Mask.Rect)
	for _, v := range out.Mask.Pix {
		assert.True(t, v == 0 || v == 255)
	}
}

func TestNormalizeLargeImageSkipsUpscaling(t *testing.T) {
	up := &doubler{}
	n := NewNormalizer(up, logging.Discard())

	out, err := n.Normalize(photo(800, 600), fullMask(800, 600))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Passes)
	assert.Equal(t, 0, up.calls)
	// 800x600 fits as 512x384 centred vertically
	assert.InDelta(t, 384.0/512, imageproc.Coverage(out.Mask), 1e-9)
}

func stripedMask(w, h int) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x += 3 {
			m.Pix[y*m.Stride+x] = 255
		}
	}
	return m
}

func TestNormalizeDownscaledMaskStaysBinary(t *testing.T) {
	n := NewNormalizer(nil, logging.Discard())
	out, err := n.Normalize(photo(1024, 768), stripedMask(1024, 768))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 512, 512), out.Mask.Rect)

	values := map[uint8]int{}
	for _, v := range out.Mask.Pix {
		values[v]++
	}
	assert.Len(t, values, 2)
	assert.Contains(t, values, uint8(0))
	assert.Contains(t, values, uint8(255))
}

func TestNormalizeKeepsLastGoodImageOnFailure(t *testing.T) {
	up := &doubler{failAt: 2}
	n := NewNormalizer(up, logging.Discard())

	out, err := n.Normalize(photo(120, 90), fullMask(120, 90))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Passes)
	assert.Equal(t, 2, up.calls)
	assert.Equal(t, image.Rect(0, 0, 512, 512), out.Image.Rect)
}

func TestNormalizeWithoutUpscaler(t *testing.T) {
	n := NewNormalizer(nil, logging.Discard())
	out, err := n.Normalize(photo(100, 100), fullMask(100, 100))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Passes)

	_, err = n.Normalize(photo(100, 100), fullMask(10, 10))
	assert.Error(t, err)
}

func TestInpaintSkipsNegligibleMask(t *testing.T) {
	backend := &countingBackend{}
	e := NewInpainter(backend, logging.Discard())

	img := photo(512, 512)
	mask := image.NewGray(image.Rect(0, 0, 512, 512))
	// 200 of 262144 pixels is below 0.1%
	for i := 0; i < 200; i++ {
		mask.Pix[i] = 255
	}
	out, err := e.Process(context.Background(), img, mask)
	require.NoError(t, err)
	assert.Same(t, img, out)
	assert.Equal(t, 0, backend.calls)

	for i := 0; i < 1000; i++ {
		mask.Pix[i] = 255
	}
	out, err = e.Process(context.Background(), img, mask)
	require.NoError(t, err)
	assert.NotSame(t, img, out)
	assert.Equal(t, 1, backend.calls)
}

func TestInpaintPropagatesBackendError(t *testing.T) {
	e := NewInpainter(&countingBackend{err: errors.New("exit status 1")}, logging.Discard())
	_, err := e.Process(context.Background(), photo(512, 512), fullMask(512, 512))
	assert.EqualError(t, err, "exit status 1")
}

func TestONNXBackendBinarizesMask(t *testing.T) {
	runner := &fakeRunner{run: func(in []model.Input) ([]model.Output, error) {
		assert.Equal(t, []int64{1, 3, 4, 4}, in[0].Shape)
		assert.Equal(t, []int64{1, 1, 4, 4}, in[1].Shape)
		for _, v := range in[1].Data {
			assert.True(t, v == 0 || v == 1)
		}
		return []model.Output{{Shape: []int64{1, 3, 4, 4}, Data: make([]float32, 48)}}, nil
	}}
	mask := image.NewGray(image.Rect(0, 0, 4, 4))
	mask.Pix[3] = 255

	out, err := NewONNXBackend(runner).Inpaint(context.Background(), photo(4, 4), mask)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{0, 0, 0, 255}, out.NRGBAAt(2, 2))
}

func TestMaskPredictorRestoresOriginalSize(t *testing.T) {
	for _, logit := range []float32{-8, 8} {
		runner := &fakeRunner{run: func(in []model.Input) ([]model.Output, error) {
			assert.Equal(t, []int64{1, 3, 64, 64}, in[0].Shape)
			data := make([]float32, 32*32)
			for i := range data {
				data[i] = logit
			}
			return []model.Output{{Shape: []int64{1, 1, 32, 32}, Data: data}}, nil
		}}
		p := NewMaskPredictor(runner, 64, 0.5, logging.Discard())

		mask, err := p.Predict(photo(300, 200))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 300, 200), mask.Rect)
		if logit > 0 {
			assert.Equal(t, 1.0, imageproc.Coverage(mask))
		} else {
			assert.Equal(t, 0.0, imageproc.Coverage(mask))
		}
	}
}

func TestMaskPredictorRejectsBadOutput(t *testing.T) {
	runner := &fakeRunner{run: func([]model.Input) ([]model.Output, error) {
		return []model.Output{{Shape: []int64{1, 2, 4, 4}, Data: make([]float32, 32)}}, nil
	}}
	_, err := NewMaskPredictor(runner, 512, 0.5, logging.Discard()).Predict(photo(10, 10))
	assert.ErrorIs(t, err, model.ErrInvalidOutput)
}

func TestLoadThreshold(t *testing.T) {
	dir := t.TempDir()
	sidecar := filepath.Join(dir, "best_threshold.txt")
	recommended := 0.35
	log := logging.Discard()

	assert.Equal(t, 0.5, LoadThreshold(sidecar, nil, log))
	assert.Equal(t, 0.35, LoadThreshold(sidecar, &recommended, log))

	require.NoError(t, os.WriteFile(sidecar, []byte(" 0.4210\n"), 0o644))
	assert.Equal(t, 0.421, LoadThreshold(sidecar, &recommended, log))

	require.NoError(t, os.WriteFile(sidecar, []byte("nan-ish"), 0o644))
	assert.Equal(t, 0.35, LoadThreshold(sidecar, &recommended, log))
}

func lamaLayout(t *testing.T, script string) model.Layout {
	t.Helper()
	layout := model.NewLayout(t.TempDir())
	files := map[string]string{
		layout.LamaConfig():     "generator:\n  kind: ffc_resnet\n  ngf: 64\n",
		layout.LamaCheckpoint(): "ckpt",
	}
	if script != "" {
		files[layout.LamaScript()] = script
	}
	for p, content := range files {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o755))
	}
	return layout
}

const copyScript = `for a in "$@"; do
  case "$a" in
    indir=*) in="${a#indir=}" ;;
    outdir=*) out="${a#outdir=}" ;;
  esac
done
test -f "$in/input_mask.png" || exit 4
cp "$in/input.png" "$out/result.png"
`

func TestSubprocessBackend(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	layout := lamaLayout(t, copyScript)
	b := NewSubprocessBackend("/bin/sh", layout, logging.Discard())

	img := photo(16, 16)
	out, err := b.Inpaint(context.Background(), img, fullMask(16, 16))
	require.NoError(t, err)
	assert.Equal(t, img.Pix, out.Pix)
}

func TestSubprocessBackendFailureCarriesStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	layout := lamaLayout(t, "echo 'CUDA error: out of memory' >&2\nexit 3\n")
	b := NewSubprocessBackend("/bin/sh", layout, logging.Discard())

	_, err := b.Inpaint(context.Background(), photo(8, 8), fullMask(8, 8))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")

	layout = lamaLayout(t, "exit 0\n")
	b = NewSubprocessBackend("/bin/sh", layout, logging.Discard())
	_, err = b.Inpaint(context.Background(), photo(8, 8), fullMask(8, 8))
	assert.ErrorContains(t, err, "no output")
}

// the shim directory comes first on PYTHONPATH and patches np.sctypes
const shimScript = `shim="${PYTHONPATH%%:*}/sitecustomize.py"
grep -q "_np.sctypes = {" "$shim" || exit 5
grep -q "_np.float = float" "$shim" || exit 6
` + copyScript

func TestSubprocessBackendInstallsNumpyShim(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	b := NewSubprocessBackend("/bin/sh", lamaLayout(t, shimScript), logging.Discard())
	_, err := b.Inpaint(context.Background(), photo(8, 8), fullMask(8, 8))
	require.NoError(t, err)
}

func stubSessions(t *testing.T, err error) {
	t.Helper()
	orig := openSession
	openSession = func(string, []string, []string, logrus.FieldLogger) (model.Runner, error) {
		if err != nil {
			return nil, err
		}
		return &fakeRunner{}, nil
	}
	t.Cleanup(func() { openSession = orig })
}

func TestSelectBackend(t *testing.T) {
	log := logging.Discard()
	layout := lamaLayout(t, "exit 0\n")
	require.NoError(t, os.WriteFile(layout.LamaONNX(), []byte("graph"), 0o644))

	stubSessions(t, errors.New("unsupported opset"))
	b, err := SelectBackend(layout, config.InpaintConfig{Backend: "auto", Python: "python3"}, log)
	require.NoError(t, err)
	assert.Equal(t, "subprocess", b.Name())

	_, err = SelectBackend(layout, config.InpaintConfig{Backend: "onnx"}, log)
	assert.ErrorContains(t, err, "unsupported opset")

	stubSessions(t, nil)
	b, err = SelectBackend(layout, config.InpaintConfig{Backend: "auto"}, log)
	require.NoError(t, err)
	assert.Equal(t, "onnx", b.Name())

	b, err = SelectBackend(layout, config.InpaintConfig{Backend: "subprocess"}, log)
	require.NoError(t, err)
	assert.Equal(t, "subprocess", b.Name())

	_, err = SelectBackend(layout, config.InpaintConfig{Backend: "gpu"}, log)
	assert.ErrorContains(t, err, "unknown inpainting backend")
}

func TestSelectBackendWithoutScript(t *testing.T) {
	layout := lamaLayout(t, "")
	_, err := SelectBackend(layout, config.InpaintConfig{Backend: "auto"}, logging.Discard())
	assert.ErrorContains(t, err, "subprocess inpainting unavailable")
}

func TestReadLamaConfig(t *testing.T) {
	layout := lamaLayout(t, "")
	kind, err := ReadLamaConfig(layout.LamaConfig())
	require.NoError(t, err)
	assert.Equal(t, "ffc_resnet", kind)

	bad := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("training_model:\n  kind: default\n"), 0o644))
	_, err = ReadLamaConfig(bad)
	assert.Error(t, err)
}

type staticMasker struct {
	mask func(w, h int) *image.Gray
	err  error
}

func (m staticMasker) Predict(img *image.NRGBA) (*image.Gray, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.mask(img.Rect.Dx(), img.Rect.Dy()), nil
}

func encoded(t *testing.T, img image.Image) []byte {
	data, err := imageproc.EncodePNG(img)
	require.NoError(t, err)
	return data
}

func TestPipeline(t *testing.T) {
	backend := &countingBackend{}
	log := logging.Discard()
	p := NewPipeline(
		staticMasker{mask: fullMask},
		NewNormalizer(&doubler{}, log),
		NewInpainter(backend, log),
		NewEnhancer(),
		log,
	)

	out, err := p.Process(context.Background(), encoded(t, photo(640, 480)))
	require.NoError(t, err)
	img, err := imageproc.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 512, 512), img.Rect)
	assert.Equal(t, 1, backend.calls)
}

func TestPipelineStageErrors(t *testing.T) {
	log := logging.Discard()
	newPipeline := func(m Masker, b Backend) *Pipeline {
		return NewPipeline(m, NewNormalizer(nil, log), NewInpainter(b, log), NewEnhancer(), log)
	}

	var se *model.StageError
	_, err := newPipeline(staticMasker{mask: fullMask}, &countingBackend{}).Process(context.Background(), []byte("junk"))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "decode", se.Stage)
	assert.ErrorIs(t, err, model.ErrInvalidImage)

	_, err = newPipeline(staticMasker{err: errors.New("bad graph")}, &countingBackend{}).Process(context.Background(), encoded(t, photo(32, 32)))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "mask", se.Stage)

	_, err = newPipeline(staticMasker{mask: fullMask}, &countingBackend{err: errors.New("exit status 1")}).Process(context.Background(), encoded(t, photo(32, 32)))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "inpaint", se.Stage)
}
