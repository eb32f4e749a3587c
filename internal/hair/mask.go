package hair

import (
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/earlydot/lesion-api/internal/imageproc"
	"github.com/earlydot/lesion-api/internal/model"
	"github.com/earlydot/lesion-api/internal/tensor"
)

// CanvasSize is the square working resolution of every hair-removal stage.
const CanvasSize = 512

const defaultThreshold = 0.5

// MaskPredictor segments hair with the U-Net++ graph and returns a binary
// mask at the photo's own resolution.
type MaskPredictor struct {
	runner       model.Runner
	internalSize int
	threshold    float64
	log          logrus.FieldLogger
}

func NewMaskPredictor(runner model.Runner, internalSize int, threshold float64, log logrus.FieldLogger) *MaskPredictor {
	return &MaskPredictor{runner: runner, internalSize: internalSize, threshold: threshold, log: log}
}

// OpenMaskPredictor loads the segmentation graph and its decision threshold.
func OpenMaskPredictor(layout model.Layout, spec model.HairMaskSpec, log logrus.FieldLogger) (*MaskPredictor, error) {
	runner, err := openSession(layout.HairMask(), []string{"input"}, []string{"logits"}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load hair mask model: %w", err)
	}
	threshold := LoadThreshold(layout.HairThreshold(), spec.RecommendedThreshold, log)
	log.WithFields(logrus.Fields{
		"internal_size": spec.InternalSize,
		"threshold":     threshold,
	}).Info("Hair mask model loaded")
	return NewMaskPredictor(runner, spec.InternalSize, threshold, log), nil
}

// LoadThreshold prefers the calibrated sidecar file, then the manifest value,
// then 0.5.
func LoadThreshold(sidecar string, recommended *float64, log logrus.FieldLogger) float64 {
	if data, err := os.ReadFile(sidecar); err == nil {
		v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err == nil && v > 0 && v < 1 {
			return v
		}
		log.Warnf("Ignoring unreadable threshold file %s", sidecar)
	}
	if recommended != nil {
		return *recommended
	}
	log.Warnf("No calibrated hair mask threshold found, using %.2f", defaultThreshold)
	return defaultThreshold
}

func (p *MaskPredictor) Threshold() float64 {
	return p.threshold
}

func (p *MaskPredictor) Predict(img *image.NRGBA) (*image.Gray, error) {
	padded, geom := imageproc.Letterbox(img, CanvasSize)
	chw := imageproc.ToCHW(padded, imageproc.RGB, imageproc.Unit)

	s := p.internalSize
	input := chw
	if s != CanvasSize {
		input = make([]float32, 3*s*s)
		plane := CanvasSize * CanvasSize
		for c := 0; c < 3; c++ {
			src := tensor.ToFloat64(chw[c*plane : (c+1)*plane])
			copy(input[c*s*s:], tensor.ToFloat32(tensor.Bilinear(src, CanvasSize, CanvasSize, s, s)))
		}
	}

	outs, err := p.runner.Run(model.Input{Shape: []int64{1, 3, int64(s), int64(s)}, Data: input})
	if err != nil {
		return nil, err
	}
	logits := outs[0]
	if err := model.CheckShape("logits", logits, 1, 1, -1, -1); err != nil {
		return nil, err
	}
	lh, lw := int(logits.Shape[2]), int(logits.Shape[3])

	up := tensor.Bilinear(tensor.ToFloat64(logits.Data), lh, lw, CanvasSize, CanvasSize)
	for i, v := range up {
		up[i] = tensor.Sigmoid(v)
	}
	square := imageproc.MaskFromProbabilities(up, CanvasSize, CanvasSize, p.threshold)

	mask := imageproc.Dilate(imageproc.Binarize(imageproc.RestoreMask(square, geom)))
	p.log.WithFields(logrus.Fields{
		"width":    geom.OrigW,
		"height":   geom.OrigH,
		"coverage": imageproc.Coverage(mask),
	}).Debug("Hair mask predicted")
	return mask, nil
}

func (p *MaskPredictor) Close() error {
	return p.runner.Close()
}

// openSession is replaced in tests.
var openSession = func(path string, inputs, outputs []string, log logrus.FieldLogger) (model.Runner, error) {
	return model.OpenSession(path, inputs, outputs, log)
}
