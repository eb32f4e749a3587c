package hair

import (
	"fmt"
	"image"

	"github.com/sirupsen/logrus"

	"github.com/earlydot/lesion-api/internal/imageproc"
	"github.com/earlydot/lesion-api/internal/model"
)

// Upscaler doubles the resolution of an image.
type Upscaler interface {
	Upscale(img *image.NRGBA) (*image.NRGBA, error)
}

// PassThresholds decides how many ×2 super-resolution passes a photo gets
// from its shorter edge.
type PassThresholds struct {
	Tiny      int
	Small     int
	MaxPasses int
}

var DefaultPassThresholds = PassThresholds{Tiny: 160, Small: 300, MaxPasses: 2}

func DecidePasses(h, w int, t PassThresholds) int {
	m := h
	if w < m {
		m = w
	}
	switch {
	case m <= t.Tiny:
		return minInt(2, t.MaxPasses)
	case m <= t.Small:
		return minInt(1, t.MaxPasses)
	}
	return 0
}

// ONNXUpscaler runs BSRGAN ×2.
type ONNXUpscaler struct {
	runner model.Runner
}

func NewONNXUpscaler(runner model.Runner) *ONNXUpscaler {
	return &ONNXUpscaler{runner: runner}
}

// OpenUpscaler returns nil without error when the graph is not installed.
func OpenUpscaler(layout model.Layout, log logrus.FieldLogger) (*ONNXUpscaler, error) {
	if !layout.HasSuperRes() {
		log.Info("Super-resolution model not found, skipping upscaling")
		return nil, nil
	}
	runner, err := openSession(layout.SuperRes(), []string{"input"}, []string{"output"}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load super-resolution model: %w", err)
	}
	log.Info("Super-resolution model loaded")
	return NewONNXUpscaler(runner), nil
}

func (u *ONNXUpscaler) Upscale(img *image.NRGBA) (*image.NRGBA, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	outs, err := u.runner.Run(model.Input{
		Shape: []int64{1, 3, int64(h), int64(w)},
		Data:  imageproc.ToCHW(img, imageproc.RGB, imageproc.Unit),
	})
	if err != nil {
		return nil, err
	}
	if err := model.CheckShape("output", outs[0], 1, 3, int64(2*h), int64(2*w)); err != nil {
		return nil, err
	}
	return imageproc.FromCHW(outs[0].Data, 2*w, 2*h, imageproc.RGB), nil
}

func (u *ONNXUpscaler) Close() error {
	return u.runner.Close()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
