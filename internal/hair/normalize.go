package hair

import (
	"fmt"
	"image"

	"github.com/sirupsen/logrus"

	"github.com/earlydot/lesion-api/internal/imageproc"
)

// Normalizer brings a photo and its mask to the canonical canvas, first
// super-resolving small photos when an upscaler is available.
type Normalizer struct {
	upscaler   Upscaler
	thresholds PassThresholds
	policy     imageproc.ResizePolicy
	size       int
	log        logrus.FieldLogger
}

// NewNormalizer accepts a nil upscaler, in which case no passes run.
func NewNormalizer(upscaler Upscaler, log logrus.FieldLogger) *Normalizer {
	return &Normalizer{
		upscaler:   upscaler,
		thresholds: DefaultPassThresholds,
		policy:     imageproc.NormalizePolicy,
		size:       CanvasSize,
		log:        log,
	}
}

type Normalized struct {
	Image  *image.NRGBA
	Mask   *image.Gray
	Passes int
}

func (n *Normalizer) Normalize(img *image.NRGBA, mask *image.Gray) (*Normalized, error) {
	if img.Rect.Size() != mask.Rect.Size() {
		return nil, fmt.Errorf("mask %v does not match image %v", mask.Rect.Size(), img.Rect.Size())
	}

	passes := 0
	if n.upscaler != nil {
		want := DecidePasses(img.Rect.Dy(), img.Rect.Dx(), n.thresholds)
		for i := 0; i < want; i++ {
			up, err := n.upscaler.Upscale(img)
			if err != nil {
				n.log.WithError(err).WithField("pass", i+1).Warn("Super-resolution failed, continuing without it")
				break
			}
			img = up
			mask = imageproc.ResizeMask(mask, up.Rect.Dx(), up.Rect.Dy())
			passes++
		}
	}

	fitted := n.policy.Fit(img, n.size)
	fittedMask := imageproc.ResizeMask(mask, fitted.Rect.Dx(), fitted.Rect.Dy())

	n.log.WithFields(logrus.Fields{
		"passes":   passes,
		"prepared": fmt.Sprintf("%dx%d", fitted.Rect.Dx(), fitted.Rect.Dy()),
	}).Debug("Image normalized")

	return &Normalized{
		Image:  imageproc.Canvas(fitted, n.size),
		Mask:   imageproc.CanvasMask(fittedMask, n.size),
		Passes: passes,
	}, nil
}

// Enhancer gives the inpainted result the final resize-and-sharpen pass.
type Enhancer struct {
	policy imageproc.ResizePolicy
	size   int
}

func NewEnhancer() *Enhancer {
	return &Enhancer{policy: imageproc.EnhancePolicy, size: CanvasSize}
}

func (e *Enhancer) Enhance(img *image.NRGBA) *image.NRGBA {
	return imageproc.Canvas(e.policy.Fit(img, e.size), e.size)
}
