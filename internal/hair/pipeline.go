// Package hair removes body hair from lesion photos: segment, normalize,
// inpaint, enhance.
package hair

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/earlydot/lesion-api/internal/imageproc"
	"github.com/earlydot/lesion-api/internal/logging"
	"github.com/earlydot/lesion-api/internal/model"
)

type Masker interface {
	Predict(img *image.NRGBA) (*image.Gray, error)
}

// Pipeline chains the four hair-removal stages.
type Pipeline struct {
	masker     Masker
	normalizer *Normalizer
	inpainter  *Inpainter
	enhancer   *Enhancer
	log        logrus.FieldLogger
}

func NewPipeline(masker Masker, normalizer *Normalizer, inpainter *Inpainter, enhancer *Enhancer, log logrus.FieldLogger) *Pipeline {
	return &Pipeline{
		masker:     masker,
		normalizer: normalizer,
		inpainter:  inpainter,
		enhancer:   enhancer,
		log:        log,
	}
}

// Process decodes a photo, removes hair and returns the result as PNG.
// Every error is a *model.StageError.
func (p *Pipeline) Process(ctx context.Context, data []byte) ([]byte, error) {
	img, err := p.Run(ctx, data)
	if err != nil {
		return nil, err
	}
	out, err := imageproc.EncodePNG(img)
	return out, model.Stage("encode", err)
}

// Run is Process without the final encode.
func (p *Pipeline) Run(ctx context.Context, data []byte) (*image.NRGBA, error) {
	start := time.Now()
	log := logging.FromContext(ctx, p.log)

	img, err := imageproc.Decode(data)
	if err != nil {
		return nil, model.Stage("decode", fmt.Errorf("%w: %v", model.ErrInvalidImage, err))
	}
	log = log.WithField("size", fmt.Sprintf("%dx%d", img.Rect.Dx(), img.Rect.Dy()))

	mask, err := p.masker.Predict(img)
	if err != nil {
		return nil, model.Stage("mask", err)
	}

	norm, err := p.normalizer.Normalize(img, mask)
	if err != nil {
		return nil, model.Stage("normalize", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, model.Stage("inpaint", err)
	}
	inpainted, err := p.inpainter.Process(ctx, norm.Image, norm.Mask)
	if err != nil {
		return nil, model.Stage("inpaint", err)
	}

	out := p.enhancer.Enhance(inpainted)
	log.WithFields(logrus.Fields{
		"coverage": imageproc.Coverage(norm.Mask),
		"passes":   norm.Passes,
		"backend":  p.inpainter.Backend(),
		"elapsed":  time.Since(start),
	}).Info("Hair removal done")
	return out, nil
}
