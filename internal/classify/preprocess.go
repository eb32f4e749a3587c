package classify

import (
	"image"

	"github.com/disintegration/imaging"

	"github.com/earlydot/lesion-api/internal/imageproc"
)

// InputSize is the square resolution both classifiers were trained at.
const InputSize = 512

// Input is a photo prepared once and shared by every classifier and by the
// explainer.
type Input struct {
	Image  *image.NRGBA
	Tensor []float32
}

func (in *Input) Shape() []int64 {
	return []int64{1, 3, InputSize, InputSize}
}

// Prepare resizes to 512×512 with an antialiased linear filter and applies
// ImageNet normalization.
func Prepare(img image.Image) *Input {
	resized := imaging.Resize(img, InputSize, InputSize, imaging.Linear)
	return &Input{
		Image:  resized,
		Tensor: imageproc.ToCHW(resized, imageproc.RGB, imageproc.ImageNet),
	}
}
