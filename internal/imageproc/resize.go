package imageproc

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// Sharpen blends an image with its Gaussian blur: Weight*img + (1-Weight)*blur.
// A weight above one is an unsharp mask.
type Sharpen struct {
	Weight float64
	Sigma  float64
}

// ResizePolicy fits an image to a long edge. Shrinking pre-blurs with
// DownSigma and box-filters; enlarging uses bicubic followed by Up; an image
// already at the target only gets Equal.
type ResizePolicy struct {
	DownSigma float64
	Up        Sharpen
	Equal     Sharpen
}

var (
	// NormalizePolicy is applied before inpainting.
	NormalizePolicy = ResizePolicy{
		DownSigma: 0.55,
		Up:        Sharpen{Weight: 1.10, Sigma: 0.7},
		Equal:     Sharpen{Weight: 1.02, Sigma: 0.4},
	}
	// EnhancePolicy is applied to the inpainted result.
	EnhancePolicy = ResizePolicy{
		DownSigma: 0.55,
		Up:        Sharpen{Weight: 1.12, Sigma: 0.7},
		Equal:     Sharpen{Weight: 1.05, Sigma: 0.5},
	}
)

// LongEdgeSize returns the w×h an image takes when its long edge is scaled to
// target.
func LongEdgeSize(w, h, target int) (int, int) {
	long := maxInt(w, h)
	if long == target {
		return w, h
	}
	scale := float64(target) / float64(long)
	return maxInt(1, int(math.RoundToEven(float64(w)*scale))), maxInt(1, int(math.RoundToEven(float64(h)*scale)))
}

// Fit resizes img so its long edge equals target.
func (p ResizePolicy) Fit(img *image.NRGBA, target int) *image.NRGBA {
	b := img.Bounds()
	long := maxInt(b.Dx(), b.Dy())
	w, h := LongEdgeSize(b.Dx(), b.Dy(), target)

	switch {
	case long > target:
		return imaging.Resize(imaging.Blur(img, p.DownSigma), w, h, imaging.Box)
	case long < target:
		up := imaging.Clone(resize.Resize(uint(w), uint(h), img, resize.Bicubic))
		return p.Up.Apply(up)
	default:
		return p.Equal.Apply(img)
	}
}

// Apply blends img with its blur, saturating to 8 bits.
func (s Sharpen) Apply(img *image.NRGBA) *image.NRGBA {
	blur := imaging.Blur(img, s.Sigma)
	src := imaging.Clone(img)
	out := image.NewNRGBA(src.Rect)
	for i := 0; i < len(src.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := s.Weight*float64(src.Pix[i+c]) + (1-s.Weight)*float64(blur.Pix[i+c])
			out.Pix[i+c] = saturate(v)
		}
		out.Pix[i+3] = src.Pix[i+3]
	}
	return out
}

// Canvas centres img on a black size×size canvas.
func Canvas(img *image.NRGBA, size int) *image.NRGBA {
	b := img.Bounds()
	canvas := imaging.New(size, size, color.NRGBA{0, 0, 0, 255})
	return imaging.Paste(canvas, img, image.Pt((size-b.Dx())/2, (size-b.Dy())/2))
}

// CanvasMask centres mask on a zero size×size mask.
func CanvasMask(mask *image.Gray, size int) *image.Gray {
	b := mask.Bounds()
	out := image.NewGray(image.Rect(0, 0, size, size))
	top, left := (size-b.Dy())/2, (size-b.Dx())/2
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			ox, oy := left+x, top+y
			if ox < 0 || oy < 0 || ox >= size || oy >= size {
				continue
			}
			out.Pix[oy*out.Stride+ox] = mask.GrayAt(b.Min.X+x, b.Min.Y+y).Y
		}
	}
	return out
}

func saturate(v float64) uint8 {
	v = math.RoundToEven(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
