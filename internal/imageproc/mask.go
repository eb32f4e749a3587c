package imageproc

import (
	"image"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// Geometry records how Letterbox placed an image on its square canvas so the
// transform can be undone.
type Geometry struct {
	OrigH, OrigW int
	NewH, NewW   int
	Top, Left    int
	Size         int
}

func letterboxGeometry(h, w, size int) Geometry {
	scale := math.Min(float64(size)/float64(h), float64(size)/float64(w))
	g := Geometry{
		OrigH: h,
		OrigW: w,
		NewH:  maxInt(1, int(math.RoundToEven(float64(h)*scale))),
		NewW:  maxInt(1, int(math.RoundToEven(float64(w)*scale))),
		Size:  size,
	}
	g.Top = (size - g.NewH) / 2
	g.Left = (size - g.NewW) / 2
	return g
}

// Letterbox scales img to fit a size×size canvas, keeping the aspect ratio,
// and centres it on a black border. Shrinking uses box filtering, enlarging
// uses bicubic.
func Letterbox(img *image.NRGBA, size int) (*image.NRGBA, Geometry) {
	b := img.Bounds()
	g := letterboxGeometry(b.Dy(), b.Dx(), size)

	var scaled *image.NRGBA
	if g.NewW < b.Dx() || g.NewH < b.Dy() {
		scaled = imaging.Resize(img, g.NewW, g.NewH, imaging.Box)
	} else {
		scaled = imaging.Clone(resize.Resize(uint(g.NewW), uint(g.NewH), img, resize.Bicubic))
	}
	return Canvas(scaled, size), g
}

// LetterboxMask applies the same placement to a mask, nearest-neighbour.
func LetterboxMask(mask *image.Gray, size int) (*image.Gray, Geometry) {
	b := mask.Bounds()
	g := letterboxGeometry(b.Dy(), b.Dx(), size)
	return CanvasMask(ResizeMask(mask, g.NewW, g.NewH), size), g
}

// RestoreMask crops the letterboxed region out of a square mask and resizes
// it back to the original resolution.
func RestoreMask(mask *image.Gray, g Geometry) *image.Gray {
	crop := image.Rect(g.Left, g.Top, g.Left+g.NewW, g.Top+g.NewH).Intersect(mask.Bounds())
	if crop.Empty() {
		return image.NewGray(image.Rect(0, 0, g.OrigW, g.OrigH))
	}
	sub := mask.SubImage(crop).(*image.Gray)
	return ResizeMask(sub, g.OrigW, g.OrigH)
}

// ResizeMask point-samples the nearest source pixel, as cv2.INTER_NEAREST
// does, so no new values appear.
func ResizeMask(mask *image.Gray, w, h int) *image.Gray {
	b := mask.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return cloneGray(mask)
	}
	out := image.NewGray(image.Rect(0, 0, w, h))
	if b.Empty() {
		return out
	}
	sw, sh := b.Dx(), b.Dy()
	xs := make([]int, w)
	for x := range xs {
		xs[x] = minInt(x*sw/w, sw-1)
	}
	for y := 0; y < h; y++ {
		sy := minInt(y*sh/h, sh-1)
		src := mask.Pix[mask.PixOffset(b.Min.X, b.Min.Y+sy):]
		dst := out.Pix[y*out.Stride : y*out.Stride+w]
		for x, sx := range xs {
			dst[x] = src[sx]
		}
	}
	return out
}

// Binarize maps every nonzero pixel to 255.
func Binarize(mask *image.Gray) *image.Gray {
	out := cloneGray(mask)
	for i, v := range out.Pix {
		if v > 0 {
			out.Pix[i] = 255
		}
	}
	return out
}

// Dilate applies one pass of a 3×3 elliptical structuring element, which at
// this size is the 4-connected cross.
func Dilate(mask *image.Gray) *image.Gray {
	src := cloneGray(mask)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))

	at := func(x, y int) uint8 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return src.Pix[y*src.Stride+x]
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := at(x, y)
			for _, n := range [4]uint8{at(x-1, y), at(x+1, y), at(x, y-1), at(x, y+1)} {
				if n > v {
					v = n
				}
			}
			out.Pix[y*out.Stride+x] = v
		}
	}
	return out
}

// Coverage is the fraction of nonzero pixels.
func Coverage(mask *image.Gray) float64 {
	b := mask.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}
	nonzero := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := mask.Pix[mask.PixOffset(b.Min.X, y) : mask.PixOffset(b.Min.X, y)+b.Dx()]
		for _, v := range row {
			if v != 0 {
				nonzero++
			}
		}
	}
	return float64(nonzero) / float64(total)
}

// MaskFromProbabilities thresholds a row-major probability grid into a mask.
func MaskFromProbabilities(prob []float64, w, h int, threshold float64) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, w, h))
	for i, p := range prob {
		if p >= threshold {
			out.Pix[i] = 255
		}
	}
	return out
}

func cloneGray(src *image.Gray) *image.Gray {
	b := src.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, src, b.Min, draw.Src)
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
