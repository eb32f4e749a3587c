package imageproc

import (
	"image"

	"github.com/disintegration/imaging"
)

// ChannelOrder is the channel layout a network expects. Images in memory are
// always RGB; the order is applied only when building or reading a tensor.
type ChannelOrder int

const (
	RGB ChannelOrder = iota
	BGR
)

func (o ChannelOrder) String() string {
	if o == BGR {
		return "BGR"
	}
	return "RGB"
}

// source maps output channel k to the RGB channel it reads.
func (o ChannelOrder) source(k int) int {
	if o == BGR {
		return 2 - k
	}
	return k
}

// Normalization is applied per output channel after scaling to [0,1].
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

var (
	Unit     = Normalization{Mean: [3]float32{0, 0, 0}, Std: [3]float32{1, 1, 1}}
	ImageNet = Normalization{Mean: [3]float32{0.485, 0.456, 0.406}, Std: [3]float32{0.229, 0.224, 0.225}}
)

// ToCHW converts img into a planar float tensor [3,H,W].
func ToCHW(img *image.NRGBA, order ChannelOrder, norm Normalization) []float32 {
	src := imaging.Clone(img)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := y*src.Stride + x*4
			i := y*w + x
			for k := 0; k < 3; k++ {
				v := float32(src.Pix[p+order.source(k)]) / 255
				out[k*plane+i] = (v - norm.Mean[k]) / norm.Std[k]
			}
		}
	}
	return out
}

// FromCHW reads a [3,H,W] tensor in [0,1] back into an opaque RGB image.
func FromCHW(data []float32, w, h int, order ChannelOrder) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	plane := w * h
	for i := 0; i < plane; i++ {
		p := i * 4
		for k := 0; k < 3; k++ {
			v := data[k*plane+i]
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			out.Pix[p+order.source(k)] = uint8(v*255 + 0.5)
		}
		out.Pix[p+3] = 255
	}
	return out
}

// MaskToCHW converts a mask into a [1,H,W] tensor of zeros and ones.
func MaskToCHW(mask *image.Gray) []float32 {
	m := cloneGray(mask)
	out := make([]float32, m.Rect.Dx()*m.Rect.Dy())
	for y := 0; y < m.Rect.Dy(); y++ {
		for x := 0; x < m.Rect.Dx(); x++ {
			if m.Pix[y*m.Stride+x] > 0 {
				out[y*m.Rect.Dx()+x] = 1
			}
		}
	}
	return out
}
