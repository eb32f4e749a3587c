package tensor

import "math"

// cubic convolution coefficient used by PyTorch's bicubic mode
const cubicA = -0.75

// Bilinear resizes a row-major h×w grid to outH×outW using half-pixel
// centres (align_corners=false), clamping negative source coordinates.
func Bilinear(src []float64, h, w, outH, outW int) []float64 {
	out := make([]float64, outH*outW)
	sy := float64(h) / float64(outH)
	sx := float64(w) / float64(outW)

	for y := 0; y < outH; y++ {
		fy := math.Max((float64(y)+0.5)*sy-0.5, 0)
		y0 := int(fy)
		y1 := minInt(y0+1, h-1)
		ly := fy - float64(y0)
		for x := 0; x < outW; x++ {
			fx := math.Max((float64(x)+0.5)*sx-0.5, 0)
			x0 := int(fx)
			x1 := minInt(x0+1, w-1)
			lx := fx - float64(x0)

			top := src[y0*w+x0]*(1-lx) + src[y0*w+x1]*lx
			bottom := src[y1*w+x0]*(1-lx) + src[y1*w+x1]*lx
			out[y*outW+x] = top*(1-ly) + bottom*ly
		}
	}
	return out
}

// Bicubic resizes a row-major h×w grid to outH×outW with the same kernel and
// coordinate mapping as torch.nn.functional.interpolate(mode="bicubic").
func Bicubic(src []float64, h, w, outH, outW int, alignCorners bool) []float64 {
	// rows first, then columns
	tmp := make([]float64, h*outW)
	for y := 0; y < h; y++ {
		resampleLine(src[y*w:(y+1)*w], tmp[y*outW:(y+1)*outW], alignCorners)
	}

	out := make([]float64, outH*outW)
	col := make([]float64, h)
	dst := make([]float64, outH)
	for x := 0; x < outW; x++ {
		for y := 0; y < h; y++ {
			col[y] = tmp[y*outW+x]
		}
		resampleLine(col, dst, alignCorners)
		for y := 0; y < outH; y++ {
			out[y*outW+x] = dst[y]
		}
	}
	return out
}

func resampleLine(src, dst []float64, alignCorners bool) {
	in, n := len(src), len(dst)
	for i := 0; i < n; i++ {
		var pos float64
		if alignCorners {
			if n > 1 {
				pos = float64(i) * float64(in-1) / float64(n-1)
			}
		} else {
			pos = (float64(i)+0.5)*float64(in)/float64(n) - 0.5
		}

		idx := int(math.Floor(pos))
		t := pos - float64(idx)
		coeffs := [4]float64{
			cubicFar(t + 1),
			cubicNear(t),
			cubicNear(1 - t),
			cubicFar(2 - t),
		}

		var v float64
		for k := 0; k < 4; k++ {
			j := clampInt(idx-1+k, 0, in-1)
			v += src[j] * coeffs[k]
		}
		dst[i] = v
	}
}

func cubicNear(x float64) float64 {
	return ((cubicA+2)*x-(cubicA+3))*x*x + 1
}

func cubicFar(x float64) float64 {
	return ((cubicA*x-5*cubicA)*x+8*cubicA)*x - 4*cubicA
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
