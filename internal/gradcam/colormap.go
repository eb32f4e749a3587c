package gradcam

import "image/color"

type stop struct{ x, y float64 }

// matplotlib "jet" segment data
var (
	jetRed   = []stop{{0, 0}, {0.35, 0}, {0.66, 1}, {0.89, 1}, {1, 0.5}}
	jetGreen = []stop{{0, 0}, {0.125, 0}, {0.375, 1}, {0.64, 1}, {0.91, 0}, {1, 0}}
	jetBlue  = []stop{{0, 0.5}, {0.11, 1}, {0.34, 1}, {0.65, 0}, {1, 0}}
)

const lutSize = 256

var jetLUT = buildJet()

func buildJet() [lutSize]color.NRGBA {
	var lut [lutSize]color.NRGBA
	for i := range lut {
		x := float64(i) / (lutSize - 1)
		lut[i] = color.NRGBA{
			R: uint8(segment(jetRed, x)*255 + 0.5),
			G: uint8(segment(jetGreen, x)*255 + 0.5),
			B: uint8(segment(jetBlue, x)*255 + 0.5),
			A: 255,
		}
	}
	return lut
}

func segment(stops []stop, x float64) float64 {
	for i := 1; i < len(stops); i++ {
		if x <= stops[i].x {
			a, b := stops[i-1], stops[i]
			return a.y + (b.y-a.y)*(x-a.x)/(b.x-a.x)
		}
	}
	return stops[len(stops)-1].y
}

// Jet maps v in [0,1] to the jet colormap, quantized like matplotlib.
func Jet(v float64) color.NRGBA {
	i := int(v * lutSize)
	if i < 0 {
		i = 0
	}
	if i >= lutSize {
		i = lutSize - 1
	}
	return jetLUT[i]
}
