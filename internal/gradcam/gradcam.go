// Package gradcam renders GradCAM++ heatmaps over ResNet50's last stage of
// the CNN ensemble.
package gradcam

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/earlydot/lesion-api/internal/classify"
	"github.com/earlydot/lesion-api/internal/imageproc"
	"github.com/earlydot/lesion-api/internal/tensor"
)

const (
	// Opacity of the heatmap over the photo.
	Opacity  = 0.5
	camGamma = 0.8
)

// Source is the part of the CNN the explainer needs.
type Source interface {
	Forward(in *classify.Input) (*classify.Activations, error)
	Head() *classify.Head
}

type Explainer struct {
	source   Source
	classes  classify.Classes
	profiles map[string]Profile
	log      logrus.FieldLogger
}

func NewExplainer(source Source, classes classify.Classes, profiles map[string]Profile, log logrus.FieldLogger) *Explainer {
	return &Explainer{source: source, classes: classes, profiles: profiles, log: log}
}

// Explain returns a PNG of the class heatmap blended over the prepared
// input. target is the class to explain; the profile follows predicted.
func (e *Explainer) Explain(in *classify.Input, target, predicted int) ([]byte, error) {
	if target < 0 || target >= len(e.classes) || predicted < 0 || predicted >= len(e.classes) {
		return nil, fmt.Errorf("class index out of range: %d/%d", target, predicted)
	}
	cam, h, w, err := e.Heatmap(in, target)
	if err != nil {
		return nil, err
	}

	profile, ok := e.profiles[e.classes[predicted].Code]
	if !ok {
		profile = FallbackProfile
	}
	profile.Apply(cam)

	overlay := Overlay(in.Image, cam, h, w)
	e.log.WithFields(logrus.Fields{
		"class":   e.classes[target].Code,
		"profile": profile,
	}).Debug("GradCAM rendered")
	return imageproc.EncodePNG(overlay)
}

// Heatmap computes the GradCAM++ map for class on the layer4 grid, min-max
// normalized with a mild gamma.
//
// layer4 only reaches the logits through global average pooling, so the
// gradient at every position of channel k is g_k/(H·W), where g is the head
// gradient with respect to the pooled features.
func (e *Explainer) Heatmap(in *classify.Input, class int) ([]float64, int, int, error) {
	act, err := e.source.Forward(in)
	if err != nil {
		return nil, 0, 0, err
	}
	h, w := act.Height, act.Width
	hw := h * w
	channels := len(act.Layer4) / hw
	if channels != classify.ResNetFeatures || channels*hw != len(act.Layer4) {
		return nil, 0, 0, fmt.Errorf("unexpected layer4 size %d for %dx%d", len(act.Layer4), h, w)
	}

	g := e.source.Head().Gradient(act.Hidden, class)[:classify.ResNetFeatures]

	cam := make([]float64, hw)
	for k := 0; k < channels; k++ {
		grad := g[k] / float64(hw)
		if grad <= 0 {
			continue
		}
		a := act.Layer4[k*hw : (k+1)*hw]
		var sum float64
		for _, v := range a {
			sum += float64(v)
		}
		// alpha = relu(grad) / (ΣA + eps); weight = Σ alpha·A
		weight := grad * sum / (sum + 1e-10)
		for i, v := range a {
			cam[i] += weight * float64(v)
		}
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for i, v := range cam {
		if v < 0 {
			cam[i] = 0
			v = 0
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi <= 0 {
		return make([]float64, hw), h, w, nil
	}
	for i, v := range cam {
		cam[i] = math.Pow((v-lo)/(hi-lo+1e-8), camGamma)
	}
	return cam, h, w, nil
}

// Overlay upsamples cam to the image size, colorizes it and blends it over
// img.
func Overlay(img *image.NRGBA, cam []float64, h, w int) *image.NRGBA {
	size := img.Rect.Size()
	up := tensor.Bicubic(cam, h, w, size.Y, size.X, true)

	heat := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			heat.SetNRGBA(x, y, Jet(clamp01(up[y*size.X+x])))
		}
	}
	return imaging.Overlay(img, heat, image.Pt(0, 0), Opacity)
}
