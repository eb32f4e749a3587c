package classify

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/earlydot/lesion-api/internal/checkpoint"
	"github.com/earlydot/lesion-api/internal/model"
	"github.com/earlydot/lesion-api/internal/tensor"
)

// Layer4Size is the spatial side of ResNet50's last stage at 512px input.
const Layer4Size = 16

// CNN is the ResNet50 + EfficientNet-B4 ensemble. The backbones run in ONNX
// Runtime; the classifier head runs here so the explainer can take exact
// gradients through it.
type CNN struct {
	runner model.Runner
	head   *Head
}

func NewCNN(runner model.Runner, head *Head) *CNN {
	return &CNN{runner: runner, head: head}
}

func OpenCNN(layout model.Layout, log logrus.FieldLogger) (*CNN, error) {
	sd, err := checkpoint.Load(layout.CNNWeights())
	if err != nil {
		return nil, err
	}
	head, err := LoadHead(sd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", layout.CNNWeights(), err)
	}
	runner, err := openSession(layout.CNNGraph(), []string{"input"}, []string{"layer4", "features"}, log)
	if err != nil {
		return nil, err
	}
	log.WithField("model", model.CNNName).Info("CNN ensemble loaded")
	return NewCNN(runner, head), nil
}

// Activations is one forward pass of the CNN.
type Activations struct {
	// Layer4 is ResNet50's last stage, [2048, H, W] row-major.
	Layer4   []float32
	Height   int
	Width    int
	Features []float64
	Hidden   []float64
	Logits   []float64
}

func (c *CNN) Name() string { return "cnn" }

func (c *CNN) Head() *Head { return c.head }

func (c *CNN) Forward(in *Input) (*Activations, error) {
	outs, err := c.runner.Run(model.Input{Shape: in.Shape(), Data: in.Tensor})
	if err != nil {
		return nil, err
	}
	layer4, features := outs[0], outs[1]
	if err := model.CheckShape("layer4", layer4, 1, ResNetFeatures, -1, -1); err != nil {
		return nil, err
	}
	if err := model.CheckShape("features", features, 1, FeatureSize); err != nil {
		return nil, err
	}

	feats := tensor.ToFloat64(features.Data)
	logits, hidden, err := c.head.Forward(feats)
	if err != nil {
		return nil, err
	}
	return &Activations{
		Layer4:   layer4.Data,
		Height:   int(layer4.Shape[2]),
		Width:    int(layer4.Shape[3]),
		Features: feats,
		Hidden:   hidden,
		Logits:   logits,
	}, nil
}

func (c *CNN) Logits(in *Input) ([]float64, error) {
	act, err := c.Forward(in)
	if err != nil {
		return nil, err
	}
	return act.Logits, nil
}

func (c *CNN) Close() error {
	return c.runner.Close()
}
