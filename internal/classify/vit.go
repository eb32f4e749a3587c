package classify

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/earlydot/lesion-api/internal/checkpoint"
	"github.com/earlydot/lesion-api/internal/model"
	"github.com/earlydot/lesion-api/internal/tensor"
)

const (
	ViTPatch = 16
	ViTDim   = 768
	// ViTGrid is the patch grid at InputSize.
	ViTGrid   = InputSize / ViTPatch
	ViTTokens = 1 + ViTGrid*ViTGrid
)

// ViT is ViT-B/16 run at 512px. The positional embedding is a graph input
// so the one stored in the checkpoint can be resized here.
type ViT struct {
	runner       model.Runner
	posEmbedding []float32
}

func NewViT(runner model.Runner, posEmbedding []float32) (*ViT, error) {
	if len(posEmbedding) != ViTTokens*ViTDim {
		return nil, fmt.Errorf("positional embedding has %d values, want %d", len(posEmbedding), ViTTokens*ViTDim)
	}
	return &ViT{runner: runner, posEmbedding: posEmbedding}, nil
}

func OpenViT(layout model.Layout, log logrus.FieldLogger) (*ViT, error) {
	sd, err := checkpoint.Load(layout.ViTWeights())
	if err != nil {
		return nil, err
	}
	pe, err := sd.Tensor("encoder.pos_embedding")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", layout.ViTWeights(), err)
	}
	if len(pe.Shape) != 3 || pe.Shape[0] != 1 || pe.Shape[2] != ViTDim {
		return nil, fmt.Errorf("%s: %w: encoder.pos_embedding has shape %v",
			layout.ViTWeights(), checkpoint.ErrSchema, pe.Shape)
	}
	resized, err := InterpolatePosEmbedding(pe.Data, pe.Shape[1], ViTDim, ViTGrid)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", layout.ViTWeights(), err)
	}

	runner, err := openSession(layout.ViTGraph(), []string{"input", "pos_embedding"}, []string{"logits"}, log)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"model":       model.ViTName,
		"trained_seq": pe.Shape[1],
		"seq":         ViTTokens,
	}).Info("ViT loaded")
	return NewViT(runner, resized)
}

// InterpolatePosEmbedding resizes a [1, 1+g*g, dim] embedding to a grid×grid
// patch grid with align-corners bicubic interpolation. The class token is
// kept as is.
func InterpolatePosEmbedding(pe []float32, tokens, dim, grid int) ([]float32, error) {
	if len(pe) != tokens*dim {
		return nil, fmt.Errorf("embedding has %d values, want %d", len(pe), tokens*dim)
	}
	g := int(math.Round(math.Sqrt(float64(tokens - 1))))
	if g*g != tokens-1 {
		return nil, fmt.Errorf("embedding with %d patch tokens is not a square grid", tokens-1)
	}
	if g == grid {
		return append([]float32(nil), pe...), nil
	}

	out := make([]float32, (1+grid*grid)*dim)
	copy(out[:dim], pe[:dim])

	plane := make([]float64, g*g)
	for d := 0; d < dim; d++ {
		for p := 0; p < g*g; p++ {
			plane[p] = float64(pe[(1+p)*dim+d])
		}
		resized := tensor.Bicubic(plane, g, g, grid, grid, true)
		for p, v := range resized {
			out[(1+p)*dim+d] = float32(v)
		}
	}
	return out, nil
}

func (v *ViT) Name() string { return "vit" }

func (v *ViT) Logits(in *Input) ([]float64, error) {
	outs, err := v.runner.Run(
		model.Input{Shape: in.Shape(), Data: in.Tensor},
		model.Input{Shape: []int64{1, ViTTokens, ViTDim}, Data: v.posEmbedding},
	)
	if err != nil {
		return nil, err
	}
	if err := model.CheckShape("logits", outs[0], 1, -1); err != nil {
		return nil, err
	}
	return tensor.ToFloat64(outs[0].Data), nil
}

func (v *ViT) Close() error {
	return v.runner.Close()
}
