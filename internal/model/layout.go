package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	CNNName = "ensemble_finetune_best_60epochst"
	ViTName = "vit_b16_512px_best_train_loss_86epochs"
)

// Layout resolves the fixed file layout under the models directory.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) path(parts ...string) string {
	return filepath.Join(append([]string{l.Root}, parts...)...)
}

func (l Layout) Manifest() string      { return l.path("manifest.yaml") }
func (l Layout) HairMask() string      { return l.path("hair_mask", "best_hair_mask_model.onnx") }
func (l Layout) HairThreshold() string { return l.path("hair_mask", "best_threshold.txt") }
func (l Layout) SuperRes() string      { return l.path("bsrgan", "BSRGANx2.onnx") }
func (l Layout) LamaDir() string       { return l.path("lama") }
func (l Layout) LamaModel() string     { return l.path("lama", "big-lama") }
func (l Layout) LamaConfig() string    { return l.path("lama", "big-lama", "config.yaml") }
func (l Layout) LamaCheckpoint() string {
	return l.path("lama", "big-lama", "models", "best.ckpt")
}
func (l Layout) LamaONNX() string   { return l.path("lama", "big-lama", "models", "best.onnx") }
func (l Layout) LamaScript() string { return l.path("lama", "bin", "predict.py") }
func (l Layout) CNNGraph() string   { return l.path(CNNName + ".onnx") }
func (l Layout) CNNWeights() string { return l.path(CNNName + ".pt") }
func (l Layout) ViTGraph() string   { return l.path(ViTName + ".onnx") }
func (l Layout) ViTWeights() string { return l.path(ViTName + ".pt") }

// HasCNN reports whether both files of the CNN ensemble are present.
func (l Layout) HasCNN() bool { return exists(l.CNNGraph()) && exists(l.CNNWeights()) }

func (l Layout) HasViT() bool { return exists(l.ViTGraph()) && exists(l.ViTWeights()) }

func (l Layout) HasSuperRes() bool { return exists(l.SuperRes()) }

func (l Layout) HasLamaONNX() bool { return exists(l.LamaONNX()) }

// Check reports every missing required file at once. A classifier counts as
// present only when both its graph and its checkpoint exist.
func (l Layout) Check() error {
	var errs []error
	for _, p := range []string{l.Manifest(), l.HairMask(), l.LamaConfig(), l.LamaCheckpoint()} {
		if !exists(p) {
			errs = append(errs, fmt.Errorf("missing required file %s", p))
		}
	}
	if !l.HasLamaONNX() && !exists(l.LamaScript()) {
		errs = append(errs, fmt.Errorf("no inpainting backend: neither %s nor %s exists", l.LamaONNX(), l.LamaScript()))
	}
	if !l.HasCNN() && !l.HasViT() {
		errs = append(errs, fmt.Errorf("no classifier found in %s", l.Root))
	}
	return errors.Join(errs...)
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
