package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestLayoutCheck(t *testing.T) {
	l := NewLayout(t.TempDir())

	err := l.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest.yaml")
	assert.Contains(t, err.Error(), "no classifier")

	for _, p := range []string{l.Manifest(), l.HairMask(), l.LamaConfig(), l.LamaCheckpoint(), l.LamaScript()} {
		touch(t, p)
	}
	touch(t, l.ViTGraph())
	// graph without checkpoint does not count
	assert.Error(t, l.Check())

	touch(t, l.ViTWeights())
	assert.NoError(t, l.Check())
	assert.True(t, l.HasViT())
	assert.False(t, l.HasCNN())
	assert.False(t, l.HasSuperRes())
}

func TestLayoutRequiresInpaintingBackend(t *testing.T) {
	l := NewLayout(t.TempDir())
	for _, p := range []string{l.Manifest(), l.HairMask(), l.LamaConfig(), l.LamaCheckpoint(), l.CNNGraph(), l.CNNWeights()} {
		touch(t, p)
	}
	err := l.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no inpainting backend")

	touch(t, l.LamaONNX())
	assert.NoError(t, l.Check())
}

func TestRequireNames(t *testing.T) {
	info := []ort.InputOutputInfo{{Name: "input"}, {Name: "pos_embedding"}}
	assert.NoError(t, requireNames("input", []string{"input", "pos_embedding"}, info))
	assert.ErrorContains(t, requireNames("input", []string{"image"}, info), `"image"`)
}

func TestOpenSessionWithoutRuntime(t *testing.T) {
	if ort.IsInitialized() {
		t.Skip("runtime already initialized")
	}
	_, err := OpenSession("missing.onnx", []string{"input"}, []string{"logits"}, nil)
	assert.ErrorIs(t, err, ErrRuntime)
}
