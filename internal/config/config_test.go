package config

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWeights(t *testing.T) {
	cases := []struct {
		a, b float64
	}{
		{0.5, 0.5},
		{1, 3},
		{7, 0.25},
		{100, 100},
		{1e-6, 2e-6},
	}

	for _, tt := range cases {
		cnn, vit := NormalizeWeights(tt.a, tt.b)
		assert.InDelta(t, 1.0, cnn+vit, 1e-12)
		assert.InDelta(t, tt.a/tt.b, cnn/vit, 1e-9, "weights %v/%v lost their ratio", tt.a, tt.b)
	}
}

func TestNormalizeWeightsInvalid(t *testing.T) {
	for _, pair := range [][2]float64{{0, 0}, {-1, 2}, {math.NaN(), 1}, {math.Inf(1), 1}} {
		cnn, vit := NormalizeWeights(pair[0], pair[1])
		assert.Equal(t, 0.5, cnn)
		assert.Equal(t, 0.5, vit)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("LESION_PORT", "9100")
	t.Setenv("LESION_MODELS_DIR", "/srv/models")
	t.Setenv("LESION_CNN_WEIGHT", "3")
	t.Setenv("LESION_VIT_WEIGHT", "1")
	t.Setenv("LESION_MAX_CONCURRENT", "2")
	t.Setenv("LESION_LAMA_BACKEND", "SUBPROCESS")
	t.Setenv("LESION_ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("LESION_ENV", "production")

	cfg := Load()
	require.NotNil(t, cfg)

	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, "/srv/models", cfg.ModelsDir)
	assert.Equal(t, int64(2), cfg.MaxActive)
	assert.Equal(t, "subprocess", cfg.Inpaint.Backend)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.HTTP.AllowedOrigins)
	assert.True(t, cfg.Production())

	cnn, vit := cfg.Ensemble.Weights()
	assert.InDelta(t, 0.75, cnn, 1e-12)
	assert.InDelta(t, 0.25, vit, 1e-12)
}

func TestLoadFallsBackToPort(t *testing.T) {
	t.Setenv("LESION_PORT", "")
	t.Setenv("PORT", "7000")
	t.Setenv("LESION_MAX_CONCURRENT", "many")

	cfg := Load()
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, int64(1), cfg.MaxActive)
}
