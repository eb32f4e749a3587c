package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earlydot/lesion-api/internal/logging"
	"github.com/earlydot/lesion-api/internal/model"
)

func modelsDir(t *testing.T, manifest string) model.Layout {
	t.Helper()
	l := model.NewLayout(t.TempDir())
	files := map[string]string{
		l.Manifest():       manifest,
		l.HairMask():       "onnx",
		l.HairThreshold():  "0.37\n",
		l.LamaConfig():     "generator:\n  kind: ffc_resnet\n",
		l.LamaCheckpoint(): "ckpt",
		l.LamaScript():     "print()",
		l.CNNGraph():       "onnx",
		l.CNNWeights():     "pt",
	}
	for p, content := range files {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return l
}

func TestCheck(t *testing.T) {
	l := modelsDir(t, "schema_version: 1\nclass_order: [ak, bcc, bkl, df, mel, nv, scc, vasc]\n")
	assert.NoError(t, check(l, logging.Discard()))
}

func TestCheckRejectsBadManifest(t *testing.T) {
	l := modelsDir(t, "schema_version: 1\nclass_order: [ak, bcc]\n")
	assert.Error(t, check(l, logging.Discard()))

	assert.Error(t, check(model.NewLayout(t.TempDir()), logging.Discard()))
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["check"])
	assert.True(t, names["calibrate"])

	cal, _, err := root.Find([]string{"calibrate"})
	require.NoError(t, err)
	assert.NotNil(t, cal.Flags().Lookup("min-accuracy"))
}
