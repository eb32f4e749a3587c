package hair

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/earlydot/lesion-api/internal/config"
	"github.com/earlydot/lesion-api/internal/imageproc"
	"github.com/earlydot/lesion-api/internal/model"
)

// MinCoverage is the mask fraction below which inpainting is skipped.
const MinCoverage = 0.001

// Backend fills the masked pixels of a 512×512 canvas.
type Backend interface {
	Name() string
	Inpaint(ctx context.Context, img *image.NRGBA, mask *image.Gray) (*image.NRGBA, error)
	Close() error
}

type Inpainter struct {
	backend Backend
	log     logrus.FieldLogger
}

func NewInpainter(backend Backend, log logrus.FieldLogger) *Inpainter {
	return &Inpainter{backend: backend, log: log}
}

func (e *Inpainter) Backend() string {
	return e.backend.Name()
}

// Process returns img itself, untouched, when the mask is nearly empty.
func (e *Inpainter) Process(ctx context.Context, img *image.NRGBA, mask *image.Gray) (*image.NRGBA, error) {
	coverage := imageproc.Coverage(mask)
	log := e.log.WithFields(logrus.Fields{"coverage": coverage, "backend": e.backend.Name()})
	if coverage < MinCoverage {
		log.Debug("Mask coverage negligible, skipping inpainting")
		return img, nil
	}

	start := time.Now()
	out, err := e.backend.Inpaint(ctx, img, mask)
	if err != nil {
		return nil, err
	}
	log.WithField("elapsed", time.Since(start)).Debug("Inpainting done")
	return out, nil
}

func (e *Inpainter) Close() error {
	return e.backend.Close()
}

// ONNXBackend runs an exported LaMa generator in process.
type ONNXBackend struct {
	runner model.Runner
}

func NewONNXBackend(runner model.Runner) *ONNXBackend {
	return &ONNXBackend{runner: runner}
}

func (b *ONNXBackend) Name() string { return "onnx" }

func (b *ONNXBackend) Inpaint(_ context.Context, img *image.NRGBA, mask *image.Gray) (*image.NRGBA, error) {
	w, h := int64(img.Rect.Dx()), int64(img.Rect.Dy())
	outs, err := b.runner.Run(
		model.Input{Shape: []int64{1, 3, h, w}, Data: imageproc.ToCHW(img, imageproc.RGB, imageproc.Unit)},
		model.Input{Shape: []int64{1, 1, h, w}, Data: imageproc.MaskToCHW(mask)},
	)
	if err != nil {
		return nil, err
	}
	if err := model.CheckShape("output", outs[0], 1, 3, h, w); err != nil {
		return nil, err
	}
	return imageproc.FromCHW(outs[0].Data, int(w), int(h), imageproc.RGB), nil
}

func (b *ONNXBackend) Close() error {
	return b.runner.Close()
}

const stderrTail = 2000

// sitecustomize restores NumPy aliases removed in 2.0 that LaMa still uses.
const sitecustomize = `import numpy as _np
if not hasattr(_np, 'sctypes'):
    _np.sctypes = {
        'float': [_np.float16, _np.float32, _np.float64],
        'complex': [_np.complex64, _np.complex128],
        'int': [_np.int8, _np.int16, _np.int32, _np.int64],
        'uint': [_np.uint8, _np.uint16, _np.uint32, _np.uint64],
        'others': [_np.bool_, _np.bytes_, _np.str_, _np.object_],
    }
if not hasattr(_np, 'float'): _np.float = float
if not hasattr(_np, 'int'): _np.int = int
if not hasattr(_np, 'bool'): _np.bool = bool
`

// SubprocessBackend runs the LaMa predict.py script once per request.
type SubprocessBackend struct {
	Python   string
	Script   string
	WorkDir  string
	ModelDir string
	log      logrus.FieldLogger
}

func NewSubprocessBackend(python string, layout model.Layout, log logrus.FieldLogger) *SubprocessBackend {
	return &SubprocessBackend{
		Python:   python,
		Script:   layout.LamaScript(),
		WorkDir:  layout.LamaDir(),
		ModelDir: layout.LamaModel(),
		log:      log,
	}
}

func (b *SubprocessBackend) Name() string { return "subprocess" }

func (b *SubprocessBackend) Inpaint(ctx context.Context, img *image.NRGBA, mask *image.Gray) (*image.NRGBA, error) {
	tmp, err := os.MkdirTemp("", "lama-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	indir := filepath.Join(tmp, "lama_input")
	outdir := filepath.Join(tmp, "out")
	for _, d := range []string{indir, outdir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	if err := writePNG(filepath.Join(indir, "input.png"), img); err != nil {
		return nil, err
	}
	if err := writePNG(filepath.Join(indir, "input_mask.png"), mask); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(tmp, "sitecustomize.py"), []byte(sitecustomize), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write sitecustomize: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.Python, b.Script,
		"model.path="+b.ModelDir,
		"indir="+indir,
		"outdir="+outdir,
		"dataset.img_suffix=.png",
		"hydra.run.dir=.",
		"hydra.output_subdir=null",
	)
	cmd.Dir = b.WorkDir
	cmd.Env = b.environ(tmp)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.log.WithField("args", strings.Join(cmd.Args, " ")).Debug("Running LaMa")
	if err := cmd.Run(); err != nil {
		b.log.WithField("stdout", tail(stdout.String())).Warn("LaMa process failed")
		return nil, fmt.Errorf("lama process failed: %w: %s", err, tail(stderr.String()))
	}

	result, err := findResult(outdir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, tail(stderr.String()))
	}
	data, err := os.ReadFile(result)
	if err != nil {
		return nil, fmt.Errorf("failed to read lama result: %w", err)
	}
	out, err := imageproc.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode lama result %s: %w", filepath.Base(result), err)
	}
	return out, nil
}

func (b *SubprocessBackend) Close() error { return nil }

func (b *SubprocessBackend) environ(tmp string) []string {
	env := os.Environ()
	paths := []string{tmp, b.WorkDir}
	if existing := os.Getenv("PYTHONPATH"); existing != "" {
		paths = append(paths, existing)
	}
	env = append(env, "PYTHONPATH="+strings.Join(paths, string(os.PathListSeparator)))
	for _, kv := range []string{"HYDRA_FULL_ERROR=1", "OMP_NUM_THREADS=1", "KMP_DUPLICATE_LIB_OK=TRUE"} {
		if key := kv[:strings.IndexByte(kv, '=')]; os.Getenv(key) == "" {
			env = append(env, kv)
		}
	}
	return env
}

// findResult prefers out/input.png, then the most recently written png.
func findResult(outdir string) (string, error) {
	preferred := filepath.Join(outdir, "input.png")
	if _, err := os.Stat(preferred); err == nil {
		return preferred, nil
	}
	matches, _ := filepath.Glob(filepath.Join(outdir, "*.png"))
	if len(matches) == 0 {
		return "", fmt.Errorf("lama produced no output in %s", outdir)
	}
	sort.Slice(matches, func(i, j int) bool {
		return modTime(matches[i]).After(modTime(matches[j]))
	})
	return matches[0], nil
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func writePNG(path string, img image.Image) error {
	data, err := imageproc.EncodePNG(img)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		return "..." + s[len(s)-stderrTail:]
	}
	return s
}

type lamaConfig struct {
	Generator struct {
		Kind string `yaml:"kind"`
	} `yaml:"generator"`
}

// ReadLamaConfig parses big-lama/config.yaml and returns the generator kind.
func ReadLamaConfig(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read lama config: %w", err)
	}
	var cfg lamaConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("failed to parse lama config: %w", err)
	}
	if cfg.Generator.Kind == "" {
		return "", fmt.Errorf("lama config %s has no generator.kind", path)
	}
	return cfg.Generator.Kind, nil
}

// SelectBackend picks the inpainting backend once at startup. In auto mode an
// exported graph is preferred and the script is the fallback.
func SelectBackend(layout model.Layout, cfg config.InpaintConfig, log logrus.FieldLogger) (Backend, error) {
	kind, err := ReadLamaConfig(layout.LamaConfig())
	if err != nil {
		return nil, err
	}
	log = log.WithField("generator", kind)

	subprocess := func() (Backend, error) {
		for _, p := range []string{layout.LamaScript(), layout.LamaCheckpoint()} {
			if _, err := os.Stat(p); err != nil {
				return nil, fmt.Errorf("subprocess inpainting unavailable: %w", err)
			}
		}
		log.WithField("python", cfg.Python).Info("Using subprocess inpainting backend")
		return NewSubprocessBackend(cfg.Python, layout, log), nil
	}
	onnx := func() (Backend, error) {
		runner, err := openSession(layout.LamaONNX(), []string{"image", "mask"}, []string{"output"}, log)
		if err != nil {
			return nil, err
		}
		log.Info("Using in-process inpainting backend")
		return NewONNXBackend(runner), nil
	}

	switch cfg.Backend {
	case "onnx":
		return onnx()
	case "subprocess":
		return subprocess()
	case "auto", "":
		if layout.HasLamaONNX() {
			b, err := onnx()
			if err == nil {
				return b, nil
			}
			log.WithError(err).Warn("In-process inpainting failed to load, falling back to subprocess")
		}
		return subprocess()
	}
	return nil, fmt.Errorf("unknown inpainting backend %q", cfg.Backend)
}
