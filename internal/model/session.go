package model

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/earlydot/lesion-api/internal/config"
)

// ErrRuntime is returned when a session is requested before InitRuntime.
var ErrRuntime = errors.New("onnx runtime is not initialized")

var (
	runtimeMu  sync.Mutex
	runtimeCfg config.RuntimeConfig
)

// Input is one named tensor fed to a session.
type Input struct {
	Shape []int64
	Data  []float32
}

// Output is one tensor read back from a session.
type Output struct {
	Shape []int64
	Data  []float32
}

// Runner is the part of an ONNX session the pipeline depends on. Inputs and
// outputs are positional and follow the names given when the session was
// opened.
type Runner interface {
	Run(inputs ...Input) ([]Output, error)
	Close() error
}

// InitRuntime loads the shared library and initializes the ONNX Runtime
// environment once per process.
func InitRuntime(cfg config.RuntimeConfig, log logrus.FieldLogger) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	runtimeCfg = cfg
	log.WithFields(logrus.Fields{
		"library": cfg.LibraryPath,
		"device":  cfg.Device,
	}).Info("ONNX runtime initialized")
	return nil
}

// ShutdownRuntime tears the environment down. Sessions must be closed first.
func ShutdownRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func sessionOptions(log logrus.FieldLogger) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}

	threads := runtimeCfg.IntraOpThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
	}

	if runtimeCfg.Device == "cuda" {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			log.Warnf("CUDA provider unavailable, using CPU: %v", err)
			return opts, nil
		}
		defer cuda.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			log.Warnf("Failed to enable CUDA provider, using CPU: %v", err)
		}
	}
	return opts, nil
}

// Session wraps a DynamicAdvancedSession. Output tensors are allocated by
// ONNX Runtime per call and destroyed before Run returns.
type Session struct {
	name    string
	session *ort.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

// OpenSession opens path after checking that the graph declares every
// requested input and output name.
func OpenSession(path string, inputs, outputs []string, log logrus.FieldLogger) (*Session, error) {
	if !ort.IsInitialized() {
		return nil, ErrRuntime
	}

	inInfo, outInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model io info for %s: %w", path, err)
	}
	if err := requireNames("input", inputs, inInfo); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := requireNames("output", outputs, outInfo); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	opts, err := sessionOptions(log)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(path, inputs, outputs, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session for %s: %w", path, err)
	}

	log.WithFields(logrus.Fields{"model": path, "inputs": inputs, "outputs": outputs}).Debug("Session opened")
	return &Session{name: path, session: session, inputs: inputs, outputs: outputs}, nil
}

func requireNames(kind string, names []string, info []ort.InputOutputInfo) error {
	declared := make(map[string]bool, len(info))
	for _, i := range info {
		declared[i.Name] = true
	}
	for _, n := range names {
		if !declared[n] {
			return fmt.Errorf("model has no %s named %q", kind, n)
		}
	}
	return nil
}

func (s *Session) Run(inputs ...Input) ([]Output, error) {
	if len(inputs) != len(s.inputs) {
		return nil, fmt.Errorf("%s expects %d inputs, got %d", s.name, len(s.inputs), len(inputs))
	}

	in := make([]ort.Value, len(inputs))
	defer destroyAll(in)
	for i, input := range inputs {
		t, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tensor: %w", s.inputs[i], err)
		}
		in[i] = t
	}

	out := make([]ort.Value, len(s.outputs))
	defer destroyAll(out)
	if err := s.session.Run(in, out); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	results := make([]Output, len(out))
	for i, v := range out {
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %s is not a float32 tensor", s.outputs[i])
		}
		// copy out: the tensor memory is released by destroyAll
		data := append([]float32(nil), t.GetData()...)
		results[i] = Output{Shape: append([]int64(nil), t.GetShape()...), Data: data}
	}
	return results, nil
}

func (s *Session) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}
