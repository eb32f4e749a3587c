package config

import (
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port      string
	Env       string
	ModelsDir string

	Runtime   RuntimeConfig
	Ensemble  EnsembleConfig
	Inpaint   InpaintConfig
	Log       LogConfig
	HTTP      HTTPConfig
	MaxActive int64
}

type RuntimeConfig struct {
	LibraryPath    string
	Device         string // cpu, cuda
	IntraOpThreads int
}

// EnsembleConfig holds the raw soft-voting weights as read from the
// environment. Use Weights for the normalised pair.
type EnsembleConfig struct {
	CNNWeight float64
	ViTWeight float64
}

type InpaintConfig struct {
	Backend string // auto, onnx, subprocess
	Python  string
}

type LogConfig struct {
	Level      string
	Format     string // text, json
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type HTTPConfig struct {
	MaxUploadMB    int64
	AllowedOrigins []string
}

func Load() *Config {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	port := getEnv("LESION_PORT", "")
	if port == "" {
		port = getEnv("PORT", "8080")
	}

	return &Config{
		Port:      port,
		Env:       getEnv("LESION_ENV", "development"),
		ModelsDir: getEnv("LESION_MODELS_DIR", defaultModelsDir()),
		Runtime: RuntimeConfig{
			LibraryPath:    getEnv("LESION_ORT_LIB", sharedLibPath()),
			Device:         strings.ToLower(getEnv("LESION_DEVICE", "cpu")),
			IntraOpThreads: getInt("LESION_INTRA_OP_THREADS", 0),
		},
		Ensemble: EnsembleConfig{
			CNNWeight: getFloat("LESION_CNN_WEIGHT", 0.5),
			ViTWeight: getFloat("LESION_VIT_WEIGHT", 0.5),
		},
		Inpaint: InpaintConfig{
			Backend: strings.ToLower(getEnv("LESION_LAMA_BACKEND", "auto")),
			Python:  getEnv("LESION_PYTHON", "python3"),
		},
		Log: LogConfig{
			Level:      getEnv("LESION_LOG_LEVEL", "info"),
			Format:     getEnv("LESION_LOG_FORMAT", "text"),
			File:       getEnv("LESION_LOG_FILE", ""),
			MaxSizeMB:  getInt("LESION_LOG_MAX_SIZE_MB", 100),
			MaxBackups: getInt("LESION_LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getInt("LESION_LOG_MAX_AGE_DAYS", 30),
		},
		HTTP: HTTPConfig{
			MaxUploadMB:    int64(getInt("LESION_MAX_UPLOAD_MB", 20)),
			AllowedOrigins: getList("LESION_ALLOWED_ORIGINS", []string{"*"}),
		},
		MaxActive: int64(getInt("LESION_MAX_CONCURRENT", 1)),
	}
}

func (c *Config) Production() bool {
	return c.Env == "production"
}

// Weights returns the CNN and ViT soft-voting weights scaled to sum to 1.
// Non-positive or non-finite input falls back to an even split.
func (e EnsembleConfig) Weights() (cnn, vit float64) {
	return NormalizeWeights(e.CNNWeight, e.ViTWeight)
}

func NormalizeWeights(a, b float64) (float64, float64) {
	if !(a >= 0) || !(b >= 0) || math.IsInf(a, 0) || math.IsInf(b, 0) || a+b <= 0 {
		logrus.WithFields(logrus.Fields{"cnn": a, "vit": b}).Warn("invalid ensemble weights, using 0.5/0.5")
		return 0.5, 0.5
	}
	sum := a + b
	return a / sum, b / sum
}

func defaultModelsDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "models"
	}
	// running from cmd/server during development
	if filepath.Base(wd) == "server" {
		wd = filepath.Join(wd, "..", "..")
	}
	return filepath.Join(wd, "models")
}

func sharedLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.dylib"
		}
		return "./third_party/onnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
}

func getEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	s := getEnv(key, "")
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		logrus.WithFields(logrus.Fields{"key": key, "value": s, "default": defaultValue}).Warn("invalid environment variable, using default")
		return defaultValue
	}
	return n
}

func getFloat(key string, defaultValue float64) float64 {
	s := getEnv(key, "")
	if s == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		logrus.WithFields(logrus.Fields{"key": key, "value": s, "default": defaultValue}).Warn("invalid environment variable, using default")
		return defaultValue
	}
	return f
}

func getList(key string, defaultValue []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
