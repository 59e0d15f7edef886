// Package config loads the YAML configuration shared by the CLI and the server
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that points at a config file
const EnvConfigPath = "FER_CONFIG"

// Config is the full application configuration
type Config struct {
	Model   ModelConfig   `yaml:"model"`
	Explain ExplainConfig `yaml:"explain"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// ModelConfig locates the classifier files
type ModelConfig struct {
	Architecture string `yaml:"architecture"`
	Weights      string `yaml:"weights"`

	// Optional ONNX export of the same network, used for predictions
	ONNX         string `yaml:"onnx"`
	ONNXMetadata string `yaml:"onnx_metadata"`
	ONNXLibrary  string `yaml:"onnx_library" env:"ONNXRUNTIME_LIB"`
}

// ExplainConfig drives a one-shot explanation run
type ExplainConfig struct {
	Input         string `yaml:"input"`
	Layer         string `yaml:"layer"`
	SaliencyLayer string `yaml:"saliency_layer"`
	GradCAMOutput string `yaml:"gradcam_output"`
	GuidedOutput  string `yaml:"guided_output"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port           string `yaml:"port" env:"PORT"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// LogConfig selects the log level and output format ("console" or "json")
type LogConfig struct {
	Level  string `yaml:"level" env:"FER_LOG_LEVEL"`
	Format string `yaml:"format" env:"FER_LOG_FORMAT"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Model: ModelConfig{
			Architecture: "../trained_models/emotion_models/mini_XCEPTION.158-0.61.json",
			Weights:      "../trained_models/emotion_models/mini_XCEPTION.158-0.61.safetensors",
		},
		Explain: ExplainConfig{
			Input:         "test1.json",
			Layer:         "conv2d_6",
			SaliencyLayer: "conv2d_6",
			GradCAMOutput: "gradcam.jpg",
			GuidedOutput:  "guided_gradcam.jpg",
		},
		Server: ServerConfig{
			Port:           "8080",
			MaxUploadBytes: 10 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults, then applies the variables named by
// the env tags. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return cfg, fmt.Errorf("failed to read environment: %w", err)
		}
		return cfg, cfg.Validate()
	}

	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Marshal renders the configuration as YAML, the format Load reads
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate reports settings that cannot work
func (c Config) Validate() error {
	var errs []error
	if c.Model.Architecture == "" {
		errs = append(errs, errors.New("model.architecture is required"))
	}
	if c.Model.Weights == "" {
		errs = append(errs, errors.New("model.weights is required"))
	}
	if c.Model.ONNX != "" && c.Model.ONNXMetadata == "" {
		errs = append(errs, errors.New("model.onnx_metadata is required with model.onnx"))
	}
	if c.Explain.Layer == "" {
		errs = append(errs, errors.New("explain.layer is required"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
