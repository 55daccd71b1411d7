package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Analyzer   AnalyzerConfig   `json:"analyzer"`
	Models     ModelsConfig     `json:"models"`
	Detection  DetectionConfig  `json:"detection"`
	Caption    CaptionConfig    `json:"caption"`
	Tracking   TrackingConfig   `json:"tracking"`
	Visualizer VisualizerConfig `json:"visualizer"`
	Output     OutputConfig     `json:"output"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig holds configuration for the HTTP UI
type ServerConfig struct {
	Addr               string `json:"addr"`
	SessionIdleMinutes int    `json:"session_idle_minutes"`
	MaxUploadMB        int    `json:"max_upload_mb"`
}

// AnalyzerConfig holds configuration for upload validation
type AnalyzerConfig struct {
	DefaultQuality   int      `json:"default_quality"`
	SupportedFormats []string `json:"supported_formats"`
	MinImageSize     int      `json:"min_image_size"`
}

// ModelsConfig holds model file locations and backend endpoints
type ModelsConfig struct {
	Dir             string  `json:"dir"`
	DefaultSelector string  `json:"default_selector"`
	Accelerate      bool    `json:"accelerate"`
	OnnxLibrary     string  `json:"onnx_library"`
	OnnxInputSize   int     `json:"onnx_input_size"`
	OnnxConfidence  float64 `json:"onnx_confidence"`
	OnnxIoU         float64 `json:"onnx_iou"`
	DETRURL         string  `json:"detr_url"`
	DETRModel       string  `json:"detr_model"`
	DETRToken       string  `json:"detr_token,omitempty"`
	DETRThreshold   float64 `json:"detr_threshold"`
	DETRTimeoutSec  int     `json:"detr_timeout_sec"`
	DarknetConfig   string  `json:"darknet_config"`
	DarknetNames    string  `json:"darknet_names"`
	DarknetSize     int     `json:"darknet_input_size"`
}

// DetectionConfig holds the legacy decoding thresholds and the static run
// parameters reported to tracking
type DetectionConfig struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	NMSThreshold        float64 `json:"nms_threshold"`
	ImageSize           int     `json:"img_size"`
	Dataset             string  `json:"dataset"`
	ClassesCount        int     `json:"classes_count"`
}

// CaptionConfig holds configuration for the captioning backend
type CaptionConfig struct {
	Backend      string `json:"backend"`
	URL          string `json:"url"`
	Model        string `json:"model"`
	Prompt       string `json:"prompt,omitempty"`
	MaxLength    int    `json:"max_length"`
	MaxTokens    int    `json:"max_tokens"`
	MaxImageSize int    `json:"max_image_size"`
	Quality      int    `json:"quality"`
}

// TrackingConfig holds configuration for experiment tracking
type TrackingConfig struct {
	Backend     string `json:"backend"`
	Experiment  string `json:"experiment"`
	DBPath      string `json:"db_path"`
	ArtifactDir string `json:"artifact_dir"`
	MLflowURI   string `json:"mlflow_uri"`
	MLflowToken string `json:"mlflow_token,omitempty"`
	TempDir     string `json:"temp_dir,omitempty"`
}

// VisualizerConfig holds rendering settings
type VisualizerConfig struct {
	Palette     map[string]string `json:"palette,omitempty"`
	Stroke      int               `json:"stroke"`
	FocusStroke int               `json:"focus_stroke"`
	FocusDim    float64           `json:"focus_dim"`
	// CloseupMinSize upscales close-up crops whose shorter side is smaller;
	// zero returns crops at source resolution
	CloseupMinSize int `json:"closeup_min_size"`
}

// OutputConfig holds configuration for rendered images
type OutputConfig struct {
	DefaultFormat string `json:"default_format"`
	OutputDir     string `json:"output_dir"`
	Prefix        string `json:"prefix"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"`
}

var (
	captionBackends  = []string{"ollama", "llamacpp", "none"}
	trackingBackends = []string{"sqlite", "mlflow", "none"}
	outputFormats    = []string{"jpg", "jpeg", "png", "webp"}
)

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":7860",
			SessionIdleMinutes: 30,
			MaxUploadMB:        32,
		},
		Analyzer: AnalyzerConfig{
			DefaultQuality:   85,
			SupportedFormats: []string{"jpg", "jpeg", "png", "webp"},
			MinImageSize:     16,
		},
		Models: ModelsConfig{
			Dir:             "models",
			DefaultSelector: "YOLO11",
			Accelerate:      true,
			OnnxInputSize:   640,
			OnnxConfidence:  0.25,
			OnnxIoU:         0.45,
			DETRModel:       "facebook/detr-resnet-50",
			DETRThreshold:   0.9,
			DETRTimeoutSec:  120,
			DarknetConfig:   "yolov3-tiny.cfg",
			DarknetNames:    "coco.names",
			DarknetSize:     416,
		},
		Detection: DetectionConfig{
			ConfidenceThreshold: 0.5,
			NMSThreshold:        0.4,
			ImageSize:           416,
			Dataset:             "COCO",
			ClassesCount:        80,
		},
		Caption: CaptionConfig{
			Backend:      "ollama",
			URL:          "http://localhost:11434",
			Model:        "llava",
			MaxLength:    50,
			MaxTokens:    100,
			MaxImageSize: 768,
			Quality:      85,
		},
		Tracking: TrackingConfig{
			Backend:     "sqlite",
			Experiment:  "Object_Detection_Captioning",
			DBPath:      "./mlruns/tracking.db",
			ArtifactDir: "./mlruns/artifacts",
		},
		Visualizer: VisualizerConfig{
			Stroke:      2,
			FocusStroke: 3,
			FocusDim:    0.35,
		},
		Output: OutputConfig{
			DefaultFormat: "jpg",
			OutputDir:     "./output",
			Prefix:        "detection_",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the effective configuration: defaults, then the JSON file at
// path if it exists, then .env, then environment variables
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := LoadFromFile(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a JSON file. Fields missing from the
// file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv() {
	c.Server.Addr = getEnv("DETECTOR_ADDR", c.Server.Addr)
	c.Server.SessionIdleMinutes = getEnvAsInt("SESSION_IDLE_MINUTES", c.Server.SessionIdleMinutes)
	c.Server.MaxUploadMB = getEnvAsInt("MAX_UPLOAD_MB", c.Server.MaxUploadMB)

	c.Models.Dir = getEnv("MODELS_DIR", c.Models.Dir)
	c.Models.DefaultSelector = getEnv("DEFAULT_MODEL", c.Models.DefaultSelector)
	c.Models.Accelerate = getEnvAsBool("USE_ACCELERATOR", c.Models.Accelerate)
	c.Models.OnnxLibrary = getEnv("ONNXRUNTIME_LIB", c.Models.OnnxLibrary)
	c.Models.DETRURL = getEnv("DETR_URL", c.Models.DETRURL)
	c.Models.DETRModel = getEnv("DETR_MODEL", c.Models.DETRModel)
	c.Models.DETRToken = getEnv("DETR_TOKEN", c.Models.DETRToken)

	c.Detection.ConfidenceThreshold = getEnvAsFloat("CONFIDENCE_THRESHOLD", c.Detection.ConfidenceThreshold)
	c.Detection.NMSThreshold = getEnvAsFloat("NMS_THRESHOLD", c.Detection.NMSThreshold)

	c.Caption.Backend = getEnv("CAPTION_BACKEND", c.Caption.Backend)
	c.Caption.URL = getEnv("CAPTION_URL", c.Caption.URL)
	c.Caption.Model = getEnv("CAPTION_MODEL", c.Caption.Model)
	c.Caption.MaxLength = getEnvAsInt("MAX_CAPTION_LENGTH", c.Caption.MaxLength)

	c.Tracking.Backend = getEnv("TRACKING_BACKEND", c.Tracking.Backend)
	c.Tracking.Experiment = getEnv("EXPERIMENT_NAME", c.Tracking.Experiment)
	c.Tracking.DBPath = getEnv("TRACKING_DB", c.Tracking.DBPath)
	c.Tracking.MLflowURI = getEnv("MLFLOW_TRACKING_URI", c.Tracking.MLflowURI)
	c.Tracking.MLflowToken = getEnv("MLFLOW_TRACKING_TOKEN", c.Tracking.MLflowToken)

	c.Visualizer.CloseupMinSize = getEnvAsInt("CLOSEUP_MIN_SIZE", c.Visualizer.CloseupMinSize)

	c.Output.OutputDir = getEnv("OUTPUT_DIR", c.Output.OutputDir)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.File = getEnv("LOG_FILE", c.Logging.File)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}

	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("server.max_upload_mb must be positive")
	}

	if c.Analyzer.DefaultQuality < 1 || c.Analyzer.DefaultQuality > 100 {
		return fmt.Errorf("analyzer.default_quality must be between 1 and 100")
	}

	if c.Analyzer.MinImageSize < 1 {
		return fmt.Errorf("analyzer.min_image_size must be positive")
	}

	if len(c.Analyzer.SupportedFormats) == 0 {
		return fmt.Errorf("analyzer.supported_formats cannot be empty")
	}

	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidence_threshold must be between 0 and 1")
	}

	if c.Detection.NMSThreshold < 0 || c.Detection.NMSThreshold > 1 {
		return fmt.Errorf("detection.nms_threshold must be between 0 and 1")
	}

	if c.Models.OnnxInputSize%32 != 0 || c.Models.OnnxInputSize <= 0 {
		return fmt.Errorf("models.onnx_input_size must be a positive multiple of 32")
	}

	if !oneOf(c.Caption.Backend, captionBackends) {
		return fmt.Errorf("caption.backend must be one of %s", strings.Join(captionBackends, ", "))
	}

	if c.Caption.MaxLength < 1 {
		return fmt.Errorf("caption.max_length must be positive")
	}

	if !oneOf(c.Tracking.Backend, trackingBackends) {
		return fmt.Errorf("tracking.backend must be one of %s", strings.Join(trackingBackends, ", "))
	}

	if c.Tracking.Backend == "mlflow" && c.Tracking.MLflowURI == "" {
		return fmt.Errorf("tracking.mlflow_uri is required for the mlflow backend")
	}

	if c.Visualizer.FocusDim < 0 || c.Visualizer.FocusDim > 1 {
		return fmt.Errorf("visualizer.focus_dim must be between 0 and 1")
	}

	if c.Visualizer.CloseupMinSize < 0 {
		return fmt.Errorf("visualizer.closeup_min_size cannot be negative")
	}

	if !oneOf(c.Output.DefaultFormat, outputFormats) {
		return fmt.Errorf("output.default_format must be one of %s", strings.Join(outputFormats, ", "))
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "image-detector", "config.json")
}

func oneOf(value string, options []string) bool {
	for _, o := range options {
		if strings.EqualFold(value, o) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
