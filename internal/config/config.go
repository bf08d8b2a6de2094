package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported engine backends.
const (
	EnginePaddle    = "paddle"
	EngineGRPC      = "grpc"
	EngineVision    = "vision"
	EngineTesseract = "tesseract"
)

// Config holds the process level settings. Everything is fixed at startup.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64
	MaxImagePixels  int64
	LogLevel        string

	Engine          string
	Lang            string
	UseAngleCls     bool
	SerializeEngine bool
	Timeout         time.Duration

	// paddle
	PaddlePython         string
	PaddleStartupTimeout time.Duration

	// grpc
	EngineAddr string

	// vision
	GoogleCredentialsJSON string
	GoogleCredentialsFile string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var err error
	cfg := &Config{
		Addr:                  getEnv("OCR_ADDR", "0.0.0.0:5000"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		Engine:                strings.ToLower(getEnv("OCR_ENGINE", EnginePaddle)),
		Lang:                  getEnv("OCR_LANG", "en"),
		PaddlePython:          getEnv("PADDLE_PYTHON", "python3"),
		EngineAddr:            getEnv("OCR_ENGINE_ADDR", "localhost:50051"),
		GoogleCredentialsJSON: os.Getenv("GOOGLE_CREDENTIALS"),
		GoogleCredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
	}

	if cfg.UseAngleCls, err = getBool("OCR_USE_ANGLE_CLS", true); err != nil {
		return nil, err
	}
	if cfg.SerializeEngine, err = getBool("OCR_ENGINE_SERIALIZE", false); err != nil {
		return nil, err
	}
	if cfg.Timeout, err = getDuration("OCR_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getDuration("OCR_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.PaddleStartupTimeout, err = getDuration("PADDLE_STARTUP_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxUploadBytes, err = getInt64("MAX_UPLOAD_BYTES", 10<<20); err != nil {
		return nil, err
	}
	if cfg.MaxImagePixels, err = getInt64("MAX_IMAGE_PIXELS", 40_000_000); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that cannot be defaulted sensibly.
func (c *Config) Validate() error {
	switch c.Engine {
	case EnginePaddle, EngineGRPC, EngineVision, EngineTesseract:
	default:
		return fmt.Errorf("OCR_ENGINE %q is not one of paddle, grpc, vision, tesseract", c.Engine)
	}
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("OCR_ADDR is required")
	}
	if c.Lang == "" {
		return fmt.Errorf("OCR_LANG is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("OCR_TIMEOUT must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.MaxImagePixels <= 0 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be positive")
	}
	if c.Engine == EngineGRPC && c.EngineAddr == "" {
		return fmt.Errorf("OCR_ENGINE_ADDR is required for the grpc engine")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
