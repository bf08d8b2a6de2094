package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/ocr-api/internal/config"
)

var version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "ocr-api",
	Short: "OCR HTTP service",
	Long: `ocr-api accepts an image upload over HTTP, runs optical character
recognition on it and returns the recognized text together with the
bounding polygon of every detected line.

Settings come from the environment (and an optional .env file); the
flags below override them.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("engine", "", "recognition backend: paddle, grpc, vision or tesseract (env OCR_ENGINE)")
	rootCmd.PersistentFlags().String("lang", "", "recognition language (env OCR_LANG)")
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("engine") {
		cfg.Engine, _ = flags.GetString("engine")
	}
	if flags.Changed("lang") {
		cfg.Lang, _ = flags.GetString("lang")
	}
	if flags.Lookup("addr") != nil && flags.Changed("addr") {
		cfg.Addr, _ = flags.GetString("addr")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
