package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/ocr-api/internal/logging"
	"github.com/example/ocr-api/internal/normalize"
	"github.com/example/ocr-api/internal/upload"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize [image-file]",
	Short: "Recognize text in a local image and print the JSON result",
	Long: `Run the same decode, recognize and normalize pipeline as POST /ocr on
a local file and print the response document to stdout.

On failure the failure document is printed and the command exits non-zero.`,
	Example: `  ocr-api recognize receipt.jpg
  ocr-api recognize scan.png --engine tesseract --lang fr`,
	Args: cobra.ExactArgs(1),
	RunE: runRecognize,
}

func init() {
	rootCmd.AddCommand(recognizeCmd)
	recognizeCmd.Flags().Bool("compact", false, "print JSON on a single line")
}

func runRecognize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	compact, _ := cmd.Flags().GetBool("compact")

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("read image: %s is empty", path)
	}

	ctx := context.Background()
	eng, err := engineFactory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("engine close failed", zap.Error(err))
		}
	}()

	uc := newUseCase(cfg, eng, logger)
	img := &upload.Image{Data: data, Filename: filepath.Base(path)}

	resp, recErr := uc.Recognize(ctx, uuid.NewString(), img)
	var doc any = resp
	if recErr != nil {
		doc = normalize.NewFailure(logging.Cause(recErr))
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	if !compact {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return recErr
}
