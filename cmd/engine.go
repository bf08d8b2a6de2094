package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/ocr-api/internal/config"
	"github.com/example/ocr-api/internal/engine"
	"github.com/example/ocr-api/internal/engine/paddle"
	"github.com/example/ocr-api/internal/engine/tesseract"
	"github.com/example/ocr-api/internal/engine/vision"
	"github.com/example/ocr-api/internal/grpcclient"
	"github.com/example/ocr-api/internal/usecase"
)

// engineFactory is swapped in tests.
var engineFactory = newEngine

// newEngine starts the configured backend. It is created once per process
// and shared by every request.
func newEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (engine.Engine, error) {
	var (
		eng engine.Engine
		err error
	)
	switch cfg.Engine {
	case config.EnginePaddle:
		eng, err = paddle.Start(ctx, paddle.Config{
			Python:         cfg.PaddlePython,
			Lang:           cfg.Lang,
			UseAngleCls:    cfg.UseAngleCls,
			StartupTimeout: cfg.PaddleStartupTimeout,
		}, logger)
	case config.EngineGRPC:
		eng, err = grpcclient.DialEngine(ctx, cfg.EngineAddr, cfg.Lang, logger)
	case config.EngineVision:
		eng, err = vision.New(ctx, vision.Config{
			CredentialsJSON: cfg.GoogleCredentialsJSON,
			CredentialsFile: cfg.GoogleCredentialsFile,
			Lang:            cfg.Lang,
		}, logger)
	case config.EngineTesseract:
		eng, err = tesseract.New(cfg.Lang, logger)
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("start %s engine: %w", cfg.Engine, err)
	}

	if cfg.SerializeEngine {
		eng = engine.Serialized(eng)
	}
	logger.Info("recognition engine initialised", zap.String("engine", eng.Name()), zap.String("lang", cfg.Lang), zap.Bool("serialized", cfg.SerializeEngine))
	return eng, nil
}

func newUseCase(cfg *config.Config, eng engine.Engine, logger *zap.Logger) *usecase.RecognitionUseCase {
	return usecase.NewRecognitionUseCase(eng, logger,
		usecase.WithTimeout(cfg.Timeout),
		usecase.WithAngleClassification(cfg.UseAngleCls),
		usecase.WithMaxImagePixels(cfg.MaxImagePixels),
	)
}
