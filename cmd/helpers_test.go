package cmd

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"go.uber.org/zap"

	"github.com/example/ocr-api/internal/config"
	"github.com/example/ocr-api/internal/engine"
	"github.com/example/ocr-api/internal/imagedecode"
)

type stubEngine struct {
	err    error
	closed bool
}

func (s *stubEngine) Name() string { return "stub" }

func (s *stubEngine) Recognize(ctx context.Context, img *imagedecode.PixelBuffer, opts engine.Options) (engine.Result, error) {
	if s.err != nil {
		return engine.Result{}, s.err
	}
	return engine.Result{
		Lines: []engine.Line{{
			Polygon:    []engine.Point{{X: 10, Y: 10}, {X: 50, Y: 10}, {X: 50.4, Y: 30}, {X: 10, Y: 29.6}},
			Text:       "HELLO",
			Confidence: 0.97,
		}},
		Raw: []any{"HELLO"},
	}, nil
}

func (s *stubEngine) Close() error {
	s.closed = true
	return nil
}

// useStubEngine replaces the engine factory for the duration of the test.
func useStubEngine(t *testing.T, stub *stubEngine) {
	t.Helper()
	prev := engineFactory
	engineFactory = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (engine.Engine, error) {
		return stub, nil
	}
	t.Cleanup(func() { engineFactory = prev })
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 60, 40))
	img.Set(5, 5, color.Black)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
