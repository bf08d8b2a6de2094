package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/ocr-api/internal/engine"
	"github.com/example/ocr-api/internal/imagedecode"
	"github.com/example/ocr-api/internal/logging"
	"github.com/example/ocr-api/internal/normalize"
	"github.com/example/ocr-api/internal/upload"
)

// ErrRecognitionTimeout is matched by errors returned when the engine does
// not answer within the configured timeout.
var ErrRecognitionTimeout = errors.New("recognition timed out")

// TimeoutError reports a recognition call that exceeded its budget.
type TimeoutError struct {
	After time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("recognition timed out after %s", e.After)
}

// Is lets errors.Is match ErrRecognitionTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrRecognitionTimeout
}

// Decoder turns uploaded bytes into pixels.
type Decoder func(data []byte) (*imagedecode.PixelBuffer, error)

// RecognitionUseCase runs the decode, recognize and normalize pipeline.
type RecognitionUseCase struct {
	decode   Decoder
	engine   engine.Engine
	logger   *zap.Logger
	timeout  time.Duration
	angleCls bool
}

// Option customizes a RecognitionUseCase.
type Option func(*RecognitionUseCase)

// WithTimeout bounds every engine call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(uc *RecognitionUseCase) { uc.timeout = d }
}

// WithAngleClassification toggles orientation classification.
func WithAngleClassification(enabled bool) Option {
	return func(uc *RecognitionUseCase) { uc.angleCls = enabled }
}

// WithMaxImagePixels bounds the decoded raster size.
func WithMaxImagePixels(n int64) Option {
	return func(uc *RecognitionUseCase) {
		uc.decode = func(data []byte) (*imagedecode.PixelBuffer, error) {
			return imagedecode.DecodeWithLimit(data, n)
		}
	}
}

// WithDecoder replaces the image decoder.
func WithDecoder(d Decoder) Option {
	return func(uc *RecognitionUseCase) { uc.decode = d }
}

// NewRecognitionUseCase constructs a use case around a shared engine.
func NewRecognitionUseCase(eng engine.Engine, logger *zap.Logger, opts ...Option) *RecognitionUseCase {
	uc := &RecognitionUseCase{
		decode:   imagedecode.Decode,
		engine:   eng,
		logger:   logger.Named("recognition_usecase"),
		timeout:  30 * time.Second,
		angleCls: true,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// EngineName reports the backend serving recognition.
func (uc *RecognitionUseCase) EngineName() string {
	return uc.engine.Name()
}

// Healthy reports whether the engine can still serve requests.
func (uc *RecognitionUseCase) Healthy() error {
	return engine.CheckHealth(uc.engine)
}

// Recognize decodes the upload, runs the engine and normalizes its output.
// Returned errors are the failing stage's own error so their message can be
// shown to the caller unchanged. Decode and engine failures are deliberately
// reported the same way.
func (uc *RecognitionUseCase) Recognize(ctx context.Context, requestID string, img *upload.Image) (*normalize.Response, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.recognize", requestID)
	start := time.Now()

	pixels, err := uc.decode(img.Data)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.decode_image", requestID, err)
		opLogger.Warn("image decode failed", zap.Error(wrapped), zap.String("filename", img.Filename), zap.Int("bytes", len(img.Data)))
		return nil, err
	}

	result, err := uc.runEngine(ctx, pixels)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.engine_recognize", requestID, err)
		opLogger.Error("recognition failed", zap.Error(wrapped), zap.String("engine", uc.engine.Name()))
		return nil, err
	}

	resp := normalize.FromResult(result)
	opLogger.Info("recognition complete",
		zap.String("engine", uc.engine.Name()),
		zap.Int("width", pixels.Width),
		zap.Int("height", pixels.Height),
		zap.Int("lines", len(resp.Boxes)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp, nil
}

type engineOutcome struct {
	result engine.Result
	err    error
}

// runEngine calls the engine in its own goroutine so that a slow call can be
// abandoned once the timeout fires. The call itself keeps running until the
// engine returns.
func (uc *RecognitionUseCase) runEngine(ctx context.Context, pixels *imagedecode.PixelBuffer) (engine.Result, error) {
	if uc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.timeout)
		defer cancel()
	}

	done := make(chan engineOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- engineOutcome{err: &engine.Error{Engine: uc.engine.Name(), Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		res, err := uc.engine.Recognize(ctx, pixels, engine.Options{AngleClassification: uc.angleCls})
		done <- engineOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && uc.timeout > 0 {
			return engine.Result{}, &TimeoutError{After: uc.timeout}
		}
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && uc.timeout > 0 {
			return engine.Result{}, &TimeoutError{After: uc.timeout}
		}
		return engine.Result{}, ctx.Err()
	}
}
