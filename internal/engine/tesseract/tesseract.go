//go:build tesseract

package tesseract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
	"go.uber.org/zap"

	"github.com/example/ocr-api/internal/engine"
	"github.com/example/ocr-api/internal/imagedecode"
)

// ErrNotCompiled is never returned by this build.
var ErrNotCompiled = errors.New("tesseract support not compiled in; rebuild with -tags tesseract")

// Engine wraps one gosseract client. The underlying TessBaseAPI is not
// reentrant, so calls hold mu.
type Engine struct {
	mu     sync.Mutex
	client *gosseract.Client
	lang   string
	logger *zap.Logger
}

// New creates a client and loads the language data once.
func New(lang string, logger *zap.Logger) (engine.Engine, error) {
	client := gosseract.NewClient()
	code := LanguageCode(lang)
	if err := client.SetLanguage(code); err != nil {
		client.Close()
		return nil, fmt.Errorf("set tesseract language %q: %w", code, err)
	}
	logger = logger.Named("tesseract_engine")
	logger.Info("tesseract engine ready", zap.String("version", gosseract.Version()), zap.String("lang", code))
	return &Engine{client: client, lang: code, logger: logger}, nil
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return engineName }

// Recognize returns one line per Tesseract text line. With angle
// classification on, orientation and script detection runs first.
func (e *Engine) Recognize(ctx context.Context, img *imagedecode.PixelBuffer, opts engine.Options) (engine.Result, error) {
	data, err := img.EncodePNG()
	if err != nil {
		return engine.Result{}, &engine.Error{Engine: engineName, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return engine.Result{}, err
	}

	mode := gosseract.PSM_AUTO
	if opts.AngleClassification {
		mode = gosseract.PSM_AUTO_OSD
	}
	if err := e.client.SetPageSegMode(mode); err != nil {
		return engine.Result{}, &engine.Error{Engine: engineName, Err: fmt.Errorf("set page seg mode: %w", err)}
	}
	if err := e.client.SetImageFromBytes(data); err != nil {
		return engine.Result{}, &engine.Error{Engine: engineName, Err: fmt.Errorf("set image: %w", err)}
	}
	boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return engine.Result{}, &engine.Error{Engine: engineName, Err: fmt.Errorf("recognize text: %w", err)}
	}

	lines := make([]engine.Line, 0, len(boxes))
	raw := make([]any, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		r := b.Box
		lines = append(lines, engine.Line{
			Polygon: []engine.Point{
				{X: float64(r.Min.X), Y: float64(r.Min.Y)},
				{X: float64(r.Max.X), Y: float64(r.Min.Y)},
				{X: float64(r.Max.X), Y: float64(r.Max.Y)},
				{X: float64(r.Min.X), Y: float64(r.Max.Y)},
			},
			Text:       text,
			Confidence: b.Confidence / 100,
		})
		raw = append(raw, map[string]any{
			"text":       text,
			"confidence": b.Confidence,
			"box":        []int{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y},
			"block":      b.BlockNum,
			"paragraph":  b.ParNum,
			"line":       b.LineNum,
		})
	}
	return engine.Result{Lines: lines, Raw: raw}, nil
}

// Close frees the Tesseract handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client.Close()
}
