//go:build !tesseract

package tesseract

import (
	"errors"

	"go.uber.org/zap"

	"github.com/example/ocr-api/internal/engine"
)

// ErrNotCompiled is returned when the binary was built without the
// tesseract tag.
var ErrNotCompiled = errors.New("tesseract support not compiled in; rebuild with -tags tesseract")

// New reports ErrNotCompiled.
func New(lang string, logger *zap.Logger) (engine.Engine, error) {
	return nil, ErrNotCompiled
}
