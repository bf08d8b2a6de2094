//go:build tesseract

package tesseract

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/example/ocr-api/internal/engine"
	"github.com/example/ocr-api/internal/imagedecode"
)

func textImage(lines ...string) *imagedecode.PixelBuffer {
	img := image.NewGray(image.Rect(0, 0, 240, 40+30*len(lines)))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	d := &font.Drawer{Dst: img, Src: image.NewUniform(color.Black), Face: basicfont.Face7x13}
	for i, l := range lines {
		d.Dot = fixed.P(20, 40+30*i)
		d.DrawString(l)
	}
	return imagedecode.FromImage(img)
}

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	eng, err := New("en", zap.NewNop())
	if err != nil {
		t.Skipf("tesseract unavailable: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestRecognizeBlankImage(t *testing.T) {
	eng := newEngine(t)

	blank := image.NewGray(image.Rect(0, 0, 64, 64))
	draw.Draw(blank, blank.Bounds(), image.White, image.Point{}, draw.Src)
	res, err := eng.Recognize(context.Background(), imagedecode.FromImage(blank), engine.Options{})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(res.Lines) != 0 {
		t.Fatalf("expected no lines, got %+v", res.Lines)
	}
}

func TestRecognizeRenderedText(t *testing.T) {
	eng := newEngine(t)

	res, err := eng.Recognize(context.Background(), textImage("HELLO WORLD"), engine.Options{})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(res.Lines) == 0 {
		t.Skip("tesseract found no text in the bitmap font sample")
	}
	if !strings.Contains(strings.ToUpper(res.Lines[0].Text), "HELLO") {
		t.Logf("recognized %q", res.Lines[0].Text)
	}
	if len(res.Lines[0].Polygon) != 4 {
		t.Fatalf("expected quadrilateral, got %v", res.Lines[0].Polygon)
	}
}
