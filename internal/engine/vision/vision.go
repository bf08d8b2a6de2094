// Package vision adapts the Google Cloud Vision text detection API to the
// recognition engine contract.
package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	gax "github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/example/ocr-api/internal/engine"
	"github.com/example/ocr-api/internal/imagedecode"
)

const engineName = "vision"

var (
	// ErrMissingCredentials is returned when no credentials source works.
	ErrMissingCredentials = errors.New("missing Google Cloud credentials: set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_CREDENTIALS")
	// ErrEmptyResponse is returned when the API answers without a result.
	ErrEmptyResponse = errors.New("no response from Vision API")
)

// Config selects credentials and the language hint.
type Config struct {
	CredentialsJSON string
	CredentialsFile string
	Lang            string
}

type annotator interface {
	BatchAnnotateImages(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest, opts ...gax.CallOption) (*visionpb.BatchAnnotateImagesResponse, error)
	Close() error
}

// Engine calls Cloud Vision TEXT_DETECTION. The client is safe for
// concurrent use.
type Engine struct {
	client annotator
	lang   string
	logger *zap.Logger
}

// New creates a Vision-backed engine. Inline JSON credentials take
// precedence over a credentials file, then application default credentials.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Engine, error) {
	var (
		client *vision.ImageAnnotatorClient
		err    error
	)
	switch {
	case cfg.CredentialsJSON != "":
		client, err = vision.NewImageAnnotatorClient(ctx, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		client, err = vision.NewImageAnnotatorClient(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	default:
		client, err = vision.NewImageAnnotatorClient(ctx)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrMissingCredentials, err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create vision client: %w", err)
	}
	return newWithClient(client, cfg.Lang, logger), nil
}

func newWithClient(client annotator, lang string, logger *zap.Logger) *Engine {
	return &Engine{client: client, lang: lang, logger: logger.Named("vision_engine")}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return engineName }

// Recognize sends the image inline. Vision always corrects orientation, so
// the angle classification option has no effect here.
func (e *Engine) Recognize(ctx context.Context, img *imagedecode.PixelBuffer, opts engine.Options) (engine.Result, error) {
	data, err := img.EncodePNG()
	if err != nil {
		return engine.Result{}, &engine.Error{Engine: engineName, Err: err}
	}

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: data},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_TEXT_DETECTION}},
		}},
	}
	if e.lang != "" {
		req.Requests[0].ImageContext = &visionpb.ImageContext{LanguageHints: []string{e.lang}}
	}

	resp, err := e.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		e.logger.Error("vision api call failed", zap.Error(err))
		return engine.Result{}, &engine.Error{Engine: engineName, Err: err}
	}
	if len(resp.GetResponses()) == 0 {
		return engine.Result{}, &engine.Error{Engine: engineName, Err: ErrEmptyResponse}
	}
	annotated := resp.GetResponses()[0]
	if annotated.GetError() != nil {
		return engine.Result{}, &engine.Error{Engine: engineName, Err: fmt.Errorf("vision api error: %s", annotated.GetError().GetMessage())}
	}

	raw, err := toRaw(annotated)
	if err != nil {
		return engine.Result{}, &engine.Error{Engine: engineName, Err: err}
	}
	return engine.Result{Lines: linesFromResponse(annotated), Raw: raw}, nil
}

// Close releases the API client.
func (e *Engine) Close() error {
	return e.client.Close()
}

func toRaw(resp *visionpb.AnnotateImageResponse) (any, error) {
	b, err := protojson.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal vision response: %w", err)
	}
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal vision response: %w", err)
	}
	return raw, nil
}

// linesFromResponse rebuilds text lines from the full text annotation by
// following detected breaks. Without a full annotation every word
// annotation becomes its own line.
func linesFromResponse(resp *visionpb.AnnotateImageResponse) []engine.Line {
	if doc := resp.GetFullTextAnnotation(); doc != nil && len(doc.GetPages()) > 0 {
		return linesFromDocument(doc)
	}

	annotations := resp.GetTextAnnotations()
	if len(annotations) <= 1 {
		return []engine.Line{}
	}
	lines := make([]engine.Line, 0, len(annotations)-1)
	for _, a := range annotations[1:] {
		lines = append(lines, engine.Line{
			Polygon:    polygon(a.GetBoundingPoly()),
			Text:       a.GetDescription(),
			Confidence: float64(a.GetConfidence()),
		})
	}
	return lines
}

type lineBuilder struct {
	text       strings.Builder
	vertices   []*visionpb.Vertex
	confidence float64
	words      int
}

func (b *lineBuilder) empty() bool { return b.words == 0 }

func (b *lineBuilder) line() engine.Line {
	l := engine.Line{
		Polygon: boundingQuad(b.vertices),
		Text:    strings.TrimRight(b.text.String(), " "),
	}
	if b.words > 0 {
		l.Confidence = b.confidence / float64(b.words)
	}
	return l
}

func linesFromDocument(doc *visionpb.TextAnnotation) []engine.Line {
	lines := make([]engine.Line, 0)
	current := &lineBuilder{}
	flush := func() {
		if !current.empty() {
			lines = append(lines, current.line())
		}
		current = &lineBuilder{}
	}

	for _, page := range doc.GetPages() {
		for _, block := range page.GetBlocks() {
			for _, para := range block.GetParagraphs() {
				for _, word := range para.GetWords() {
					current.words++
					current.confidence += float64(word.GetConfidence())
					current.vertices = append(current.vertices, word.GetBoundingBox().GetVertices()...)

					endsLine := false
					for _, sym := range word.GetSymbols() {
						current.text.WriteString(sym.GetText())
						switch sym.GetProperty().GetDetectedBreak().GetType() {
						case visionpb.TextAnnotation_DetectedBreak_SPACE, visionpb.TextAnnotation_DetectedBreak_SURE_SPACE:
							current.text.WriteByte(' ')
						case visionpb.TextAnnotation_DetectedBreak_HYPHEN:
							current.text.WriteByte('-')
							endsLine = true
						case visionpb.TextAnnotation_DetectedBreak_EOL_SURE_SPACE, visionpb.TextAnnotation_DetectedBreak_LINE_BREAK:
							endsLine = true
						}
					}
					if endsLine {
						flush()
					}
				}
			}
			flush()
		}
	}
	flush()
	return lines
}

func polygon(poly *visionpb.BoundingPoly) []engine.Point {
	vertices := poly.GetVertices()
	points := make([]engine.Point, 0, len(vertices))
	for _, v := range vertices {
		points = append(points, engine.Point{X: float64(v.GetX()), Y: float64(v.GetY())})
	}
	return points
}

// boundingQuad returns the axis-aligned rectangle around all vertices as
// top-left, top-right, bottom-right, bottom-left.
func boundingQuad(vertices []*visionpb.Vertex) []engine.Point {
	if len(vertices) == 0 {
		return []engine.Point{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, v := range vertices {
		x, y := float64(v.GetX()), float64(v.GetY())
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	return []engine.Point{{X: minX, Y: minY}, {X: maxX, Y: minY}, {X: maxX, Y: maxY}, {X: minX, Y: maxY}}
}
