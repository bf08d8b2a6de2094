package grpcclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/ocr-api/internal/engine"
	"github.com/example/ocr-api/internal/imagedecode"
	"github.com/example/ocr-api/internal/logging"
)

const engineName = "grpc"

// Wire contract of the remote recognition engine. Messages are
// google.protobuf.Struct values so any language can implement the service
// without generated stubs.
//
// Request:  {"image": <base64 PNG>, "angle_classification": bool, "lang": string, "width": n, "height": n}
// Response: {"lines": [{"polygon": [[x, y], ...], "text": string, "confidence": n}], "raw": any}
const (
	ServiceName     = "ocr.v1.RecognitionEngine"
	RecognizeMethod = "/" + ServiceName + "/Recognize"
)

// DialEngine returns a ready-to-use recognition engine backed by a remote
// gRPC service. The returned engine owns the connection.
func DialEngine(ctx context.Context, addr, lang string, logger *zap.Logger, opts ...grpc.DialOption) (engine.Engine, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_engine", "", err)
		logger.Error("failed to dial recognition engine", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &grpcEngine{conn: conn, lang: lang, logger: logger.Named("grpc_engine")}, nil
}

type grpcEngine struct {
	conn   *grpc.ClientConn
	lang   string
	logger *zap.Logger
}

func (g *grpcEngine) Name() string { return engineName }

func (g *grpcEngine) Recognize(ctx context.Context, img *imagedecode.PixelBuffer, opts engine.Options) (engine.Result, error) {
	data, err := img.EncodePNG()
	if err != nil {
		return engine.Result{}, &engine.Error{Engine: engineName, Err: err}
	}

	req, err := structpb.NewStruct(map[string]any{
		"image":                base64.StdEncoding.EncodeToString(data),
		"angle_classification": opts.AngleClassification,
		"lang":                 g.lang,
		"width":                img.Width,
		"height":               img.Height,
	})
	if err != nil {
		return engine.Result{}, &engine.Error{Engine: engineName, Err: err}
	}

	resp := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, RecognizeMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.recognize", "", err)
		g.logger.Error("recognition engine call failed", zap.Error(wrapped))
		return engine.Result{}, &engine.Error{Engine: engineName, Err: err}
	}

	result, err := decodeReply(resp)
	if err != nil {
		return engine.Result{}, &engine.Error{Engine: engineName, Err: err}
	}
	return result, nil
}

func (g *grpcEngine) Close() error {
	return g.conn.Close()
}

// decodeReply maps {lines: [{polygon, text, confidence}], raw} into a
// Result. A missing raw field falls back to the lines themselves.
func decodeReply(resp *structpb.Struct) (engine.Result, error) {
	fields := resp.AsMap()

	rawLines, _ := fields["lines"].([]any)
	lines := make([]engine.Line, 0, len(rawLines))
	for i, item := range rawLines {
		entry, ok := item.(map[string]any)
		if !ok {
			return engine.Result{}, fmt.Errorf("line %d: expected object, got %T", i, item)
		}
		polygon, err := parsePolygon(entry["polygon"])
		if err != nil {
			return engine.Result{}, fmt.Errorf("line %d: %w", i, err)
		}
		text, _ := entry["text"].(string)
		confidence, _ := entry["confidence"].(float64)
		lines = append(lines, engine.Line{Polygon: polygon, Text: text, Confidence: confidence})
	}

	raw, ok := fields["raw"]
	if !ok {
		raw = fields["lines"]
	}
	return engine.Result{Lines: lines, Raw: raw}, nil
}

func parsePolygon(v any) ([]engine.Point, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("polygon: expected list, got %T", v)
	}
	points := make([]engine.Point, 0, len(items))
	for j, item := range items {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("polygon point %d: expected [x, y]", j)
		}
		x, okX := pair[0].(float64)
		y, okY := pair[1].(float64)
		if !okX || !okY {
			return nil, fmt.Errorf("polygon point %d: coordinates must be numbers", j)
		}
		points = append(points, engine.Point{X: x, Y: y})
	}
	return points, nil
}
