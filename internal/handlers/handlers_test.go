package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/ocr-api/internal/engine"
	"github.com/example/ocr-api/internal/imagedecode"
	"github.com/example/ocr-api/internal/usecase"
)

type stubEngine struct {
	result engine.Result
	err    error
	health error
	calls  int
}

func (s *stubEngine) Name() string { return "stub" }

func (s *stubEngine) Recognize(ctx context.Context, img *imagedecode.PixelBuffer, opts engine.Options) (engine.Result, error) {
	s.calls++
	if s.err != nil {
		return engine.Result{}, s.err
	}
	return s.result, nil
}

func (s *stubEngine) Close() error { return nil }

func (s *stubEngine) Healthy() error { return s.health }

func newRouter(eng engine.Engine, maxUpload int64) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	uc := usecase.NewRecognitionUseCase(eng, zap.NewNop())
	RegisterRoutes(router, uc, Options{MaxUploadSize: maxUpload})
	return router
}

func helloEngine() *stubEngine {
	return &stubEngine{result: engine.Result{
		Lines: []engine.Line{{
			Polygon:    []engine.Point{{X: 10, Y: 10}, {X: 50, Y: 10}, {X: 50, Y: 30}, {X: 10, Y: 30}},
			Text:       "HELLO",
			Confidence: 0.97,
		}},
		Raw: []any{[]any{[]any{
			[]any{[]any{10, 10}, []any{50, 10}, []any{50, 30}, []any{10, 30}},
			[]any{"HELLO", 0.97},
		}}},
	}}
}

func TestOCRReturnsNormalizedResult(t *testing.T) {
	eng := helloEngine()
	router := newRouter(eng, 0)

	body, contentType := buildMultipartBody(t, `form-data; name="image"; filename="hello.png"`, pngBytes(t))
	resp := serve(router, body, contentType)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	want := `{"success":true,"text":"HELLO","boxes":[[[10,10],[50,10],[50,30],[10,30]]],"raw":[[[[[10,10],[50,10],[50,30],[10,30]],["HELLO",0.97]]]]}`
	if strings.TrimSpace(resp.Body.String()) != want {
		t.Fatalf("unexpected body:\n got %s\nwant %s", resp.Body.String(), want)
	}
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if resp.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
}

func TestOCRRejectsMissingImage(t *testing.T) {
	eng := helloEngine()
	router := newRouter(eng, 0)

	body, contentType := buildMultipartBody(t, `form-data; name="picture"; filename="hello.png"`, pngBytes(t))
	resp := serve(router, body, contentType)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if strings.TrimSpace(resp.Body.String()) != `{"error":"No image provided"}` {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
	if eng.calls != 0 {
		t.Fatalf("engine should not be called, got %d calls", eng.calls)
	}
}

func TestOCRRejectsEmptyFilename(t *testing.T) {
	eng := helloEngine()
	router := newRouter(eng, 0)

	body, contentType := buildMultipartBody(t, `form-data; name="image"; filename=""`, pngBytes(t))
	resp := serve(router, body, contentType)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if strings.TrimSpace(resp.Body.String()) != `{"error":"Empty filename"}` {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
	if eng.calls != 0 {
		t.Fatalf("engine should not be called, got %d calls", eng.calls)
	}
}

func TestOCRRejectsLargeUpload(t *testing.T) {
	router := newRouter(helloEngine(), 512)

	body, contentType := buildMultipartBody(t, `form-data; name="image"; filename="big.png"`, bytes.Repeat([]byte("a"), 1024))
	resp := serve(router, body, contentType)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestOCRDecodeFailureUsesFailureEnvelope(t *testing.T) {
	eng := helloEngine()
	router := newRouter(eng, 0)

	body, contentType := buildMultipartBody(t, `form-data; name="image"; filename="notes.txt"`, []byte("plain text, not pixels"))
	resp := serve(router, body, contentType)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	payload := decodeBody(t, resp)
	if payload["success"] != false {
		t.Fatalf("expected success=false, got %v", payload["success"])
	}
	if payload["error"] != "cannot decode image: image: unknown format" {
		t.Fatalf("unexpected error: %v", payload["error"])
	}
	for _, key := range []string{"text", "boxes", "raw"} {
		if _, ok := payload[key]; ok {
			t.Fatalf("failure envelope must not contain %q", key)
		}
	}
	if eng.calls != 0 {
		t.Fatalf("engine should not be called, got %d calls", eng.calls)
	}
}

func TestOCREngineFailureMatchesDecodeFailureShape(t *testing.T) {
	eng := &stubEngine{err: &engine.Error{Engine: "stub", Err: errors.New("simulated fault")}}
	router := newRouter(eng, 0)

	body, contentType := buildMultipartBody(t, `form-data; name="image"; filename="hello.png"`, pngBytes(t))
	resp := serve(router, body, contentType)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	if strings.TrimSpace(resp.Body.String()) != `{"success":false,"error":"stub engine: simulated fault"}` {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}

func TestOCRIsIdempotent(t *testing.T) {
	router := newRouter(helloEngine(), 0)
	img := pngBytes(t)

	var bodies []string
	for i := 0; i < 2; i++ {
		body, contentType := buildMultipartBody(t, `form-data; name="image"; filename="hello.png"`, img)
		resp := serve(router, body, contentType)
		if resp.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
		}
		bodies = append(bodies, resp.Body.String())
	}
	if bodies[0] != bodies[1] {
		t.Fatalf("expected identical responses, got %s and %s", bodies[0], bodies[1])
	}
}

func TestHealthReportsEngine(t *testing.T) {
	router := newRouter(helloEngine(), 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if strings.TrimSpace(resp.Body.String()) != `{"engine":"stub","status":"ok"}` {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
	if resp.Header().Get(RequestIDHeader) != "abc-123" {
		t.Fatalf("expected request id to be echoed, got %q", resp.Header().Get(RequestIDHeader))
	}
}

func TestHealthReportsUnavailableEngine(t *testing.T) {
	eng := helloEngine()
	eng.health = errors.New("paddle worker exited")
	router := newRouter(eng, 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.Code)
	}
	want := `{"engine":"stub","error":"paddle worker exited","status":"unavailable"}`
	if strings.TrimSpace(resp.Body.String()) != want {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}

	eng.health = nil
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected recovery to report %d, got %d", http.StatusOK, resp.Code)
	}
}

func serve(router *gin.Engine, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/ocr", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid json body %q: %v", resp.Body.String(), err)
	}
	return payload
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 60, 40))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, disposition string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", disposition)
	header.Set("Content-Type", "image/png")

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}
