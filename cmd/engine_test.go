package cmd

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/example/ocr-api/internal/config"
)

func TestNewEngineRejectsUnknownBackend(t *testing.T) {
	_, err := newEngine(context.Background(), &config.Config{Engine: "abacus"}, zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), `unknown engine "abacus"`) {
		t.Fatalf("unexpected error: %v", err)
	}
}
