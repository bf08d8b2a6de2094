package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/ocr-api/internal/logging"
	"github.com/example/ocr-api/internal/normalize"
	"github.com/example/ocr-api/internal/upload"
)

// DefaultMaxUploadSize bounds the multipart body when no limit is configured.
const DefaultMaxUploadSize = 10 << 20

// Recognizer is the pipeline behind POST /ocr.
type Recognizer interface {
	Recognize(ctx context.Context, requestID string, img *upload.Image) (*normalize.Response, error)
	EngineName() string
	Healthy() error
}

// Options configure the HTTP surface.
type Options struct {
	MaxUploadSize int64
	Logger        *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc Recognizer, opts Options) {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("handlers")

	router.Use(RequestID(), RequestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		if err := uc.Healthy(); err != nil {
			logger.Warn("engine unhealthy", zap.String("request_id", GetRequestID(c)), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "engine": uc.EngineName(), "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "engine": uc.EngineName()})
	})

	router.POST("/ocr", func(c *gin.Context) {
		requestID := GetRequestID(c)

		img, err := upload.FromRequest(c.Request, opts.MaxUploadSize)
		if err != nil {
			var inputErr *upload.ClientInputError
			if errors.As(err, &inputErr) {
				c.JSON(inputErr.Status, gin.H{"error": inputErr.Message})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := uc.Recognize(c.Request.Context(), requestID, img)
		if err != nil {
			c.JSON(http.StatusInternalServerError, normalize.NewFailure(logging.Cause(err)))
			return
		}

		c.JSON(http.StatusOK, resp)
	})
}
