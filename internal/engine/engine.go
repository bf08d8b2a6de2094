// Package engine defines the contract between the OCR front end and the
// recognition backends that do the actual text detection and recognition.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/ocr-api/internal/imagedecode"
)

// Point is a polygon vertex in image pixel coordinates.
type Point struct {
	X float64
	Y float64
}

// Line is one recognized line of text as emitted by an engine.
type Line struct {
	Polygon    []Point
	Text       string
	Confidence float64
}

// Result is the ordered output of a single recognition call. Raw carries the
// engine-native output as a JSON-compatible tree and is never interpreted by
// the front end.
type Result struct {
	Lines []Line
	Raw   any
}

// Options tune a single recognition call.
type Options struct {
	// AngleClassification enables text orientation classification before
	// recognition.
	AngleClassification bool
}

// Engine is a long-lived recognition capability shared by all requests.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, img *imagedecode.PixelBuffer, opts Options) (Result, error)
	Close() error
}

// HealthChecker is implemented by engines whose handle can fail after
// startup, such as a worker process that dies.
type HealthChecker interface {
	Healthy() error
}

// CheckHealth returns e's health, or nil for engines that cannot tell.
func CheckHealth(e Engine) error {
	if hc, ok := e.(HealthChecker); ok {
		return hc.Healthy()
	}
	return nil
}

// Error is a failure reported by a backend.
type Error struct {
	Engine string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s engine: %v", e.Engine, e.Err)
}

// Unwrap returns the backend error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Serialized wraps an engine so that at most one Recognize call runs at a
// time. Use it for backends that are not safe for concurrent use.
func Serialized(e Engine) Engine {
	if _, ok := e.(*serialized); ok {
		return e
	}
	return &serialized{inner: e}
}

type serialized struct {
	mu    sync.Mutex
	inner Engine
}

func (s *serialized) Name() string { return s.inner.Name() }

func (s *serialized) Recognize(ctx context.Context, img *imagedecode.PixelBuffer, opts Options) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Recognize(ctx, img, opts)
}

// Healthy does not take the lock so that health checks are not queued
// behind a slow recognition.
func (s *serialized) Healthy() error {
	return CheckHealth(s.inner)
}

func (s *serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}
