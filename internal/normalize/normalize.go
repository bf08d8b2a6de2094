// Package normalize converts engine output into the stable response schema.
package normalize

import (
	"math"
	"strings"

	"github.com/example/ocr-api/internal/engine"
)

// Point is an integer pixel coordinate, serialized as [x, y].
type Point [2]int

// Box is the polygon of one recognized line.
type Box []Point

// Response is the successful OCR payload.
type Response struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
	Boxes   []Box  `json:"boxes"`
	Raw     any    `json:"raw"`
}

// Failure is the payload returned when decoding or recognition fails.
type Failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// NewFailure builds a failure payload carrying err's message.
func NewFailure(err error) Failure {
	return Failure{Success: false, Error: err.Error()}
}

// FromResult flattens an engine result. Line order is the engine's reading
// order; text line i and Boxes[i] always describe the same detection.
func FromResult(res engine.Result) *Response {
	texts := make([]string, 0, len(res.Lines))
	boxes := make([]Box, 0, len(res.Lines))
	for _, line := range res.Lines {
		texts = append(texts, line.Text)
		boxes = append(boxes, toBox(line.Polygon))
	}

	return &Response{
		Success: true,
		Text:    strings.Join(texts, "\n"),
		Boxes:   boxes,
		Raw:     res.Raw,
	}
}

// toBox rounds every vertex to the nearest integer pixel.
func toBox(polygon []engine.Point) Box {
	box := make(Box, 0, len(polygon))
	for _, p := range polygon {
		box = append(box, Point{round(p.X), round(p.Y)})
	}
	return box
}

func round(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Round(v))
}
