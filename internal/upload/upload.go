// Package upload validates the multipart image upload before any decoding
// or recognition work is started.
package upload

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
)

// FieldName is the multipart field carrying the image.
const FieldName = "image"

// ClientInputError is a rejection caused by the caller's request.
type ClientInputError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *ClientInputError) Error() string {
	return e.Message
}

var (
	ErrMissingImagePart = &ClientInputError{Status: http.StatusBadRequest, Message: "No image provided"}
	ErrEmptyFilename    = &ClientInputError{Status: http.StatusBadRequest, Message: "Empty filename"}
	ErrEmptyImage       = &ClientInputError{Status: http.StatusBadRequest, Message: "Empty image"}
	ErrImageTooLarge    = &ClientInputError{Status: http.StatusRequestEntityTooLarge, Message: "Image exceeds maximum upload size"}
)

// FramingAllowance is the room left for multipart boundaries, part headers
// and other form fields on top of the image size limit.
const FramingAllowance = 64 << 10

// Image is a validated upload. Data and Filename are never empty.
type Image struct {
	Data        []byte
	Filename    string
	ContentType string
}

// FromRequest extracts the image part of a multipart request.
//
// Only parts that carry a filename parameter count as file uploads; a plain
// form value named "image" is treated as a missing image. maxBytes limits
// the image content; the body as a whole may exceed it by FramingAllowance.
// Larger uploads are rejected with ErrImageTooLarge, maxBytes <= 0 disables
// the limit.
func FromRequest(r *http.Request, maxBytes int64) (*Image, error) {
	if maxBytes > 0 {
		bodyLimit := maxBytes + FramingAllowance
		if r.ContentLength > bodyLimit {
			return nil, ErrImageTooLarge
		}
		r.Body = http.MaxBytesReader(nil, r.Body, bodyLimit)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, ErrMissingImagePart
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, ErrMissingImagePart
		}
		if err != nil {
			return nil, classifyReadError(err)
		}

		if part.FormName() != FieldName {
			part.Close()
			continue
		}
		filename, ok := partFilename(part)
		if !ok {
			part.Close()
			continue
		}
		defer part.Close()
		return readImage(part, filename, maxBytes)
	}
}

func readImage(part *multipart.Part, filename string, maxBytes int64) (*Image, error) {
	if filename == "" {
		return nil, ErrEmptyFilename
	}

	var src io.Reader = part
	if maxBytes > 0 {
		src = io.LimitReader(part, maxBytes+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, classifyReadError(err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, ErrImageTooLarge
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	return &Image{
		Data:        data,
		Filename:    filename,
		ContentType: part.Header.Get("Content-Type"),
	}, nil
}

// partFilename reports the filename parameter of the part's
// Content-Disposition and whether the parameter was present at all.
func partFilename(part *multipart.Part) (string, bool) {
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return "", false
	}
	filename, ok := params["filename"]
	if !ok {
		return "", false
	}
	if filename == "" {
		return "", true
	}
	return filepath.Base(filename), true
}

func classifyReadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return ErrImageTooLarge
	}
	return ErrMissingImagePart
}
