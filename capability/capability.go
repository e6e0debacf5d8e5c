// Package capability defines the external model backends witness talks to: a
// vision-language model that turns an image plus instructions into text, and
// an embedding model that turns a single input into a vector.
package capability

import (
	"context"
	"errors"
)

// ErrUnsupportedModality is returned by an Embedder asked to embed an input
// kind it has no model for, e.g. an image on a text-only backend.
var ErrUnsupportedModality = errors.New("modality not supported by embedder")

// Modality is the kind of input being embedded.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
)

// Input is one logical input to an Embedder. Exactly one of Text or Image is
// meaningful, selected by Kind. Image holds encoded bytes of type MIMEType.
type Input struct {
	Kind     Modality
	Text     string
	Image    []byte
	MIMEType string
}

// Backend is the part common to both capabilities.
type Backend interface {
	// Name returns the name of the backend, e.g. "gemini" or "llama"
	Name() string

	// Model returns the model identifier used for requests.
	Model() string

	// IsHealthy returns whether the backend server is reachable.
	IsHealthy(ctx context.Context) bool
}

// Vision describes images with a vision-language model.
type Vision interface {
	Backend

	// Generate sends prompt and a single encoded image to the model and
	// returns its free-form text reply.
	Generate(ctx context.Context, prompt string, image []byte, mimeType string) (string, error)
}

// Embedder maps a single input to a fixed-length vector.
type Embedder interface {
	Backend

	// Dimensions returns the length of every vector produced, or 0 if the
	// backend cannot know it before the first request.
	Dimensions() int

	// Supports reports whether Embed accepts inputs of kind m.
	Supports(m Modality) bool

	// Embed returns the embedding vector for in.
	Embed(ctx context.Context, in Input) ([]float32, error)
}
