package pipeline

import (
	"context"

	"genmedia-studio/internal/gemini"
	"genmedia-studio/internal/studio"
)

type VisionModel interface {
	Describe(ctx context.Context, model string, media gemini.Blob, instruction string) (string, error)
}

type TextModel interface {
	GenerateJSON(ctx context.Context, model, instruction string, schema map[string]any) (string, error)
}

type ImageModel interface {
	GenerateImage(ctx context.Context, req gemini.ImageRequest) (gemini.ImageResult, error)
}

// Downloader fetches media files the models return by reference.
type Downloader interface {
	Download(ctx context.Context, uri string) ([]byte, string, error)
}

type VideoModel interface {
	Downloader
	StartVideo(ctx context.Context, req gemini.VideoRequest) (gemini.Operation, error)
	GetOperation(ctx context.Context, name string) (gemini.Operation, error)
}

// AnchorResolver turns a prior output URI back into bytes for image refinement.
type AnchorResolver interface {
	Resolve(ctx context.Context, uri string) ([]byte, string, error)
}

// OutputStore uploads generated media and returns the URI to record.
type OutputStore interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) (string, error)
}

type History interface {
	Append(ctx context.Context, projectID string, asset studio.GeneratedAsset) error
}

type EventPublisher interface {
	GenerationCompleted(ctx context.Context, projectID string, asset studio.GeneratedAsset) error
}
