package document

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/medflow/rx-verification/internal/verification/domain"
	_ "golang.org/x/image/webp"
)

// ImageExtractor reads raster dimensions and format. Images never carry text.
type ImageExtractor struct{}

func (ImageExtractor) Name() string { return "image" }

func (ImageExtractor) Supports(docType domain.DocumentType) bool {
	return docType.IsImage()
}

func (ImageExtractor) Extract(ctx context.Context, data []byte, _ domain.DocumentType) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}

	return &Document{
		PageCount: 1,
		Image: &domain.ImageMetadata{
			Width:  cfg.Width,
			Height: cfg.Height,
			Format: format,
		},
	}, nil
}
