package ocr

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/png"

	"github.com/medflow/rx-verification/internal/verification/domain"
	_ "golang.org/x/image/webp"
)

// NeedsTranscode reports whether backends cannot read docType directly
func NeedsTranscode(docType domain.DocumentType) bool {
	return docType == domain.DocumentWEBP || docType == domain.DocumentGIF
}

// TranscodeToPNG decodes a WEBP or GIF (first frame) and re-encodes it as PNG
func TranscodeToPNG(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
