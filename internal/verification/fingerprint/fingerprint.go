// Package fingerprint computes exact and approximate document signatures
// and searches them across all patients for duplicates.
package fingerprint

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"unicode"

	"github.com/corona10/goimagehash"
	"github.com/medflow/rx-verification/internal/verification/domain"
	"golang.org/x/crypto/blake2b"
	_ "golang.org/x/image/webp"
)

// Compute fingerprints data. Perceptual hashes are only computed for raster
// images; the content hash only when recognized text is non-empty after
// normalization. Identical input always yields identical hashes.
func Compute(data []byte, docType domain.DocumentType, text string) (*domain.Fingerprint, error) {
	shaSum := sha256.Sum256(data)
	md5Sum := md5.Sum(data)

	fp := &domain.Fingerprint{
		SHA256:      hex.EncodeToString(shaSum[:]),
		MD5:         hex.EncodeToString(md5Sum[:]),
		ContentHash: ContentHash(text),
	}

	if docType.IsImage() {
		img, format, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return fp, fmt.Errorf("decode image for perceptual hash: %w", err)
		}
		bounds := img.Bounds()
		fp.Image = &domain.ImageMetadata{Width: bounds.Dx(), Height: bounds.Dy(), Format: format}

		p, err := goimagehash.PerceptionHash(img)
		if err != nil {
			return fp, fmt.Errorf("perception hash: %w", err)
		}
		d, err := goimagehash.DifferenceHash(img)
		if err != nil {
			return fp, fmt.Errorf("difference hash: %w", err)
		}
		a, err := goimagehash.AverageHash(img)
		if err != nil {
			return fp, fmt.Errorf("average hash: %w", err)
		}
		ph, dh, ah := p.GetHash(), d.GetHash(), a.GetHash()
		fp.PHash, fp.DHash, fp.AHash = &ph, &dh, &ah
	}

	return fp, nil
}

// NormalizeText lowercases, strips punctuation and collapses whitespace so
// OCR noise does not change the content hash.
func NormalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ContentHash is the BLAKE2b-256 digest of the normalized text, or "" when
// nothing remains after normalization.
func ContentHash(text string) string {
	normalized := NormalizeText(text)
	if normalized == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Distance is the Hamming distance between two 64-bit hashes of one kind
func Distance(a, b uint64, kind goimagehash.Kind) int {
	d, err := goimagehash.NewImageHash(a, kind).Distance(goimagehash.NewImageHash(b, kind))
	if err != nil {
		return 64
	}
	return d
}
