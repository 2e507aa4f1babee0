package document

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/medflow/rx-verification/internal/verification/domain"
)

const (
	MimePDF  = "application/pdf"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeDOC  = "application/msword"
)

var mimeTypes = map[string]domain.DocumentType{
	MimePDF:      domain.DocumentPDF,
	"image/jpeg": domain.DocumentJPEG,
	"image/jpg":  domain.DocumentJPEG,
	"image/png":  domain.DocumentPNG,
	"image/webp": domain.DocumentWEBP,
	"image/gif":  domain.DocumentGIF,
	MimeDOCX:     domain.DocumentDOCX,
	MimeDOC:      domain.DocumentDOC,
}

var extensions = map[string]string{
	".pdf":  MimePDF,
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
	".docx": MimeDOCX,
	".doc":  MimeDOC,
}

// NormalizeMime lowercases a content type and drops its parameters
func NormalizeMime(mime string) string {
	return strings.ToLower(strings.TrimSpace(strings.Split(mime, ";")[0]))
}

// Sniff detects the content type of data from its leading bytes
func Sniff(data []byte) string {
	return NormalizeMime(mimetype.Detect(data).String())
}

// Classify returns the document type and effective mime type. The declared
// content type is trusted when it is a known type; generic declarations such
// as application/octet-stream fall back to content sniffing and then to the
// file extension.
func Classify(data []byte, declaredMime, filename string) (domain.DocumentType, string) {
	declared := NormalizeMime(declaredMime)
	if t, ok := mimeTypes[declared]; ok {
		return t, declared
	}

	sniffed := Sniff(data)
	if t, ok := mimeTypes[sniffed]; ok {
		return t, sniffed
	}

	if mime, ok := extensions[strings.ToLower(filepath.Ext(filename))]; ok {
		return mimeTypes[mime], mime
	}

	if declared == "" {
		declared = sniffed
	}
	return domain.DocumentUnknown, declared
}
