package testutil

import (
	"archive/zip"
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"strings"
)

// SamplePrescriptionText is a typical OCR result for a handwritten-free,
// printed clinic prescription.
const SamplePrescriptionText = `City Health Clinic
Dr. Sarah Johnson
License No: MD-123456
Patient: John Smith
Date of Birth: 04/12/1980
Date Issued: 2025-01-10

MEDICATIONS
Amoxicillin
Strength: 500mg
Quantity: 21
Directions: Take one capsule three times daily

Signature: S. Johnson`

// PatternImage draws a deterministic w x h gradient. Different seeds give
// visually different images; the same seed always yields the same pixels.
func PatternImage(w, h int, seed uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var v uint8
			switch seed % 3 {
			case 0:
				v = uint8((x * 255) / max(w-1, 1))
			case 1:
				v = uint8((y * 255) / max(h-1, 1))
			default:
				if (x/16+y/16)%2 == 0 {
					v = 230
				} else {
					v = 20
				}
			}
			img.Set(x, y, color.RGBA{R: v, G: v ^ seed, B: 255 - v, A: 255})
		}
	}
	return img
}

// PNGImage encodes PatternImage as PNG
func PNGImage(w, h int, seed uint8) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, PatternImage(w, h, seed)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// JPEGImage encodes PatternImage as JPEG at the given quality
func JPEGImage(w, h int, seed uint8, quality int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, PatternImage(w, h, seed), &jpeg.Options{Quality: quality}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// GIFImage encodes PatternImage as GIF
func GIFImage(w, h int, seed uint8) []byte {
	var buf bytes.Buffer
	if err := gif.Encode(&buf, PatternImage(w, h, seed), nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// SmoothImage draws low-frequency shading resembling a photographed page.
// Its perceptual hash is stable under lossy re-encoding.
func SmoothImage(w, h int, seed uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	phase := float64(seed)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 128 + 60*math.Sin(float64(x)/17+phase) + 50*math.Cos(float64(y)/23+phase/2)
			c := uint8(math.Max(0, math.Min(255, v)))
			img.Set(x, y, color.RGBA{R: c, G: c, B: c, A: 255})
		}
	}
	return img
}

// SmoothJPEG encodes SmoothImage as JPEG at the given quality
func SmoothJPEG(w, h int, seed uint8, quality int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, SmoothImage(w, h, seed), &jpeg.Options{Quality: quality}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// DOCX builds a minimal word-processing archive with one paragraph per entry.
func DOCX(paragraphs ...string) []byte {
	var body strings.Builder
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t xml:space="preserve">`)
		body.WriteString(xmlEscape(p))
		body.WriteString(`</w:t></w:r></w:p>`)
	}

	files := []struct{ name, content string }{
		{"[Content_Types].xml", `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
			`<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` +
			`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>` +
			`<Default Extension="xml" ContentType="application/xml"/>` +
			`<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>` +
			`</Types>`},
		{"_rels/.rels", `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
			`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
			`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>` +
			`</Relationships>`},
		{"word/document.xml", `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
			`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
			body.String() +
			`</w:body></w:document>`},
		{"word/_rels/document.xml.rels", `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
			`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"></Relationships>`},
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			panic(err)
		}
		if _, err := w.Write([]byte(f.content)); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// PDF builds a single-page PDF whose text layer holds the given lines.
// With no lines the page has an empty content stream, like a scan without OCR.
func PDF(lines ...string) []byte {
	var content strings.Builder
	if len(lines) > 0 {
		content.WriteString("BT\n/F1 12 Tf\n14 TL\n72 720 Td\n")
		for _, line := range lines {
			content.WriteString("(" + pdfEscape(line) + ") Tj T*\n")
		}
		content.WriteString("ET\n")
	}
	stream := content.String()

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", len(stream), stream),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func xmlEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;").Replace(s)
}

func pdfEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`).Replace(s)
}
