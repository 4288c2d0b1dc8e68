package core

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/gen2brain/go-fitz"
)

// MaxExtractBytes bounds how large an uploaded document may be before text
// extraction is skipped. Larger uploads are kept in storage as is.
const MaxExtractBytes = 2 * 1024 * 1024 // 2 MB

// ErrUnsupportedFormat means the uploaded file has no text extractor. The
// upload itself still succeeds, the asset just carries no inline text.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// ExtractText turns an uploaded document into the text the annotation engine
// should see. PDFs are converted page by page to markdown so headings and
// lists survive, the plain text formats pass through unchanged.
func ExtractText(filename string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return extractPdf(data)
	case ".txt", ".csv", ".html", ".json", ".xml", ".md":
		return string(data), nil
	default:
		return "", ErrUnsupportedFormat
	}
}

func extractPdf(data []byte) (string, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", fmt.Errorf("could not open pdf: %w", err)
	}
	defer doc.Close()

	converter := md.NewConverter("", true, nil)

	pages := make([]string, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		html, err := doc.HTML(i, true)
		if err != nil {
			return "", fmt.Errorf("could not read pdf page %d: %w", i+1, err)
		}

		text, err := converter.ConvertString(html)
		if err != nil {
			return "", fmt.Errorf("could not convert pdf page %d: %w", i+1, err)
		}

		pages = append(pages, stripInlineImages(text))
	}

	return strings.Join(pages, "\n\n"), nil
}

// Embedded images come through as base64 data URLs and would dwarf the
// actual text, so they are dropped.
var inlineImagePattern = regexp.MustCompile(`!\[\]\(data:image/[^)]+\)`)

func stripInlineImages(content string) string {
	return inlineImagePattern.ReplaceAllString(content, "")
}
