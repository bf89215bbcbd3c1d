package fetcher

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"filing-analyzer/internal/logger"
)

// extractPDFText pulls plain text out of every page. Pages that fail to
// decode are skipped; a document with no extractable text is an error.
func extractPDFText(content []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("failed to create PDF reader: %w", err)
	}

	var textBuilder strings.Builder
	pages := reader.NumPage()

	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		fonts := make(map[string]*pdf.Font)
		for _, name := range page.Fonts() {
			f := page.Font(name)
			fonts[name] = &f
		}
		text, err := page.GetPlainText(fonts)
		if err != nil {
			logger.Warn("Failed to extract PDF page text", "page", i, "error", err)
			continue
		}

		textBuilder.WriteString(text)
		textBuilder.WriteString("\n")
	}

	out := CleanText(textBuilder.String())
	if out == "" {
		return "", fmt.Errorf("pdf contains no extractable text (%d pages)", pages)
	}
	return out, nil
}
