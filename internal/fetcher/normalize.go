package fetcher

import (
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"filing-analyzer/models"
)

var (
	whitespaceRe  = regexp.MustCompile(`\s+`)
	controlRe     = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f\x{80}-\x{9f}]`)
	repeatedDotRe = regexp.MustCompile(`\.{2,}`)
	repeatedExcRe = regexp.MustCompile(`!{2,}`)
	repeatedQRe   = regexp.MustCompile(`\?{2,}`)

	companyRe = regexp.MustCompile(`(?im)COMPANY\s+CONFORMED\s+NAME:[ \t]*(.+?)[ \t]*$`)
	formRe    = regexp.MustCompile(`(?im)FORM\s+TYPE:[ \t]*(.+?)[ \t]*$`)
	filedRe   = regexp.MustCompile(`(?im)FILED\s+AS\s+OF\s+DATE:[ \t]*(\d{8})`)
	cikRe     = regexp.MustCompile(`(?im)CENTRAL\s+INDEX\s+KEY:[ \t]*(\d+)`)
)

// Elements whose text never belongs to the filing body.
const droppedSelectors = "script, style, meta, link, noscript, head, [style*='display:none'], [style*='display: none']"

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "tr": true, "td": true, "th": true,
	"li": true, "table": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true, "section": true, "article": true, "pre": true,
	"document": true, "text": true, "type": true, "filename": true,
}

// ParseHTML extracts visible text and header metadata from an HTML, XHTML
// or EDGAR SGML submission.
func ParseHTML(r io.Reader) (string, models.FilingMetadata, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", models.FilingMetadata{}, err
	}

	meta := inlineXBRLMetadata(doc)

	doc.Find(droppedSelectors).Remove()

	var b strings.Builder
	for _, n := range doc.Selection.Nodes {
		writeText(&b, n)
	}
	raw := b.String()

	// The EDGAR header (full submission .txt files) is plain text and wins
	// over inline XBRL tags when both exist.
	header := headerMetadata(raw)
	meta = mergeMetadata(header, meta)

	return CleanText(raw), meta, nil
}

// writeText walks the node tree, separating block-level elements so table
// cells and paragraphs don't run together.
func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if blockElements[n.Data] {
			b.WriteByte('\n')
			defer b.WriteByte('\n')
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
}

// CleanText normalizes extracted text: control characters removed, runs of
// whitespace collapsed to one space and repeated terminal punctuation
// collapsed.
func CleanText(text string) string {
	text = controlRe.ReplaceAllString(text, "")
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = repeatedDotRe.ReplaceAllString(text, ".")
	text = repeatedExcRe.ReplaceAllString(text, "!")
	text = repeatedQRe.ReplaceAllString(text, "?")
	return strings.TrimSpace(text)
}

func headerMetadata(text string) models.FilingMetadata {
	var meta models.FilingMetadata
	if m := companyRe.FindStringSubmatch(text); m != nil {
		meta.CompanyName = strings.TrimSpace(m[1])
	}
	if m := formRe.FindStringSubmatch(text); m != nil {
		meta.FormType = strings.TrimSpace(m[1])
	}
	if m := filedRe.FindStringSubmatch(text); m != nil {
		d := m[1]
		meta.FilingDate = d[0:4] + "-" + d[4:6] + "-" + d[6:8]
	}
	if m := cikRe.FindStringSubmatch(text); m != nil {
		meta.CIK = strings.TrimLeft(m[1], "0")
	}
	return meta
}

// inlineXBRLMetadata reads the dei: cover-page facts of an iXBRL filing.
func inlineXBRLMetadata(doc *goquery.Document) models.FilingMetadata {
	fact := func(name string) string {
		return strings.TrimSpace(doc.Find("[name='" + name + "']").First().Text())
	}
	return models.FilingMetadata{
		CompanyName: fact("dei:EntityRegistrantName"),
		FormType:    fact("dei:DocumentType"),
		CIK:         strings.TrimLeft(fact("dei:EntityCentralIndexKey"), "0"),
	}
}

func mergeMetadata(primary, fallback models.FilingMetadata) models.FilingMetadata {
	if primary.CompanyName == "" {
		primary.CompanyName = fallback.CompanyName
	}
	if primary.FormType == "" {
		primary.FormType = fallback.FormType
	}
	if primary.FilingDate == "" {
		primary.FilingDate = fallback.FilingDate
	}
	if primary.CIK == "" {
		primary.CIK = fallback.CIK
	}
	return primary
}
