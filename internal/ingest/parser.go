package ingest

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/kalambet/docqa/internal/ragerr"
)

// Supported content types.
const (
	TypeText     = "text/plain"
	TypeMarkdown = "text/markdown"
	TypePDF      = "application/pdf"
	TypeHTML     = "text/html"
)

var extTypes = map[string]string{
	".txt":      TypeText,
	".text":     TypeText,
	".md":       TypeMarkdown,
	".markdown": TypeMarkdown,
	".pdf":      TypePDF,
	".html":     TypeHTML,
	".htm":      TypeHTML,
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DetectContentType resolves the media type of an upload. A declared type
// wins unless it is missing or generic, then the filename extension, then
// content sniffing.
func DetectContentType(declared, filename string, raw []byte) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if t, ok := extTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return t
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(raw))
	return mt
}

// Supported reports whether content of the given media type can be parsed.
func Supported(contentType string) bool {
	switch contentType {
	case TypeText, TypeMarkdown, TypePDF, TypeHTML:
		return true
	}
	return false
}

// Parse extracts plain text from raw document bytes. Unsupported types and
// corrupt input yield ErrParse.
func Parse(contentType, filename string, raw []byte) (string, error) {
	ct := DetectContentType(contentType, filename, raw)
	switch ct {
	case TypeText, TypeMarkdown:
		return parseText(raw)
	case TypePDF:
		return parsePDF(raw)
	case TypeHTML:
		return parseHTML(raw)
	default:
		return "", fmt.Errorf("%w: unsupported content type %q", ragerr.ErrParse, ct)
	}
}

func parseText(raw []byte) (string, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: text is not valid UTF-8", ragerr.ErrParse)
	}
	return string(raw), nil
}

func parsePDF(raw []byte) (text string, err error) {
	// The PDF reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: corrupt pdf: %v", ragerr.ErrParse, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("%w: reading pdf: %w", ragerr.ErrParse, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: extracting pdf text: %w", ragerr.ErrParse, err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("%w: extracting pdf text: %w", ragerr.ErrParse, err)
	}
	return strings.ToValidUTF8(string(b), ""), nil
}

// skipHTML lists elements whose text is never visible.
var skipHTML = map[string]bool{
	"head": true, "script": true, "style": true, "noscript": true, "template": true,
}

// blockHTML lists elements that start a new line of text.
var blockHTML = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "pre": true, "blockquote": true,
}

func parseHTML(raw []byte) (string, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: html is not valid UTF-8", ragerr.ErrParse)
	}
	root, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: parsing html: %w", ragerr.ErrParse, err)
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipHTML[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
					sb.WriteByte(' ')
				}
				sb.WriteString(s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockHTML[n.Data] && sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n\n") {
			sb.WriteString("\n\n")
		}
	}
	walk(root)
	return strings.TrimSpace(sb.String()), nil
}
