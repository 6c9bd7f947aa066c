package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// ExtractText returns the indexable text of a file. PDFs and HTML get
// format-specific extraction; everything else is read as UTF-8 text.
func ExtractText(absPath string) (string, error) {
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".pdf":
		return extractPDF(absPath)
	case ".html", ".htm":
		data, err := os.ReadFile(absPath)
		if err != nil {
			return "", err
		}
		return extractHTML(string(data))
	default:
		return extractPlain(absPath)
	}
}

func extractPlain(absPath string) (string, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", err
	}

	// The stage scanner keeps binaries out of selections, but the API
	// accepts raw rel paths, so sniff again before treating it as text.
	probe := data
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	if bytes.IndexByte(probe, 0) >= 0 {
		return "", errors.New("binary content")
	}

	return strings.ToValidUTF8(string(data), ""), nil
}

func extractPDF(absPath string) (string, error) {
	f, r, err := pdf.Open(absPath)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}

	var sb strings.Builder
	if _, err := io.Copy(&sb, plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return sb.String(), nil
}

// blockTags are elements that end a line of extracted HTML text.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true,
	"pre": true, "blockquote": true,
}

var (
	spaceRunRE = regexp.MustCompile(`[ \t]+`)
	blankRunRE = regexp.MustCompile(`\n\s*\n\s*\n+`)
)

func extractHTML(src string) (string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			sb.WriteString("\n")
		}
	}
	walk(doc)

	text := spaceRunRE.ReplaceAllString(sb.String(), " ")
	text = blankRunRE.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text), nil
}
