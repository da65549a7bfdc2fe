// Package markdown converts OneNote page HTML into Markdown and extracts
// the asset URLs and anchors a page references. Conversion is
// deterministic: the same (html, asset map, link map) input yields
// byte-identical output.
package markdown

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// AssetKind distinguishes inline images from file attachments.
type AssetKind string

// Asset kinds found in OneNote HTML.
const (
	AssetImage      AssetKind = "image"
	AssetAttachment AssetKind = "attachment"
)

// AssetCandidate is one downloadable resource referenced by a page.
type AssetCandidate struct {
	// URL is the primary resource URL (img src or object data).
	URL string
	// FullresURL is the high-resolution variant from data-fullres-src,
	// empty when absent. Both are downloaded; the larger wins.
	FullresURL string
	// MimeHint comes from data-*-type attributes when present.
	MimeHint string
	// Filename is the attachment's display name (attachments only).
	Filename string
	Kind     AssetKind
}

// Anchor is one hyperlink found in a page body.
type Anchor struct {
	Href string
	Text string
}

// ExtractAssets parses page HTML and returns every image and attachment
// reference in document order.
func ExtractAssets(htmlSrc []byte) ([]AssetCandidate, error) {
	root, err := html.Parse(bytes.NewReader(htmlSrc))
	if err != nil {
		return nil, err
	}

	var out []AssetCandidate

	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}

		switch n.DataAtom {
		case atom.Img:
			c := AssetCandidate{
				URL:        attr(n, "src"),
				FullresURL: attr(n, "data-fullres-src"),
				MimeHint:   attr(n, "data-src-type"),
				Kind:       AssetImage,
			}
			if c.MimeHint == "" {
				c.MimeHint = attr(n, "data-fullres-src-type")
			}

			if c.URL != "" || c.FullresURL != "" {
				out = append(out, c)
			}
		case atom.Object:
			c := AssetCandidate{
				URL:      attr(n, "data"),
				MimeHint: attr(n, "type"),
				Filename: attr(n, "data-attachment"),
				Kind:     AssetAttachment,
			}

			if c.URL != "" {
				out = append(out, c)
			}
		}
	})

	return out, nil
}

// ExtractLinks parses page HTML and returns every anchor with an href, in
// document order.
func ExtractLinks(htmlSrc []byte) ([]Anchor, error) {
	root, err := html.Parse(bytes.NewReader(htmlSrc))
	if err != nil {
		return nil, err
	}

	var out []Anchor

	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.DataAtom != atom.A {
			return
		}

		href := attr(n, "href")
		if href == "" {
			return
		}

		out = append(out, Anchor{Href: href, Text: strings.TrimSpace(textContent(n))})
	})

	return out, nil
}

// walk visits n and all descendants in document order.
func walk(n *html.Node, visit func(*html.Node)) {
	visit(n)

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

// attr returns the value of the named attribute, or "".
func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}

	return ""
}

// textContent concatenates all text descendants of n.
func textContent(n *html.Node) string {
	var b strings.Builder

	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	})

	return b.String()
}
