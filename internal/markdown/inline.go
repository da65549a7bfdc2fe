package markdown

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// inline renders the children of n as a single line of inline Markdown.
func (r *renderer) inline(n *html.Node) string {
	var nodes []*html.Node

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		nodes = append(nodes, c)
	}

	return r.inlineNodes(nodes)
}

// inlineNodes renders a run of nodes as inline Markdown.
func (r *renderer) inlineNodes(nodes []*html.Node) string {
	var b strings.Builder

	for _, n := range nodes {
		b.WriteString(r.inlineNode(n))
	}

	return strings.TrimSpace(collapseAdjacentSpace(b.String()))
}

//nolint:funlen // single dispatch table over the supported inline elements
func (r *renderer) inlineNode(n *html.Node) string {
	switch n.Type {
	case html.TextNode:
		return escapeText(collapseSpace(n.Data))
	case html.ElementNode:
		// handled below
	default:
		return ""
	}

	switch n.DataAtom {
	case atom.B, atom.Strong:
		if inner := r.inline(n); inner != "" {
			return "**" + inner + "**"
		}

		return ""
	case atom.I, atom.Em:
		if inner := r.inline(n); inner != "" {
			return "*" + inner + "*"
		}

		return ""
	case atom.S, atom.Del, atom.Strike:
		if inner := r.inline(n); inner != "" {
			return "~~" + inner + "~~"
		}

		return ""
	case atom.U:
		// Markdown has no underline; the span survives as HTML.
		if inner := r.inline(n); inner != "" {
			return "<u>" + inner + "</u>"
		}

		return ""
	case atom.Code:
		return inlineCode(rawText(n))
	case atom.Br:
		return "  \n"
	case atom.A:
		return r.link(n)
	case atom.Img:
		return r.image(n)
	case atom.Span, atom.Font:
		return r.inline(n)
	case atom.Object:
		return r.attachment(n)
	default:
		inner := &renderer{maps: r.maps}
		inner.passthrough(n)

		return strings.TrimRight(inner.finish(), "\n")
	}
}

// link renders an anchor, rewriting internal hrefs through the link map.
func (r *renderer) link(n *html.Node) string {
	href := attr(n, "href")
	text := r.inline(n)

	if text == "" {
		text = href
	}

	if local, ok := r.maps.Links[href]; ok {
		href = local
	}

	if href == "" {
		return text
	}

	return fmt.Sprintf("[%s](%s)", text, href)
}

// inlineCode wraps code in backticks, growing the delimiter past any
// backtick run inside so adjacent backticks never merge.
func inlineCode(code string) string {
	if code == "" {
		return ""
	}

	delim := "`"
	for strings.Contains(code, delim) {
		delim += "`"
	}

	if strings.HasPrefix(code, "`") || strings.HasSuffix(code, "`") {
		return delim + " " + code + " " + delim
	}

	return delim + code + delim
}

// collapseSpace folds runs of whitespace into single spaces, preserving
// a leading/trailing space when one existed (inline joining relies on it).
func collapseSpace(s string) string {
	if s == "" {
		return ""
	}

	fields := strings.Fields(s)
	if len(fields) == 0 {
		return " "
	}

	out := strings.Join(fields, " ")

	if s[0] == ' ' || s[0] == '\n' || s[0] == '\t' {
		out = " " + out
	}

	last := s[len(s)-1]
	if last == ' ' || last == '\n' || last == '\t' {
		out += " "
	}

	return out
}

// collapseAdjacentSpace removes doubled spaces produced by joining
// adjacent inline fragments. Hard line breaks ("  \n") are preserved.
func collapseAdjacentSpace(s string) string {
	s = strings.ReplaceAll(s, "  \n", "\x00")

	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}

	return strings.ReplaceAll(s, "\x00", "  \n")
}

// markdownEscaper escapes characters that would otherwise change Markdown
// structure. Text inside code spans and blocks never passes through here.
var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	`*`, `\*`,
	`_`, `\_`,
	`[`, `\[`,
	`]`, `\]`,
)

func escapeText(s string) string {
	return markdownEscaper.Replace(s)
}

// escapeLinkText escapes brackets inside link/image label text.
var linkTextEscaper = strings.NewReplacer(`[`, `\[`, `]`, `\]`)

func escapeLinkText(s string) string {
	return linkTextEscaper.Replace(s)
}
