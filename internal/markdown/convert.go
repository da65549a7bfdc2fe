package markdown

import (
	"bytes"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Converter renders OneNote page HTML as Markdown. A Converter is
// stateless and safe for concurrent use; per-conversion state lives in
// the renderer.
type Converter struct {
	logger *slog.Logger
}

// NewConverter creates a Converter.
func NewConverter(logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Converter{logger: logger}
}

// Maps carries the rewrites applied during conversion. Missing entries
// leave the original URL in place (asset download failed, link
// unresolved).
type Maps struct {
	// Assets maps an original resource URL to the relative local path of
	// its stored asset.
	Assets map[string]string
	// Links maps an original anchor href to a relative local Markdown
	// target.
	Links map[string]string
}

// Result is the outcome of one conversion.
type Result struct {
	Markdown string
	// TextLength is the length of the rendered Markdown in bytes.
	TextLength int
}

// Convert renders htmlSrc as Markdown, applying the given rewrites.
// Empty input yields empty output. Malformed HTML is parsed best-effort;
// untranslatable regions pass through as inline HTML rather than failing.
func (c *Converter) Convert(htmlSrc []byte, maps Maps) (*Result, error) {
	if len(bytes.TrimSpace(htmlSrc)) == 0 {
		return &Result{}, nil
	}

	root, err := html.Parse(bytes.NewReader(htmlSrc))
	if err != nil {
		// html.Parse almost never fails (it repairs as it goes); a hard
		// failure means the input is not HTML at all.
		return nil, fmt.Errorf("markdown: parsing html: %w", err)
	}

	r := &renderer{maps: maps}
	r.block(findBody(root))

	out := r.finish()

	return &Result{Markdown: out, TextLength: len(out)}, nil
}

// findBody locates the <body> element, falling back to the document root
// for fragments.
func findBody(root *html.Node) *html.Node {
	var body *html.Node

	walk(root, func(n *html.Node) {
		if body == nil && n.Type == html.ElementNode && n.DataAtom == atom.Body {
			body = n
		}
	})

	if body != nil {
		return body
	}

	return root
}

// renderer accumulates Markdown output. Blocks are joined by blank lines
// at finish, which keeps nested structures from emitting runs of more
// than two newlines.
type renderer struct {
	maps   Maps
	blocks []string
}

// finish joins rendered blocks with blank lines and normalizes trailing
// whitespace.
func (r *renderer) finish() string {
	var kept []string

	for _, b := range r.blocks {
		if strings.TrimSpace(b) != "" {
			kept = append(kept, strings.TrimRight(b, "\n"))
		}
	}

	if len(kept) == 0 {
		return ""
	}

	return strings.Join(kept, "\n\n") + "\n"
}

func (r *renderer) emit(block string) {
	r.blocks = append(r.blocks, block)
}

// block renders the children of n as block-level Markdown.
func (r *renderer) block(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.blockNode(c)
	}
}

//nolint:funlen // single dispatch table over the supported block elements
func (r *renderer) blockNode(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if text := collapseSpace(n.Data); text != "" {
			r.emit(escapeText(text))
		}

		return
	case html.CommentNode, html.DoctypeNode:
		return
	case html.ElementNode:
		// handled below
	default:
		return
	}

	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		r.emit(strings.Repeat("#", level) + " " + r.inline(n))
	case atom.P:
		if text := r.inline(n); text != "" {
			r.emit(text)
		}
	case atom.Br:
		// A bare <br> between blocks carries no content.
	case atom.Ul:
		r.emit(r.list(n, false, 0))
	case atom.Ol:
		r.emit(r.list(n, true, 0))
	case atom.Table:
		r.emit(r.table(n))
	case atom.Pre:
		r.emit(r.codeBlock(n))
	case atom.Blockquote:
		r.emit(r.blockquote(n))
	case atom.Img:
		r.emit(r.image(n))
	case atom.Object:
		if md := r.attachment(n); md != "" {
			r.emit(md)
		}
	case atom.Div, atom.Body, atom.Html, atom.Head, atom.Span:
		// OneNote wraps content in absolutely positioned divs; positioning
		// is discarded and children are flattened into the output.
		r.flattenContainer(n)
	case atom.Title, atom.Meta, atom.Style, atom.Script, atom.Link:
		// Head matter carries no body text.
	default:
		r.passthrough(n)
	}
}

// flattenContainer renders a container's children, grouping consecutive
// inline content into paragraphs.
func (r *renderer) flattenContainer(n *html.Node) {
	var run []*html.Node

	flush := func() {
		if len(run) == 0 {
			return
		}

		if text := r.inlineNodes(run); text != "" {
			r.emit(text)
		}

		run = nil
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if isInline(c) {
			run = append(run, c)

			continue
		}

		flush()
		r.blockNode(c)
	}

	flush()
}

// isInline reports whether a node renders as inline content.
func isInline(n *html.Node) bool {
	if n.Type == html.TextNode {
		return true
	}

	if n.Type != html.ElementNode {
		return false
	}

	switch n.DataAtom {
	case atom.A, atom.B, atom.Strong, atom.I, atom.Em, atom.Code,
		atom.S, atom.Del, atom.Strike, atom.U, atom.Br, atom.Sup, atom.Sub:
		return true
	default:
		return false
	}
}

// list renders a <ul>/<ol>, nesting to arbitrary depth.
func (r *renderer) list(n *html.Node, ordered bool, depth int) string {
	var lines []string

	indent := strings.Repeat("  ", depth)
	item := 0

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.DataAtom != atom.Li {
			continue
		}

		item++

		marker := "- "
		if ordered {
			marker = fmt.Sprintf("%d. ", item)
		}

		var itemText []string

		var nested []string

		for li := c.FirstChild; li != nil; li = li.NextSibling {
			switch {
			case li.Type == html.ElementNode && li.DataAtom == atom.Ul:
				nested = append(nested, r.list(li, false, depth+1))
			case li.Type == html.ElementNode && li.DataAtom == atom.Ol:
				nested = append(nested, r.list(li, true, depth+1))
			default:
				if text := r.inlineNodes([]*html.Node{li}); text != "" {
					itemText = append(itemText, text)
				}
			}
		}

		lines = append(lines, indent+marker+strings.Join(itemText, " "))
		lines = append(lines, nested...)
	}

	return strings.Join(lines, "\n")
}

// table renders a <table> with a header row (from <th> cells, or the
// first row when none) and a best-effort alignment row.
func (r *renderer) table(n *html.Node) string {
	var rows [][]string

	var aligns []string

	headerFromTh := false

	walk(n, func(tr *html.Node) {
		if tr.Type != html.ElementNode || tr.DataAtom != atom.Tr {
			return
		}

		var cells []string

		for c := tr.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode || (c.DataAtom != atom.Td && c.DataAtom != atom.Th) {
				continue
			}

			if c.DataAtom == atom.Th && len(rows) == 0 {
				headerFromTh = true
			}

			cells = append(cells, strings.ReplaceAll(r.inline(c), "|", "\\|"))

			if len(rows) == 0 {
				aligns = append(aligns, cellAlign(c))
			}
		}

		if len(cells) > 0 {
			rows = append(rows, cells)
		}
	})

	if len(rows) == 0 {
		return ""
	}

	_ = headerFromTh // first row is the header either way

	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}

	var b strings.Builder

	writeRow := func(cells []string) {
		b.WriteString("|")

		for i := 0; i < width; i++ {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}

			b.WriteString(" " + cell + " |")
		}

		b.WriteString("\n")
	}

	writeRow(rows[0])

	b.WriteString("|")

	for i := 0; i < width; i++ {
		align := ""
		if i < len(aligns) {
			align = aligns[i]
		}

		switch align {
		case "center":
			b.WriteString(" :---: |")
		case "right":
			b.WriteString(" ---: |")
		case "left":
			b.WriteString(" :--- |")
		default:
			b.WriteString(" --- |")
		}
	}

	b.WriteString("\n")

	for _, row := range rows[1:] {
		writeRow(row)
	}

	return strings.TrimRight(b.String(), "\n")
}

// cellAlign derives a cell's alignment from its align attribute or an
// inline text-align style.
func cellAlign(n *html.Node) string {
	if a := attr(n, "align"); a != "" {
		return strings.ToLower(a)
	}

	style := strings.ToLower(attr(n, "style"))

	switch {
	case strings.Contains(style, "text-align:center"), strings.Contains(style, "text-align: center"):
		return "center"
	case strings.Contains(style, "text-align:right"), strings.Contains(style, "text-align: right"):
		return "right"
	case strings.Contains(style, "text-align:left"), strings.Contains(style, "text-align: left"):
		return "left"
	default:
		return ""
	}
}

var languageClassRe = regexp.MustCompile(`(?:language-|lang-|brush:\s*)([\w+-]+)`)

// codeBlock renders <pre> (optionally wrapping <code>) as a fenced block.
// Content is taken verbatim — code is never escaped or re-escaped.
func (r *renderer) codeBlock(n *html.Node) string {
	lang := ""

	content := n

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Code {
			content = c

			break
		}
	}

	for _, candidate := range []string{attr(content, "class"), attr(n, "class")} {
		if m := languageClassRe.FindStringSubmatch(candidate); m != nil {
			lang = m[1]

			break
		}
	}

	code := rawText(content)
	code = strings.TrimRight(code, "\n")

	// Grow the fence beyond any backtick run inside the code so adjacent
	// backticks never merge with the fence.
	fence := "```"
	for strings.Contains(code, fence) {
		fence += "`"
	}

	return fence + lang + "\n" + code + "\n" + fence
}

// rawText returns text content without whitespace collapsing (code only).
func rawText(n *html.Node) string {
	var b strings.Builder

	walk(n, func(c *html.Node) {
		switch {
		case c.Type == html.TextNode:
			b.WriteString(c.Data)
		case c.Type == html.ElementNode && c.DataAtom == atom.Br:
			b.WriteString("\n")
		}
	})

	return b.String()
}

// blockquote renders a <blockquote>, prefixing every rendered line.
func (r *renderer) blockquote(n *html.Node) string {
	inner := &renderer{maps: r.maps}
	inner.block(n)

	quoted := strings.TrimRight(inner.finish(), "\n")
	if quoted == "" {
		return ""
	}

	lines := strings.Split(quoted, "\n")
	for i, line := range lines {
		if line == "" {
			lines[i] = ">"
		} else {
			lines[i] = "> " + line
		}
	}

	return strings.Join(lines, "\n")
}

// image renders an <img>, rewriting src to the local asset path. The
// fullres variant is looked up first: when both variants downloaded, the
// downloader maps both URLs to the chosen (higher-resolution) asset.
func (r *renderer) image(n *html.Node) string {
	alt := attr(n, "alt")

	for _, candidate := range []string{attr(n, "data-fullres-src"), attr(n, "src")} {
		if candidate == "" {
			continue
		}

		if local, ok := r.maps.Assets[candidate]; ok {
			return fmt.Sprintf("![%s](%s)", escapeLinkText(alt), local)
		}
	}

	// Asset missing (download failed): keep the remote URL so the
	// reference is not lost.
	src := attr(n, "src")
	if src == "" {
		src = attr(n, "data-fullres-src")
	}

	if src == "" {
		return ""
	}

	return fmt.Sprintf("![%s](%s)", escapeLinkText(alt), src)
}

// attachment renders a OneNote <object> file attachment as a link.
func (r *renderer) attachment(n *html.Node) string {
	data := attr(n, "data")
	if data == "" {
		return ""
	}

	name := attr(n, "data-attachment")
	if name == "" {
		name = "attachment"
	}

	target := data
	if local, ok := r.maps.Assets[data]; ok {
		target = local
	}

	return fmt.Sprintf("[%s](%s)", escapeLinkText(name), target)
}

// passthrough preserves an untranslatable element as inline HTML with
// service-specific attributes stripped.
func (r *renderer) passthrough(n *html.Node) {
	clone := cloneStripped(n)

	var b bytes.Buffer
	if err := html.Render(&b, clone); err != nil {
		return
	}

	if out := strings.TrimSpace(b.String()); out != "" {
		r.emit(out)
	}
}

// cloneStripped deep-copies a node, dropping data-* and namespaced
// attributes.
func cloneStripped(n *html.Node) *html.Node {
	clone := &html.Node{
		Type:     n.Type,
		DataAtom: n.DataAtom,
		Data:     n.Data,
	}

	for _, a := range n.Attr {
		if strings.HasPrefix(a.Key, "data-") || strings.Contains(a.Key, ":") || a.Namespace != "" {
			continue
		}

		clone.Attr = append(clone.Attr, a)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		clone.AppendChild(cloneStripped(c))
	}

	return clone
}
