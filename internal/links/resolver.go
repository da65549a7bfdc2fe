// Package links resolves remote page links to local relative Markdown
// paths and records cross-references. Resolution is read-only over a
// metadata snapshot; recording the resulting LinkRefs is the caller's
// transaction.
package links

import (
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/shulgaalexey/onenote-local/internal/metastore"
)

// Hosts recognized as the notebook service. Links to these hosts are
// internal candidates; everything else with a scheme is external.
var serviceHosts = map[string]bool{
	"onenote.com":          true,
	"www.onenote.com":      true,
	"onedrive.live.com":    true,
	"graph.microsoft.com":  true,
	"d.docs.live.net":      true,
}

// Resolver resolves anchors for pages of one sync session. Resolution
// results are memoized per (source section, target spec); the memo is
// session-scoped, so construct one Resolver per sync.
type Resolver struct {
	snap   *metastore.Snapshot
	logger *slog.Logger

	mu   sync.Mutex
	memo map[memoKey]memoValue

	// titleIndex maps normalized title → page ids, built lazily.
	titleOnce  sync.Once
	titleIndex map[string][]string
}

type memoKey struct {
	sectionID  string
	targetSpec string
}

type memoValue struct {
	targetPageID string
	ok           bool
}

// NewResolver creates a Resolver over a metadata snapshot.
func NewResolver(snap *metastore.Snapshot, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		snap:   snap,
		logger: logger,
		memo:   make(map[memoKey]memoValue),
	}
}

// Resolution is the outcome for one anchor.
type Resolution struct {
	Ref metastore.LinkRef
	// LocalTarget is the relative Markdown path for resolved internal
	// links, empty otherwise.
	LocalTarget string
}

// Resolve classifies and resolves every anchor of a source page, in
// order. Ambiguity and unresolvable targets produce unresolved refs and
// a warning, never an error.
func (r *Resolver) Resolve(source metastore.Page, anchors []AnchorInput) []Resolution {
	out := make([]Resolution, 0, len(anchors))

	for _, a := range anchors {
		out = append(out, r.resolveOne(source, a.Href, a.Text))
	}

	return out
}

// AnchorInput pairs an href with its display text.
type AnchorInput struct {
	Href string
	Text string
}

// Anchor builds an AnchorInput.
func Anchor(href, text string) AnchorInput {
	return AnchorInput{Href: href, Text: text}
}

func (r *Resolver) resolveOne(source metastore.Page, href, text string) Resolution {
	ref := metastore.LinkRef{
		SourcePageID: source.ID,
		TargetSpec:   href,
		LinkText:     text,
	}

	switch classify(href) {
	case kindFragment:
		// Fragment-only links stay as-is; they navigate within the page.
		ref.Kind = metastore.LinkExternal

		return Resolution{Ref: ref}
	case kindExternal:
		ref.Kind = metastore.LinkExternal

		return Resolution{Ref: ref}
	case kindInternal:
		// resolved below
	}

	targetID, ok := r.lookup(source, href)
	if !ok {
		ref.Kind = metastore.LinkInternalUnresolved

		return Resolution{Ref: ref}
	}

	target, exists := r.snap.PageByID(targetID)
	if !exists {
		ref.Kind = metastore.LinkInternalUnresolved

		return Resolution{Ref: ref}
	}

	ref.Kind = metastore.LinkInternalResolved
	ref.TargetPageID = targetID

	return Resolution{
		Ref:         ref,
		LocalTarget: RelativeMarkdownPath(source, target),
	}
}

// lookup finds the target page id for an internal candidate href, using
// the session memo.
func (r *Resolver) lookup(source metastore.Page, href string) (string, bool) {
	key := memoKey{sectionID: source.SectionID, targetSpec: href}

	r.mu.Lock()
	if v, ok := r.memo[key]; ok {
		r.mu.Unlock()

		return v.targetPageID, v.ok
	}
	r.mu.Unlock()

	id, ok := r.lookupUncached(source, href)

	r.mu.Lock()
	r.memo[key] = memoValue{targetPageID: id, ok: ok}
	r.mu.Unlock()

	return id, ok
}

func (r *Resolver) lookupUncached(source metastore.Page, href string) (string, bool) {
	// Exact id match wins.
	if id := extractPageID(href); id != "" {
		if _, ok := r.snap.PageByID(id); ok {
			return id, true
		}
	}

	title := extractTitle(href)
	if title == "" {
		return "", false
	}

	candidates := r.titlesFor(NormalizeTitle(title))
	if len(candidates) == 0 {
		return "", false
	}

	// Prefer same section, then same notebook, then global — and treat a
	// tie within the winning preference bucket as ambiguous.
	best := r.pickPreferred(source, candidates)
	if best == "" {
		r.logger.Warn("ambiguous internal link left unresolved",
			slog.String("source_page", source.ID),
			slog.String("target_spec", href),
			slog.Int("candidates", len(candidates)),
		)

		return "", false
	}

	return best, true
}

func (r *Resolver) pickPreferred(source metastore.Page, candidates []string) string {
	var sameSection, sameNotebook, global []string

	for _, id := range candidates {
		p, ok := r.snap.PageByID(id)
		if !ok {
			continue
		}

		switch {
		case p.SectionID == source.SectionID:
			sameSection = append(sameSection, id)
		case p.NotebookID == source.NotebookID:
			sameNotebook = append(sameNotebook, id)
		default:
			global = append(global, id)
		}
	}

	for _, bucket := range [][]string{sameSection, sameNotebook, global} {
		if len(bucket) == 1 {
			return bucket[0]
		}

		if len(bucket) > 1 {
			return "" // ambiguous within the preferred bucket
		}
	}

	return ""
}

// titlesFor returns page ids whose normalized title matches.
func (r *Resolver) titlesFor(normalized string) []string {
	r.titleOnce.Do(func() {
		r.titleIndex = make(map[string][]string, len(r.snap.Pages))

		for id, p := range r.snap.Pages {
			key := NormalizeTitle(p.Title)
			r.titleIndex[key] = append(r.titleIndex[key], id)
		}
	})

	return r.titleIndex[normalized]
}

// linkKind classifies an href.
type linkKind int

const (
	kindExternal linkKind = iota
	kindInternal
	kindFragment
)

func classify(href string) linkKind {
	if href == "" {
		return kindExternal
	}

	if strings.HasPrefix(href, "#") {
		return kindFragment
	}

	u, err := url.Parse(href)
	if err != nil {
		return kindExternal
	}

	if u.Scheme == "onenote" {
		return kindInternal
	}

	if serviceHosts[strings.ToLower(u.Host)] {
		return kindInternal
	}

	return kindExternal
}

// Page-id patterns seen in onenote: URIs and onenote.com URLs.
var pageIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)page-id=\{?([0-9a-f][0-9a-f!-]{8,})\}?`),
	regexp.MustCompile(`(?i)pageid=([^&#/]+)`),
	regexp.MustCompile(`(?i)/pages/([^/?#&]+)`),
}

// extractPageID pulls an embedded page id out of an internal href, or "".
func extractPageID(href string) string {
	for _, re := range pageIDPatterns {
		if m := re.FindStringSubmatch(href); m != nil {
			if id, err := url.QueryUnescape(m[1]); err == nil {
				return id
			}

			return m[1]
		}
	}

	return ""
}

// extractTitle pulls a candidate page title from an internal href: the
// wd=target(...) parameter of onenote: URIs, or the last path segment.
var wdTargetRe = regexp.MustCompile(`(?i)wd=target\(([^|)]+)`)

func extractTitle(href string) string {
	if m := wdTargetRe.FindStringSubmatch(href); m != nil {
		t := strings.TrimSuffix(m[1], ".one")
		if decoded, err := url.QueryUnescape(t); err == nil {
			return decoded
		}

		return t
	}

	u, err := url.Parse(href)
	if err != nil {
		return ""
	}

	segment := path.Base(u.Path)
	if segment == "." || segment == "/" || segment == "" {
		return ""
	}

	segment = strings.TrimSuffix(segment, path.Ext(segment))

	if decoded, err := url.QueryUnescape(segment); err == nil {
		return decoded
	}

	return segment
}

var (
	titleCaser    = cases.Lower(language.Und)
	punctuationRe = regexp.MustCompile(`[^\p{L}\p{N}\s-]+`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

// NormalizeTitle lowercases, strips punctuation, and joins whitespace
// with hyphens, after NFC normalization. Used for title matching here and
// for the facade's by-title lookup.
func NormalizeTitle(title string) string {
	t := norm.NFC.String(title)
	t = titleCaser.String(t)
	t = punctuationRe.ReplaceAllString(t, "")
	t = strings.TrimSpace(t)

	return whitespaceRe.ReplaceAllString(t, "-")
}

// RelativeMarkdownPath computes the relative path from the source page's
// directory to the target page's content.md, always using "/" separators
// (Markdown is OS-neutral).
func RelativeMarkdownPath(source, target metastore.Page) string {
	if source.SectionID == target.SectionID {
		return "../" + target.ID + "/content.md"
	}

	if source.NotebookID == target.NotebookID {
		return "../../../" + target.SectionID + "/pages/" + target.ID + "/content.md"
	}

	return "../../../../../" + target.NotebookID + "/sections/" + target.SectionID +
		"/pages/" + target.ID + "/content.md"
}
