package search

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// Minimum token length for implicit prefix matching in natural-language
// queries. Short tokens match exactly so "go" does not explode into every
// word starting with "go".
const prefixMinLen = 3

// Stop words removed from natural-language queries when at least one
// non-stop token remains. Quoted phrases keep their stop words.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "the": true, "to": true,
	"with": true,
}

// compileQuery turns a user query string into an FTS5 MATCH expression.
//
// Supported forms:
//   - bag of terms: implicit AND, per-term prefix match for len >= 3
//   - "quoted runs": exact phrase predicates
//   - uppercase AND / OR / NOT: boolean operators
//   - trailing *: explicit prefix; leading * is rejected
func compileQuery(input string) (string, error) {
	tokens, err := tokenizeQuery(input)
	if err != nil {
		return "", err
	}

	if len(tokens) == 0 {
		return "", nil
	}

	// Drop stop words unless that would empty the query or the query uses
	// explicit operators (the user said exactly what they want).
	hasOperator := false

	for _, t := range tokens {
		if t.kind == tokOperator {
			hasOperator = true

			break
		}
	}

	if !hasOperator {
		kept := tokens[:0]

		for _, t := range tokens {
			if t.kind == tokTerm && stopWords[strings.ToLower(t.text)] {
				continue
			}

			kept = append(kept, t)
		}

		if len(kept) > 0 {
			tokens = kept
		}
	}

	var parts []string

	prevWasOperand := false

	for _, t := range tokens {
		switch t.kind {
		case tokOperator:
			parts = append(parts, t.text)
			prevWasOperand = false
		case tokPhrase:
			if prevWasOperand {
				parts = append(parts, "AND")
			}

			parts = append(parts, `"`+escapeFTS(t.text)+`"`)
			prevWasOperand = true
		case tokTerm:
			if prevWasOperand {
				parts = append(parts, "AND")
			}

			term := `"` + escapeFTS(strings.TrimSuffix(t.text, "*")) + `"`
			if strings.HasSuffix(t.text, "*") || len([]rune(t.text)) >= prefixMinLen {
				term += "*"
			}

			parts = append(parts, term)
			prevWasOperand = true
		}
	}

	return strings.Join(parts, " "), nil
}

type tokenKind int

const (
	tokTerm tokenKind = iota
	tokPhrase
	tokOperator
)

type queryToken struct {
	kind tokenKind
	text string
}

// tokenizeQuery splits the input into terms, quoted phrases, and
// operators. A leading wildcard is the one malformed construct that is
// rejected rather than repaired — FTS engines cannot serve it.
func tokenizeQuery(input string) ([]queryToken, error) {
	var tokens []queryToken

	rest := strings.TrimSpace(input)

	for rest != "" {
		if rest[0] == '"' {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				// Unterminated quote: treat the remainder as a phrase.
				phrase := strings.TrimSpace(rest[1:])
				if phrase != "" {
					tokens = append(tokens, queryToken{kind: tokPhrase, text: phrase})
				}

				break
			}

			phrase := rest[1 : end+1]
			if strings.TrimSpace(phrase) != "" {
				tokens = append(tokens, queryToken{kind: tokPhrase, text: phrase})
			}

			rest = strings.TrimSpace(rest[end+2:])

			continue
		}

		word := rest

		if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
			word = rest[:i]
			rest = strings.TrimSpace(rest[i:])
		} else {
			rest = ""
		}

		switch word {
		case "AND", "OR", "NOT":
			tokens = append(tokens, queryToken{kind: tokOperator, text: word})

			continue
		}

		if strings.HasPrefix(word, "*") {
			return nil, fmt.Errorf("%w: leading wildcard in query term %q", onerr.ErrPermanent, word)
		}

		cleaned := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '*'
		})
		if cleaned == "" {
			continue
		}

		tokens = append(tokens, queryToken{kind: tokTerm, text: cleaned})
	}

	return tokens, nil
}

// escapeFTS doubles embedded double quotes (the FTS5 string escape).
func escapeFTS(s string) string {
	return strings.ReplaceAll(s, `"`, `""`)
}
