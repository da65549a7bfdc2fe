package search

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

func TestCompileQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bag of terms", "quick brown", `"quick"* AND "brown"*`},
		{"short token exact", "go fox", `"go" AND "fox"*`},
		{"phrase", `"quick brown"`, `"quick brown"`},
		{"phrase and term", `"status report" draft`, `"status report" AND "draft"*`},
		{"boolean or", "cats OR dogs", `"cats"* OR "dogs"*`},
		{"boolean not", "cats NOT dogs", `"cats"* NOT "dogs"*`},
		{"explicit and", "cats AND dogs", `"cats"* AND "dogs"*`},
		{"trailing wildcard", "auto*", `"auto"*`},
		{"short trailing wildcard", "au*", `"au"*`},
		{"stop words removed", "the meeting notes", `"meeting"* AND "notes"*`},
		{"all stop words kept", "the and of", `"the"* AND "and"* AND "of"`},
		{"punctuation trimmed", "hello, world!", `"hello"* AND "world"*`},
		{"embedded quotes delimit phrases", `say "it's "fine""`, `"say"* AND "it's " AND "fine"*`},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := compileQuery(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileQueryRejectsLeadingWildcard(t *testing.T) {
	_, err := compileQuery("*suffix")
	require.Error(t, err)
	assert.True(t, errors.Is(err, onerr.ErrPermanent))
}

func TestCompileQueryUnterminatedPhrase(t *testing.T) {
	got, err := compileQuery(`"never closed`)
	require.NoError(t, err)
	assert.Equal(t, `"never closed"`, got)
}
