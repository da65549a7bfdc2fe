package graph

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGraph serves canned OneNote JSON keyed by path+query.
type fakeGraph struct {
	responses map[string]string
}

func (f *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}

	body, ok := f.responses[key]
	if !ok {
		http.NotFound(w, r)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func TestListNotebooksNormalizes(t *testing.T) {
	fake := &fakeGraph{responses: map[string]string{
		"/me/onenote/notebooks": `{"value": [
			{"id": "nb1", "displayName": "Work",
			 "createdDateTime": "2025-01-01T10:00:00Z",
			 "lastModifiedDateTime": "2025-03-01T10:00:00Z"},
			{"id": "nb2", "displayName": "Personal",
			 "createdDateTime": "2025-02-01T10:00:00Z",
			 "lastModifiedDateTime": "2025-02-15T10:00:00Z"}
		]}`,
	}}

	c, _ := newTestClient(t, fake)

	notebooks, err := c.ListNotebooks(context.Background())
	require.NoError(t, err)
	require.Len(t, notebooks, 2)
	assert.Equal(t, "nb1", notebooks[0].ID)
	assert.Equal(t, "Work", notebooks[0].DisplayName)
	assert.Equal(t, 2025, notebooks[0].ModifiedAt.Year())
}

func TestListSectionsFlattensSectionGroups(t *testing.T) {
	fake := &fakeGraph{responses: map[string]string{
		"/me/onenote/notebooks/nb1/sections": `{"value": [
			{"id": "s1", "displayName": "Top"}
		]}`,
		"/me/onenote/notebooks/nb1/sectionGroups": `{"value": [{"id": "g1"}]}`,
		"/me/onenote/sectionGroups/g1/sections": `{"value": [
			{"id": "s2", "displayName": "Nested"}
		]}`,
		"/me/onenote/sectionGroups/g1/sectionGroups": `{"value": [{"id": "g2"}]}`,
		"/me/onenote/sectionGroups/g2/sections": `{"value": [
			{"id": "s3", "displayName": "Deeply nested"}
		]}`,
		"/me/onenote/sectionGroups/g2/sectionGroups": `{"value": []}`,
	}}

	c, _ := newTestClient(t, fake)

	sections, err := c.ListSections(context.Background(), "nb1")
	require.NoError(t, err)
	require.Len(t, sections, 3)

	ids := []string{sections[0].ID, sections[1].ID, sections[2].ID}
	assert.Equal(t, []string{"s1", "s2", "s3"}, ids)

	for _, sec := range sections {
		assert.Equal(t, "nb1", sec.NotebookID)
	}
}

func TestListPagesFollowsNextLink(t *testing.T) {
	var srvURL string

	fake := &fakeGraph{responses: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	fake.responses["/me/onenote/sections/s1/pages?$top=100"] = fmt.Sprintf(`{
		"value": [{"id": "p1", "title": "First",
		           "lastModifiedDateTime": "2025-01-01T00:00:00Z",
		           "parentSection": {"id": "s1"}}],
		"@odata.nextLink": %q}`, srvURL+"/me/onenote/sections/s1/pages?$top=100&$skip=100")
	fake.responses["/me/onenote/sections/s1/pages?$top=100&$skip=100"] = `{
		"value": [{"id": "p2", "title": "Second",
		           "lastModifiedDateTime": "2025-01-02T00:00:00Z"}]}`

	c := NewClient(srvURL, srv.Client(), StaticTokenProvider("t"), testRateLimit, nil)

	pages, err := c.ListPages(context.Background(), "nb1", "s1")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "p1", pages[0].ID)
	assert.Equal(t, "p2", pages[1].ID)
	assert.Equal(t, "s1", pages[0].SectionID)
	assert.Equal(t, "nb1", pages[0].NotebookID)
}

func TestGetPageHTML(t *testing.T) {
	html := `<html><body><p>content</p></body></html>`
	fake := &fakeGraph{responses: map[string]string{
		"/me/onenote/pages/p1/content": html,
	}}

	c, _ := newTestClient(t, fake)

	got, err := c.GetPageHTML(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, html, string(got))
}

func TestGetResourceStreams(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1024)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, srv.Client(), StaticTokenProvider("t"), testRateLimit, nil)

	var buf bytes.Buffer

	n, mime, err := c.GetResource(context.Background(), srv.URL+"/res/1/$value", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), n)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, payload, buf.Bytes())
}

func TestSearchPagesAdaptsResults(t *testing.T) {
	fake := &fakeGraph{responses: map[string]string{
		"/me/onenote/pages?$search=vacation&$top=100": `{"value": [
			{"id": "p7", "title": "Vacation planning",
			 "lastModifiedDateTime": "2025-05-01T00:00:00Z",
			 "parentSection": {"id": "s3"}}
		]}`,
	}}

	c, _ := newTestClient(t, fake)

	pages, err := c.SearchPages(context.Background(), "vacation")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "p7", pages[0].ID)
	assert.Equal(t, "s3", pages[0].SectionID)
}
