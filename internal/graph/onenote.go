package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// pageSize is the $top value for paged listings.
const pageSize = 100

// ListNotebooks returns all notebooks for the signed-in user.
func (c *Client) ListNotebooks(ctx context.Context) ([]RemoteNotebook, error) {
	raw, err := listAll[notebookResponse](ctx, c, "/me/onenote/notebooks")
	if err != nil {
		return nil, err
	}

	out := make([]RemoteNotebook, 0, len(raw))

	for _, nb := range raw {
		out = append(out, RemoteNotebook{
			ID:          nb.ID,
			DisplayName: nb.DisplayName,
			CreatedAt:   nb.CreatedTime.UTC(),
			ModifiedAt:  nb.ModifiedTime.UTC(),
		})
	}

	c.logger.Info("listed notebooks", slog.Int("count", len(out)))

	return out, nil
}

// ListSections returns all sections of a notebook, including sections
// nested inside section groups (flattened, recursively). OneNote nests
// section groups arbitrarily; losing nested sections would silently drop
// pages from the cache.
func (c *Client) ListSections(ctx context.Context, notebookID string) ([]RemoteSection, error) {
	sections, err := c.listSectionsAt(ctx,
		fmt.Sprintf("/me/onenote/notebooks/%s/sections", url.PathEscape(notebookID)), notebookID)
	if err != nil {
		return nil, err
	}

	groups, err := listAll[sectionGroupResponse](ctx, c,
		fmt.Sprintf("/me/onenote/notebooks/%s/sectionGroups", url.PathEscape(notebookID)))
	if err != nil {
		return nil, err
	}

	for len(groups) > 0 {
		group := groups[0]
		groups = groups[1:]

		nested, err := c.listSectionsAt(ctx,
			fmt.Sprintf("/me/onenote/sectionGroups/%s/sections", url.PathEscape(group.ID)), notebookID)
		if err != nil {
			return nil, err
		}

		sections = append(sections, nested...)

		subgroups, err := listAll[sectionGroupResponse](ctx, c,
			fmt.Sprintf("/me/onenote/sectionGroups/%s/sectionGroups", url.PathEscape(group.ID)))
		if err != nil {
			return nil, err
		}

		groups = append(groups, subgroups...)
	}

	c.logger.Info("listed sections",
		slog.String("notebook_id", notebookID),
		slog.Int("count", len(sections)),
	)

	return sections, nil
}

func (c *Client) listSectionsAt(ctx context.Context, path, notebookID string) ([]RemoteSection, error) {
	raw, err := listAll[sectionResponse](ctx, c, path)
	if err != nil {
		return nil, err
	}

	out := make([]RemoteSection, 0, len(raw))

	for _, sec := range raw {
		out = append(out, RemoteSection{
			ID:          sec.ID,
			DisplayName: sec.DisplayName,
			NotebookID:  notebookID,
			CreatedAt:   sec.CreatedTime.UTC(),
			ModifiedAt:  sec.ModifiedTime.UTC(),
		})
	}

	return out, nil
}

// ListPages returns the pages of a section (metadata only), preserving
// remote order.
func (c *Client) ListPages(ctx context.Context, notebookID, sectionID string) ([]RemotePage, error) {
	path := fmt.Sprintf("/me/onenote/sections/%s/pages?$top=%d", url.PathEscape(sectionID), pageSize)

	raw, err := listAll[pageResponse](ctx, c, path)
	if err != nil {
		return nil, err
	}

	out := make([]RemotePage, 0, len(raw))

	for _, p := range raw {
		rp := RemotePage{
			ID:          p.ID,
			Title:       p.Title,
			SectionID:   sectionID,
			NotebookID:  notebookID,
			CreatedAt:   p.CreatedTime.UTC(),
			ModifiedAt:  p.ModifiedTime.UTC(),
			ContentETag: p.ETag,
			ContentURL:  p.ContentURL,
		}

		if p.ParentSection != nil && p.ParentSection.ID != "" {
			rp.SectionID = p.ParentSection.ID
		}

		out = append(out, rp)
	}

	c.logger.Debug("listed pages",
		slog.String("section_id", sectionID),
		slog.Int("count", len(out)),
	)

	return out, nil
}

// GetPageHTML fetches a page's HTML content.
func (c *Client) GetPageHTML(ctx context.Context, pageID string) ([]byte, error) {
	path := fmt.Sprintf("/me/onenote/pages/%s/content", url.PathEscape(pageID))

	resp, err := c.Do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("graph: reading page content: %w", err)
	}

	return body, nil
}

// GetResource streams a page resource (image or attachment) to w.
// resourceURL arrives absolute inside page HTML. Returns the byte count
// and the response Content-Type.
func (c *Client) GetResource(ctx context.Context, resourceURL string, w io.Writer) (int64, string, error) {
	resp, err := c.DoURL(ctx, http.MethodGet, resourceURL)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, "", fmt.Errorf("graph: streaming resource: %w", err)
	}

	return n, resp.Header.Get("Content-Type"), nil
}

// SearchPages queries the remote title search endpoint. OneNote's $search
// matches titles only. The facade calls it for hybrid queries and as its
// remote fallback.
func (c *Client) SearchPages(ctx context.Context, query string) ([]RemotePage, error) {
	path := fmt.Sprintf("/me/onenote/pages?$search=%s&$top=%d", url.QueryEscape(query), pageSize)

	raw, err := listAll[pageResponse](ctx, c, path)
	if err != nil {
		return nil, err
	}

	out := make([]RemotePage, 0, len(raw))

	for _, p := range raw {
		rp := RemotePage{
			ID:         p.ID,
			Title:      p.Title,
			CreatedAt:  p.CreatedTime.UTC(),
			ModifiedAt: p.ModifiedTime.UTC(),
			ContentURL: p.ContentURL,
		}

		if p.ParentSection != nil {
			rp.SectionID = p.ParentSection.ID
		}

		out = append(out, rp)
	}

	return out, nil
}

// listAll drains a paged collection endpoint, following @odata.nextLink.
func listAll[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var out []T

	next := c.baseURL + path

	for next != "" {
		resp, err := c.DoURL(ctx, http.MethodGet, next)
		if err != nil {
			return nil, err
		}

		var page listResponse[T]

		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()

		if err != nil {
			return nil, fmt.Errorf("graph: decoding list response: %w", err)
		}

		out = append(out, page.Value...)
		next = page.NextLink
	}

	return out, nil
}
