package metastore

import "sort"

// Snapshot is a consistent point-in-time view of the metadata store.
// Snapshots are plain data: safe to read from any goroutine and never
// invalidated by later writes.
type Snapshot struct {
	Notebooks map[string]Notebook
	Sections  map[string]Section
	Pages     map[string]Page
	Assets    map[string]Asset
	// Backlinks maps target page id → source page ids (inverse link table).
	Backlinks map[string][]string
}

// PresentPages returns pages with StatusPresent, in stable id order.
func (s *Snapshot) PresentPages() []Page {
	var out []Page

	for _, p := range s.Pages {
		if p.Status == StatusPresent {
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// PageByID looks up a page.
func (s *Snapshot) PageByID(id string) (Page, bool) {
	p, ok := s.Pages[id]

	return p, ok
}
