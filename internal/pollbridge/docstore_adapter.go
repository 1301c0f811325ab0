package pollbridge

import (
	"context"
	"regexp"
	"time"

	"github.com/forgeflow/conductor/internal/docstore"
)

// titlePattern matches the "[<designID>] <title>" convention internal/routemap
// uses when publishing a design's review page (see routemap.pageTitle).
var (
	titlePattern = regexp.MustCompile(`^\[([^\]]+)\]`)
	uuidPattern  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// designIDFromTitle extracts the design id a page title was published
// under: a bracketed prefix wins, a whole-title UUID is accepted as a
// fallback for pages created by hand, anything else is skipped.
func designIDFromTitle(title string) (string, bool) {
	if m := titlePattern.FindStringSubmatch(title); m != nil {
		return m[1], true
	}
	if uuidPattern.MatchString(title) {
		return title, true
	}
	return "", false
}

// docstoreAdapter adapts a docstore.Client onto the DocStore interface this
// package polls, translating the document store's title convention into the
// design id the rest of the system keys on.
type docstoreAdapter struct {
	docs docstore.Client
}

// NewDocStoreAdapter wraps docs for use with Bridge.
func NewDocStoreAdapter(docs docstore.Client) DocStore {
	return docstoreAdapter{docs: docs}
}

func (a docstoreAdapter) ListPagesInReview(ctx context.Context) ([]Page, error) {
	pages, err := a.docs.ListPagesInReview(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Page, 0, len(pages))
	for _, p := range pages {
		designID, ok := designIDFromTitle(p.Title)
		if !ok {
			continue
		}
		out = append(out, Page{PageID: p.ID, DesignID: designID, ContentState: p.State})
	}
	return out, nil
}

func (a docstoreAdapter) NewComments(ctx context.Context, pageID string, since time.Time) ([]Comment, error) {
	comments, err := a.docs.GetNewComments(ctx, pageID, since)
	if err != nil {
		return nil, err
	}
	out := make([]Comment, 0, len(comments))
	for _, c := range comments {
		out = append(out, Comment{Body: c.Body, Author: c.AuthorName, CreatedAt: c.CreatedAt})
	}
	return out, nil
}
