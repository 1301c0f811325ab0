// Package pollbridge periodically pulls document-store state and
// synthesises domain events from it, bridging a store that doesn't emit
// webhooks into the same event stream the dispatcher drains: a ticker, an
// immediate first run, and a select loop over the ticker and a stop signal.
package pollbridge

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"github.com/forgeflow/conductor/internal/events"
)

// Page is the subset of document-store page state the bridge needs, kept
// independent of internal/docstore.Page so the bridge can be tested without
// that package's REST transport.
type Page struct {
	PageID       string
	DesignID     string
	ContentState string
}

// Comment is a page comment with its creation time.
type Comment struct {
	Body      string
	Author    string
	CreatedAt time.Time
}

// DocStore is the subset of document-store operations the bridge polls.
// Comments are fetched per page, inside the page loop.
type DocStore interface {
	ListPagesInReview(ctx context.Context) ([]Page, error)
	NewComments(ctx context.Context, pageID string, since time.Time) ([]Comment, error)
}

// Dispatcher is the narrow dispatch contract the bridge needs.
type Dispatcher interface {
	DispatchAll(evs []events.Event)
}

// Bridge runs the polling loop.
type Bridge struct {
	store      DocStore
	dispatcher Dispatcher
	interval   time.Duration
	log        logr.Logger

	group singleflight.Group

	lastSince time.Time
}

// New builds a Bridge. interval defaults to 60s if zero.
func New(store DocStore, dispatcher Dispatcher, interval time.Duration, log logr.Logger) *Bridge {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Bridge{store: store, dispatcher: dispatcher, interval: interval, log: log, lastSince: time.Now().UTC()}
}

// Run blocks, ticking until ctx is cancelled. Each tick's errors are
// absorbed and logged so a transient failure never stops the loop; only
// ctx cancellation ends it. singleflight.Group collapses a tick that's
// still running when the next one fires into a no-op rather than letting
// two ticks race over lastSince.
func (b *Bridge) Run(ctx context.Context) {
	b.tick(ctx)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Bridge) tick(ctx context.Context) {
	_, _, _ = b.group.Do("tick", func() (any, error) {
		nextSince := time.Now().UTC()
		evs, err := b.poll(ctx, b.lastSince)
		if err != nil {
			b.log.Error(err, "poll tick failed, will retry next interval")
			return nil, nil
		}
		b.lastSince = nextSince
		b.dispatcher.DispatchAll(evs)
		return nil, nil
	})
}

func (b *Bridge) poll(ctx context.Context, since time.Time) ([]events.Event, error) {
	var out []events.Event

	pages, err := b.store.ListPagesInReview(ctx)
	if err != nil {
		return nil, err
	}
	for _, page := range pages {
		if page.DesignID == "" {
			continue
		}
		if page.ContentState == "approved" {
			ev := events.New(events.KindPageApproved, events.SourceDocStore, time.Time{})
			ev.PageID = page.PageID
			ev.DesignID = page.DesignID
			out = append(out, ev)
		}

		comments, err := b.store.NewComments(ctx, page.PageID, since)
		if err != nil {
			return nil, err
		}
		for _, c := range comments {
			if !c.CreatedAt.After(since) {
				continue
			}
			ev := events.New(events.KindPageComment, events.SourceDocStore, time.Time{})
			ev.PageID = page.PageID
			ev.DesignID = page.DesignID
			ev.Message = c.Body
			ev.SenderName = c.Author
			ev.Comments = []string{c.Body}
			out = append(out, ev)
		}
	}
	return out, nil
}
