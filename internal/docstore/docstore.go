// Package docstore is a small REST client for the document store that holds
// published design pages: JSON request/response over net/http, bearer-token
// auth, and a circuit breaker around every call like the module's other
// external clients.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/sony/gobreaker"
)

// Page is a published document-store page.
type Page struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	Version int    `json:"version"`
}

// Comment is a single comment left on a page, with its author already
// resolved to a display name.
type Comment struct {
	ID         string
	PageID     string
	Body       string
	AuthorName string
	CreatedAt  time.Time
}

// Client is the document-store client contract.
type Client interface {
	// FindPage looks a page up by title, returning nil if none exists —
	// callers check this before CreatePage to stay idempotent.
	FindPage(ctx context.Context, title string) (*Page, error)
	// CreatePage publishes a new page.
	CreatePage(ctx context.Context, title, body string) (*Page, error)
	// UpdatePage replaces an existing page's body by id and returns the page
	// as the store reports it. Only the body is sent: no title and no
	// version number.
	UpdatePage(ctx context.Context, id, body string) (*Page, error)
	// SetContentState sets a page's workflow state (e.g. "In Review").
	// Naturally idempotent: setting the same state twice is a no-op server-side.
	SetContentState(ctx context.Context, id, state string) error
	// ListPagesInReview returns every page currently in the "In Review" state.
	// Polled by internal/pollbridge to detect external approvals.
	ListPagesInReview(ctx context.Context) ([]Page, error)
	// GetNewComments returns one page's comments created strictly after
	// since, footer and inline merged, each author resolved to a display
	// name. Polled by internal/pollbridge to surface reviewer feedback.
	GetNewComments(ctx context.Context, pageID string, since time.Time) ([]Comment, error)
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New builds a Client against baseURL, authenticating with token.
func New(baseURL, token string) Client {
	return &client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "docstore"}),
	}
}

func (c *client) FindPage(ctx context.Context, title string) (*Page, error) {
	var page Page
	found, err := c.do(ctx, http.MethodGet, "/pages?title="+title, nil, &page)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &page, nil
}

func (c *client) CreatePage(ctx context.Context, title, body string) (*Page, error) {
	var page Page
	req := map[string]string{"title": title, "body": body}
	if _, err := c.do(ctx, http.MethodPost, "/pages", req, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *client) UpdatePage(ctx context.Context, id, body string) (*Page, error) {
	var page Page
	req := map[string]string{"body": body}
	if _, err := c.do(ctx, http.MethodPut, "/pages/"+id, req, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SetContentState tries a PUT first; a store that has never had the state
// property set on the page answers 404, in which case the property is
// created with a POST instead.
func (c *client) SetContentState(ctx context.Context, id, state string) error {
	req := map[string]string{"state": state}
	path := "/pages/" + id + "/state"
	found, err := c.do(ctx, http.MethodPut, path, req, nil)
	if err != nil {
		return err
	}
	if !found {
		_, err = c.do(ctx, http.MethodPost, path, req, nil)
	}
	return err
}

func (c *client) ListPagesInReview(ctx context.Context) ([]Page, error) {
	var pages []Page
	if _, err := c.do(ctx, http.MethodGet, "/pages?state=In+Review", nil, &pages); err != nil {
		return nil, err
	}
	return pages, nil
}

// commentAuthor is the author object the store attaches to each comment.
type commentAuthor struct {
	DisplayName string `json:"displayName"`
	PublicName  string `json:"publicName"`
	Username    string `json:"username"`
}

// name resolves a display name: displayName, then publicName, then
// username, then a fixed placeholder.
func (a commentAuthor) name() string {
	switch {
	case a.DisplayName != "":
		return a.DisplayName
	case a.PublicName != "":
		return a.PublicName
	case a.Username != "":
		return a.Username
	}
	return "unknown"
}

type rawComment struct {
	ID        string        `json:"id"`
	Body      string        `json:"body"`
	Author    commentAuthor `json:"author"`
	CreatedAt time.Time     `json:"createdAt"`
}

// GetNewComments merges a page's footer and inline comment streams, keeps
// only those created strictly after since (a comment stamped exactly at
// since is excluded), and orders the result by creation time.
func (c *client) GetNewComments(ctx context.Context, pageID string, since time.Time) ([]Comment, error) {
	var footer, inline []rawComment
	if _, err := c.do(ctx, http.MethodGet, "/pages/"+pageID+"/footer-comments", nil, &footer); err != nil {
		return nil, err
	}
	if _, err := c.do(ctx, http.MethodGet, "/pages/"+pageID+"/inline-comments", nil, &inline); err != nil {
		return nil, err
	}

	merged := append(footer, inline...)
	out := make([]Comment, 0, len(merged))
	for _, rc := range merged {
		if !rc.CreatedAt.After(since) {
			continue
		}
		out = append(out, Comment{
			ID:         rc.ID,
			PageID:     pageID,
			Body:       rc.Body,
			AuthorName: rc.Author.name(),
			CreatedAt:  rc.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// do issues one HTTP request through the circuit breaker, decoding a JSON
// response into out when non-nil. found is false for a 404 on a GET or PUT
// (FindPage treats it as "does not exist", SetContentState as "create
// instead"); a 404 on POST is still an error.
func (c *client) do(ctx context.Context, method, path string, body any, out any) (found bool, err error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var reqBody *bytes.Buffer
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("docstore: marshal request: %w", err)
			}
			reqBody = bytes.NewBuffer(b)
		} else {
			reqBody = bytes.NewBuffer(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return nil, fmt.Errorf("docstore: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("docstore: do request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound && method != http.MethodPost {
			return false, nil
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("docstore: unexpected status %d for %s %s", resp.StatusCode, method, path)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("docstore: decode response: %w", err)
			}
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if result == nil {
		return false, nil
	}
	return result.(bool), nil
}
