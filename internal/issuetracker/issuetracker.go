// Package issuetracker wraps the subset of the GitHub Issues API used to
// create and update sub-tasks under a parent design issue, built on the
// same go-github client the scmclient package uses for pull requests.
package issuetracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/sony/gobreaker"
)

// Client is the issue-tracker contract.
type Client interface {
	// CreateIssue creates a top-level issue, e.g. the parent issue a
	// design's sub-tasks hang off. Idempotent by title: an existing open
	// issue with the same title is returned instead of creating a twin.
	CreateIssue(ctx context.Context, owner, repo string, title, body string) (*github.Issue, error)
	// GetSubTasks returns every open sub-task issue linked to a parent issue
	// via a "Parent: #<n>" marker in its body. Callers check this before
	// CreateSubTask so re-running a plan doesn't duplicate tasks.
	GetSubTasks(ctx context.Context, owner, repo string, parentNumber int) ([]*github.Issue, error)
	// CreateSubTask creates a new sub-task issue under a parent, unless one
	// with a matching title already exists among GetSubTasks's results.
	CreateSubTask(ctx context.Context, owner, repo string, parentNumber int, title, body string) (*github.Issue, error)
	// Comment posts a comment on an issue.
	Comment(ctx context.Context, owner, repo string, number int, body string) error
	// Transition moves an issue between open and closed states.
	Transition(ctx context.Context, owner, repo string, number int, state string) error
}

type client struct {
	gh      *github.Client
	breaker *gobreaker.CircuitBreaker
}

// New builds a Client authenticated with a personal access token.
func New(token string) Client {
	gh := github.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &client{gh: gh, breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "issuetracker"})}
}

// NewWithGitHub builds a Client from an existing *github.Client, for tests
// that inject an httptest server.
func NewWithGitHub(gh *github.Client) Client {
	return &client{gh: gh, breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "issuetracker"})}
}

func parentMarker(parentNumber int) string {
	return fmt.Sprintf("Parent: #%d", parentNumber)
}

// CreateIssue creates a plain top-level issue, carrying no sub-task marker.
// The title dedup check only looks at issues that also lack a marker, so a
// sub-task can never shadow a parent.
func (c *client) CreateIssue(ctx context.Context, owner, repo string, title, body string) (*github.Issue, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		issues, _, err := c.gh.Issues.ListByRepo(ctx, owner, repo, &github.IssueListByRepoOptions{
			State:       "open",
			ListOptions: github.ListOptions{PerPage: 100},
		})
		if err != nil {
			return nil, fmt.Errorf("issuetracker: list issues: %w", err)
		}
		for _, issue := range issues {
			if issue.GetTitle() == title && !strings.Contains(issue.GetBody(), "Parent: #") {
				return issue, nil
			}
		}
		issue, _, err := c.gh.Issues.Create(ctx, owner, repo, &github.IssueRequest{
			Title: &title,
			Body:  &body,
		})
		if err != nil {
			return nil, fmt.Errorf("issuetracker: create issue: %w", err)
		}
		return issue, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*github.Issue), nil
}

func (c *client) GetSubTasks(ctx context.Context, owner, repo string, parentNumber int) ([]*github.Issue, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		issues, _, err := c.gh.Issues.ListByRepo(ctx, owner, repo, &github.IssueListByRepoOptions{
			State:       "open",
			ListOptions: github.ListOptions{PerPage: 100},
		})
		if err != nil {
			return nil, fmt.Errorf("issuetracker: list sub-tasks: %w", err)
		}
		marker := parentMarker(parentNumber)
		var subTasks []*github.Issue
		for _, issue := range issues {
			if strings.Contains(issue.GetBody(), marker) {
				subTasks = append(subTasks, issue)
			}
		}
		return subTasks, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]*github.Issue), nil
}

// CreateSubTask is idempotent: it calls GetSubTasks first and returns the
// existing issue if one with a matching title is already linked.
func (c *client) CreateSubTask(ctx context.Context, owner, repo string, parentNumber int, title, body string) (*github.Issue, error) {
	existing, err := c.GetSubTasks(ctx, owner, repo, parentNumber)
	if err != nil {
		return nil, err
	}
	for _, issue := range existing {
		if issue.GetTitle() == title {
			return issue, nil
		}
	}

	fullBody := body + "\n\n" + parentMarker(parentNumber)
	result, err := c.breaker.Execute(func() (any, error) {
		issue, _, err := c.gh.Issues.Create(ctx, owner, repo, &github.IssueRequest{
			Title: &title,
			Body:  &fullBody,
		})
		if err != nil {
			return nil, fmt.Errorf("issuetracker: create sub-task: %w", err)
		}
		return issue, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*github.Issue), nil
}

func (c *client) Comment(ctx context.Context, owner, repo string, number int, body string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		_, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: &body})
		if err != nil {
			return nil, fmt.Errorf("issuetracker: comment: %w", err)
		}
		return nil, nil
	})
	return err
}

func (c *client) Transition(ctx context.Context, owner, repo string, number int, state string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		_, _, err := c.gh.Issues.Edit(ctx, owner, repo, number, &github.IssueRequest{State: &state})
		if err != nil {
			return nil, fmt.Errorf("issuetracker: transition: %w", err)
		}
		return nil, nil
	})
	return err
}
