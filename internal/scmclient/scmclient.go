// Package scmclient wraps the subset of the GitHub API the orchestrator
// needs: finding and merging PRs, and reading review comments and check run
// logs for the failure classifier.
package scmclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v68/github"
	"github.com/sony/gobreaker"
)

// Client is the source-control client contract. A real implementation wraps
// go-github; tests substitute a fake.
type Client interface {
	// FindPR returns the open PR with the given head branch, or nil if none
	// exists yet — callers check this before creating a new PRState.
	FindPR(ctx context.Context, owner, repo, branch string) (*github.PullRequest, error)
	// GetPR fetches a PR by number.
	GetPR(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
	// MergePR squash-merges a PR, first checking GetPR so an
	// already-merged PR is a no-op rather than an error.
	MergePR(ctx context.Context, owner, repo string, number int, commitMessage string) error
	// GetPRReviewComments returns every review comment on a PR, paginated.
	GetPRReviewComments(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestComment, error)
	// GetCheckRunLogs returns the concatenated output text of a check run's
	// conclusion summary, for feeding into the failure classifier.
	GetCheckRunLogs(ctx context.Context, owner, repo string, checkRunID int64) (string, error)
	// GetPRBranch returns a PR's head branch name, or "" if the PR is gone.
	GetPRBranch(ctx context.Context, owner, repo string, number int) (string, error)
}

type client struct {
	gh      *github.Client
	breaker *gobreaker.CircuitBreaker
}

// New builds a Client authenticated with a personal access token, wrapped in
// a circuit breaker so a flapping GitHub API doesn't compound failures
// across every job that calls it.
func New(token string) Client {
	gh := github.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &client{
		gh:      gh,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "scmclient"}),
	}
}

// NewWithGitHub builds a Client from an existing *github.Client, for tests
// that inject an httptest server.
func NewWithGitHub(gh *github.Client) Client {
	return &client{
		gh:      gh,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "scmclient"}),
	}
}

func (c *client) FindPR(ctx context.Context, owner, repo, branch string) (*github.PullRequest, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
			Head:        owner + ":" + branch,
			State:       "open",
			ListOptions: github.ListOptions{PerPage: 1},
		})
		if err != nil {
			return nil, fmt.Errorf("scmclient: find pr: %w", err)
		}
		if len(prs) == 0 {
			return (*github.PullRequest)(nil), nil
		}
		return prs[0], nil
	})
	if err != nil {
		return nil, err
	}
	pr, _ := result.(*github.PullRequest)
	return pr, nil
}

// GetPR fetches a PR by number. A 404 returns nil rather than an error;
// anything else propagates.
func (c *client) GetPR(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		pr, resp, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return (*github.PullRequest)(nil), nil
			}
			return nil, fmt.Errorf("scmclient: get pr: %w", err)
		}
		return pr, nil
	})
	if err != nil {
		return nil, err
	}
	pr, _ := result.(*github.PullRequest)
	return pr, nil
}

// GetPRBranch resolves a PR number to its head branch name.
func (c *client) GetPRBranch(ctx context.Context, owner, repo string, number int) (string, error) {
	pr, err := c.GetPR(ctx, owner, repo, number)
	if err != nil {
		return "", err
	}
	if pr == nil {
		return "", nil
	}
	return pr.GetHead().GetRef(), nil
}

// MergePR is idempotent: it checks GetPR first and skips the merge call
// entirely if the PR is already merged.
func (c *client) MergePR(ctx context.Context, owner, repo string, number int, commitMessage string) error {
	pr, err := c.GetPR(ctx, owner, repo, number)
	if err != nil {
		return err
	}
	if pr == nil || pr.GetMerged() {
		return nil
	}

	_, err = c.breaker.Execute(func() (any, error) {
		_, _, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, commitMessage, &github.PullRequestOptions{
			MergeMethod: "squash",
		})
		if err != nil {
			return nil, fmt.Errorf("scmclient: merge pr: %w", err)
		}
		return nil, nil
	})
	return err
}

func (c *client) GetPRReviewComments(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestComment, error) {
	var all []*github.PullRequestComment
	opts := &github.PullRequestListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		result, err := c.breaker.Execute(func() (any, error) {
			comments, resp, err := c.gh.PullRequests.ListComments(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, fmt.Errorf("scmclient: list review comments: %w", err)
			}
			return struct {
				comments []*github.PullRequestComment
				nextPage int
			}{comments, resp.NextPage}, nil
		})
		if err != nil {
			return nil, err
		}
		page := result.(struct {
			comments []*github.PullRequestComment
			nextPage int
		})
		all = append(all, page.comments...)
		if page.nextPage == 0 {
			break
		}
		opts.Page = page.nextPage
	}
	return all, nil
}

func (c *client) GetCheckRunLogs(ctx context.Context, owner, repo string, checkRunID int64) (string, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		run, _, err := c.gh.Checks.GetCheckRun(ctx, owner, repo, checkRunID)
		if err != nil {
			return "", fmt.Errorf("scmclient: get check run: %w", err)
		}
		return run.GetOutput().GetSummary() + "\n" + run.GetOutput().GetText(), nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
