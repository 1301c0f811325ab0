// Package github implements the source-control webhook source: HMAC-SHA256
// signature verification over the raw body, then routing by the event-type
// header into pure event construction. Payload structs are minimal — only
// the fields the orchestrator reads, not the full API shapes.
package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/forgeflow/conductor/internal/events"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	EventHeader     = "X-GitHub-Event"
	DeliveryHeader  = "X-GitHub-Delivery"
)

// Verifier checks the HMAC-SHA256 signature GitHub sends over the raw
// request body. Its only outcome is pass or fail.
type Verifier struct {
	Secret []byte
}

// Verify reports whether signature (the X-Hub-Signature-256 header value)
// matches the HMAC-SHA256 of body under Secret.
func (v Verifier) Verify(signature string, body []byte) bool {
	if len(v.Secret) == 0 {
		return false
	}
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	sigBytes, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write(body)
	return hmac.Equal(sigBytes, mac.Sum(nil))
}

// ghPullRequest is the minimal PR shape parsed out of every payload that
// embeds one.
type ghPullRequest struct {
	Number int    `json:"number"`
	Merged bool   `json:"merged"`
	Head   struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

type pullRequestEvent struct {
	Action      string        `json:"action"`
	PullRequest ghPullRequest `json:"pull_request"`
}

type reviewEvent struct {
	Action string `json:"action"`
	Review struct {
		State string `json:"state"`
	} `json:"review"`
	PullRequest ghPullRequest `json:"pull_request"`
}

type checkSuiteEvent struct {
	CheckSuite struct {
		Conclusion   string          `json:"conclusion"`
		HeadBranch   string          `json:"head_branch"`
		PullRequests []ghPullRequest `json:"pull_requests"`
	} `json:"check_suite"`
}

type issueCommentEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number      int `json:"number"`
		PullRequest *struct {
			URL string `json:"url"`
		} `json:"pull_request"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
}

// branchKeyPattern matches a (feature|fix|chore)/<KEY>-<N>-... branch and
// captures the issue key, case-insensitively.
var branchKeyPattern = regexp.MustCompile(`(?i)^(?:feature|fix|chore)/([a-z]+-\d+)`)

// IssueKeyFromBranch extracts and upper-cases the issue key embedded in a
// branch name, or "" if the branch doesn't match the expected shape.
func IssueKeyFromBranch(branch string) string {
	m := branchKeyPattern.FindStringSubmatch(branch)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

// Parser turns one GitHub webhook delivery into zero or more domain events.
// Parse is pure: it never mutates state or performs I/O.
type Parser struct{}

// Parse dispatches on the X-GitHub-Event header value.
func (Parser) Parse(eventType string, body []byte) ([]events.Event, error) {
	switch eventType {
	case "check_suite":
		return parseCheckSuite(body)
	case "pull_request_review":
		return parseReview(body)
	case "pull_request":
		return parsePullRequest(body)
	case "issue_comment":
		return parseIssueComment(body)
	default:
		return nil, nil
	}
}

func parseCheckSuite(body []byte) ([]events.Event, error) {
	var ev checkSuiteEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("github: parse check_suite: %w", err)
	}
	var kind events.Kind
	switch ev.CheckSuite.Conclusion {
	case "failure", "timed_out":
		kind = events.KindCIFailed
	case "success":
		kind = events.KindCIPassed
	default:
		return nil, nil
	}
	out := events.New(kind, events.SourceGitHub, time.Time{})
	out.Branch = ev.CheckSuite.HeadBranch
	if len(ev.CheckSuite.PullRequests) > 0 {
		out.PRNumber = ev.CheckSuite.PullRequests[0].Number
	}
	return []events.Event{out}, nil
}

func parseReview(body []byte) ([]events.Event, error) {
	var ev reviewEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("github: parse pull_request_review: %w", err)
	}
	var kind events.Kind
	switch ev.Review.State {
	case "approved":
		kind = events.KindPRApproved
	case "changes_requested":
		kind = events.KindPRChangesRequested
	default:
		return nil, nil
	}
	out := events.New(kind, events.SourceGitHub, time.Time{})
	out.PRNumber = ev.PullRequest.Number
	out.Branch = ev.PullRequest.Head.Ref
	return []events.Event{out}, nil
}

func parsePullRequest(body []byte) ([]events.Event, error) {
	var ev pullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("github: parse pull_request: %w", err)
	}
	if ev.Action != "closed" || !ev.PullRequest.Merged {
		return nil, nil
	}
	out := events.New(events.KindPRMerged, events.SourceGitHub, time.Time{})
	out.PRNumber = ev.PullRequest.Number
	out.Branch = ev.PullRequest.Head.Ref
	return []events.Event{out}, nil
}

func parseIssueComment(body []byte) ([]events.Event, error) {
	var ev issueCommentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("github: parse issue_comment: %w", err)
	}
	if ev.Issue.PullRequest == nil {
		return nil, nil
	}
	out := events.New(events.KindPRComment, events.SourceGitHub, time.Time{})
	out.PRNumber = ev.Issue.Number
	out.Comments = []string{ev.Comment.Body}
	return []events.Event{out}, nil
}
