// Package events defines the orchestrator's domain event types.
//
// The upstream systems the orchestrator talks to (chat, document store,
// source control) all describe their payloads as loosely-typed structural
// unions keyed by a "type" string. Go has no structural subtyping, so we
// model the same idea as a closed sum type: one discriminant enum and a
// single flat envelope struct whose field groups cover every variant; only
// the active variant's fields are populated. Callers switch on Kind; there is no polymorphic
// dispatch and no interface per event type.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the event variants the dispatcher understands.
type Kind string

const (
	KindTaskRequested       Kind = "task:requested"
	KindPageApproved        Kind = "page:approved"
	KindPageComment         Kind = "page:comment"
	KindPRChangesRequested  Kind = "pr:changes_requested"
	KindPRComment           Kind = "pr:comment"
	KindPRApproved          Kind = "pr:approved"
	KindPRMerged            Kind = "pr:merged"
	KindCIFailed            Kind = "ci:failed"
	KindCIPassed            Kind = "ci:passed"
	KindAgentCompleted      Kind = "agent:completed"
	KindStageCompleted      Kind = "stage:completed"
)

// Source identifies which external system produced an event.
type Source string

const (
	SourceGitHub    Source = "github"
	SourceSlack     Source = "slack"
	SourceDocStore  Source = "docstore"
	SourceInternal  Source = "internal"
)

// AckFunc acknowledges a chat-originated event back to the user, e.g. by
// posting a threaded reply. It is nil for events that don't originate from
// chat.
type AckFunc func(text string) error

// Event is the single envelope that flows through the dispatch fabric.
// Only the fields relevant to Kind are populated; the zero value of the
// irrelevant ones is never inspected by handlers (each handler only reads
// the fields its Kind defines, per the field-group comments below).
type Event struct {
	Kind   Kind
	ID     string // opaque id, typically a uuid assigned at ingestion
	Source Source
	Raw    []byte // the original payload, opaque to everything but the parser that produced it

	// Source-control variant fields (pr:*, ci:*).
	PRNumber   int
	Branch     string
	CheckRunID int64
	IssueKey   string

	// Document-store variant fields (page:*, stage:completed for design->implementation).
	PageID   string
	DesignID string

	// Chat variant fields (task:requested, pr:comment acks, etc).
	Message    string
	SenderID   string
	SenderName string
	Ack        AckFunc

	// Aggregating comment events always carry an ordered, non-empty slice,
	// even when there is exactly one comment — callers must never special
	// case length 1.
	Comments []string

	// Internal bookkeeping fields for agent:completed / stage:completed,
	// set by the agent workers and the route map respectively.
	AgentName   string
	TaskType    string
	Success     bool
	OutputPath  string
	FeatureSlug string

	OccurredAt time.Time
}

// New builds an Event with a fresh id and an assigned OccurredAt, defaulting
// to now if the zero value was passed (kept as a parameter so tests can pin
// time).
func New(kind Kind, source Source, occurredAt time.Time) Event {
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return Event{Kind: kind, ID: uuid.NewString(), Source: source, OccurredAt: occurredAt}
}
