// Package planparser extracts a fan-out work plan from an architect's
// design-doc markdown: a `## Foundation` section (if present) and one
// `## Feature: <name>` section per parallel feature, each followed by a
// bullet list of sub-tasks. Parsing walks goldmark's AST rather than
// pattern-matching raw text, so list nesting and inline markup inside
// headings don't break extraction.
package planparser

import (
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Feature is one fan-out unit of work: a name and its ordered sub-tasks.
type Feature struct {
	Name  string
	Tasks []string
}

// Plan is the parsed shape of a design doc's implementation plan.
type Plan struct {
	Foundation *Feature
	Features   []Feature
}

// Parser parses plan files. An interface so route-map tests can substitute
// a fake without touching the filesystem.
type Parser interface {
	ParseFile(path string) (*Plan, error)
	Parse(markdown []byte) (*Plan, error)
}

type parser struct {
	md goldmark.Markdown
}

// New builds a Parser backed by goldmark's default markdown dialect.
func New() Parser {
	return &parser{md: goldmark.New()}
}

func (p *parser) ParseFile(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("planparser: read %s: %w", path, err)
	}
	return p.Parse(b)
}

const (
	foundationHeading = "Foundation"
	featurePrefix     = "Feature: "
)

// Parse walks the document's top-level headings and bullet lists. A level-2
// heading "Foundation" or "Feature: <name>" opens a section; the first
// bullet list following it (before the next level-2 heading) becomes that
// section's task list.
func (p *parser) Parse(markdown []byte) (*Plan, error) {
	doc := p.md.Parser().Parse(text.NewReader(markdown))

	plan := &Plan{}
	var current *Feature
	var isFoundation bool

	flush := func() {
		if current == nil {
			return
		}
		if isFoundation {
			plan.Foundation = current
		} else {
			plan.Features = append(plan.Features, *current)
		}
		current = nil
	}

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level != 2 {
				return ast.WalkContinue, nil
			}
			title := headingText(node, markdown)
			flush()
			switch {
			case title == foundationHeading:
				isFoundation = true
				current = &Feature{Name: foundationHeading}
			case strings.HasPrefix(title, featurePrefix):
				isFoundation = false
				current = &Feature{Name: strings.TrimPrefix(title, featurePrefix)}
			default:
				current = nil
			}
			return ast.WalkSkipChildren, nil
		case *ast.List:
			if current == nil || len(current.Tasks) > 0 {
				return ast.WalkContinue, nil
			}
			for item := node.FirstChild(); item != nil; item = item.NextSibling() {
				current.Tasks = append(current.Tasks, listItemText(item, markdown))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("planparser: walk document: %w", err)
	}
	flush()
	return plan, nil
}

func headingText(h *ast.Heading, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(h, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if t, ok := n.(*ast.Text); ok && entering {
			sb.Write(t.Segment.Value(source))
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

func listItemText(item ast.Node, source []byte) string {
	var sb strings.Builder
	var walk func(ast.Node)
	walk = func(n ast.Node) {
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				sb.Write(t.Segment.Value(source))
			}
			walk(c)
		}
	}
	walk(item)
	return strings.TrimSpace(sb.String())
}
