package session

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/markdown"

	"github.com/alvmarrod/cite-weaver/internal/memory"
	"github.com/alvmarrod/cite-weaver/internal/storage"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
)

// ParseFormat accepts a format name or its usual file extension.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(name, ".")) {
	case "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "text", "txt":
		return FormatText, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// Document is the structured export of a session.
type Document struct {
	SessionID    string                  `json:"session_id"`
	RootURL      string                  `json:"root_url"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
	RequestCount int                     `json:"request_count"`
	VisitedCount int                     `json:"visited_count"`
	MergedFrom   []string                `json:"merged_from,omitempty"`
	Counters     storage.Counters        `json:"counters"`
	Backoff      storage.BackoffState    `json:"backoff"`
	Roots        []*storage.CitationNode `json:"roots"`
}

// Export renders a session.
func Export(state *storage.SessionState, format Format) ([]byte, error) {
	var tree *memory.Tree
	if state.HasTree() {
		t, err := memory.FromState(state)
		if err != nil {
			return nil, err
		}
		tree = t
	} else {
		tree = memory.NewForest()
	}

	switch format {
	case FormatJSON:
		return exportJSON(state, tree)
	case FormatCSV:
		return exportCSV(tree)
	case FormatText:
		return exportText(state, tree), nil
	case FormatMarkdown:
		return exportMarkdown(state, tree)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func exportJSON(state *storage.SessionState, tree *memory.Tree) ([]byte, error) {
	doc := Document{
		SessionID:    state.SessionID,
		RootURL:      state.RootURL,
		CreatedAt:    state.CreatedAt,
		UpdatedAt:    state.UpdatedAt,
		RequestCount: state.RequestCount,
		VisitedCount: len(state.Visited),
		MergedFrom:   state.MergedFrom,
		Counters:     state.Counters,
		Backoff:      state.Backoff,
		Roots:        make([]*storage.CitationNode, 0, len(tree.Roots())),
	}
	for _, r := range tree.Roots() {
		doc.Roots = append(doc.Roots, tree.Nested(r))
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return data, nil
}

var csvHeader = []string{
	"depth", "title", "authors", "year", "citation_count", "url", "cited_by_url",
	"abstract", "status", "failure", "children_count",
}

func exportCSV(tree *memory.Tree) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}

	var writeErr error
	tree.Walk(func(n storage.TreeNode) bool {
		failure := ""
		if n.Failure != nil {
			failure = string(n.Failure.Kind)
		}
		writeErr = w.Write([]string{
			strconv.Itoa(n.Depth),
			n.Paper.Title,
			n.Paper.Authors,
			n.Paper.Year,
			strconv.Itoa(n.Paper.CitationCount),
			n.Paper.URL,
			n.Paper.CitedByURL,
			n.Paper.Abstract,
			string(n.Status),
			failure,
			strconv.Itoa(len(n.Children)),
		})
		return writeErr == nil
	})
	if writeErr != nil {
		return nil, fmt.Errorf("failed to write csv row: %w", writeErr)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func exportText(state *storage.SessionState, tree *memory.Tree) []byte {
	var b strings.Builder
	b.WriteString("Citation tree export\n")
	b.WriteString(strings.Repeat("=", 50) + "\n\n")

	b.WriteString("Metadata:\n")
	fmt.Fprintf(&b, "  session_id: %s\n", state.SessionID)
	fmt.Fprintf(&b, "  root_url: %s\n", state.RootURL)
	fmt.Fprintf(&b, "  created_at: %s\n", state.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "  request_count: %d\n", state.RequestCount)
	fmt.Fprintf(&b, "  visited_urls: %d\n", len(state.Visited))
	if len(state.MergedFrom) > 0 {
		fmt.Fprintf(&b, "  merged_from: %s\n", strings.Join(state.MergedFrom, ", "))
	}
	b.WriteString("\nTree:\n")

	tree.Walk(func(n storage.TreeNode) bool {
		indent := strings.Repeat("  ", n.Depth)
		fmt.Fprintf(&b, "%s- %s\n", indent, n.Paper.Title)
		fmt.Fprintf(&b, "%s  Authors: %s\n", indent, orUnknown(n.Paper.Authors))
		fmt.Fprintf(&b, "%s  Year: %s\n", indent, orUnknown(n.Paper.Year))
		fmt.Fprintf(&b, "%s  Citations: %d\n", indent, n.Paper.CitationCount)
		if n.Paper.URL != "" {
			fmt.Fprintf(&b, "%s  Link: %s\n", indent, n.Paper.URL)
		}
		switch {
		case n.Failure != nil:
			fmt.Fprintf(&b, "%s  Error: %s (%s)\n", indent, n.Failure.Kind, n.Failure.Message)
		case n.Status == storage.StatusReference:
			fmt.Fprintf(&b, "%s  (expanded elsewhere)\n", indent)
		case n.Status == storage.StatusPending:
			fmt.Fprintf(&b, "%s  (not crawled yet)\n", indent)
		}
		b.WriteString("\n")
		return true
	})
	return []byte(b.String())
}

func exportMarkdown(state *storage.SessionState, tree *memory.Tree) ([]byte, error) {
	var buf bytes.Buffer
	md := markdown.NewMarkdown(&buf)
	stats := tree.Stats()

	md.H1("Citation Tree")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Session", "`" + state.SessionID + "`"},
			{"Root URL", state.RootURL},
			{"Created", state.CreatedAt.Format("2006-01-02 15:04:05 MST")},
			{"Requests", strconv.Itoa(state.RequestCount)},
			{"Papers", strconv.Itoa(stats.Nodes)},
			{"Max Depth", strconv.Itoa(stats.MaxDepth)},
			{"Pending", strconv.Itoa(stats.Pending)},
			{"Failed", strconv.Itoa(stats.Failed)},
		},
	})
	md.PlainText("")

	md.H2("Fetch Outcomes")
	md.PlainText("")
	rows := make([][]string, 0, len(storage.Outcomes)+1)
	for _, o := range storage.Outcomes {
		rows = append(rows, []string{string(o), strconv.Itoa(state.Counters.Outcomes[o])})
	}
	rows = append(rows, []string{"parse_degraded", strconv.Itoa(state.Counters.ParseDegraded)})
	md.Table(markdown.TableSet{Header: []string{"Outcome", "Count"}, Rows: rows})
	md.PlainText("")

	if len(state.MergedFrom) > 0 {
		md.H2("Merged From")
		md.PlainText("")
		md.BulletList(state.MergedFrom...)
		md.PlainText("")
	}

	byDepth := make(map[int][][]string)
	tree.Walk(func(n storage.TreeNode) bool {
		byDepth[n.Depth] = append(byDepth[n.Depth], []string{
			escapeCell(n.Paper.Title),
			escapeCell(n.Paper.Authors),
			n.Paper.Year,
			strconv.Itoa(n.Paper.CitationCount),
			string(n.Status),
		})
		return true
	})
	for depth := 0; depth <= stats.MaxDepth; depth++ {
		if len(byDepth[depth]) == 0 {
			continue
		}
		md.H2(fmt.Sprintf("Depth %d", depth))
		md.PlainText("")
		md.Table(markdown.TableSet{
			Header: []string{"Title", "Authors", "Year", "Citations", "Status"},
			Rows:   byDepth[depth],
		})
		md.PlainText("")
	}

	md.HorizontalRule()
	md.PlainTextf("*Exported %s*", state.UpdatedAt.Format(time.RFC3339))

	if err := md.Build(); err != nil {
		return nil, fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.Bytes(), nil
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}
