package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/alvmarrod/cite-weaver/internal/crawler"
	"github.com/alvmarrod/cite-weaver/internal/storage"
)

// renderTable writes a borderless, left-aligned table.
func renderTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewTable(w,
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Formatting: tw.CellFormatting{
					AutoWrap: tw.WrapNone,
				},
				Alignment: tw.CellAlignment{
					Global: tw.AlignLeft,
				},
			},
			Header: tw.CellConfig{
				Formatting: tw.CellFormatting{
					AutoFormat: tw.On,
				},
				Alignment: tw.CellAlignment{
					Global: tw.AlignLeft,
				},
			},
		}),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Separators: tw.Separators{
					ShowHeader: tw.Off,
				},
			},
		}),
	)

	table.Header(header)
	if err := table.Bulk(rows); err != nil {
		return fmt.Errorf("failed to build table: %w", err)
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func reasonColor(reason string) *color.Color {
	switch reason {
	case crawler.ReasonCompleted:
		return color.New(color.FgGreen)
	case crawler.ReasonCancelled, crawler.ReasonTimeout:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

// printReport writes the end-of-run summary.
func printReport(w io.Writer, tree *storage.CitationNode, report *storage.CrawlReport) error {
	reasonColor(report.TerminationReason).Fprintf(w, "\nCrawl %s\n", report.TerminationReason)

	rows := [][]string{
		{"Session", report.SessionID},
		{"Duration", report.Duration.Round(time.Second).String()},
		{"Roots", strconv.Itoa(report.RootCount)},
		{"Papers", strconv.Itoa(report.NodeCount)},
		{"Leaves", strconv.Itoa(report.LeafCount)},
		{"Max depth", strconv.Itoa(report.MaxDepth)},
		{"References", strconv.Itoa(report.ReferenceCount)},
		{"Failed", strconv.Itoa(report.FailedCount)},
		{"Pending", strconv.Itoa(report.PendingCount)},
		{"Requests", strconv.Itoa(report.RequestCount)},
		{"Parse degraded", strconv.Itoa(report.ParseDegraded)},
	}
	if tree != nil {
		rows = append([][]string{{"Root", tree.Paper.Title}}, rows...)
	}
	for _, o := range storage.Outcomes {
		rows = append(rows, []string{"Fetch " + string(o), strconv.Itoa(report.Outcomes[o])})
	}
	return renderTable(w, []string{"Property", "Value"}, rows)
}

func printSummaries(w io.Writer, summaries []storage.Summary) error {
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{
			s.SessionID,
			s.RootURL,
			formatTime(s.CreatedAt),
			formatTime(s.UpdatedAt),
			strconv.Itoa(s.RequestCount),
			strconv.Itoa(s.NodeCount),
			strconv.Itoa(s.PendingCount),
			strconv.Itoa(s.VisitedCount),
		})
	}
	return renderTable(w, []string{"Session", "Root URL", "Created", "Updated", "Requests", "Nodes", "Pending", "Visited"}, rows)
}
