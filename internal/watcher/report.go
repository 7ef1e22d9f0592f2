package watcher

import (
	"fmt"
	"strings"
	"time"

	"boardwatch/lib/scrapers/avdbs"

	"github.com/jedib0t/go-pretty/v6/table"
)

type BoardFailure struct {
	Board string
	Err   error
}

type PostFailure struct {
	Post avdbs.PostSummary
	Err  error
}

// Report summarizes one run for the log and the console.
type Report struct {
	RunID     string
	StartedAt time.Time

	Scanned  int
	New      int
	Deferred int

	Dispatched   []avdbs.PostSummary
	ScanFailures []BoardFailure
	PostFailures []PostFailure
}

func NewReport(runID string) Report {
	return Report{RunID: runID, StartedAt: time.Now()}
}

// Render formats the report as a console table.
func (r Report) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "run %s (%s)\n", r.RunID, time.Since(r.StartedAt).Round(time.Millisecond))

	summary := table.NewWriter()
	summary.AppendHeader(table.Row{"scanned", "new", "dispatched", "deferred", "failed"})
	summary.AppendRow(table.Row{
		r.Scanned, r.New, len(r.Dispatched), r.Deferred,
		len(r.ScanFailures) + len(r.PostFailures),
	})
	sb.WriteString(summary.Render())
	sb.WriteString("\n")

	if len(r.Dispatched) > 0 {
		posts := table.NewWriter()
		posts.AppendHeader(table.Row{"board", "post", "title"})
		for _, post := range r.Dispatched {
			posts.AppendRow(table.Row{post.Board, post.ID, post.Title})
		}
		sb.WriteString(posts.Render())
		sb.WriteString("\n")
	}

	for _, failure := range r.ScanFailures {
		fmt.Fprintf(&sb, "scan failed: board=%s err=%s\n", failure.Board, failure.Err)
	}
	for _, failure := range r.PostFailures {
		fmt.Fprintf(&sb, "dispatch failed: board=%s post=%s err=%s\n",
			failure.Post.Board, failure.Post.ID, failure.Err)
	}
	return sb.String()
}
