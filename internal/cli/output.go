package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/opportunity-validator/internal/ingest"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func renderReport(w io.Writer, rep ingest.BatchReport) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"#", "ID", "Outcome", "Score", "Functions", "Dedup", "Reason"})
	for _, r := range rep.Records {
		outcome := r.Outcome
		switch outcome {
		case "approved":
			outcome = green(outcome)
		case "disqualified":
			outcome = yellow(outcome)
		default:
			outcome = red(outcome)
		}
		t.AppendRow(table.Row{
			r.Index, shorten(r.ID, 12), outcome, fmt.Sprintf("%.2f", r.TotalScore),
			shorten(strings.Join(r.CoreFunctions, ", "), 40), string(r.DedupStatus), shorten(r.Reason, 60),
		})
	}
	t.Render()

	s := rep.Stats
	fmt.Fprintf(w, "\n%s %d records: %s approved, %s disqualified, %s errored",
		cyan("Summary"), s.Total, green(s.Approved), yellow(s.Disqualified), red(s.Errored))
	if s.Unique+s.Duplicate > 0 {
		fmt.Fprintf(w, ", %d unique, %d duplicate", s.Unique, s.Duplicate)
	}
	if s.Corrected > 0 {
		fmt.Fprintf(w, ", %d count corrections", s.Corrected)
	}
	fmt.Fprintln(w)
	if rep.RunID != "" {
		fmt.Fprintf(w, "Run: %s\n", rep.RunID)
	}
}
