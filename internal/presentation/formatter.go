package presentation

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
	}
}

// FormatJSON writes v as indented JSON
func (f *Formatter) FormatJSON(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// FormatEvent writes one progress event as a single line:
//
//	#3 scoring success: sentiment analysis complete [positive: 5, negative: 2]
func (f *Formatter) FormatEvent(ev domain.ProgressEvent) error {
	line := fmt.Sprintf("#%d %s %s: %s", ev.Sequence, ev.Stage, ev.Status, ev.Message)
	if len(ev.Details) > 0 {
		line += " [" + strings.Join(ev.Details, ", ") + "]"
	}
	_, err := fmt.Fprintln(f.writer, line)
	return err
}

// FormatJobs writes jobs as an aligned table
func (f *Formatter) FormatJobs(jobs []JobDTO) error {
	tw := tabwriter.NewWriter(f.writer, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSUBJECT\tPERIOD\tSTATUS\tREASON\tCREATED")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s..%s\t%s\t%s\t%s\n",
			j.ID, j.Subject, j.PeriodStart, j.PeriodEnd, j.Status, j.FailureReason,
			j.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
