package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ccomkhj/datumaro-gui/internal/config"
	"github.com/ccomkhj/datumaro-gui/internal/runtime"
	"github.com/ccomkhj/datumaro-gui/internal/stats"
)

// OutputOptions configures CLI output behavior.
type OutputOptions struct {
	Verbose bool
	Quiet   bool
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

// PrintStats renders a per-category table. Zero counts are listed.
func PrintStats(w io.Writer, report *stats.Report, opts OutputOptions) {
	if report == nil {
		return
	}
	rows := make([][]string, 0, len(report.Categories))
	for _, c := range report.Categories {
		rows = append(rows, []string{c.Name, strconv.Itoa(c.Count)})
	}
	fmt.Fprintln(w, renderTable([]string{"Category", "Annotations"}, rows, []columnAlignment{alignLeft, alignRight}))
	fmt.Fprintf(w, "  Images: %d, annotations: %d\n", report.Images, report.Annotations)
	if opts.Verbose {
		for _, src := range report.Sources {
			fmt.Fprintf(w, "  Source: %s\n", src)
		}
	}
}

// PrintFilterOutcome summarizes a filter run.
func PrintFilterOutcome(w io.Writer, out *runtime.FilterOutcome, opts OutputOptions) {
	if out == nil || opts.Quiet {
		return
	}
	fmt.Fprintln(w, "✓ Filter completed")
	fmt.Fprintf(w, "  Task: %s\n", out.TaskID)
	fmt.Fprintf(w, "  Items kept: %d of %d\n", out.After, out.Before)
	fmt.Fprintf(w, "  Export: %s\n", out.ExportPath)
	if opts.Verbose {
		fmt.Fprintf(w, "  Temporary export: %s\n", out.TempPath)
	}
	printSubsets(w, out.Subsets)
	printStatsOrError(w, out.Stats, out.StatsErr, opts)
}

// PrintSplitOutcome summarizes a split run.
func PrintSplitOutcome(w io.Writer, out *runtime.SplitOutcome, opts OutputOptions) {
	if out == nil || opts.Quiet {
		return
	}
	fmt.Fprintln(w, "✓ Split completed")
	fmt.Fprintf(w, "  Task: %s\n", out.TaskID)
	fmt.Fprintf(w, "  Items: %d\n", out.Items)
	fmt.Fprintf(w, "  Export: %s\n", out.ExportPath)
	printSubsets(w, out.Subsets)
	printStatsOrError(w, out.Stats, out.StatsErr, opts)
}

// PrintUploadOutcome summarizes an upload.
func PrintUploadOutcome(w io.Writer, out *runtime.UploadOutcome, opts OutputOptions) {
	if out == nil || out.Result == nil || opts.Quiet {
		return
	}
	fmt.Fprintln(w, "✓ Upload completed")
	fmt.Fprintf(w, "  Target: %s\n", out.Result.URI)
	fmt.Fprintf(w, "  Objects: %d (%s)\n", len(out.Result.Objects), humanize.Bytes(uint64(out.Result.Bytes)))
	if out.Result.ManifestKey != "" {
		fmt.Fprintf(w, "  Manifest: %s\n", out.Result.ManifestKey)
	}
	printStatsOrError(w, out.Stats, out.StatsErr, opts)
}

func printSubsets(w io.Writer, subsets map[string]int) {
	if len(subsets) == 0 {
		return
	}
	names := make([]string, 0, len(subsets))
	for name := range subsets {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprint(w, "  Subsets:")
	for _, name := range names {
		fmt.Fprintf(w, " %s=%d", name, subsets[name])
	}
	fmt.Fprintln(w)
}

func printStatsOrError(w io.Writer, report *stats.Report, err error, opts OutputOptions) {
	if err != nil {
		fmt.Fprintf(w, "  Statistics unavailable: %v\n", err)
		return
	}
	PrintStats(w, report, opts)
}

// PrintRunHistory renders recorded pipeline runs, newest first.
func PrintRunHistory(w io.Writer, runs []runtime.RunRecord, now time.Time) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		result := r.Status
		if r.FailedStage != "" {
			result += " (" + r.FailedStage + ")"
		}
		rows = append(rows, []string{
			r.TaskID,
			r.Pipeline,
			result,
			fmt.Sprintf("%d → %d", r.Before, r.After),
			r.Duration.Round(time.Millisecond).String(),
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Task", "Pipeline", "Status", "Items", "Duration", "Started"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
}

// PrintUploadHistory renders recorded uploads, newest first.
func PrintUploadHistory(w io.Writer, uploads []runtime.UploadRecord, now time.Time) {
	if len(uploads) == 0 {
		fmt.Fprintln(w, "No uploads recorded")
		return
	}
	rows := make([][]string, 0, len(uploads))
	for _, u := range uploads {
		rows = append(rows, []string{
			u.URI,
			u.Status,
			strconv.Itoa(u.Objects),
			humanize.Bytes(uint64(u.Bytes)),
			u.Comment,
			humanize.RelTime(u.StartedAt, now, "ago", "from now"),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Target", "Status", "Objects", "Size", "Comment", "Started"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))
}

// PrintJobSummary prints what a validated job file will do.
func PrintJobSummary(w io.Writer, job *config.Job) {
	if job == nil {
		return
	}
	if job.Name != "" {
		fmt.Fprintf(w, "  Job: %s\n", job.Name)
	}
	fmt.Fprintf(w, "  Pipeline: %s\n", job.Pipeline)
	if job.Batch != "" {
		fmt.Fprintf(w, "  Batch: %s\n", job.Batch)
	} else {
		fmt.Fprintf(w, "  Images: %d, annotation: %s\n", len(job.Images), job.Annotation)
	}
	if job.Filter != nil {
		switch {
		case job.Filter.Expression != "":
			fmt.Fprintf(w, "  Filter (%s): %s\n", job.Filter.NormalizedLang(), job.Filter.Expression)
		case job.Filter.ScriptFile != "":
			fmt.Fprintf(w, "  Filter (%s): %s\n", job.Filter.NormalizedLang(), job.Filter.ScriptFile)
		default:
			fmt.Fprintf(w, "  Filter (%s): inline script\n", job.Filter.NormalizedLang())
		}
	}
	if job.Upload != nil {
		fmt.Fprintf(w, "  Upload: %s\n", job.Upload.URI)
	}
}
