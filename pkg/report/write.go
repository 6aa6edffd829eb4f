package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/result"
)

var extensions = map[config.ReportFormat]string{
	config.FormatText:     ".txt",
	config.FormatJSON:     ".json",
	config.FormatYAML:     ".yaml",
	config.FormatCSV:      ".csv",
	config.FormatMarkdown: ".md",
	config.FormatXLSX:     ".xlsx",
	config.FormatPDF:      ".pdf",
}

// Extension returns the file extension for a format
func Extension(f config.ReportFormat) string {
	return extensions[f]
}

// FormatFromPath guesses the format from a file extension
func FormatFromPath(path string) (config.ReportFormat, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yml" {
		return config.FormatYAML, true
	}
	for f, e := range extensions {
		if e == ext {
			return f, true
		}
	}
	return "", false
}

// Filename is the timestamped default report name
func Filename(started time.Time, f config.ReportFormat) string {
	return fmt.Sprintf("nettest_report_%s%s", started.Format("20060102_150405"), Extension(f))
}

// Write serializes sum to path in the given format
func Write(sum Summary, path string, f config.ReportFormat) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "create report directory")
		}
	}

	var (
		data []byte
		err  error
	)
	switch f {
	case config.FormatText:
		data = []byte(Text(sum))
	case config.FormatJSON:
		data, err = json.MarshalIndent(sum, "", "  ")
	case config.FormatYAML:
		data, err = yaml.Marshal(sum)
	case config.FormatCSV:
		data, err = encodeCSV(sum)
	case config.FormatMarkdown:
		data = []byte(Markdown(sum))
	case config.FormatXLSX:
		return writeXLSX(sum, path)
	case config.FormatPDF:
		return writePDF(sum, path)
	default:
		return errors.Errorf("unknown report format %q", f)
	}
	if err != nil {
		return errors.Wrapf(err, "encode %s report", f)
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "write report")
}

var csvHeader = []string{
	"number", "test_id", "test_name", "channel", "verdict", "error_kind", "message",
	"throughput_bps", "retransmit_pct", "jitter_ms", "lost_pct", "duration_s", "started",
}

func csvRow(r result.Result) []string {
	metric := func(name string) string {
		v, ok := r.Metrics[name]
		if !ok {
			return ""
		}
		return fmt.Sprintf("%g", v)
	}
	return []string{
		fmt.Sprint(r.Number),
		r.TestID,
		r.TestName,
		r.Channel,
		string(r.Verdict),
		string(r.Kind),
		r.Message,
		metric(result.MetricThroughput),
		metric(result.MetricRetransmitPct),
		metric(result.MetricJitterMs),
		metric(result.MetricLostPct),
		fmt.Sprintf("%.1f", r.Duration().Seconds()),
		r.Started.Format(time.RFC3339),
	}
}

func encodeCSV(sum Summary) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, r := range sum.Results {
		if err := w.Write(csvRow(r)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// Markdown renders the summary as a GitHub-style table
func Markdown(sum Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# nettest report\n\n")
	fmt.Fprintf(&b, "- Session: `%s`\n", sum.SessionID)
	fmt.Fprintf(&b, "- Started: %s\n", sum.Started.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Channels: %s\n", strings.Join(sum.Channels, ", "))
	fmt.Fprintf(&b, "- Overall: **%s** (%d pass, %d warn, %d fail)\n\n", strings.ToUpper(string(sum.Overall)), sum.Counts.Pass, sum.Counts.Warn, sum.Counts.Fail)
	fmt.Fprintln(&b, "| # | Test | Channel | Result | Details |")
	fmt.Fprintln(&b, "|---|------|---------|--------|---------|")
	for _, r := range sum.Results {
		details := strings.ReplaceAll(Headline(r), "|", "\\|")
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %s |\n", r.Number, r.TestName, r.Channel, strings.ToUpper(string(r.Verdict)), details)
	}
	return b.String()
}

const (
	xlsxResultsSheet = "Results"
	xlsxSummarySheet = "Summary"
)

func cellName(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

func writeXLSX(sum Summary, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	_ = f.SetSheetName("Sheet1", xlsxResultsSheet)
	_ = f.SetColWidth(xlsxResultsSheet, "A", "A", 6)
	_ = f.SetColWidth(xlsxResultsSheet, "B", "M", 20)
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold: true,
		},
	})

	for col, h := range csvHeader {
		_ = f.SetCellValue(xlsxResultsSheet, cellName(col+1, 1), h)
		_ = f.SetCellStyle(xlsxResultsSheet, cellName(col+1, 1), cellName(col+1, 1), headerStyle)
	}
	for i, r := range sum.Results {
		for col, v := range csvRow(r) {
			_ = f.SetCellValue(xlsxResultsSheet, cellName(col+1, i+2), v)
		}
	}

	if _, err := f.NewSheet(xlsxSummarySheet); err != nil {
		return errors.Wrap(err, "create summary sheet")
	}
	rows := [][2]interface{}{
		{"Session", sum.SessionID},
		{"Started", sum.Started.Format(time.RFC3339)},
		{"Channels", strings.Join(sum.Channels, ", ")},
		{"Total", sum.Total},
		{"Pass", sum.Counts.Pass},
		{"Warn", sum.Counts.Warn},
		{"Fail", sum.Counts.Fail},
		{"Success Rate %", fmt.Sprintf("%.1f", sum.SuccessRate)},
		{"Overall", strings.ToUpper(string(sum.Overall))},
	}
	for i, row := range rows {
		_ = f.SetCellValue(xlsxSummarySheet, cellName(1, i+1), row[0])
		_ = f.SetCellStyle(xlsxSummarySheet, cellName(1, i+1), cellName(1, i+1), headerStyle)
		_ = f.SetCellValue(xlsxSummarySheet, cellName(2, i+1), row[1])
	}

	return errors.Wrap(f.SaveAs(path), "write xlsx report")
}

func writePDF(sum Summary, path string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, "Ethernet Validation Report")
	pdf.Ln(14)

	pdf.SetFont("Arial", "I", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Session %s, started %s", sum.SessionID, sum.Started.Format("2006-01-02 15:04:05")))
	pdf.Ln(6)
	pdf.Cell(0, 6, "Channels: "+strings.Join(sum.Channels, ", "))
	pdf.Ln(10)

	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(0, 8, "Summary:")
	pdf.Ln(8)
	pdf.SetFont("Arial", "", 12)
	pdf.Cell(0, 6, fmt.Sprintf("Total: %d   Passed: %d   Warnings: %d   Failed: %d", sum.Total, sum.Counts.Pass, sum.Counts.Warn, sum.Counts.Fail))
	pdf.Ln(6)
	pdf.Cell(0, 6, fmt.Sprintf("Overall: %s", strings.ToUpper(string(sum.Overall))))
	pdf.Ln(12)

	pdf.SetFont("Arial", "B", 10)
	widths := []float64{10, 62, 22, 16, 80}
	for i, h := range []string{"#", "Test", "Channel", "Result", "Details"} {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 9)
	for _, r := range sum.Results {
		cells := []string{fmt.Sprint(r.Number), r.TestName, r.Channel, strings.ToUpper(string(r.Verdict)), truncate(Headline(r), 55)}
		for i, c := range cells {
			pdf.CellFormat(widths[i], 6, c, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	return errors.Wrap(pdf.OutputFileAndClose(path), "write pdf report")
}
