package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// WriteCSV writes one row per item after a commented header block.
func WriteCSV(w io.Writer, r Report) error {
	cw := csv.NewWriter(w)

	headers := [][]string{
		{"# BadPractice Agent Report"},
		{"# ID:", r.ID},
		{"# Mode:", string(r.Mode)},
		{"# Generated:", r.GeneratedAt.Format(time.RFC3339)},
		{"# Issues:", strconv.Itoa(len(r.Items))},
	}
	if r.Path != "" {
		headers = append(headers, []string{"# Path:", r.Path})
	}
	if r.Skipped > 0 {
		headers = append(headers, []string{"# Skipped:", strconv.Itoa(r.Skipped)})
	}
	headers = append(headers, []string{""}, []string{"File", "Severity", "Description", "Suggestion"})

	for _, row := range headers {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write header row %q: %w", row[0], err)
		}
	}
	for _, it := range r.Items {
		if err := cw.Write([]string{it.File, it.Severity, it.Description, it.Suggestion}); err != nil {
			return fmt.Errorf("write row for %s: %w", it.File, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("CSV write error: %w", err)
	}
	return nil
}
