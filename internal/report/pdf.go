package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-pdf/fpdf"
)

var (
	colorPrimary     = [3]int{30, 58, 95}
	colorDanger      = [3]int{231, 76, 60}
	colorWarning     = [3]int{243, 156, 18}
	colorInfo        = [3]int{52, 152, 219}
	colorAccent      = [3]int{39, 174, 96}
	colorTextDark    = [3]int{44, 62, 80}
	colorTextMuted   = [3]int{127, 140, 141}
	colorTableHeader = [3]int{30, 58, 95}
	colorTableAlt    = [3]int{241, 245, 249}
	colorGridLine    = [3]int{220, 220, 220}
)

// WritePDF renders the report as an A4 document.
func WritePDF(w io.Writer, r Report) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	addPageHeader(pdf, tr, r)

	pdf.SetFont("Arial", "", 11)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.MultiCell(0, 6, tr(r.summary()), "", "L", false)
	if note := r.skippedNote(); note != "" {
		pdf.SetFont("Arial", "I", 9)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.MultiCell(0, 5, tr(note), "", "L", false)
	}
	pdf.Ln(4)

	groups := r.groups()
	if len(groups) == 0 {
		pdf.SetFont("Arial", "B", 12)
		pdf.SetTextColor(colorAccent[0], colorAccent[1], colorAccent[2])
		pdf.CellFormat(0, 10, "No new issues found.", "", 1, "L", false, 0, "")
	}
	for _, g := range groups {
		writeFileSection(pdf, tr, g)
	}

	addPageNumbers(pdf)

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("PDF output error: %w", err)
	}
	return nil
}

func addPageHeader(pdf *fpdf.Fpdf, tr func(string) string, r Report) {
	pageWidth, _ := pdf.GetPageSize()

	pdf.SetDrawColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.SetLineWidth(0.5)
	pdf.Line(20, 15, pageWidth-20, 15)

	pdf.SetY(18)
	pdf.SetFont("Arial", "B", 9)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 5, "BADPRACTICE AGENT", "", 0, "L", false, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 5, r.GeneratedAt.Format("January 2, 2006 15:04 MST"), "", 1, "R", false, 0, "")

	pdf.SetY(30)
	pdf.SetFont("Arial", "B", 16)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	title := strings.TrimSpace(strings.TrimPrefix(r.Subject(), subjectPrefix))
	pdf.MultiCell(0, 8, tr(title), "", "L", false)
	pdf.Ln(3)
}

func writeFileSection(pdf *fpdf.Fpdf, tr func(string) string, g fileGroup) {
	if pdf.GetY() > 240 {
		pdf.AddPage()
	}

	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Courier", "B", 10)
	pdf.CellFormat(0, 8, " "+tr(g.File), "", 1, "L", true, 0, "")

	pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
	for i, it := range g.Items {
		fill := i%2 == 1
		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		}

		sev := it.Severity
		if sev == "" {
			sev = "medium"
		}
		c := severityRGB(sev)
		pdf.SetFont("Arial", "B", 9)
		pdf.SetTextColor(c[0], c[1], c[2])
		pdf.CellFormat(0, 6, strings.ToUpper(sev), "", 1, "L", fill, 0, "")

		pdf.SetFont("Arial", "", 10)
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.MultiCell(0, 5, tr(it.Description), "", "L", fill)
		if it.Suggestion != "" {
			pdf.SetFont("Arial", "I", 9)
			pdf.SetTextColor(colorAccent[0], colorAccent[1], colorAccent[2])
			pdf.MultiCell(0, 5, tr("Fix: "+it.Suggestion), "B", "L", fill)
		} else {
			pdf.CellFormat(0, 1, "", "B", 1, "L", fill, 0, "")
		}
	}
	pdf.Ln(5)
}

func severityRGB(sev string) [3]int {
	switch sev {
	case "critical", "high":
		return colorDanger
	case "low":
		return colorInfo
	default:
		return colorWarning
	}
}

func addPageNumbers(pdf *fpdf.Fpdf) {
	pdf.SetAutoPageBreak(false, 0)
	total := pdf.PageCount()
	for i := 1; i <= total; i++ {
		pdf.SetPage(i)
		pageWidth, pageHeight := pdf.GetPageSize()

		pdf.SetY(pageHeight - 15)
		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d of %d", i, total), "", 0, "C", false, 0, "")

		pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
		pdf.SetLineWidth(0.3)
		pdf.Line(20, pageHeight-20, pageWidth-20, pageHeight-20)
	}
}
