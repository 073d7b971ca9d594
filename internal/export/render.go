package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

const (
	pagesSheet   = "Scrape Results"
	summarySheet = "Summary"
)

func renderCSV(pages []crawler.PageRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(headers()); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, p := range pages {
		if err := w.Write(stringRow(p)); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func renderXLSX(snap crawler.Snapshot, pages []crawler.PageRecord) (out []byte, err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close workbook: %w", cerr)
		}
	}()

	if err := f.SetSheetName("Sheet1", pagesSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := writePagesSheet(f, pages); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, fmt.Errorf("add summary sheet: %w", err)
	}
	if err := writeSummarySheet(f, snap, summarize(pages)); err != nil {
		return nil, err
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writePagesSheet(f *excelize.File, pages []crawler.PageRecord) error {
	header := headers()
	if err := f.SetSheetRow(pagesSheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, p := range pages {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		values := row(p)
		if err := f.SetSheetRow(pagesSheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(columns))
	if err != nil {
		return fmt.Errorf("column name: %w", err)
	}
	style, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"00D9FF"}},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	if err := f.SetCellStyle(pagesSheet, "A1", lastCol+"1", style); err != nil {
		return fmt.Errorf("apply header style: %w", err)
	}
	for i, c := range columns {
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("column name: %w", err)
		}
		if err := f.SetColWidth(pagesSheet, name, name, c.width); err != nil {
			return fmt.Errorf("column width: %w", err)
		}
	}
	if err := f.SetPanes(pagesSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	ref := fmt.Sprintf("A1:%s%d", lastCol, len(pages)+1)
	if err := f.AutoFilter(pagesSheet, ref, nil); err != nil {
		return fmt.Errorf("auto filter: %w", err)
	}
	return nil
}

func writeSummarySheet(f *excelize.File, snap crawler.Snapshot, s summary) error {
	rows := [][]any{
		{"Metric", "Value"},
		{"Job ID", snap.JobID},
		{"Seed URL", snap.URL},
		{"Created", snap.CreatedAt.UTC().Format(time.RFC3339)},
		{"Total Pages", s.pages},
		{"Pages Analyzed", s.analyzed},
		{"Avg Word Count", round(s.avgWordCount, 0)},
		{"Avg Quality Score", round(s.avgQuality, 1)},
		{"Avg SEO Score", round(s.avgSEO, 1)},
		{"Total Internal Links", s.internalLinks},
		{"Total External Links", s.externalLinks},
		{"Total Images", s.images},
	}
	if st := snap.Stats; st != nil {
		rows = append(rows,
			[]any{"Successful", st.Successful},
			[]any{"Failed", st.Failed},
			[]any{"Skipped", st.Skipped},
			[]any{"Duration (s)", round(st.DurationSeconds, 2)},
			[]any{"Total Tokens", st.TotalTokens},
			[]any{"Total Cost ($)", round(st.TotalCost, 4)},
			[]any{"Cache Hits", st.CacheHits},
			[]any{"API Calls Saved", st.APICallsSaved},
		)
	}
	if len(s.topTopics) > 0 {
		rows = append(rows, []any{}, []any{"Top Topics", "Pages"})
		for _, t := range s.topTopics {
			rows = append(rows, []any{t.name, t.count})
		}
	}
	if len(s.sentimentCount) > 0 {
		rows = append(rows, []any{}, []any{"Sentiment", "Pages"})
		for _, t := range s.sentimentCount {
			rows = append(rows, []any{t.name, t.count})
		}
	}
	for i, r := range rows {
		if len(r) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetSheetRow(summarySheet, cell, &r); err != nil {
			return fmt.Errorf("write summary row: %w", err)
		}
	}
	if err := f.SetColWidth(summarySheet, "A", "A", 30); err != nil {
		return fmt.Errorf("column width: %w", err)
	}
	if err := f.SetColWidth(summarySheet, "B", "B", 50); err != nil {
		return fmt.Errorf("column width: %w", err)
	}
	return nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
