// Package ingest reads raw license-record extracts into pipeline input.
package ingest

import (
	"encoding/csv"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/licensemap/licensemap/internal/model"
)

// Column aliases accepted for each record field. State board extracts
// disagree on header naming, so each field matches the first alias found.
var columnAliases = map[string][]string{
	"street":   {"Street", "Address Line 1", "Mailing Address", "ADDRESS1"},
	"unit":     {"Unit", "Address Line 2", "Suite", "ADDRESS2"},
	"city":     {"City", "CITY"},
	"state":    {"State", "STATE"},
	"zip":      {"Zip", "Zip Code", "ZIP", "Postal Code"},
	"category": {"Category", "License Type", "Board", "LICENSE_TYPE"},
}

// ParseRecordsCSV reads a license-record CSV and returns raw records.
// Rows with an unrecognized category are dropped; the caller sees the
// drop count in the returned skipped total.
func ParseRecordsCSV(csvPath string) ([]model.RawRecord, int, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, 0, eris.Wrap(err, "ingest: open csv")
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, 0, eris.Wrap(err, "ingest: read csv")
	}

	if len(rows) < 2 {
		return nil, 0, eris.New("ingest: csv has no data rows")
	}

	header := rows[0]
	colIdx := make(map[string]int, len(header))
	for i, col := range header {
		colIdx[strings.TrimSpace(col)] = i
	}

	fieldIdx := make(map[string]int, len(columnAliases))
	for field, aliases := range columnAliases {
		fieldIdx[field] = -1
		for _, alias := range aliases {
			if idx, ok := colIdx[alias]; ok {
				fieldIdx[field] = idx
				break
			}
		}
	}
	for _, field := range []string{"street", "city", "state", "category"} {
		if fieldIdx[field] < 0 {
			return nil, 0, eris.Errorf("ingest: missing required column for %s", field)
		}
	}

	categories := make(map[string]model.Category, len(model.Categories()))
	for _, cat := range model.Categories() {
		categories[string(cat)] = cat
	}

	var (
		records []model.RawRecord
		skipped int
	)
	for _, row := range rows[1:] {
		rawCat := strings.ToLower(getField(row, fieldIdx, "category"))
		cat, ok := categories[rawCat]
		if !ok {
			skipped++
			continue
		}

		records = append(records, model.RawRecord{
			Street:   getField(row, fieldIdx, "street"),
			Unit:     getField(row, fieldIdx, "unit"),
			City:     getField(row, fieldIdx, "city"),
			State:    getField(row, fieldIdx, "state"),
			Zip:      getField(row, fieldIdx, "zip"),
			Category: cat,
		})
	}

	if len(records) == 0 {
		return nil, skipped, eris.New("ingest: no valid records found in csv")
	}

	return records, skipped, nil
}

func getField(row []string, fieldIdx map[string]int, field string) string {
	idx := fieldIdx[field]
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
