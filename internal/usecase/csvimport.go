package usecase

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/shaycohen-verbali/Image-generation/internal/domain"
)

// Header aliases accepted by the CSV importer. Sheets exported from
// different tools disagree on header spelling.
var csvColumnAliases = map[string][]string{
	"word":             {"word"},
	"part_of_sentence": {"part of sentence", "part_of_sentence", "pos"},
	"category":         {"category"},
	"context":          {"context"},
	"boy_or_girl":      {"boy or girl", "boy_or_girl"},
	"batch":            {"batch"},
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseEntriesCSV decodes a BOM-tolerant UTF-8 CSV into entry inputs, one
// per data row, matching headers case-insensitively through the alias table.
func ParseEntriesCSV(content []byte) ([]domain.EntryInput, error) {
	content = bytes.TrimPrefix(content, utf8BOM)
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=csv.parse: %w", err)
	}
	index := map[string]int{}
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	pick := func(record []string, aliases []string) string {
		for _, alias := range aliases {
			if i, ok := index[alias]; ok && i < len(record) {
				return strings.TrimSpace(record[i])
			}
		}
		return ""
	}

	var rows []domain.EntryInput
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("op=csv.parse: %w", err)
		}
		rows = append(rows, domain.EntryInput{
			Word:           pick(record, csvColumnAliases["word"]),
			PartOfSentence: pick(record, csvColumnAliases["part_of_sentence"]),
			Category:       pick(record, csvColumnAliases["category"]),
			Context:        pick(record, csvColumnAliases["context"]),
			BoyOrGirl:      pick(record, csvColumnAliases["boy_or_girl"]),
			Batch:          pick(record, csvColumnAliases["batch"]),
		})
	}
	return rows, nil
}

// ValidateEntryRow returns a human-readable reason when a parsed row cannot
// be imported, or "" when it is valid.
func ValidateEntryRow(row domain.EntryInput) string {
	if row.Word == "" {
		return "word is required"
	}
	if row.PartOfSentence == "" {
		return "part_of_sentence is required"
	}
	return ""
}

// CSVImportResult summarizes one import request.
type CSVImportResult struct {
	Created []domain.Entry `json:"created"`
	Skipped []string       `json:"skipped"`
}

// ImportEntriesCSV parses, validates, and persists entries from CSV bytes.
// Invalid rows are skipped with a per-row reason rather than failing the
// whole upload.
func ImportEntriesCSV(ctx domain.Context, entries domain.EntryRepository, content []byte) (CSVImportResult, error) {
	rows, err := ParseEntriesCSV(content)
	if err != nil {
		return CSVImportResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	result := CSVImportResult{Skipped: []string{}}
	for i, row := range rows {
		if reason := ValidateEntryRow(row); reason != "" {
			result.Skipped = append(result.Skipped, fmt.Sprintf("row %d: %s", i+1, reason))
			continue
		}
		entry, err := entries.Create(ctx, row)
		if err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("row %d: %v", i+1, err))
			continue
		}
		result.Created = append(result.Created, entry)
	}
	return result, nil
}
