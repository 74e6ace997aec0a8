package formats

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Known first-cell tokens of the condensed dialect's header rows.
const (
	tokenFieldName = "FIELD_NAME"
	tokenValType   = "VALTYPE_CD"
	tokenNameChar  = "NAME_CHAR"
	tokenUnits     = "UNITS_CD"
)

// ParseTabular parses a delimited-text export into a TabularDocument.
// Leading lines starting with '#' are collected as key/value metadata.
// The delimiter is sniffed from the first non-comment line, the dialect
// from the header tokens. A data row whose cell count disagrees with the
// header is recorded as a RowError with its 1-based data-row index and
// dropped; the rest of the file still parses.
func ParseTabular(data []byte) (*TabularDocument, error) {
	text := string(normalizeText(data))

	meta := parseMetadataLines(text)

	first := firstDataLine(data)
	if first == "" {
		return nil, parseErrorf(CodeInvalidStructure, "no tabular content found")
	}
	delim := sniffDelimiter(first)

	records, lines, rowErrs, err := readRecords(text, delim)
	if err != nil {
		return nil, parseErrorf(CodeInvalidStructure, "read delimited content: %v", err)
	}

	doc, perr := buildTabular(records, lines, delim)
	if perr != nil {
		return nil, perr
	}
	doc.Metadata = meta
	doc.RowErrors = append(doc.RowErrors, rowErrs...)
	return doc, nil
}

// parseMetadataLines collects 'key: value' pairs from leading '#' lines.
func parseMetadataLines(text string) map[string]string {
	meta := map[string]string{}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(strings.TrimRight(raw, "\r"))
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		if k, v, ok := strings.Cut(body, ":"); ok {
			meta[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return meta
}

// readRecords reads every record with RFC 4180 quoting for the given
// delimiter, keeping the physical line number each record starts on.
// A record the reader cannot split, usually quote damage, is dropped
// and reported as a RowError with Row 0 since no data-row index exists
// for a line that never became a record.
func readRecords(text string, delim rune) ([][]string, []int, []RowError, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delim
	r.Comment = '#'
	r.FieldsPerRecord = -1

	var records [][]string
	var lines []int
	var rowErrs []RowError
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				rowErrs = append(rowErrs, RowError{
					Line:    pe.Line,
					Message: pe.Err.Error(),
				})
				continue
			}
			return nil, nil, nil, err
		}
		line, _ := r.FieldPos(0)
		records = append(records, rec)
		lines = append(lines, line)
	}
	return records, lines, rowErrs, nil
}

// buildTabular assembles a TabularDocument from raw records. It is
// shared by the CSV and XLSX paths; workbook sources pass delim 0.
func buildTabular(records [][]string, lines []int, delim rune) (*TabularDocument, *ParseError) {
	records, lines = dropBlankRecords(records, lines)
	if len(records) < 2 {
		return nil, parseErrorf(CodeInvalidStructure, "expected at least a header and one data row, got %d rows", len(records))
	}

	doc := &TabularDocument{Delimiter: delim}
	var dataStart int
	if isCondensed(records) {
		doc.Variant = VariantCondensed
		dataStart = parseCondensedHeader(doc, records)
	} else {
		doc.Variant = VariantFullExport
		dataStart = parseFullExportHeader(doc, records)
	}

	// Header rows of the condensed dialect carry a leading token cell;
	// data rows do not, so the expected width is the column count for
	// both dialects.
	want := len(doc.Columns)

	rowIndex := 0
	for i := dataStart; i < len(records); i++ {
		rowIndex++
		line := 0
		if i < len(lines) {
			line = lines[i]
		}
		rec := records[i]
		if delim == 0 && len(rec) < want {
			// Workbook readers drop trailing empty cells; restore them.
			padded := make([]string, want)
			copy(padded, rec)
			rec = padded
		}
		if len(rec) != want {
			doc.RowErrors = append(doc.RowErrors, RowError{
				Row:     rowIndex,
				Line:    line,
				Message: fmt.Sprintf("expected %d columns, got %d", want, len(rec)),
			})
			continue
		}
		trimmed := make([]string, len(rec))
		for j, c := range rec {
			trimmed[j] = strings.TrimSpace(c)
		}
		doc.Rows = append(doc.Rows, Row{Index: rowIndex, Line: line, Cells: trimmed})
	}

	return doc, nil
}

func dropBlankRecords(records [][]string, lines []int) ([][]string, []int) {
	var outR [][]string
	var outL []int
	for i, rec := range records {
		blank := true
		for _, c := range rec {
			if strings.TrimSpace(c) != "" {
				blank = false
				break
			}
		}
		if blank {
			continue
		}
		outR = append(outR, rec)
		if i < len(lines) {
			outL = append(outL, lines[i])
		} else {
			outL = append(outL, 0)
		}
	}
	return outR, outL
}

// isCondensed checks the first cell of the first two records for the
// condensed dialect's dictionary tokens.
func isCondensed(records [][]string) bool {
	for i := 0; i < len(records) && i < 2; i++ {
		if len(records[i]) == 0 {
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(records[i][0])) {
		case tokenFieldName, tokenValType:
			return true
		}
	}
	return false
}

// parseCondensedHeader consumes the labeled header rows (FIELD_NAME,
// VALTYPE_CD, NAME_CHAR, optionally UNITS_CD, in any order) and returns
// the index of the first data record.
func parseCondensedHeader(doc *TabularDocument, records [][]string) int {
	i := 0
	for ; i < len(records); i++ {
		rec := records[i]
		if len(rec) == 0 {
			continue
		}
		token := strings.ToUpper(strings.TrimSpace(rec[0]))
		var assign func(col *Column, v string)
		switch token {
		case tokenFieldName:
			assign = func(col *Column, v string) { col.FieldName = v }
		case tokenValType:
			assign = func(col *Column, v string) { col.ValueTag = strings.ToLower(v) }
		case tokenNameChar:
			assign = func(col *Column, v string) { col.Label = v }
		case tokenUnits:
			assign = func(col *Column, v string) { col.Units = v }
		default:
			return i
		}
		for j, cell := range rec[1:] {
			for len(doc.Columns) <= j {
				doc.Columns = append(doc.Columns, Column{})
			}
			assign(&doc.Columns[j], strings.TrimSpace(cell))
		}
	}
	return i
}

// parseFullExportHeader consumes the label row and the concept-code row
// of the full-export dialect and returns the first data record index.
func parseFullExportHeader(doc *TabularDocument, records [][]string) int {
	labels := records[0]
	codes := records[1]
	for j, label := range labels {
		col := Column{Label: strings.TrimSpace(label)}
		if j < len(codes) {
			col.FieldName = strings.TrimSpace(codes[j])
		}
		doc.Columns = append(doc.Columns, col)
	}
	return 2
}
