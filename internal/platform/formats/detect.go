package formats

import (
	"bytes"
	"encoding/json"
	"strings"
)

var zipMagic = []byte{0x50, 0x4B, 0x03, 0x04}

// Detect sniffs the format of raw file content. The declared filename is
// only a hint; detection is content-first:
//
//  1. ZIP magic bytes mean an XLSX workbook.
//  2. Valid JSON with a resourceType key is routed to the Composition
//     parser, which enforces resourceType == "Composition" itself so that
//     the caller sees INVALID_RESOURCE_TYPE rather than a vague
//     unsupported-format failure.
//  3. Valid JSON with a patients array (bare or under data) is a
//     canonical export. Any other valid JSON is unknown, never CSV.
//  4. An HTML shell (html, doctype or script tags) is an embedded survey.
//  5. Anything else with a delimited first line is CSV.
//
// Undecidable content yields FormatUnknown.
func Detect(data []byte, filename string) Format {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return FormatUnknown
	}

	if bytes.HasPrefix(data, zipMagic) {
		return FormatXLSX
	}

	if trimmed[0] == '{' || trimmed[0] == '[' {
		if json.Valid(trimmed) {
			return detectJSON(trimmed)
		}
		// Broken JSON is not worth sniffing as CSV: braces and commas
		// would misparse into garbage rows.
		return FormatUnknown
	}

	if looksHTML(trimmed) {
		return FormatHTML
	}

	if looksDelimited(trimmed) {
		return FormatCSV
	}

	if strings.EqualFold(extOf(filename), "csv") {
		// Single-column files carry no delimiter; trust the name.
		return FormatCSV
	}

	return FormatUnknown
}

func detectJSON(data []byte) Format {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return FormatUnknown
	}

	folded := make(map[string]json.RawMessage, len(root))
	for k, v := range root {
		folded[foldKey(k)] = v
	}

	if _, ok := folded["resourcetype"]; ok {
		return FormatHL7
	}
	if _, ok := folded["patients"]; ok {
		return FormatJSON
	}
	if inner, ok := folded["data"]; ok {
		var nested map[string]json.RawMessage
		if json.Unmarshal(inner, &nested) == nil {
			for k := range nested {
				if foldKey(k) == "patients" {
					return FormatJSON
				}
			}
		}
	}
	return FormatUnknown
}

func looksHTML(data []byte) bool {
	head := data
	if len(head) > 2048 {
		head = head[:2048]
	}
	low := bytes.ToLower(head)
	return bytes.Contains(low, []byte("<html")) ||
		bytes.Contains(low, []byte("<!doctype html")) ||
		bytes.Contains(low, []byte("<script"))
}

// looksDelimited reports whether the first non-comment line carries an
// unquoted comma or semicolon.
func looksDelimited(data []byte) bool {
	line := firstDataLine(data)
	if line == "" {
		return false
	}
	return countUnquoted(line, ',') > 0 || countUnquoted(line, ';') > 0
}

func firstDataLine(data []byte) string {
	for _, raw := range strings.Split(string(normalizeText(data)), "\n") {
		line := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		return line
	}
	return ""
}

// countUnquoted counts occurrences of sep outside RFC 4180 quoted fields.
func countUnquoted(line string, sep rune) int {
	n := 0
	inQuotes := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == sep && !inQuotes:
			n++
		}
	}
	return n
}

// sniffDelimiter picks the dominant delimiter on the first header line.
func sniffDelimiter(line string) rune {
	if countUnquoted(line, ';') > countUnquoted(line, ',') {
		return ';'
	}
	return ','
}

func extOf(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i >= 0 {
		return filename[i+1:]
	}
	return ""
}
