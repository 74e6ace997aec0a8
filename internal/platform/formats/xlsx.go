package formats

import (
	"bytes"

	"github.com/xuri/excelize/v2"
)

// ParseWorkbook reads the first sheet of an XLSX workbook and feeds its
// rows through the same dialect handling as delimited text. Sheet rows
// map onto records one to one, so row errors carry the same 1-based
// data-row indices a CSV source would.
func ParseWorkbook(data []byte) (*TabularDocument, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, parseErrorf(CodeInvalidWorkbook, "open workbook: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, parseErrorf(CodeInvalidWorkbook, "workbook has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, parseErrorf(CodeInvalidWorkbook, "read sheet %q: %v", sheets[0], err)
	}

	lines := make([]int, len(rows))
	for i := range rows {
		lines[i] = i + 1
	}

	doc, perr := buildTabular(rows, lines, 0)
	if perr != nil {
		return nil, perr
	}
	doc.Metadata = map[string]string{}
	return doc, nil
}
