package formats

import (
	"strings"
	"testing"
)

const fullExportCSV = `# Title: Demo Export
# Source: clinic-a
Patient ID,Sex,Age,Height,Notes
PATIENT_CD,SEX_CD,AGE_IN_YEARS,LID: 8302-2,NOTES
P001,F,45,"170.5","likes, commas"
P002,M,52,168,plain
`

func TestParseTabular_FullExport(t *testing.T) {
	doc, err := ParseTabular([]byte(fullExportCSV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if doc.Variant != VariantFullExport {
		t.Errorf("expected full-export variant, got %s", doc.Variant)
	}
	if doc.Delimiter != ',' {
		t.Errorf("expected comma delimiter, got %q", doc.Delimiter)
	}
	if doc.Metadata["Title"] != "Demo Export" {
		t.Errorf("expected Title metadata, got %q", doc.Metadata["Title"])
	}
	if doc.Metadata["Source"] != "clinic-a" {
		t.Errorf("expected Source metadata, got %q", doc.Metadata["Source"])
	}
	if len(doc.Columns) != 5 {
		t.Fatalf("expected 5 columns, got %d", len(doc.Columns))
	}
	if doc.Columns[0].Role() != RolePatientCode {
		t.Errorf("expected column 0 to be the patient code")
	}
	if doc.Columns[3].ConceptCode() != "LID: 8302-2" {
		t.Errorf("expected concept code from the code row, got %q", doc.Columns[3].ConceptCode())
	}
	if len(doc.Rows) != 2 {
		t.Fatalf("expected 2 data rows, got %d", len(doc.Rows))
	}
	if doc.Rows[0].Cells[4] != "likes, commas" {
		t.Errorf("quoted field mishandled: %q", doc.Rows[0].Cells[4])
	}
}

const condensedCSV = `FIELD_NAME;PATIENT_CD;AGE_IN_YEARS;LID: 8302-2;SID: 271649006
VALTYPE_CD;text;numeric;numeric;finding
NAME_CHAR;Patient;Age;Height;Systolic BP
P001;45;170,5;elevated
P002;52;168;normal
`

func TestParseTabular_Condensed(t *testing.T) {
	doc, err := ParseTabular([]byte(condensedCSV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if doc.Variant != VariantCondensed {
		t.Errorf("expected condensed variant, got %s", doc.Variant)
	}
	if doc.Delimiter != ';' {
		t.Errorf("expected semicolon delimiter, got %q", doc.Delimiter)
	}
	if len(doc.Columns) != 4 {
		t.Fatalf("expected 4 columns, got %d", len(doc.Columns))
	}
	if doc.Columns[1].ValueTag != "numeric" {
		t.Errorf("expected numeric tag on column 1, got %q", doc.Columns[1].ValueTag)
	}
	if doc.Columns[3].Label != "Systolic BP" {
		t.Errorf("expected label from NAME_CHAR row, got %q", doc.Columns[3].Label)
	}
	if len(doc.Rows) != 2 {
		t.Fatalf("expected 2 data rows, got %d", len(doc.Rows))
	}
	// Decimal comma survives inside a semicolon-delimited cell.
	if doc.Rows[0].Cells[2] != "170,5" {
		t.Errorf("expected '170,5', got %q", doc.Rows[0].Cells[2])
	}
}

func TestParseTabular_QuoteDamageRecorded(t *testing.T) {
	data := "Patient ID,Age\n" +
		"PATIENT_CD,AGE_IN_YEARS\n" +
		"P001,45\n" +
		"P0\"02,52\n" +
		"P003,60\n"

	doc, err := ParseTabular([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(doc.Rows) != 2 {
		t.Fatalf("expected 2 surviving rows, got %d", len(doc.Rows))
	}
	if doc.Rows[0].Cells[0] != "P001" || doc.Rows[1].Cells[0] != "P003" {
		t.Errorf("surviving rows = %+v", doc.Rows)
	}
	if len(doc.RowErrors) != 1 {
		t.Fatalf("expected exactly 1 row error, got %d", len(doc.RowErrors))
	}
	re := doc.RowErrors[0]
	if re.Line != 4 {
		t.Errorf("expected the damage reported on line 4, got %d", re.Line)
	}
	if re.Row != 0 {
		t.Errorf("a line that never became a record carries no row index, got %d", re.Row)
	}
	if !strings.Contains(re.Message, "quote") {
		t.Errorf("message %q does not name the quoting problem", re.Message)
	}
}

func TestParseTabular_RowIsolation(t *testing.T) {
	var b strings.Builder
	b.WriteString("FIELD_NAME;PATIENT_CD;AGE_IN_YEARS\n")
	b.WriteString("VALTYPE_CD;text;numeric\n")
	b.WriteString("NAME_CHAR;Patient;Age\n")
	for i := 0; i < 10; i++ {
		if i == 3 {
			b.WriteString("P004;44;extra\n") // one column too many
			continue
		}
		b.WriteString("P00x;40\n")
	}

	doc, err := ParseTabular([]byte(b.String()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(doc.Rows) != 9 {
		t.Errorf("expected 9 surviving rows, got %d", len(doc.Rows))
	}
	if len(doc.RowErrors) != 1 {
		t.Fatalf("expected exactly 1 row error, got %d", len(doc.RowErrors))
	}
	if doc.RowErrors[0].Row != 4 {
		t.Errorf("expected row error at data row 4, got %d", doc.RowErrors[0].Row)
	}
}

func TestParseTabular_UnitsRow(t *testing.T) {
	data := "FIELD_NAME;PATIENT_CD;LID: 8302-2\n" +
		"VALTYPE_CD;text;numeric\n" +
		"UNITS_CD;;cm\n" +
		"NAME_CHAR;Patient;Height\n" +
		"P001;170\n"

	doc, err := ParseTabular([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Columns[1].Units != "cm" {
		t.Errorf("expected units cm, got %q", doc.Columns[1].Units)
	}
	if len(doc.Rows) != 1 {
		t.Fatalf("expected 1 data row, got %d", len(doc.Rows))
	}
}

func TestParseTabular_Empty(t *testing.T) {
	if _, err := ParseTabular([]byte("\n\n")); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestParseTabular_BOMAndLatin1(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("Patient ID,Age\nPATIENT_CD,AGE\nP001,45\n")...)
	doc, err := ParseTabular(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Columns[0].Label != "Patient ID" {
		t.Errorf("BOM not stripped, got label %q", doc.Columns[0].Label)
	}
}
