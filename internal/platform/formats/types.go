// Package formats detects and parses the file formats accepted by the
// import pipeline: delimited text (full-export and condensed dialects),
// XLSX workbooks, the canonical JSON export, HL7 FHIR Composition
// documents and HTML pages carrying an embedded clinical document.
//
// Parsers are stateless and produce intermediate documents. They do not
// build canonical records, assign keys or talk to storage; that is the
// transformer's job.
package formats

import (
	"encoding/json"
	"fmt"
)

// Format identifies a supported import format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatXLSX    Format = "xlsx"
	FormatJSON    Format = "json"
	FormatHL7     Format = "hl7"
	FormatHTML    Format = "html"
	FormatUnknown Format = "unknown"
)

// Supported lists the formats the pipeline accepts, in the order they are
// reported to clients.
func Supported() []Format {
	return []Format{FormatCSV, FormatXLSX, FormatJSON, FormatHL7, FormatHTML}
}

// Stable whole-file parse failure codes. These surface unchanged in
// import results, so clients can branch on them.
const (
	CodeUnsupportedFormat   = "UNSUPPORTED_FORMAT"
	CodeInvalidJSON         = "INVALID_JSON"
	CodeInvalidResourceType = "INVALID_RESOURCE_TYPE"
	CodeMissingSections     = "MISSING_SECTIONS"
	CodeNoDocumentFound     = "NO_DOCUMENT_FOUND"
	CodeInvalidStructure    = "INVALID_STRUCTURE"
	CodeInvalidWorkbook     = "INVALID_WORKBOOK"
)

// Validation issue codes shared across formats.
const (
	CodeMalformedRow       = "MALFORMED_ROW"
	CodeNoDataRows         = "NO_DATA_ROWS"
	CodeNoPatients         = "NO_PATIENTS"
	CodeNoSurveyResponses  = "NO_SURVEY_RESPONSES"
	CodeMissingPatientInfo = "MISSING_PATIENT_INFO"
	CodeMissingQuestions   = "MISSING_QUESTIONS"
	CodeUnknownQuestion    = "UNKNOWN_QUESTION"
	CodeEndBeforeStart     = "END_BEFORE_START"
	CodeMissingStartDate   = "MISSING_START_DATE"
	CodeValueCoerced       = "VALUE_COERCED"
	CodeNoOptionMatch      = "NO_OPTION_MATCH"
	CodeUnresolvedRef      = "UNRESOLVED_REFERENCE"
)

// ParseError is a fatal whole-file parse failure. Row-level problems in
// tabular sources are collected on the document instead and never abort
// the parse.
type ParseError struct {
	Code    string
	Message string
}

func (e *ParseError) Error() string { return e.Code + ": " + e.Message }

func parseErrorf(code, format string, args ...interface{}) *ParseError {
	return &ParseError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Issue is one validation or transformation finding. Code is stable and
// machine-checkable; Field and Row locate the finding when applicable.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Row     int    `json:"row,omitempty"`
}

// Issuef builds an Issue with a formatted message.
func Issuef(code, format string, args ...interface{}) Issue {
	return Issue{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation is the outcome of a validator pass. Errors are fatal for
// the document; warnings are not.
type Validation struct {
	Valid    bool    `json:"isValid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Observation category codes inferred during parsing.
const (
	CategorySurvey     = "survey"
	CategoryLab        = "lab"
	CategoryDiagnosis  = "diagnosis"
	CategoryVitalSigns = "vital_signs"
	CategoryMedication = "medication"
	CategoryClinical   = "clinical"
)

// Visit in/out classification codes.
const (
	InOutInpatient  = "I"
	InOutOutpatient = "O"
	InOutEmergency  = "E"
)

// =========== Tabular documents (CSV / XLSX) ===========

// TabularVariant distinguishes the two delimited-text dialects.
type TabularVariant string

const (
	// VariantFullExport has a human label row followed by a field name or
	// concept code row, then data rows.
	VariantFullExport TabularVariant = "full-export"
	// VariantCondensed prefixes each header row with a dictionary token
	// (FIELD_NAME, VALTYPE_CD, NAME_CHAR, optionally UNITS_CD) in the
	// first cell. The first data column always holds the patient code.
	VariantCondensed TabularVariant = "condensed"
)

// ColumnRole classifies a column as a fixed identity or visit field, or
// as an observation column.
type ColumnRole int

const (
	RoleObservation ColumnRole = iota
	RolePatientCode
	RoleSex
	RoleAge
	RoleBirthDate
	RoleVitalStatus
	RoleVisitStart
	RoleVisitEnd
	RoleLocation
	RoleInOut
)

// Column describes one column of a tabular document.
type Column struct {
	FieldName string // machine name or concept code from the code header row
	Label     string // human readable header
	ValueTag  string // condensed value-type tag: numeric, text, date, finding, blob
	Units     string // optional units tag
}

// Role resolves the column's role from its field name, falling back to
// its label. Unrecognized columns are observation columns.
func (c Column) Role() ColumnRole {
	if role, ok := columnRoles[foldKey(c.FieldName)]; ok {
		return role
	}
	if role, ok := columnRoles[foldKey(c.Label)]; ok {
		return role
	}
	return RoleObservation
}

// ConceptCode returns the concept code of an observation column: the raw
// field name when present, otherwise the label.
func (c Column) ConceptCode() string {
	if c.FieldName != "" {
		return c.FieldName
	}
	return c.Label
}

var columnRoles = map[string]ColumnRole{
	"patientcd":      RolePatientCode,
	"patientid":      RolePatientCode,
	"patient":        RolePatientCode,
	"subjectid":      RolePatientCode,
	"sexcd":          RoleSex,
	"sex":            RoleSex,
	"gender":         RoleSex,
	"ageinyears":     RoleAge,
	"age":            RoleAge,
	"birthdate":      RoleBirthDate,
	"dateofbirth":    RoleBirthDate,
	"dob":            RoleBirthDate,
	"vitalstatuscd":  RoleVitalStatus,
	"vitalstatus":    RoleVitalStatus,
	"startdate":      RoleVisitStart,
	"visitdate":      RoleVisitStart,
	"admissiondate":  RoleVisitStart,
	"enddate":        RoleVisitEnd,
	"dischargedate":  RoleVisitEnd,
	"locationcd":     RoleLocation,
	"location":       RoleLocation,
	"site":           RoleLocation,
	"inoutcd":        RoleInOut,
	"visittype":      RoleInOut,
	"encounterclass": RoleInOut,
}

// Row is one successfully parsed data row.
type Row struct {
	Index int // 1-based data row index, counting failed rows too
	Line  int // physical line in the source
	Cells []string
}

// RowError is a row-level failure. The row is dropped; the rest of the
// file still imports. Row is 0 for a line that never split into a
// record at all, such as quote damage.
type RowError struct {
	Row     int
	Line    int
	Message string
}

// TabularDocument is the intermediate form of a CSV or XLSX source.
type TabularDocument struct {
	Variant   TabularVariant
	Delimiter rune // 0 for workbook sources
	Metadata  map[string]string
	Columns   []Column
	Rows      []Row
	RowErrors []RowError
}

// =========== Canonical JSON documents ===========

// DocumentInfo carries source-level metadata from a canonical export.
type DocumentInfo struct {
	Title      string
	Source     string
	Author     string
	ExportDate string
}

// ExportInfo describes the exporting system of a canonical document.
type ExportInfo struct {
	Format     string
	Version    string
	ExportedAt string
	Source     string
}

// PatientRecord is a patient row from a canonical export, field names
// normalized but values untouched.
type PatientRecord struct {
	PatientNum  int64
	PatientCd   string
	SexCd       string
	AgeInYears  *int
	BirthDate   string
	VitalStatus string
	Blob        json.RawMessage
}

// VisitRecord is a visit row from a canonical export.
type VisitRecord struct {
	EncounterNum int64
	PatientNum   int64
	PatientCd    string
	StartDate    string
	EndDate      string
	LocationCd   string
	InOutCd      string
	Blob         json.RawMessage
}

// ObservationRecord is an observation row from a canonical export. The
// value may arrive either as a generic Value or already split into the
// typed slots a previous export produced.
type ObservationRecord struct {
	EncounterNum int64
	PatientNum   int64
	PatientCd    string
	ConceptCd    string
	CategoryCd   string
	ValtypeCd    string
	Value        interface{}
	NvalNum      *float64
	TvalChar     *string
	Blob         json.RawMessage
	UnitsCd      string
}

// CanonicalDocument is the intermediate form of a canonical JSON export.
type CanonicalDocument struct {
	Metadata     DocumentInfo
	ExportInfo   ExportInfo
	Patients     []PatientRecord
	Visits       []VisitRecord
	Observations []ObservationRecord
}

// =========== HL7 Composition documents ===========

// CompositionPatient is a patient discovered in the Patient Information
// section of a Composition.
type CompositionPatient struct {
	Code   string
	Gender string
	Age    *int
}

// CompositionVisit is one visit section of a Composition.
type CompositionVisit struct {
	Ordinal    int    // 1-based order of appearance
	PatientRef string // explicit Patient entry, when the document carries one
	Date       string
	EndDate    string
	LocationCd string
	InOutCd    string
}

// CompositionEntry is an observation entry from a non-visit section.
type CompositionEntry struct {
	Section      string
	Title        string
	Number       *float64 // set when the entry value is numeric JSON
	Text         string   // set for strings and stringified values
	CategoryCd   string
	VisitOrdinal int // ordinal of the nearest preceding visit section, 0 if none
}

// CompositionDocument is the intermediate form of an HL7 FHIR
// Composition source.
type CompositionDocument struct {
	Title    string
	Date     string
	Author   string
	Patients []CompositionPatient
	Visits   []CompositionVisit
	Entries  []CompositionEntry
}

// =========== Survey documents (HTML embedded) ===========

// SelectionOption is one choice of a selection question. Display and
// Path are filled by terminology enrichment when available.
type SelectionOption struct {
	Label   string `json:"label"`
	Value   string `json:"value"`
	Display string `json:"display,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Question is one questionnaire item.
type Question struct {
	ID      string
	Text    string
	Type    string // value-type tag: numeric, text, selection, answer, ...
	Concept string // concept code when the form provides one
	Options []SelectionOption
}

// Questionnaire is the form definition embedded in a survey document.
type Questionnaire struct {
	Code      string
	Title     string
	Questions []Question
}

// SurveyPatient is the respondent identity of a survey document.
type SurveyPatient struct {
	Code   string
	Gender string
	Age    *int
}

// SurveyResponse is one answered question.
type SurveyResponse struct {
	QuestionID string
	Value      interface{}
}

// SurveyDocument is the intermediate form of an HTML-embedded clinical
// document. Patient may be nil when the source omits respondent
// identity.
type SurveyDocument struct {
	Title         string
	Date          string
	Questionnaire Questionnaire
	Patient       *SurveyPatient
	Responses     []SurveyResponse
}
