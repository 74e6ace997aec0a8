// Package imports implements the clinical-data import pipeline: value
// typing, canonical transformation, orchestration and bulk persistence
// of patients, visits and observations parsed from external formats.
package imports

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clinport/clinport/internal/platform/formats"
)

// Issue is re-exported so orchestrator callers work with one type for
// parser, validator and transformer findings.
type Issue = formats.Issue

// ValueType is the closed set of observation value-type codes.
type ValueType string

const (
	ValueNumeric       ValueType = "N"
	ValueText          ValueType = "T"
	ValueBlob          ValueType = "B"
	ValueSelection     ValueType = "S"
	ValueFinding       ValueType = "F"
	ValueAnswer        ValueType = "A"
	ValueQuestionnaire ValueType = "Q"
	ValueRaw           ValueType = "R"
	ValueMedication    ValueType = "M"
)

// ParseValueType maps loose value-type tags (condensed CSV VALTYPE_CD
// tags, questionnaire question types, canonical export codes) onto the
// closed code set. Unrecognized tags come back as Text.
func ParseValueType(tag string) ValueType {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "n", "numeric", "number", "float", "integer":
		return ValueNumeric
	case "t", "text", "string", "date":
		return ValueText
	case "b", "blob", "json":
		return ValueBlob
	case "s", "selection", "select", "choice":
		return ValueSelection
	case "f", "finding":
		return ValueFinding
	case "a", "answer", "boolean":
		return ValueAnswer
	case "q", "questionnaire":
		return ValueQuestionnaire
	case "r", "raw", "file":
		return ValueRaw
	case "m", "medication":
		return ValueMedication
	default:
		return ValueText
	}
}

// Patient is one canonical patient record. PatientNum is the surrogate
// key assigned by the transformer; it is never mutated afterwards
// within the same import.
type Patient struct {
	PatientNum    int64           `json:"patientNum"`
	PatientCd     string          `json:"patientCd"`
	SexCd         string          `json:"sexCd,omitempty"`
	AgeInYears    *int            `json:"ageInYears,omitempty"`
	BirthDate     *string         `json:"birthDate,omitempty"`
	VitalStatusCd string          `json:"vitalStatusCd,omitempty"`
	Blob          json.RawMessage `json:"patientBlob,omitempty"`
	SourceSystem  string          `json:"sourcesystemCd,omitempty"`
	UploadID      string          `json:"uploadId,omitempty"`
}

// Visit is one canonical visit record, owned by exactly one patient.
type Visit struct {
	EncounterNum int64           `json:"encounterNum"`
	PatientNum   int64           `json:"patientNum"`
	StartDate    string          `json:"startDate"`
	EndDate      *string         `json:"endDate,omitempty"`
	LocationCd   string          `json:"locationCd,omitempty"`
	InOutCd      string          `json:"inoutCd,omitempty"`
	Blob         json.RawMessage `json:"visitBlob,omitempty"`
}

// Observation is one clinical fact tied to one patient and one visit.
// Exactly one of NvalNum, TvalChar and Blob is populated, and which one
// agrees with ValtypeCd; the transformer enforces this by construction.
type Observation struct {
	ObservationNum int64           `json:"observationNum"`
	EncounterNum   int64           `json:"encounterNum"`
	PatientNum     int64           `json:"patientNum"`
	ConceptCd      string          `json:"conceptCd"`
	CategoryCd     string          `json:"categoryCd,omitempty"`
	ValtypeCd      ValueType       `json:"valtypeCd"`
	NvalNum        *float64        `json:"nvalNum,omitempty"`
	TvalChar       *string         `json:"tvalChar,omitempty"`
	Blob           json.RawMessage `json:"observationBlob,omitempty"`
	UnitsCd        string          `json:"unitsCd,omitempty"`
}

// Metadata describes the provenance of one import unit.
type Metadata struct {
	Title            string   `json:"title,omitempty"`
	Source           string   `json:"source,omitempty"`
	Author           string   `json:"author,omitempty"`
	Format           string   `json:"format"`
	ExportDate       string   `json:"exportDate,omitempty"`
	Filename         string   `json:"filename,omitempty"`
	PatientCount     int      `json:"patientCount"`
	VisitCount       int      `json:"visitCount"`
	ObservationCount int      `json:"observationCount"`
	PatientIDs       []string `json:"patientIds"`
}

// ExportInfo carries the exporting system's own provenance tags. They
// are stored, never interpreted.
type ExportInfo struct {
	Format     string `json:"format,omitempty"`
	Version    string `json:"version,omitempty"`
	ExportedAt string `json:"exportedAt,omitempty"`
	Source     string `json:"source,omitempty"`
}

// Statistics mirrors the record counts for quick consumer access.
type Statistics struct {
	PatientCount     int `json:"patientCount"`
	VisitCount       int `json:"visitCount"`
	ObservationCount int `json:"observationCount"`
}

// ImportStructure is the canonical in-memory record set produced by the
// transformer for one import invocation. Counts in Metadata and
// Statistics are derived at construction, never trusted from source.
type ImportStructure struct {
	Metadata     Metadata      `json:"metadata"`
	ExportInfo   ExportInfo    `json:"exportInfo"`
	Patients     []Patient     `json:"patients"`
	Visits       []Visit       `json:"visits"`
	Observations []Observation `json:"observations"`
	Statistics   Statistics    `json:"statistics"`
}

// finalize recomputes counts and checks referential integrity. A broken
// reference here is a transformer bug, not bad input: the transformer
// drops unresolvable records before calling finalize.
func (s *ImportStructure) finalize() error {
	patients := make(map[int64]bool, len(s.Patients))
	s.Metadata.PatientIDs = s.Metadata.PatientIDs[:0]
	for _, p := range s.Patients {
		if p.PatientCd == "" {
			return fmt.Errorf("patient %d has an empty patient code", p.PatientNum)
		}
		patients[p.PatientNum] = true
		s.Metadata.PatientIDs = append(s.Metadata.PatientIDs, p.PatientCd)
	}

	visits := make(map[int64]bool, len(s.Visits))
	for _, v := range s.Visits {
		if !patients[v.PatientNum] {
			return fmt.Errorf("visit %d references unknown patient %d", v.EncounterNum, v.PatientNum)
		}
		visits[v.EncounterNum] = true
	}

	for _, o := range s.Observations {
		if !patients[o.PatientNum] {
			return fmt.Errorf("observation %d references unknown patient %d", o.ObservationNum, o.PatientNum)
		}
		if !visits[o.EncounterNum] {
			return fmt.Errorf("observation %d references unknown visit %d", o.ObservationNum, o.EncounterNum)
		}
		if err := checkSlot(o); err != nil {
			return err
		}
	}

	s.Statistics = Statistics{
		PatientCount:     len(s.Patients),
		VisitCount:       len(s.Visits),
		ObservationCount: len(s.Observations),
	}
	s.Metadata.PatientCount = s.Statistics.PatientCount
	s.Metadata.VisitCount = s.Statistics.VisitCount
	s.Metadata.ObservationCount = s.Statistics.ObservationCount
	return nil
}

// checkSlot verifies that exactly one typed slot is populated and that
// it matches the value-type code.
func checkSlot(o Observation) error {
	populated := 0
	if o.NvalNum != nil {
		populated++
	}
	if o.TvalChar != nil {
		populated++
	}
	if o.Blob != nil {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("observation %d has %d populated value slots", o.ObservationNum, populated)
	}

	switch o.ValtypeCd {
	case ValueNumeric:
		if o.NvalNum == nil {
			return fmt.Errorf("observation %d is numeric but carries no numeric value", o.ObservationNum)
		}
	case ValueBlob, ValueQuestionnaire, ValueRaw:
		if o.Blob == nil {
			return fmt.Errorf("observation %d is %s-typed but carries no blob", o.ObservationNum, o.ValtypeCd)
		}
	default:
		if o.TvalChar == nil {
			return fmt.Errorf("observation %d is %s-typed but carries no text value", o.ObservationNum, o.ValtypeCd)
		}
	}
	return nil
}

// Result is the uniform envelope every import entry point returns.
type Result struct {
	Success    bool             `json:"success"`
	UploadID   string           `json:"uploadId,omitempty"`
	Format     formats.Format   `json:"format"`
	Data       *ImportStructure `json:"data,omitempty"`
	Errors     []Issue          `json:"errors"`
	Warnings   []Issue          `json:"warnings"`
	Statistics Statistics       `json:"statistics"`
}

// DuplicateHandling selects the bulk importer's collision policy.
type DuplicateHandling string

const (
	DuplicateSkip   DuplicateHandling = "skip"
	DuplicateUpdate DuplicateHandling = "update"
	DuplicateError  DuplicateHandling = "error"
)

// TransactionMode selects how the bulk importer groups commands.
type TransactionMode string

const (
	TransactionSingle TransactionMode = "single"
	TransactionBatch  TransactionMode = "batch"
	TransactionNone   TransactionMode = "none"
)

// Options tune one import invocation. Zero values select the defaults.
type Options struct {
	ValidateData      bool
	DuplicateHandling DuplicateHandling
	BatchSize         int
	TransactionMode   TransactionMode
	SourceSystem      string
	AnswerPolicy      AnswerPolicy
	Assignment        AssignmentStrategy
}

// DefaultOptions are the options an empty Options value resolves to.
func DefaultOptions() Options {
	return Options{
		ValidateData:      true,
		DuplicateHandling: DuplicateSkip,
		BatchSize:         500,
		TransactionMode:   TransactionSingle,
	}
}

func (o Options) withDefaults() Options {
	if o.DuplicateHandling == "" {
		o.DuplicateHandling = DuplicateSkip
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.TransactionMode == "" {
		o.TransactionMode = TransactionSingle
	}
	if o.AnswerPolicy == nil {
		o.AnswerPolicy = AffirmativePolicy{}
	}
	if o.Assignment == nil {
		o.Assignment = PositionalStrategy{}
	}
	return o
}
