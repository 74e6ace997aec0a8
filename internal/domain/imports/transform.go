package imports

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clinport/clinport/internal/platform/formats"
)

// AssignmentStrategy resolves which patient owns each visit of a
// Composition document. Assign returns one index into patients per
// visit; -1 marks a visit whose owner could not be resolved.
type AssignmentStrategy interface {
	Assign(visits []formats.CompositionVisit, patients []Patient) []int
}

// PositionalStrategy is the legacy demo-data convention: the first two
// visits belong to the first discovered patient and the remainder to
// the second. With a single patient every visit is theirs. This only
// holds for sources shaped like the original sample exports; documents
// carrying explicit references should use ExplicitStrategy.
type PositionalStrategy struct{}

func (PositionalStrategy) Assign(visits []formats.CompositionVisit, patients []Patient) []int {
	out := make([]int, len(visits))
	for i := range visits {
		switch {
		case len(patients) == 0:
			out[i] = -1
		case len(patients) == 1 || i < 2:
			out[i] = 0
		default:
			out[i] = 1
		}
	}
	return out
}

// ExplicitStrategy resolves each visit by its Patient entry, falling
// back to the positional rule for visits without one.
type ExplicitStrategy struct{}

func (ExplicitStrategy) Assign(visits []formats.CompositionVisit, patients []Patient) []int {
	positional := PositionalStrategy{}.Assign(visits, patients)
	byCode := make(map[string]int, len(patients))
	for i, p := range patients {
		byCode[p.PatientCd] = i
	}

	out := make([]int, len(visits))
	for i, v := range visits {
		if v.PatientRef != "" {
			if idx, ok := byCode[v.PatientRef]; ok {
				out[i] = idx
			} else {
				out[i] = -1
			}
			continue
		}
		out[i] = positional[i]
	}
	return out
}

// Transformer maps validated intermediate documents onto the canonical
// ImportStructure. Surrogate keys are assigned deterministically in
// source order, starting at 1 for each import run. Records whose
// references cannot be resolved are dropped with a warning rather than
// failing the import.
type Transformer struct {
	opts     Options
	uploadID string
	source   string

	nextPatient int64
	nextVisit   int64
	nextObs     int64

	warnings []Issue
}

// NewTransformer returns a Transformer for one import run.
func NewTransformer(uploadID string, opts Options) *Transformer {
	return &Transformer{
		opts:     opts.withDefaults(),
		uploadID: uploadID,
		source:   opts.SourceSystem,
	}
}

// Warnings returns the issues collected while transforming.
func (t *Transformer) Warnings() []Issue { return t.warnings }

func (t *Transformer) warnf(code string, row int, field, format string, args ...interface{}) {
	t.warnings = append(t.warnings, Issue{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Field:   field,
		Row:     row,
	})
}

func (t *Transformer) newPatient(code string) Patient {
	t.nextPatient++
	return Patient{
		PatientNum:   t.nextPatient,
		PatientCd:    code,
		SourceSystem: t.source,
		UploadID:     t.uploadID,
	}
}

func (t *Transformer) newVisit(patientNum int64, start string) Visit {
	t.nextVisit++
	return Visit{
		EncounterNum: t.nextVisit,
		PatientNum:   patientNum,
		StartDate:    start,
	}
}

// addObservation types the raw value and attaches the observation. A
// degraded coercion is recorded as a warning naming the concept so
// degradation is never silent: NO_OPTION_MATCH when a catalog existed
// but nothing matched, VALUE_COERCED for every other fallback.
func (t *Transformer) addObservation(s *ImportStructure, encounterNum, patientNum int64, concept, category, units string, code ValueType, raw interface{}, catalog []formats.SelectionOption, row int) {
	tv := ResolveValue(code, raw, catalog, t.opts.AnswerPolicy)
	if tv.Degraded {
		warnCode := formats.CodeValueCoerced
		if tv.NoMatch {
			warnCode = formats.CodeNoOptionMatch
		}
		t.warnf(warnCode, row, concept, "value for %s stored as text: %s", concept, tv.Note)
	}

	t.nextObs++
	s.Observations = append(s.Observations, Observation{
		ObservationNum: t.nextObs,
		EncounterNum:   encounterNum,
		PatientNum:     patientNum,
		ConceptCd:      concept,
		CategoryCd:     category,
		ValtypeCd:      tv.Type,
		NvalNum:        tv.Number,
		TvalChar:       tv.Text,
		Blob:           tv.Blob,
		UnitsCd:        units,
	})
}

// ---- Tabular ----

// Tabular builds the canonical structure from a CSV or XLSX document.
// Each data row contributes one visit; patients repeat across rows and
// are deduplicated by patient code. Every populated observation cell
// becomes one observation; empty cells never do.
func (t *Transformer) Tabular(ctx context.Context, doc *formats.TabularDocument, meta Metadata) (*ImportStructure, error) {
	s := &ImportStructure{Metadata: meta}
	s.Metadata.Title = firstNonEmpty(s.Metadata.Title, doc.Metadata["Title"])
	s.Metadata.Source = firstNonEmpty(s.Metadata.Source, doc.Metadata["Source"])
	s.Metadata.Author = firstNonEmpty(s.Metadata.Author, doc.Metadata["Author"])
	s.Metadata.ExportDate = firstNonEmpty(s.Metadata.ExportDate, doc.Metadata["Date"], doc.Metadata["Export Date"])

	patientIdx := map[string]int{}

	for _, row := range doc.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		code := ""
		for i, col := range doc.Columns {
			if col.Role() == formats.RolePatientCode && row.Cells[i] != "" {
				code = row.Cells[i]
				break
			}
		}
		if code == "" {
			t.warnf(formats.CodeUnresolvedRef, row.Index, "", "row %d has no patient code and was dropped", row.Index)
			continue
		}

		idx, seen := patientIdx[code]
		if !seen {
			s.Patients = append(s.Patients, t.newPatient(code))
			idx = len(s.Patients) - 1
			patientIdx[code] = idx
		}
		p := &s.Patients[idx]

		visit := t.newVisit(p.PatientNum, "")
		for i, col := range doc.Columns {
			cell := row.Cells[i]
			if cell == "" {
				continue
			}
			switch col.Role() {
			case formats.RoleSex:
				if p.SexCd == "" {
					p.SexCd = cell
				}
			case formats.RoleAge:
				if p.AgeInYears == nil {
					if age, ok := toFloat(cell); ok && age >= 0 {
						a := int(age)
						p.AgeInYears = &a
					}
				}
			case formats.RoleBirthDate:
				if p.BirthDate == nil {
					bd := cell
					p.BirthDate = &bd
				}
			case formats.RoleVitalStatus:
				if p.VitalStatusCd == "" {
					p.VitalStatusCd = cell
				}
			case formats.RoleVisitStart:
				visit.StartDate = cell
			case formats.RoleVisitEnd:
				ed := cell
				visit.EndDate = &ed
			case formats.RoleLocation:
				visit.LocationCd = cell
			case formats.RoleInOut:
				visit.InOutCd = formats.ClassifyInOut(cell)
			}
		}
		if visit.StartDate == "" {
			t.warnf(formats.CodeMissingStartDate, row.Index, "", "row %d carries no visit start date", row.Index)
		}
		if visit.EndDate != nil && visit.StartDate != "" && *visit.EndDate < visit.StartDate {
			t.warnf(formats.CodeEndBeforeStart, row.Index, "", "row %d visit ends before it starts", row.Index)
		}
		if visit.InOutCd == "" && visit.LocationCd != "" {
			visit.InOutCd = formats.ClassifyInOut(visit.LocationCd)
		}
		s.Visits = append(s.Visits, visit)

		for i, col := range doc.Columns {
			cell := row.Cells[i]
			if col.Role() != formats.RoleObservation || cell == "" {
				continue
			}
			code := tabularValueType(doc.Variant, col, cell)
			category := formats.InferCategory(col.ConceptCode() + " " + col.Label)
			t.addObservation(s, visit.EncounterNum, p.PatientNum,
				col.ConceptCode(), category, col.Units, code, cell, nil, row.Index)
		}
	}

	return s, s.finalize()
}

// tabularValueType picks the value-type code for one cell: the
// condensed dialect declares it per column; the full-export dialect
// carries no tags, so numeric-looking cells are numeric and the rest
// text.
func tabularValueType(variant formats.TabularVariant, col formats.Column, cell string) ValueType {
	if variant == formats.VariantCondensed && col.ValueTag != "" {
		return ParseValueType(col.ValueTag)
	}
	if _, ok := toFloat(cell); ok {
		return ValueNumeric
	}
	return ValueText
}

// ---- Canonical JSON ----

// Canonical rebuilds the structure from a canonical export, reassigning
// surrogate keys in source order and re-linking by the source's own
// keys (patient/encounter numbers, with patient codes as fallback).
func (t *Transformer) Canonical(ctx context.Context, doc *formats.CanonicalDocument, meta Metadata) (*ImportStructure, error) {
	s := &ImportStructure{Metadata: meta}
	s.Metadata.Title = firstNonEmpty(s.Metadata.Title, doc.Metadata.Title)
	s.Metadata.Source = firstNonEmpty(s.Metadata.Source, doc.Metadata.Source)
	s.Metadata.Author = firstNonEmpty(s.Metadata.Author, doc.Metadata.Author)
	s.Metadata.ExportDate = firstNonEmpty(s.Metadata.ExportDate, doc.Metadata.ExportDate)
	s.ExportInfo = ExportInfo(doc.ExportInfo)

	patientBySrc := map[int64]int64{} // source PATIENT_NUM -> surrogate
	patientByCode := map[string]int64{}

	for i, rec := range doc.Patients {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if rec.PatientCd == "" {
			t.warnf(formats.CodeUnresolvedRef, i+1, "patients", "patient record %d has no code and was dropped", i+1)
			continue
		}
		if _, dup := patientByCode[rec.PatientCd]; dup {
			t.warnf(formats.CodeUnresolvedRef, i+1, "patients", "duplicate patient code %s merged", rec.PatientCd)
			continue
		}
		p := t.newPatient(rec.PatientCd)
		p.SexCd = rec.SexCd
		p.AgeInYears = rec.AgeInYears
		if rec.BirthDate != "" {
			bd := rec.BirthDate
			p.BirthDate = &bd
		}
		p.VitalStatusCd = rec.VitalStatus
		p.Blob = rec.Blob
		s.Patients = append(s.Patients, p)
		if rec.PatientNum != 0 {
			patientBySrc[rec.PatientNum] = p.PatientNum
		}
		patientByCode[rec.PatientCd] = p.PatientNum
	}

	visitBySrc := map[int64]int64{} // source ENCOUNTER_NUM -> surrogate
	visitOwner := map[int64]int64{} // surrogate encounter -> surrogate patient

	for i, rec := range doc.Visits {
		owner, ok := patientBySrc[rec.PatientNum]
		if !ok {
			owner, ok = patientByCode[rec.PatientCd]
		}
		if !ok {
			t.warnf(formats.CodeUnresolvedRef, i+1, "visits", "visit record %d references an unknown patient and was dropped", i+1)
			continue
		}
		v := t.newVisit(owner, rec.StartDate)
		if rec.EndDate != "" {
			ed := rec.EndDate
			v.EndDate = &ed
		}
		v.LocationCd = rec.LocationCd
		if rec.InOutCd != "" {
			v.InOutCd = formats.ClassifyInOut(rec.InOutCd)
		}
		v.Blob = rec.Blob
		s.Visits = append(s.Visits, v)
		if rec.EncounterNum != 0 {
			visitBySrc[rec.EncounterNum] = v.EncounterNum
		}
		visitOwner[v.EncounterNum] = owner
	}

	for i, rec := range doc.Observations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		enc, ok := visitBySrc[rec.EncounterNum]
		if !ok {
			t.warnf(formats.CodeUnresolvedRef, i+1, "observations", "observation record %d references an unknown visit and was dropped", i+1)
			continue
		}
		owner := visitOwner[enc]
		concept := rec.ConceptCd
		if concept == "" {
			concept = "UNKNOWN"
		}

		code := ParseValueType(rec.ValtypeCd)
		raw := rec.Value
		switch {
		case raw != nil:
			// typed below
		case rec.NvalNum != nil:
			code, raw = ValueNumeric, *rec.NvalNum
		case rec.TvalChar != nil:
			if rec.ValtypeCd == "" {
				code = ValueText
			}
			raw = *rec.TvalChar
		case rec.Blob != nil:
			var v interface{}
			if json.Unmarshal(rec.Blob, &v) == nil {
				code, raw = ValueBlob, v
			}
		}
		if raw == nil {
			t.warnf(formats.CodeValueCoerced, i+1, "observations", "observation record %d carries no value and was dropped", i+1)
			continue
		}

		category := rec.CategoryCd
		if category == "" {
			category = formats.CategoryClinical
		}
		t.addObservation(s, enc, owner, concept, category, rec.UnitsCd, code, raw, nil, i+1)
	}

	return s, s.finalize()
}

// ---- HL7 Composition ----

// Composition builds the structure from an HL7 Composition document.
// Visit ownership is decided by the configured assignment strategy;
// entries bind to their nearest preceding visit section.
func (t *Transformer) Composition(ctx context.Context, doc *formats.CompositionDocument, meta Metadata) (*ImportStructure, error) {
	s := &ImportStructure{Metadata: meta}
	s.Metadata.Title = firstNonEmpty(s.Metadata.Title, doc.Title)
	s.Metadata.Author = firstNonEmpty(s.Metadata.Author, doc.Author)
	s.Metadata.ExportDate = firstNonEmpty(s.Metadata.ExportDate, doc.Date)

	for _, cp := range doc.Patients {
		p := t.newPatient(cp.Code)
		p.SexCd = cp.Gender
		p.AgeInYears = cp.Age
		s.Patients = append(s.Patients, p)
	}

	owners := t.opts.Assignment.Assign(doc.Visits, s.Patients)
	visitByOrdinal := map[int]int64{}
	visitOwner := map[int64]int64{}

	for i, cv := range doc.Visits {
		if owners[i] < 0 {
			t.warnf(formats.CodeUnresolvedRef, cv.Ordinal, "", "visit %d has no resolvable patient and was dropped", cv.Ordinal)
			continue
		}
		owner := s.Patients[owners[i]].PatientNum
		v := t.newVisit(owner, cv.Date)
		if cv.EndDate != "" {
			ed := cv.EndDate
			v.EndDate = &ed
		}
		v.LocationCd = cv.LocationCd
		v.InOutCd = cv.InOutCd
		s.Visits = append(s.Visits, v)
		visitByOrdinal[cv.Ordinal] = v.EncounterNum
		visitOwner[v.EncounterNum] = owner
	}

	for i, e := range doc.Entries {
		enc, ok := visitByOrdinal[e.VisitOrdinal]
		if !ok && len(s.Visits) > 0 {
			// Entries before the first visit section bind to it.
			enc, ok = s.Visits[0].EncounterNum, true
		}
		if !ok {
			t.warnf(formats.CodeUnresolvedRef, i+1, e.Section, "entry %q has no resolvable visit and was dropped", e.Title)
			continue
		}

		code := ValueText
		var raw interface{} = e.Text
		if e.Number != nil {
			code, raw = ValueNumeric, *e.Number
		}
		t.addObservation(s, enc, visitOwner[enc], e.Title, e.CategoryCd, "", code, raw, nil, i+1)
	}

	return s, s.finalize()
}

// ---- Surveys ----

// Survey builds the structure from an HTML-embedded clinical document:
// one patient (or the fallback identity when the source omits one), one
// visit dated by the survey, one observation per response, plus one
// questionnaire-reference observation when the form carries a code.
func (t *Transformer) Survey(ctx context.Context, doc *formats.SurveyDocument, meta Metadata) (*ImportStructure, error) {
	s := &ImportStructure{Metadata: meta}
	s.Metadata.Title = firstNonEmpty(s.Metadata.Title, doc.Title, doc.Questionnaire.Title)
	s.Metadata.ExportDate = firstNonEmpty(s.Metadata.ExportDate, doc.Date)

	code := "UNKNOWN"
	if doc.Patient != nil && doc.Patient.Code != "" {
		code = doc.Patient.Code
	}
	p := t.newPatient(code)
	if doc.Patient != nil {
		p.SexCd = doc.Patient.Gender
		p.AgeInYears = doc.Patient.Age
	}
	s.Patients = append(s.Patients, p)

	visit := t.newVisit(p.PatientNum, doc.Date)
	visit.InOutCd = formats.InOutOutpatient
	s.Visits = append(s.Visits, visit)

	questions := make(map[string]formats.Question, len(doc.Questionnaire.Questions))
	for _, q := range doc.Questionnaire.Questions {
		questions[q.ID] = q
		if q.Text != "" {
			questions[q.Text] = q
		}
	}

	if doc.Questionnaire.Code != "" {
		t.addObservation(s, visit.EncounterNum, p.PatientNum,
			doc.Questionnaire.Code, formats.CategorySurvey, "", ValueQuestionnaire,
			map[string]string{"code": doc.Questionnaire.Code, "title": doc.Questionnaire.Title}, nil, 0)
	}

	for i, r := range doc.Responses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q, known := questions[r.QuestionID]
		concept := r.QuestionID
		code := ValueText
		var catalog []formats.SelectionOption
		if known {
			if q.Concept != "" {
				concept = q.Concept
			}
			code = ParseValueType(q.Type)
			catalog = q.Options
		}
		t.addObservation(s, visit.EncounterNum, p.PatientNum,
			concept, formats.CategorySurvey, "", code, r.Value, catalog, i+1)
	}

	return s, s.finalize()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
