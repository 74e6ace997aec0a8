package imports

import (
	"context"
	"testing"

	"github.com/clinport/clinport/internal/platform/formats"
)

// checkIntegrity verifies the structural guarantees every transformed
// structure must hold: keys start at 1 and are dense, every visit
// belongs to a patient, every observation to a visit and its patient,
// and exactly one value slot is populated per observation.
func checkIntegrity(t *testing.T, s *ImportStructure) {
	t.Helper()

	patients := map[int64]bool{}
	for i, p := range s.Patients {
		if p.PatientNum != int64(i+1) {
			t.Errorf("patient %d has key %d, want %d", i, p.PatientNum, i+1)
		}
		patients[p.PatientNum] = true
	}
	visits := map[int64]int64{}
	for i, v := range s.Visits {
		if v.EncounterNum != int64(i+1) {
			t.Errorf("visit %d has key %d, want %d", i, v.EncounterNum, i+1)
		}
		if !patients[v.PatientNum] {
			t.Errorf("visit %d references unknown patient %d", v.EncounterNum, v.PatientNum)
		}
		visits[v.EncounterNum] = v.PatientNum
	}
	for _, o := range s.Observations {
		owner, ok := visits[o.EncounterNum]
		if !ok {
			t.Errorf("observation %d references unknown visit %d", o.ObservationNum, o.EncounterNum)
			continue
		}
		if owner != o.PatientNum {
			t.Errorf("observation %d patient %d disagrees with visit owner %d", o.ObservationNum, o.PatientNum, owner)
		}
		slots := 0
		if o.NvalNum != nil {
			slots++
		}
		if o.TvalChar != nil {
			slots++
		}
		if o.Blob != nil {
			slots++
		}
		if slots != 1 {
			t.Errorf("observation %d has %d populated value slots, want 1", o.ObservationNum, slots)
		}
	}

	if s.Statistics.PatientCount != len(s.Patients) ||
		s.Statistics.VisitCount != len(s.Visits) ||
		s.Statistics.ObservationCount != len(s.Observations) {
		t.Errorf("statistics %+v disagree with record counts %d/%d/%d",
			s.Statistics, len(s.Patients), len(s.Visits), len(s.Observations))
	}
}

func TestTransformer_Tabular(t *testing.T) {
	doc := &formats.TabularDocument{
		Variant: formats.VariantCondensed,
		Columns: []formats.Column{
			{FieldName: "PATIENT_CD"},
			{FieldName: "SEX_CD"},
			{FieldName: "START_DATE"},
			{FieldName: "SBP", ValueTag: "numeric", Label: "Systolic BP", Units: "mmHg"},
			{FieldName: "SMOKER", ValueTag: "text", Label: "Smoking status"},
		},
		Rows: []formats.Row{
			{Index: 1, Cells: []string{"P001", "F", "2024-01-05", "128", "never"}},
			{Index: 2, Cells: []string{"P001", "F", "2024-02-10", "124", ""}},
			{Index: 3, Cells: []string{"P002", "M", "2024-01-20", "", "former"}},
		},
	}

	tr := NewTransformer("u-1", Options{SourceSystem: "unit"})
	s, err := tr.Tabular(context.Background(), doc, Metadata{Format: "csv"})
	if err != nil {
		t.Fatalf("Tabular: %v", err)
	}
	checkIntegrity(t, s)

	if len(s.Patients) != 2 {
		t.Fatalf("patients = %d, want 2 (deduplicated by code)", len(s.Patients))
	}
	if s.Patients[0].PatientCd != "P001" || s.Patients[0].SexCd != "F" {
		t.Errorf("patient[0] = %+v", s.Patients[0])
	}
	if s.Patients[0].UploadID != "u-1" || s.Patients[0].SourceSystem != "unit" {
		t.Errorf("provenance not set: %+v", s.Patients[0])
	}
	if len(s.Visits) != 3 {
		t.Fatalf("visits = %d, want one per row", len(s.Visits))
	}
	if s.Visits[2].PatientNum != s.Patients[1].PatientNum {
		t.Errorf("row 3 visit assigned to patient %d", s.Visits[2].PatientNum)
	}

	// Empty cells never become observations: 128, 124, never, former.
	if len(s.Observations) != 4 {
		t.Fatalf("observations = %d, want 4", len(s.Observations))
	}
	first := s.Observations[0]
	if first.ConceptCd != "SBP" || first.ValtypeCd != ValueNumeric || first.NvalNum == nil || *first.NvalNum != 128 {
		t.Errorf("observation[0] = %+v", first)
	}
	if first.UnitsCd != "mmHg" {
		t.Errorf("UnitsCd = %q", first.UnitsCd)
	}
}

func TestTransformer_TabularRowWithoutPatientDropped(t *testing.T) {
	doc := &formats.TabularDocument{
		Variant: formats.VariantFullExport,
		Columns: []formats.Column{
			{FieldName: "PATIENT_CD"},
			{FieldName: "START_DATE"},
			{FieldName: "WEIGHT"},
		},
		Rows: []formats.Row{
			{Index: 1, Cells: []string{"P001", "2024-01-05", "82"}},
			{Index: 2, Cells: []string{"", "2024-01-06", "79"}},
		},
	}

	tr := NewTransformer("u-2", Options{})
	s, err := tr.Tabular(context.Background(), doc, Metadata{})
	if err != nil {
		t.Fatalf("Tabular: %v", err)
	}
	checkIntegrity(t, s)

	if len(s.Visits) != 1 {
		t.Errorf("visits = %d, want 1 (rowless patient dropped)", len(s.Visits))
	}
	if !hasWarning(tr.Warnings(), formats.CodeUnresolvedRef) {
		t.Error("expected an UNRESOLVED_REF warning for the dropped row")
	}

	// Full-export typing sniffs numbers.
	if len(s.Observations) != 1 || s.Observations[0].ValtypeCd != ValueNumeric {
		t.Errorf("observations = %+v", s.Observations)
	}
}

func TestTransformer_Canonical(t *testing.T) {
	ed := "2023-11-20"
	w := 82.5
	note := "stable"
	doc := &formats.CanonicalDocument{
		Metadata: formats.DocumentInfo{Title: "Ward Export"},
		Patients: []formats.PatientRecord{
			{PatientNum: 901, PatientCd: "P001", SexCd: "F"},
			{PatientNum: 902, PatientCd: "P002", SexCd: "M"},
		},
		Visits: []formats.VisitRecord{
			{EncounterNum: 77, PatientNum: 901, StartDate: "2023-11-18", EndDate: ed, LocationCd: "Ward A"},
			{EncounterNum: 78, PatientCd: "P002", StartDate: "2023-11-19"},
			{EncounterNum: 79, PatientNum: 555, StartDate: "2023-11-19"}, // unknown patient
		},
		Observations: []formats.ObservationRecord{
			{EncounterNum: 77, ConceptCd: "WEIGHT", ValtypeCd: "N", NvalNum: &w},
			{EncounterNum: 78, ConceptCd: "NOTE", TvalChar: &note},
			{EncounterNum: 999, ConceptCd: "LOST"}, // unknown visit
		},
	}

	tr := NewTransformer("u-3", Options{})
	s, err := tr.Canonical(context.Background(), doc, Metadata{Format: "json"})
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	checkIntegrity(t, s)

	// Surrogate keys are reassigned from 1; source keys are only used
	// for linking.
	if s.Patients[0].PatientNum != 1 || s.Visits[0].EncounterNum != 1 {
		t.Errorf("surrogate keys not reassigned: %+v %+v", s.Patients[0], s.Visits[0])
	}
	if len(s.Visits) != 2 {
		t.Errorf("visits = %d, want 2 (orphan dropped)", len(s.Visits))
	}
	if s.Visits[1].PatientNum != 2 {
		t.Errorf("code-fallback link failed: visit[1] owner = %d", s.Visits[1].PatientNum)
	}
	if len(s.Observations) != 2 {
		t.Errorf("observations = %d, want 2 (orphan dropped)", len(s.Observations))
	}
	if s.Observations[0].NvalNum == nil || *s.Observations[0].NvalNum != 82.5 {
		t.Errorf("pre-split numeric slot lost: %+v", s.Observations[0])
	}
	if s.Metadata.Title != "Ward Export" {
		t.Errorf("Title = %q", s.Metadata.Title)
	}

	warnings := tr.Warnings()
	if countWarnings(warnings, formats.CodeUnresolvedRef) != 2 {
		t.Errorf("unresolved-ref warnings = %d, want 2: %+v", countWarnings(warnings, formats.CodeUnresolvedRef), warnings)
	}
}

func TestPositionalStrategy(t *testing.T) {
	visits := make([]formats.CompositionVisit, 4)
	two := []Patient{{PatientNum: 1, PatientCd: "A"}, {PatientNum: 2, PatientCd: "B"}}

	got := PositionalStrategy{}.Assign(visits, two)
	want := []int{0, 0, 1, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("two patients: assign[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	one := two[:1]
	for i, idx := range (PositionalStrategy{}).Assign(visits, one) {
		if idx != 0 {
			t.Errorf("one patient: assign[%d] = %d, want 0", i, idx)
		}
	}

	for i, idx := range (PositionalStrategy{}).Assign(visits, nil) {
		if idx != -1 {
			t.Errorf("no patients: assign[%d] = %d, want -1", i, idx)
		}
	}
}

func TestExplicitStrategy(t *testing.T) {
	patients := []Patient{{PatientNum: 1, PatientCd: "A"}, {PatientNum: 2, PatientCd: "B"}}
	visits := []formats.CompositionVisit{
		{Ordinal: 1, PatientRef: "B"},
		{Ordinal: 2},                  // falls back to positional: index 0
		{Ordinal: 3, PatientRef: "Z"}, // unknown ref
	}

	got := ExplicitStrategy{}.Assign(visits, patients)
	want := []int{1, 0, -1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("assign[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestTransformer_Composition(t *testing.T) {
	age := 67
	bp := 132.0
	doc := &formats.CompositionDocument{
		Title: "Discharge Summary",
		Date:  "2024-03-01",
		Patients: []formats.CompositionPatient{
			{Code: "P001", Gender: "female", Age: &age},
			{Code: "P002", Gender: "male"},
		},
		Visits: []formats.CompositionVisit{
			{Ordinal: 1, Date: "2024-01-10", LocationCd: "Cardiology Ward", InOutCd: "I"},
			{Ordinal: 2, Date: "2024-02-02"},
			{Ordinal: 3, Date: "2024-02-20"},
		},
		Entries: []formats.CompositionEntry{
			{Section: "Vital Signs", Title: "Systolic Blood Pressure", Number: &bp, CategoryCd: "vital_signs", VisitOrdinal: 1},
			{Section: "Diagnoses", Title: "Essential Hypertension", Text: "confirmed", CategoryCd: "diagnosis", VisitOrdinal: 3},
		},
	}

	tr := NewTransformer("u-4", Options{})
	s, err := tr.Composition(context.Background(), doc, Metadata{Format: "hl7"})
	if err != nil {
		t.Fatalf("Composition: %v", err)
	}
	checkIntegrity(t, s)

	// Positional default: visits 1-2 to P001, visit 3 to P002.
	if s.Visits[0].PatientNum != 1 || s.Visits[1].PatientNum != 1 || s.Visits[2].PatientNum != 2 {
		t.Errorf("visit owners = %d %d %d", s.Visits[0].PatientNum, s.Visits[1].PatientNum, s.Visits[2].PatientNum)
	}
	if len(s.Observations) != 2 {
		t.Fatalf("observations = %d", len(s.Observations))
	}
	if s.Observations[0].ValtypeCd != ValueNumeric || *s.Observations[0].NvalNum != 132 {
		t.Errorf("numeric entry = %+v", s.Observations[0])
	}
	// The entry bound to visit ordinal 3 follows that visit's owner.
	if s.Observations[1].PatientNum != 2 {
		t.Errorf("entry owner = %d, want 2", s.Observations[1].PatientNum)
	}
}

func TestTransformer_Survey(t *testing.T) {
	doc := &formats.SurveyDocument{
		Title: "Intake Questionnaire",
		Date:  "2024-05-12",
		Questionnaire: formats.Questionnaire{
			Code:  "FORM-7",
			Title: "Intake",
			Questions: []formats.Question{
				{ID: "q1", Text: "Weight", Type: "numeric", Concept: "WEIGHT"},
				{ID: "q2", Text: "Do you smoke?", Type: "selection", Options: []formats.SelectionOption{
					{Label: "Yes", Value: "SCTID: 77176002"},
					{Label: "No", Value: "SCTID: 8392000"},
				}},
			},
		},
		Patient: &formats.SurveyPatient{Code: "P009", Gender: "male"},
		Responses: []formats.SurveyResponse{
			{QuestionID: "q1", Value: 81.5},
			{QuestionID: "q2", Value: "no"},
			{QuestionID: "q-missing", Value: "free text"},
		},
	}

	tr := NewTransformer("u-5", Options{})
	s, err := tr.Survey(context.Background(), doc, Metadata{Format: "html"})
	if err != nil {
		t.Fatalf("Survey: %v", err)
	}
	checkIntegrity(t, s)

	if len(s.Patients) != 1 || s.Patients[0].PatientCd != "P009" {
		t.Fatalf("patients = %+v", s.Patients)
	}
	if len(s.Visits) != 1 || s.Visits[0].InOutCd != formats.InOutOutpatient {
		t.Fatalf("visits = %+v", s.Visits)
	}

	// Questionnaire reference plus one observation per response.
	if len(s.Observations) != 4 {
		t.Fatalf("observations = %d, want 4", len(s.Observations))
	}
	if s.Observations[0].ValtypeCd != ValueQuestionnaire || s.Observations[0].Blob == nil {
		t.Errorf("questionnaire reference = %+v", s.Observations[0])
	}
	if s.Observations[1].ConceptCd != "WEIGHT" || *s.Observations[1].NvalNum != 81.5 {
		t.Errorf("numeric response = %+v", s.Observations[1])
	}
	if *s.Observations[2].TvalChar != "SCTID: 8392000" {
		t.Errorf("selection response = %+v", s.Observations[2])
	}
	// Unknown question falls back to text under the raw question id.
	if s.Observations[3].ConceptCd != "q-missing" || s.Observations[3].ValtypeCd != ValueText {
		t.Errorf("unknown-question response = %+v", s.Observations[3])
	}
}

func TestTransformer_SurveySelectionMiss(t *testing.T) {
	doc := &formats.SurveyDocument{
		Title: "Intake Questionnaire",
		Date:  "2024-05-12",
		Questionnaire: formats.Questionnaire{
			Code: "FORM-7",
			Questions: []formats.Question{
				{ID: "q2", Text: "Do you smoke?", Type: "selection", Concept: "SMOKING", Options: []formats.SelectionOption{
					{Label: "Yes", Value: "SCTID: 77176002"},
					{Label: "No", Value: "SCTID: 8392000"},
				}},
			},
		},
		Patient: &formats.SurveyPatient{Code: "P010"},
		Responses: []formats.SurveyResponse{
			{QuestionID: "q2", Value: "occasionally"},
		},
	}

	tr := NewTransformer("u-7", Options{})
	s, err := tr.Survey(context.Background(), doc, Metadata{Format: "html"})
	if err != nil {
		t.Fatalf("Survey: %v", err)
	}
	checkIntegrity(t, s)

	// The miss stores the raw answer as text and warns with the
	// option-miss code, not the generic coercion code.
	obs := s.Observations[len(s.Observations)-1]
	if obs.ValtypeCd != ValueText || obs.TvalChar == nil || *obs.TvalChar != "occasionally" {
		t.Errorf("missed selection = %+v, want raw text", obs)
	}
	if !hasWarning(tr.Warnings(), formats.CodeNoOptionMatch) {
		t.Errorf("expected a %s warning: %+v", formats.CodeNoOptionMatch, tr.Warnings())
	}
	if hasWarning(tr.Warnings(), formats.CodeValueCoerced) {
		t.Errorf("catalog miss must not warn as %s: %+v", formats.CodeValueCoerced, tr.Warnings())
	}
}

func TestTransformer_SurveyWithoutPatient(t *testing.T) {
	doc := &formats.SurveyDocument{
		Date: "2024-05-12",
		Responses: []formats.SurveyResponse{
			{QuestionID: "q1", Value: "something"},
		},
	}

	tr := NewTransformer("u-6", Options{})
	s, err := tr.Survey(context.Background(), doc, Metadata{})
	if err != nil {
		t.Fatalf("Survey: %v", err)
	}
	if s.Patients[0].PatientCd != "UNKNOWN" {
		t.Errorf("fallback patient = %q", s.Patients[0].PatientCd)
	}
}

func TestTransformer_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doc := &formats.TabularDocument{
		Columns: []formats.Column{{FieldName: "PATIENT_CD"}},
		Rows:    []formats.Row{{Index: 1, Cells: []string{"P001"}}},
	}
	if _, err := NewTransformer("u-7", Options{}).Tabular(ctx, doc, Metadata{}); err == nil {
		t.Fatal("expected context error")
	}
}

func hasWarning(issues []Issue, code string) bool {
	return countWarnings(issues, code) > 0
}

func countWarnings(issues []Issue, code string) int {
	n := 0
	for _, i := range issues {
		if i.Code == code {
			n++
		}
	}
	return n
}
