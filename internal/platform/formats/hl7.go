package formats

import (
	"encoding/json"
	"strconv"
	"strings"
)

const patientMarker = "Patient: "

// rawComposition is the consumed subset of an HL7 FHIR Composition.
type rawComposition struct {
	ResourceType string `json:"resourceType"`
	Title        string `json:"title"`
	Date         string `json:"date"`
	Author       []struct {
		Display string `json:"display"`
	} `json:"author"`
	Section []rawSection `json:"section"`
}

type rawSection struct {
	Title string     `json:"title"`
	Entry []rawEntry `json:"entry"`
}

type rawEntry struct {
	Title string      `json:"title"`
	Value interface{} `json:"value"`
}

// ParseComposition parses an HL7 FHIR Composition document. The
// resourceType must be "Composition" and at least one section must be
// present; both checks are fatal. Sections are interpreted by title:
// "Patient Information" yields patients, "Visit ..." sections yield one
// visit each, every other section's entries become observation entries
// bound to the nearest preceding visit.
func ParseComposition(data []byte) (*CompositionDocument, error) {
	var comp rawComposition
	if err := json.Unmarshal(data, &comp); err != nil {
		return nil, parseErrorf(CodeInvalidJSON, "parse composition JSON: %v", err)
	}
	if comp.ResourceType != "Composition" {
		return nil, parseErrorf(CodeInvalidResourceType, "expected resourceType Composition, got %q", comp.ResourceType)
	}
	if len(comp.Section) == 0 {
		return nil, parseErrorf(CodeMissingSections, "composition has no section array")
	}

	doc := &CompositionDocument{
		Title: comp.Title,
		Date:  comp.Date,
	}
	if len(comp.Author) > 0 {
		doc.Author = comp.Author[0].Display
	}

	visitOrdinal := 0
	for _, sec := range comp.Section {
		switch {
		case strings.EqualFold(sec.Title, "Patient Information"):
			parsePatientSection(doc, sec)
		case strings.HasPrefix(sec.Title, "Visit "):
			visitOrdinal++
			doc.Visits = append(doc.Visits, parseVisitSection(sec, visitOrdinal))
		default:
			parseObservationSection(doc, sec, visitOrdinal)
		}
	}

	return doc, nil
}

// parsePatientSection walks the entries of a Patient Information
// section. A "Patient: <code>" entry opens a new patient; following
// entries fill its demographics until the next marker. The last open
// patient is flushed at section end.
func parsePatientSection(doc *CompositionDocument, sec rawSection) {
	var current *CompositionPatient
	flush := func() {
		if current != nil && current.Code != "" {
			doc.Patients = append(doc.Patients, *current)
		}
		current = nil
	}

	for _, e := range sec.Entry {
		if strings.HasPrefix(e.Title, patientMarker) {
			flush()
			code := strings.TrimSpace(strings.TrimPrefix(e.Title, patientMarker))
			if code == "" {
				code = strings.TrimSpace(entryText(e.Value))
			}
			current = &CompositionPatient{Code: code}
			continue
		}
		if current == nil {
			continue
		}
		switch strings.ToLower(e.Title) {
		case "gender", "sex":
			current.Gender = entryText(e.Value)
		case "age":
			if age, ok := entryInt(e.Value); ok && age >= 0 {
				current.Age = &age
			}
		}
	}
	flush()
}

// parseVisitSection reads the Visit Date / Location entries of one
// visit section. The in/out class is keyed off the location text. An
// explicit Patient entry, when present, pins the owning patient.
func parseVisitSection(sec rawSection, ordinal int) CompositionVisit {
	v := CompositionVisit{Ordinal: ordinal}
	for _, e := range sec.Entry {
		switch strings.ToLower(e.Title) {
		case "visit date", "date", "start date":
			v.Date = entryText(e.Value)
		case "end date", "discharge date":
			v.EndDate = entryText(e.Value)
		case "location":
			v.LocationCd = entryText(e.Value)
		case "patient":
			v.PatientRef = strings.TrimSpace(strings.TrimPrefix(entryText(e.Value), patientMarker))
		}
	}
	v.InOutCd = ClassifyInOut(v.LocationCd)
	return v
}

// parseObservationSection turns the entries of any other section into
// observation entries. Visit Date and Location entries are visit
// metadata that leaked into sample exports and are skipped.
func parseObservationSection(doc *CompositionDocument, sec rawSection, visitOrdinal int) {
	for _, e := range sec.Entry {
		switch strings.ToLower(e.Title) {
		case "visit date", "location":
			continue
		}
		entry := CompositionEntry{
			Section:      sec.Title,
			Title:        e.Title,
			CategoryCd:   InferCategory(sec.Title + " " + e.Title),
			VisitOrdinal: visitOrdinal,
		}
		switch v := e.Value.(type) {
		case float64:
			n := v
			entry.Number = &n
		case string:
			entry.Text = v
		case nil:
			entry.Text = ""
		default:
			b, err := json.Marshal(v)
			if err != nil {
				entry.Text = ""
			} else {
				entry.Text = string(b)
			}
		}
		doc.Entries = append(doc.Entries, entry)
	}
}

// entryText renders an entry value as text the way exports print it.
func entryText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func entryInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
