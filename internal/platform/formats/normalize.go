package formats

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// normalizeText strips a UTF-8 BOM and transcodes legacy Windows-1252
// exports to UTF-8. Already-valid UTF-8 passes through untouched.
func normalizeText(data []byte) []byte {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return data
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return data
	}
	return out
}

// foldKey lowercases a field name and strips separators so that
// PATIENT_CD, patientCd and "Patient CD" all compare equal.
func foldKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// ClassifyInOut derives the visit in/out code from keywords in a
// location or visit-type string. Unrecognized input is outpatient.
func ClassifyInOut(s string) string {
	l := strings.ToLower(s)
	switch {
	case l == "i" || strings.Contains(l, "inpatient") || strings.Contains(l, "hospital"):
		return InOutInpatient
	case l == "o" || strings.Contains(l, "outpatient") || strings.Contains(l, "clinic"):
		return InOutOutpatient
	case l == "e" || strings.Contains(l, "emergency"):
		return InOutEmergency
	default:
		return InOutOutpatient
	}
}

// InferCategory maps an entry or concept title onto an observation
// category by keyword and code-prefix matching.
func InferCategory(title string) string {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "survey") || strings.Contains(t, "questionnaire"):
		return CategorySurvey
	case strings.Contains(t, "lid:") || strings.Contains(t, "loinc"):
		return CategoryLab
	case strings.Contains(t, "sid:") || strings.Contains(t, "snomed"):
		return CategoryDiagnosis
	case containsAny(t, "blood pressure", "heart rate", "temperature", "pulse",
		"respiratory", "oxygen", "saturation", "bmi", "weight", "height"):
		return CategoryVitalSigns
	case containsAny(t, "medication", "drug", "dose", "prescription"):
		return CategoryMedication
	default:
		return CategoryClinical
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
