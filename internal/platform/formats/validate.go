package formats

import "strings"

// Validators run after parsing and before transformation: a structural
// pass (is the document shape usable at all) and a business-rule pass
// (is the content clinically sensible). They never mutate the document.

// ValidateTabular checks a parsed tabular document.
func ValidateTabular(doc *TabularDocument) Validation {
	var v Validation

	if len(doc.Columns) == 0 {
		v.Errors = append(v.Errors, Issuef(CodeInvalidStructure, "document has no columns"))
	}
	if len(doc.Rows) == 0 && len(doc.RowErrors) == 0 {
		v.Errors = append(v.Errors, Issuef(CodeNoDataRows, "document has no data rows"))
	}

	hasPatient := false
	hasStart := false
	for _, c := range doc.Columns {
		switch c.Role() {
		case RolePatientCode:
			hasPatient = true
		case RoleVisitStart:
			hasStart = true
		}
	}
	if !hasPatient {
		v.Warnings = append(v.Warnings, Issuef(CodeMissingPatientInfo, "no patient identity column recognized"))
	}
	if !hasStart {
		v.Warnings = append(v.Warnings, Issuef(CodeMissingStartDate, "no visit start date column recognized"))
	}

	for _, re := range doc.RowErrors {
		v.Errors = append(v.Errors, Issue{Code: CodeMalformedRow, Message: re.Message, Row: re.Row})
	}

	// Row errors are row-scoped: the document stays valid while any
	// well-formed rows remain.
	v.Valid = len(doc.Rows) > 0 && len(doc.Columns) > 0
	return v
}

// ValidateCanonical checks a canonical JSON export document.
func ValidateCanonical(doc *CanonicalDocument) Validation {
	var v Validation

	if len(doc.Patients) == 0 {
		v.Errors = append(v.Errors, Issuef(CodeNoPatients, "export contains no patients"))
	}
	for i, p := range doc.Patients {
		if p.PatientCd == "" {
			v.Errors = append(v.Errors, Issue{
				Code:    CodeMissingPatientInfo,
				Message: "patient record has no patient code",
				Field:   "patients",
				Row:     i + 1,
			})
		}
	}
	for i, visit := range doc.Visits {
		if visit.StartDate == "" {
			v.Warnings = append(v.Warnings, Issue{
				Code:    CodeMissingStartDate,
				Message: "visit record has no start date",
				Field:   "visits",
				Row:     i + 1,
			})
		}
		if visit.EndDate != "" && visit.StartDate != "" && visit.EndDate < visit.StartDate {
			v.Warnings = append(v.Warnings, Issue{
				Code:    CodeEndBeforeStart,
				Message: "visit end date precedes start date",
				Field:   "visits",
				Row:     i + 1,
			})
		}
	}
	for i, o := range doc.Observations {
		if o.ConceptCd == "" {
			v.Warnings = append(v.Warnings, Issue{
				Code:    CodeValueCoerced,
				Message: "observation has no concept code",
				Field:   "observations",
				Row:     i + 1,
			})
		}
	}

	v.Valid = len(v.Errors) == 0
	return v
}

// ValidateComposition checks a parsed HL7 Composition document.
func ValidateComposition(doc *CompositionDocument) Validation {
	var v Validation

	if len(doc.Patients) == 0 {
		v.Warnings = append(v.Warnings, Issuef(CodeMissingPatientInfo, "composition carries no Patient Information section entries"))
	}
	if len(doc.Visits) == 0 && len(doc.Entries) == 0 {
		v.Errors = append(v.Errors, Issuef(CodeInvalidStructure, "composition has no visit sections and no observation entries"))
	}
	for _, visit := range doc.Visits {
		if visit.Date == "" {
			v.Warnings = append(v.Warnings, Issuef(CodeMissingStartDate, "visit section %d has no Visit Date entry", visit.Ordinal))
		}
	}

	v.Valid = len(v.Errors) == 0
	return v
}

// ValidateSurvey checks an extracted survey document. A survey with no
// responses is fatal; a survey without respondent identity is only a
// warning because the caller may supply identity out of band.
func ValidateSurvey(doc *SurveyDocument) Validation {
	var v Validation

	if len(doc.Responses) == 0 {
		v.Errors = append(v.Errors, Issuef(CodeNoSurveyResponses, "survey contains no responses"))
	}
	if doc.Patient == nil || doc.Patient.Code == "" {
		v.Warnings = append(v.Warnings, Issuef(CodeMissingPatientInfo, "survey carries no patient identity"))
	}
	if len(doc.Questionnaire.Questions) == 0 {
		v.Warnings = append(v.Warnings, Issuef(CodeMissingQuestions, "survey carries no questionnaire definition"))
	}

	known := make(map[string]bool, len(doc.Questionnaire.Questions))
	for _, q := range doc.Questionnaire.Questions {
		known[q.ID] = true
		if q.Text != "" {
			known[q.Text] = true
		}
	}
	if len(known) > 0 {
		for i, r := range doc.Responses {
			if r.QuestionID == "" || !known[r.QuestionID] {
				v.Warnings = append(v.Warnings, Issue{
					Code:    CodeUnknownQuestion,
					Message: "response references a question the questionnaire does not define: " + strings.TrimSpace(r.QuestionID),
					Field:   "responses",
					Row:     i + 1,
				})
			}
		}
	}

	v.Valid = len(v.Errors) == 0
	return v
}
