package formats

import "testing"

const surveyHTML = `<!DOCTYPE html>
<html>
<head><title>Survey Result</title></head>
<body>
<script>
var pageState = {"theme": "light"};
window.surveyData = {"cda": {
  "title": "Wellness Survey",
  "date": "2024-03-01",
  "questionnaire": {
    "code": "WELL-1",
    "title": "Wellness",
    "questions": [
      {"id": "q1", "text": "Do you smoke?", "type": "selection",
       "options": [{"label": "Yes", "value": "Y"}, {"label": "No", "value": "N"}]},
      {"id": "q2", "text": "Weight", "type": "numeric"}
    ]
  },
  "patient": {"code": "P001", "gender": "female", "age": 45},
  "responses": [
    {"questionId": "q1", "value": "No"},
    {"questionId": "q2", "value": 72.5}
  ]
}};
</script>
</body>
</html>`

func TestExtractEmbeddedDocument(t *testing.T) {
	raw := ExtractEmbeddedDocument([]byte(surveyHTML))
	if raw == nil {
		t.Fatal("expected an embedded document")
	}

	doc, err := ParseSurvey(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Title != "Wellness Survey" {
		t.Errorf("title = %q", doc.Title)
	}
	if doc.Questionnaire.Code != "WELL-1" || len(doc.Questionnaire.Questions) != 2 {
		t.Errorf("questionnaire not parsed: %+v", doc.Questionnaire)
	}
	if doc.Patient == nil || doc.Patient.Code != "P001" {
		t.Errorf("patient not parsed: %+v", doc.Patient)
	}
	if doc.Patient.Age == nil || *doc.Patient.Age != 45 {
		t.Errorf("patient age not parsed")
	}
	if len(doc.Responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(doc.Responses))
	}
	if doc.Responses[1].Value != 72.5 {
		t.Errorf("numeric response = %v", doc.Responses[1].Value)
	}
}

func TestExtractEmbeddedDocument_BareDocumentOutsideScript(t *testing.T) {
	html := `<html><body><pre>{"questionnaire": {"code": "Q"}, "responses": [{"questionId": "q1", "value": 1}]}</pre></body></html>`
	raw := ExtractEmbeddedDocument([]byte(html))
	if raw == nil {
		t.Fatal("expected extraction from element content")
	}
	doc, err := ParseSurvey(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Questionnaire.Code != "Q" {
		t.Errorf("questionnaire code = %q", doc.Questionnaire.Code)
	}
}

func TestExtractEmbeddedDocument_InvalidJSONYieldsNil(t *testing.T) {
	html := `<html><script>window.surveyData = {"cda": {"responses": [}};</script></html>`
	if raw := ExtractEmbeddedDocument([]byte(html)); raw != nil {
		t.Errorf("expected nil for syntactically invalid JSON, got %s", raw)
	}
}

func TestExtractEmbeddedDocument_NoDocument(t *testing.T) {
	html := `<html><body><p>Nothing here.</p></body></html>`
	if raw := ExtractEmbeddedDocument([]byte(html)); raw != nil {
		t.Errorf("expected nil, got %s", raw)
	}
}

func TestParseSurvey_WrapperAndBareEquivalent(t *testing.T) {
	bare := `{"questionnaire": {"code": "Q1"}, "patient": {"id": "P9"}, "responses": [{"question": "q1", "answer": "yes"}]}`
	wrapped := `{"cda": ` + bare + `}`

	for _, src := range []string{bare, wrapped} {
		doc, err := ParseSurvey([]byte(src))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if doc.Questionnaire.Code != "Q1" {
			t.Errorf("questionnaire code = %q", doc.Questionnaire.Code)
		}
		if doc.Patient == nil || doc.Patient.Code != "P9" {
			t.Errorf("patient id alias not honored: %+v", doc.Patient)
		}
		if len(doc.Responses) != 1 || doc.Responses[0].QuestionID != "q1" {
			t.Errorf("question/answer aliases not honored: %+v", doc.Responses)
		}
		if doc.Responses[0].Value != "yes" {
			t.Errorf("answer alias not honored: %v", doc.Responses[0].Value)
		}
	}
}
