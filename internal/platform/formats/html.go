package formats

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Keys whose presence marks an embedded clinical document.
var documentMarkers = []string{`"cda"`, `"questionnaire"`, `"responses"`}

var scriptRe = regexp.MustCompile(`(?is)<script[^>]*>(.*?)</script>`)

// ExtractEmbeddedDocument recovers the JSON clinical document embedded
// in an HTML page. Strategies run in order and the first parseable span
// wins:
//
//  1. script bodies, smallest balanced {...} span around a document
//     marker key;
//  2. the same scan over the whole page, for documents inlined outside
//     scripts.
//
// Text that fails to parse at one location is not an error, just a miss;
// nil is returned only when every strategy comes up empty.
func ExtractEmbeddedDocument(data []byte) []byte {
	text := string(normalizeText(data))

	for _, m := range scriptRe.FindAllStringSubmatch(text, -1) {
		if doc := scanForDocument(m[1]); doc != nil {
			return doc
		}
	}
	return scanForDocument(text)
}

// scanForDocument finds the smallest balanced JSON object span that
// contains a document marker and parses as JSON.
func scanForDocument(text string) []byte {
	marker := -1
	for _, m := range documentMarkers {
		if i := strings.Index(text, m); i >= 0 && (marker < 0 || i < marker) {
			marker = i
		}
	}
	if marker < 0 {
		return nil
	}

	// Walk outward: each '{' before the marker opens a candidate span.
	for open := strings.LastIndexByte(text[:marker], '{'); open >= 0; open = strings.LastIndexByte(text[:open], '{') {
		if span, ok := balancedSpan(text[open:]); ok {
			candidate := []byte(span)
			if json.Valid(candidate) {
				return candidate
			}
		}
	}
	return nil
}

// balancedSpan returns the prefix of text up to the brace that closes
// its leading '{', honoring JSON string quoting.
func balancedSpan(text string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[:i+1], true
			}
		}
	}
	return "", false
}

// rawSurvey is the consumed shape of an embedded clinical document,
// either bare or wrapped under a "cda" key.
type rawSurvey struct {
	CDA           *rawSurvey        `json:"cda"`
	Title         string            `json:"title"`
	Date          string            `json:"date"`
	Questionnaire rawQuestionnaire  `json:"questionnaire"`
	Patient       *rawSurveyPatient `json:"patient"`
	Responses     []rawResponse     `json:"responses"`
}

type rawQuestionnaire struct {
	Code      string        `json:"code"`
	Title     string        `json:"title"`
	Questions []rawQuestion `json:"questions"`
}

type rawQuestion struct {
	ID      string            `json:"id"`
	Text    string            `json:"text"`
	Type    string            `json:"type"`
	Concept string            `json:"concept"`
	Options []SelectionOption `json:"options"`
}

type rawSurveyPatient struct {
	Code   string      `json:"code"`
	ID     string      `json:"id"`
	Gender string      `json:"gender"`
	Age    interface{} `json:"age"`
}

type rawResponse struct {
	QuestionID string      `json:"questionId"`
	Question   string      `json:"question"`
	Value      interface{} `json:"value"`
	Answer     interface{} `json:"answer"`
}

// ParseSurvey parses an extracted clinical document. A {cda: {...}}
// wrapper is unwrapped transparently.
func ParseSurvey(data []byte) (*SurveyDocument, error) {
	var raw rawSurvey
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, parseErrorf(CodeInvalidJSON, "parse clinical document: %v", err)
	}
	if raw.CDA != nil {
		raw = *raw.CDA
	}

	doc := &SurveyDocument{
		Title: raw.Title,
		Date:  raw.Date,
		Questionnaire: Questionnaire{
			Code:  raw.Questionnaire.Code,
			Title: raw.Questionnaire.Title,
		},
	}
	for _, q := range raw.Questionnaire.Questions {
		doc.Questionnaire.Questions = append(doc.Questionnaire.Questions, Question{
			ID:      q.ID,
			Text:    q.Text,
			Type:    strings.ToLower(q.Type),
			Concept: q.Concept,
			Options: q.Options,
		})
	}

	if raw.Patient != nil {
		p := &SurveyPatient{Gender: raw.Patient.Gender}
		p.Code = raw.Patient.Code
		if p.Code == "" {
			p.Code = raw.Patient.ID
		}
		if age, ok := entryInt(raw.Patient.Age); ok && age >= 0 {
			p.Age = &age
		}
		if p.Code != "" || p.Gender != "" || p.Age != nil {
			doc.Patient = p
		}
	}

	for _, r := range raw.Responses {
		id := r.QuestionID
		if id == "" {
			id = r.Question
		}
		value := r.Value
		if value == nil {
			value = r.Answer
		}
		doc.Responses = append(doc.Responses, SurveyResponse{QuestionID: id, Value: value})
	}

	return doc, nil
}
