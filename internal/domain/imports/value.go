package imports

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/clinport/clinport/internal/platform/formats"
)

// TypedValue is the tagged result of value resolution: exactly one of
// the typed slots is set, selected by Type. Degraded marks values that
// could not be stored as declared and fell back to text; Note says why.
// NoMatch narrows the degradation: a populated option catalog existed
// but no option matched the raw value.
type TypedValue struct {
	Type     ValueType
	Number   *float64
	Text     *string
	Blob     json.RawMessage
	Option   *formats.SelectionOption
	Degraded bool
	NoMatch  bool
	Note     string
}

func numericValue(f float64) TypedValue {
	return TypedValue{Type: ValueNumeric, Number: &f}
}

func textValue(t ValueType, s string) TypedValue {
	return TypedValue{Type: t, Text: &s}
}

func degradedText(s, note string) TypedValue {
	return TypedValue{Type: ValueText, Text: &s, Degraded: true, Note: note}
}

// AnswerPolicy decides how an Answer-typed raw value collapses to its
// stored form. The historical behavior conflates "answer given" with
// "answer is yes"; keeping it a policy makes that explicit and
// overridable.
type AnswerPolicy interface {
	Collapse(raw interface{}) TypedValue
}

// SNOMED CT 373066001, the canonical affirmative finding.
const affirmativeCode = "SCTID: 373066001"

// AffirmativePolicy maps every truthy answer to the canonical "Yes"
// code and falsy answers to empty text.
type AffirmativePolicy struct{}

func (AffirmativePolicy) Collapse(raw interface{}) TypedValue {
	if truthy(raw) {
		return textValue(ValueAnswer, affirmativeCode)
	}
	return textValue(ValueAnswer, "")
}

// VerbatimPolicy stores the answer text as given, for callers that need
// to distinguish presence from affirmation.
type VerbatimPolicy struct{}

func (VerbatimPolicy) Collapse(raw interface{}) TypedValue {
	return textValue(ValueAnswer, stringify(raw))
}

// ResolveValue maps a raw answer plus its declared value-type code onto
// one typed storage slot. It never fails: every branch has a defined
// fallback, and degradations are marked on the returned value so the
// caller can surface them.
//
// Selection resolution needs the option catalog; Answer resolution is
// delegated to the policy (nil selects AffirmativePolicy).
func ResolveValue(code ValueType, raw interface{}, catalog []formats.SelectionOption, policy AnswerPolicy) TypedValue {
	switch code {
	case ValueNumeric:
		if f, ok := toFloat(raw); ok {
			return numericValue(f)
		}
		return degradedText(stringify(raw), "value is not numeric")

	case ValueText, ValueFinding, ValueMedication:
		return textValue(code, stringify(raw))

	case ValueBlob:
		b, err := json.Marshal(raw)
		if err != nil {
			return degradedText(stringify(raw), "value is not serializable")
		}
		return TypedValue{Type: ValueBlob, Blob: b}

	case ValueQuestionnaire, ValueRaw:
		b, err := json.Marshal(raw)
		if err != nil {
			return degradedText(stringify(raw), "value is not serializable")
		}
		return TypedValue{Type: code, Blob: b}

	case ValueAnswer:
		if policy == nil {
			policy = AffirmativePolicy{}
		}
		return policy.Collapse(raw)

	case ValueSelection:
		return resolveSelection(raw, catalog)

	default:
		return degradedText(stringify(raw), "unrecognized value type "+string(code))
	}
}

// resolveSelection matches a raw value against the option catalog:
// exact case-insensitive label match first, then the first option whose
// label shares the search value's first two letters. A miss degrades to
// text so no data is dropped.
func resolveSelection(raw interface{}, catalog []formats.SelectionOption) TypedValue {
	search := strings.TrimSpace(stringify(raw))
	if len(catalog) == 0 {
		return degradedText(search, "selection has no option catalog")
	}

	if opt := MatchOption(catalog, search); opt != nil {
		v := textValue(ValueSelection, opt.Value)
		v.Option = opt
		return v
	}
	v := degradedText(search, "no option matches "+strconv.Quote(search))
	v.NoMatch = true
	return v
}

// MatchOption implements the selection matching rules. The two-letter
// prefix heuristic is deliberately coarse and kept for behavioral
// compatibility with existing stored data.
func MatchOption(catalog []formats.SelectionOption, search string) *formats.SelectionOption {
	for i := range catalog {
		if strings.EqualFold(catalog[i].Label, search) {
			return &catalog[i]
		}
	}
	if len(search) >= 2 {
		prefix := strings.ToLower(search[:2])
		for i := range catalog {
			label := strings.ToLower(catalog[i].Label)
			if len(label) >= 2 && label[:2] == prefix {
				return &catalog[i]
			}
		}
	}
	return nil
}

func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(v)
		// Legacy exports write decimal commas.
		s = strings.ReplaceAll(s, ",", ".")
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(raw interface{}) bool {
	switch v := raw.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		return s != "" && s != "no" && s != "false" && s != "0" && s != "n"
	default:
		return true
	}
}

func stringify(raw interface{}) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
