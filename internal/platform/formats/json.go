package formats

import (
	"encoding/json"
	"strconv"
)

// ParseCanonical parses a canonical JSON export. The top level may be
// the bare document or a wrapper with the arrays under "data". Field
// names are normalized (PATIENT_CD, patientCd and patient_cd all bind
// the same field); values pass through untouched. Malformed JSON is a
// single fatal INVALID_JSON error.
func ParseCanonical(data []byte) (*CanonicalDocument, error) {
	root, perr := foldedObject(data)
	if perr != nil {
		return nil, perr
	}

	doc := &CanonicalDocument{}
	if meta, ok := root["metadata"]; ok {
		doc.Metadata = parseDocumentInfo(meta)
	}
	if exp, ok := root["exportinfo"]; ok {
		doc.ExportInfo = parseExportInfo(exp)
	}

	body := root
	if inner, ok := root["data"]; ok {
		nested, perr := foldedObject(inner)
		if perr == nil {
			body = nested
		}
	}

	if _, ok := body["patients"]; !ok {
		return nil, parseErrorf(CodeInvalidStructure, "document has no patients array")
	}

	var arrErr error
	eachElement(body["patients"], &arrErr, func(m map[string]json.RawMessage) {
		doc.Patients = append(doc.Patients, parsePatientRecord(m))
	})
	eachElement(body["visits"], &arrErr, func(m map[string]json.RawMessage) {
		doc.Visits = append(doc.Visits, parseVisitRecord(m))
	})
	eachElement(body["observations"], &arrErr, func(m map[string]json.RawMessage) {
		doc.Observations = append(doc.Observations, parseObservationRecord(m))
	})
	if arrErr != nil {
		return nil, parseErrorf(CodeInvalidJSON, "malformed record array: %v", arrErr)
	}

	return doc, nil
}

// foldedObject unmarshals a JSON object and folds its keys.
func foldedObject(data []byte) (map[string]json.RawMessage, *ParseError) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, parseErrorf(CodeInvalidJSON, "parse JSON: %v", err)
	}
	folded := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		folded[foldKey(k)] = v
	}
	return folded, nil
}

// eachElement walks a JSON array of objects, folding each element's
// keys. A missing array is fine; a non-array or non-object element is
// recorded in errOut.
func eachElement(raw json.RawMessage, errOut *error, fn func(map[string]json.RawMessage)) {
	if raw == nil || *errOut != nil {
		return
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		*errOut = err
		return
	}
	for _, e := range elems {
		m, perr := foldedObject(e)
		if perr != nil {
			*errOut = perr
			return
		}
		fn(m)
	}
}

func parseDocumentInfo(raw json.RawMessage) DocumentInfo {
	m, perr := foldedObject(raw)
	if perr != nil {
		return DocumentInfo{}
	}
	return DocumentInfo{
		Title:      jsonString(m["title"]),
		Source:     jsonString(m["source"]),
		Author:     jsonString(m["author"]),
		ExportDate: jsonString(firstRaw(m, "exportdate", "date")),
	}
}

func parseExportInfo(raw json.RawMessage) ExportInfo {
	m, perr := foldedObject(raw)
	if perr != nil {
		return ExportInfo{}
	}
	return ExportInfo{
		Format:     jsonString(m["format"]),
		Version:    jsonString(m["version"]),
		ExportedAt: jsonString(firstRaw(m, "exportedat", "timestamp")),
		Source:     jsonString(m["source"]),
	}
}

func parsePatientRecord(m map[string]json.RawMessage) PatientRecord {
	return PatientRecord{
		PatientNum:  jsonInt(firstRaw(m, "patientnum", "id")),
		PatientCd:   jsonString(firstRaw(m, "patientcd", "patientid", "code")),
		SexCd:       jsonString(firstRaw(m, "sexcd", "sex", "gender")),
		AgeInYears:  jsonIntPtr(firstRaw(m, "ageinyears", "age")),
		BirthDate:   jsonString(firstRaw(m, "birthdate", "dateofbirth")),
		VitalStatus: jsonString(firstRaw(m, "vitalstatuscd", "vitalstatus")),
		Blob:        firstRaw(m, "patientblob", "blob"),
	}
}

func parseVisitRecord(m map[string]json.RawMessage) VisitRecord {
	return VisitRecord{
		EncounterNum: jsonInt(firstRaw(m, "encounternum", "id")),
		PatientNum:   jsonInt(m["patientnum"]),
		PatientCd:    jsonString(firstRaw(m, "patientcd", "patientid")),
		StartDate:    jsonString(firstRaw(m, "startdate", "visitdate")),
		EndDate:      jsonString(m["enddate"]),
		LocationCd:   jsonString(firstRaw(m, "locationcd", "location")),
		InOutCd:      jsonString(firstRaw(m, "inoutcd", "visittype")),
		Blob:         firstRaw(m, "visitblob", "blob"),
	}
}

func parseObservationRecord(m map[string]json.RawMessage) ObservationRecord {
	rec := ObservationRecord{
		EncounterNum: jsonInt(m["encounternum"]),
		PatientNum:   jsonInt(m["patientnum"]),
		PatientCd:    jsonString(firstRaw(m, "patientcd", "patientid")),
		ConceptCd:    jsonString(firstRaw(m, "conceptcd", "concept", "code")),
		CategoryCd:   jsonString(firstRaw(m, "categorychar", "categorycd", "category")),
		ValtypeCd:    jsonString(firstRaw(m, "valtypecd", "valuetype")),
		Blob:         firstRaw(m, "observationblob", "blob"),
		UnitsCd:      jsonString(firstRaw(m, "unitscd", "units")),
	}
	if raw, ok := m["nvalnum"]; ok {
		var f float64
		if json.Unmarshal(raw, &f) == nil {
			rec.NvalNum = &f
		}
	}
	if raw, ok := m["tvalchar"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			rec.TvalChar = &s
		}
	}
	if raw, ok := m["value"]; ok && raw != nil {
		var v interface{}
		if json.Unmarshal(raw, &v) == nil {
			rec.Value = v
		}
	}
	return rec
}

func firstRaw(m map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := m[k]; ok && string(v) != "null" {
			return v
		}
	}
	return nil
}

// jsonString decodes a string value, stringifying numbers so that loose
// exports with numeric codes still bind.
func jsonString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

func jsonInt(raw json.RawMessage) int64 {
	if raw == nil {
		return 0
	}
	var n int64
	if json.Unmarshal(raw, &n) == nil {
		return n
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v
		}
	}
	return 0
}

func jsonIntPtr(raw json.RawMessage) *int {
	if raw == nil {
		return nil
	}
	var n int
	if json.Unmarshal(raw, &n) == nil {
		return &n
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if v, err := strconv.Atoi(s); err == nil {
			return &v
		}
	}
	return nil
}
