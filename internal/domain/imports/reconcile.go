package imports

import (
	"context"
	"fmt"
)

// Queries backing key reconciliation. The transformer numbers every
// run from 1, so two files both carry patient 1; before anything is
// written the run-scoped keys are mapped onto database-wide ones.
const (
	keyBaseQuery = `SELECT
  (SELECT COALESCE(MAX(patient_num), 0) FROM patient_dimension) AS max_patient,
  (SELECT COALESCE(MAX(encounter_num), 0) FROM visit_dimension) AS max_encounter,
  (SELECT COALESCE(MAX(observation_num), 0) FROM observation_fact) AS max_observation`

	patientLookupQuery = `SELECT patient_num, patient_cd FROM patient_dimension WHERE patient_cd = ANY($1)`

	visitLookupQuery = `SELECT encounter_num, patient_num, start_date, location_cd FROM visit_dimension WHERE patient_num = ANY($1)`
)

// visitIdentity is the natural key of a visit.
type visitIdentity struct {
	patientNum int64
	startDate  string
	locationCd string
}

// obsIdentity is the natural key of an observation minus the instance
// ordinal, which is counted per file.
type obsIdentity struct {
	encounterNum int64
	patientNum   int64
	conceptCd    string
}

// reconcile maps the per-run surrogate keys of s onto database-wide
// keys and returns the remapped copy; s itself is never mutated. A
// patient code already stored keeps its stored patient_num, a visit
// matching a stored visit of a reused patient by start date and
// location keeps its encounter_num, and everything else is keyed
// above the stored maxima. Observations always get fresh keys; their
// duplicate handling runs on the natural identity at insert time.
func (b *BulkImporter) reconcile(ctx context.Context, s *ImportStructure) (*ImportStructure, error) {
	maxPatient, maxVisit, maxObs, err := b.keyBases(ctx)
	if err != nil {
		return nil, err
	}

	storedPatients, err := b.storedPatients(ctx, s)
	if err != nil {
		return nil, err
	}

	out := &ImportStructure{Metadata: s.Metadata}

	patientNums := make(map[int64]int64, len(s.Patients))
	var reused []int64
	out.Patients = make([]Patient, len(s.Patients))
	for i, p := range s.Patients {
		num, ok := storedPatients[p.PatientCd]
		if ok {
			reused = append(reused, num)
		} else {
			maxPatient++
			num = maxPatient
		}
		patientNums[p.PatientNum] = num
		p.PatientNum = num
		out.Patients[i] = p
	}

	// Only reused patients can own visits that already exist.
	storedVisits, err := b.storedVisits(ctx, reused)
	if err != nil {
		return nil, err
	}

	encounterNums := make(map[int64]int64, len(s.Visits))
	out.Visits = make([]Visit, len(s.Visits))
	for i, v := range s.Visits {
		v.PatientNum = patientNums[v.PatientNum]
		num, ok := storedVisits[visitIdentity{v.PatientNum, v.StartDate, v.LocationCd}]
		if !ok {
			maxVisit++
			num = maxVisit
		}
		encounterNums[v.EncounterNum] = num
		v.EncounterNum = num
		out.Visits[i] = v
	}

	out.Observations = make([]Observation, len(s.Observations))
	for i, o := range s.Observations {
		o.PatientNum = patientNums[o.PatientNum]
		o.EncounterNum = encounterNums[o.EncounterNum]
		maxObs++
		o.ObservationNum = maxObs
		out.Observations[i] = o
	}

	if err := out.finalize(); err != nil {
		return nil, fmt.Errorf("bulk import: reconciled structure: %w", err)
	}
	return out, nil
}

func (b *BulkImporter) keyBases(ctx context.Context) (patient, visit, obs int64, err error) {
	res, err := b.store.ExecuteQuery(ctx, keyBaseQuery)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bulk import: read key maxima: %w", err)
	}
	if len(res.Data) == 0 {
		return 0, 0, 0, nil
	}
	row := res.Data[0]
	return asInt64(row["max_patient"]), asInt64(row["max_encounter"]), asInt64(row["max_observation"]), nil
}

func (b *BulkImporter) storedPatients(ctx context.Context, s *ImportStructure) (map[string]int64, error) {
	if len(s.Patients) == 0 {
		return nil, nil
	}
	codes := make([]string, len(s.Patients))
	for i, p := range s.Patients {
		codes[i] = p.PatientCd
	}
	res, err := b.store.ExecuteQuery(ctx, patientLookupQuery, codes)
	if err != nil {
		return nil, fmt.Errorf("bulk import: look up patients: %w", err)
	}
	byCode := make(map[string]int64, len(res.Data))
	for _, row := range res.Data {
		byCode[asString(row["patient_cd"])] = asInt64(row["patient_num"])
	}
	return byCode, nil
}

func (b *BulkImporter) storedVisits(ctx context.Context, patientNums []int64) (map[visitIdentity]int64, error) {
	if len(patientNums) == 0 {
		return nil, nil
	}
	res, err := b.store.ExecuteQuery(ctx, visitLookupQuery, patientNums)
	if err != nil {
		return nil, fmt.Errorf("bulk import: look up visits: %w", err)
	}
	byIdentity := make(map[visitIdentity]int64, len(res.Data))
	for _, row := range res.Data {
		k := visitIdentity{
			patientNum: asInt64(row["patient_num"]),
			startDate:  asString(row["start_date"]),
			locationCd: asString(row["location_cd"]),
		}
		byIdentity[k] = asInt64(row["encounter_num"])
	}
	return byIdentity, nil
}

// asInt64 and asString absorb the driver-dependent scan types of the
// generic query result.
func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
