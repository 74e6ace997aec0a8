package imports

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clinport/clinport/internal/platform/storage"
)

// recordingStore captures executed SQL and can fail the first N calls
// with a transient error to exercise the retry path.
type recordingStore struct {
	commands     []storage.Command
	transactions [][]storage.Command
	failures     int
}

func (r *recordingStore) ExecuteQuery(context.Context, string, ...interface{}) (*storage.QueryResult, error) {
	return &storage.QueryResult{Success: true}, nil
}

func (r *recordingStore) ExecuteCommand(_ context.Context, sql string, params ...interface{}) (*storage.CommandResult, error) {
	if r.failures > 0 {
		r.failures--
		return nil, storage.ErrNotConnected
	}
	r.commands = append(r.commands, storage.Command{SQL: sql, Params: params})
	return &storage.CommandResult{Success: true, Changes: 1}, nil
}

func (r *recordingStore) ExecuteTransaction(_ context.Context, commands []storage.Command) (*storage.TxResult, error) {
	if r.failures > 0 {
		r.failures--
		return nil, storage.ErrNotConnected
	}
	r.transactions = append(r.transactions, commands)
	res := &storage.TxResult{Success: true, Results: make([]storage.CommandResult, len(commands))}
	for i := range res.Results {
		res.Results[i] = storage.CommandResult{Success: true, Changes: 1}
	}
	return res, nil
}

func sampleStructure(t *testing.T) *ImportStructure {
	t.Helper()
	w := 80.0
	note := "stable"
	s := &ImportStructure{
		Metadata: Metadata{Filename: "sample.csv"},
		Patients: []Patient{{PatientNum: 1, PatientCd: "P001"}, {PatientNum: 2, PatientCd: "P002"}},
		Visits: []Visit{
			{EncounterNum: 1, PatientNum: 1, StartDate: "2024-01-05"},
			{EncounterNum: 2, PatientNum: 2, StartDate: "2024-01-06"},
		},
		Observations: []Observation{
			{ObservationNum: 1, EncounterNum: 1, PatientNum: 1, ConceptCd: "WEIGHT", ValtypeCd: ValueNumeric, NvalNum: &w},
			{ObservationNum: 2, EncounterNum: 2, PatientNum: 2, ConceptCd: "NOTE", ValtypeCd: ValueText, TvalChar: &note},
		},
	}
	if err := s.finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return s
}

func quickRetry() storage.RetryPolicy {
	return storage.RetryPolicy{MaxAttempts: 3, Backoff: 0}
}

func TestBulkImporter_SingleTransaction(t *testing.T) {
	store := &recordingStore{}
	b := NewBulkImporter(store, quickRetry(), zerolog.Nop())

	res, err := b.Import(context.Background(), sampleStructure(t), Options{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	if len(store.transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(store.transactions))
	}
	commands := store.transactions[0]
	if len(commands) != 6 {
		t.Fatalf("commands = %d, want 6", len(commands))
	}

	// Dependency order: patients, then visits, then observations.
	for i, wantTable := range []string{
		patientTable, patientTable, visitTable, visitTable, observationTable, observationTable,
	} {
		if !strings.Contains(commands[i].SQL, wantTable) {
			t.Errorf("command %d targets %q, want %s", i, commands[i].SQL, wantTable)
		}
	}

	if res.PatientsInserted != 2 || res.VisitsInserted != 2 || res.ObservationsInserted != 2 {
		t.Errorf("result = %+v", res)
	}

	// Default policy is skip: every insert carries DO NOTHING.
	for i, cmd := range commands {
		if !strings.Contains(cmd.SQL, "ON CONFLICT DO NOTHING") {
			t.Errorf("command %d missing skip clause: %q", i, cmd.SQL)
		}
	}
}

func TestBulkImporter_UpdatePolicy(t *testing.T) {
	store := &recordingStore{}
	b := NewBulkImporter(store, quickRetry(), zerolog.Nop())

	_, err := b.Import(context.Background(), sampleStructure(t), Options{DuplicateHandling: DuplicateUpdate})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	commands := store.transactions[0]
	if !strings.Contains(commands[0].SQL, "ON CONFLICT (patient_cd) DO UPDATE SET") {
		t.Errorf("patient upsert clause missing: %q", commands[0].SQL)
	}
	if !strings.Contains(commands[2].SQL, "ON CONFLICT (patient_num, start_date, location_cd) DO UPDATE SET") {
		t.Errorf("visit upsert clause missing: %q", commands[2].SQL)
	}
	if !strings.Contains(commands[4].SQL, "ON CONFLICT (encounter_num, patient_num, concept_cd, instance_num) DO UPDATE SET") {
		t.Errorf("observation upsert clause missing: %q", commands[4].SQL)
	}
}

func TestBulkImporter_ErrorPolicyBareInsert(t *testing.T) {
	store := &recordingStore{}
	b := NewBulkImporter(store, quickRetry(), zerolog.Nop())

	_, err := b.Import(context.Background(), sampleStructure(t), Options{DuplicateHandling: DuplicateError})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	for i, cmd := range store.transactions[0] {
		if strings.Contains(cmd.SQL, "ON CONFLICT") {
			t.Errorf("command %d carries a conflict clause under the error policy: %q", i, cmd.SQL)
		}
	}
}

func TestBulkImporter_BatchMode(t *testing.T) {
	store := &recordingStore{}
	b := NewBulkImporter(store, quickRetry(), zerolog.Nop())

	res, err := b.Import(context.Background(), sampleStructure(t), Options{
		TransactionMode: TransactionBatch,
		BatchSize:       4,
	})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(store.transactions) != 2 {
		t.Fatalf("transactions = %d, want 2 (6 commands in batches of 4)", len(store.transactions))
	}
	if len(store.transactions[0]) != 4 || len(store.transactions[1]) != 2 {
		t.Errorf("batch sizes = %d, %d", len(store.transactions[0]), len(store.transactions[1]))
	}
	// Attribution still lands per table across the batch boundary.
	if res.PatientsInserted != 2 || res.VisitsInserted != 2 || res.ObservationsInserted != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestBulkImporter_NoTransactionMode(t *testing.T) {
	store := &recordingStore{}
	b := NewBulkImporter(store, quickRetry(), zerolog.Nop())

	_, err := b.Import(context.Background(), sampleStructure(t), Options{TransactionMode: TransactionNone})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(store.commands) != 6 || len(store.transactions) != 0 {
		t.Errorf("commands = %d, transactions = %d", len(store.commands), len(store.transactions))
	}
}

func TestBulkImporter_TransientFailureRetried(t *testing.T) {
	store := &recordingStore{failures: 2}
	b := NewBulkImporter(store, quickRetry(), zerolog.Nop())

	res, err := b.Import(context.Background(), sampleStructure(t), Options{})
	if err != nil {
		t.Fatalf("Import after transient failures: %v", err)
	}
	if res.PatientsInserted != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestBulkImporter_RetriesExhausted(t *testing.T) {
	store := &recordingStore{failures: 10}
	b := NewBulkImporter(store, quickRetry(), zerolog.Nop())

	if _, err := b.Import(context.Background(), sampleStructure(t), Options{}); err == nil {
		t.Fatal("expected failure once retries are exhausted")
	}
}

func TestBulkImporter_ContextCancelledBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := &recordingStore{}
	b := NewBulkImporter(store, quickRetry(), zerolog.Nop())

	_, err := b.Import(ctx, sampleStructure(t), Options{TransactionMode: TransactionBatch, BatchSize: 2})
	if err == nil {
		t.Fatal("expected context error")
	}
	if len(store.transactions) != 0 {
		t.Errorf("transactions = %d, want 0", len(store.transactions))
	}
}

// obsRowKey is an observation's full natural identity, instance
// ordinal included.
type obsRowKey struct {
	id       obsIdentity
	instance int64
}

// tableStore is an in-memory stand-in that enforces the same primary
// keys, natural identities and foreign keys the schema declares, so a
// key collision between files fails or drops rows exactly the way the
// database would.
type tableStore struct {
	patients        map[string]int64 // patient_cd -> patient_num
	patientNums     map[int64]bool
	visits          map[visitIdentity]int64 // identity -> encounter_num
	encounterNums   map[int64]bool
	obs             map[obsRowKey]bool
	observationNums map[int64]bool
}

func newTableStore() *tableStore {
	return &tableStore{
		patients:        map[string]int64{},
		patientNums:     map[int64]bool{},
		visits:          map[visitIdentity]int64{},
		encounterNums:   map[int64]bool{},
		obs:             map[obsRowKey]bool{},
		observationNums: map[int64]bool{},
	}
}

func maxKey(keys map[int64]bool) int64 {
	var max int64
	for k := range keys {
		if k > max {
			max = k
		}
	}
	return max
}

func pstr(v interface{}) string {
	if v == nil {
		return ""
	}
	return v.(string)
}

func (ts *tableStore) ExecuteQuery(_ context.Context, sql string, params ...interface{}) (*storage.QueryResult, error) {
	switch {
	case strings.Contains(sql, "MAX(patient_num)"):
		return &storage.QueryResult{Success: true, Data: []map[string]interface{}{{
			"max_patient":     maxKey(ts.patientNums),
			"max_encounter":   maxKey(ts.encounterNums),
			"max_observation": maxKey(ts.observationNums),
		}}}, nil

	case strings.Contains(sql, "WHERE patient_cd"):
		var data []map[string]interface{}
		for _, cd := range params[0].([]string) {
			if num, ok := ts.patients[cd]; ok {
				data = append(data, map[string]interface{}{"patient_num": num, "patient_cd": cd})
			}
		}
		return &storage.QueryResult{Success: true, Data: data}, nil

	case strings.Contains(sql, "FROM visit_dimension WHERE patient_num"):
		var data []map[string]interface{}
		for _, num := range params[0].([]int64) {
			for id, enc := range ts.visits {
				if id.patientNum == num {
					data = append(data, map[string]interface{}{
						"encounter_num": enc,
						"patient_num":   id.patientNum,
						"start_date":    id.startDate,
						"location_cd":   id.locationCd,
					})
				}
			}
		}
		return &storage.QueryResult{Success: true, Data: data}, nil
	}
	return nil, fmt.Errorf("unexpected query: %s", sql)
}

func (ts *tableStore) ExecuteCommand(_ context.Context, sql string, params ...interface{}) (*storage.CommandResult, error) {
	skip := strings.Contains(sql, "DO NOTHING")
	upsert := strings.Contains(sql, "DO UPDATE")

	switch {
	case strings.Contains(sql, patientTable):
		num, cd := params[0].(int64), params[1].(string)
		_, cdTaken := ts.patients[cd]
		if cdTaken || ts.patientNums[num] {
			if skip {
				return &storage.CommandResult{Success: true}, nil
			}
			if upsert && cdTaken {
				return &storage.CommandResult{Success: true, Changes: 1}, nil
			}
			return nil, fmt.Errorf("duplicate key value violates a patient_dimension constraint")
		}
		ts.patients[cd] = num
		ts.patientNums[num] = true

	case strings.Contains(sql, visitTable):
		enc, pnum := params[0].(int64), params[1].(int64)
		if !ts.patientNums[pnum] {
			return nil, fmt.Errorf("insert on visit_dimension violates foreign key: patient %d", pnum)
		}
		id := visitIdentity{pnum, pstr(params[2]), pstr(params[4])}
		_, idTaken := ts.visits[id]
		if idTaken || ts.encounterNums[enc] {
			if skip {
				return &storage.CommandResult{Success: true}, nil
			}
			if upsert && idTaken {
				return &storage.CommandResult{Success: true, Changes: 1}, nil
			}
			return nil, fmt.Errorf("duplicate key value violates a visit_dimension constraint")
		}
		ts.visits[id] = enc
		ts.encounterNums[enc] = true

	case strings.Contains(sql, observationTable):
		onum, enc, pnum := params[0].(int64), params[1].(int64), params[2].(int64)
		if !ts.encounterNums[enc] || !ts.patientNums[pnum] {
			return nil, fmt.Errorf("insert on observation_fact violates foreign key: visit %d patient %d", enc, pnum)
		}
		key := obsRowKey{obsIdentity{enc, pnum, params[3].(string)}, params[10].(int64)}
		if ts.obs[key] || ts.observationNums[onum] {
			if skip {
				return &storage.CommandResult{Success: true}, nil
			}
			if upsert && ts.obs[key] {
				return &storage.CommandResult{Success: true, Changes: 1}, nil
			}
			return nil, fmt.Errorf("duplicate key value violates an observation_fact constraint")
		}
		ts.obs[key] = true
		ts.observationNums[onum] = true

	default:
		return nil, fmt.Errorf("unexpected command: %s", sql)
	}
	return &storage.CommandResult{Success: true, Changes: 1}, nil
}

func (ts *tableStore) ExecuteTransaction(ctx context.Context, commands []storage.Command) (*storage.TxResult, error) {
	res := &storage.TxResult{Success: true}
	for _, cmd := range commands {
		cmdRes, err := ts.ExecuteCommand(ctx, cmd.SQL, cmd.Params...)
		if err != nil {
			return nil, err
		}
		res.Results = append(res.Results, *cmdRes)
	}
	return res, nil
}

func TestBulkImporter_SkipIsIdempotentAcrossRuns(t *testing.T) {
	store := newTableStore()
	b := NewBulkImporter(store, quickRetry(), zerolog.Nop())

	first, err := b.Import(context.Background(), sampleStructure(t), Options{})
	if err != nil {
		t.Fatalf("first Import: %v", err)
	}
	if first.PatientsInserted != 2 || first.VisitsInserted != 2 || first.ObservationsInserted != 2 {
		t.Fatalf("first run = %+v", first)
	}

	second, err := b.Import(context.Background(), sampleStructure(t), Options{})
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if second.PatientsInserted != 0 || second.VisitsInserted != 0 || second.ObservationsInserted != 0 {
		t.Errorf("second run = %+v, want nothing inserted", second)
	}
	if len(store.patients) != 2 || len(store.visits) != 2 || len(store.obs) != 2 {
		t.Errorf("store holds %d/%d/%d rows after re-import, want 2/2/2",
			len(store.patients), len(store.visits), len(store.obs))
	}
}

func TestBulkImporter_SecondFileGetsFreshKeys(t *testing.T) {
	store := newTableStore()
	b := NewBulkImporter(store, quickRetry(), zerolog.Nop())

	if _, err := b.Import(context.Background(), sampleStructure(t), Options{}); err != nil {
		t.Fatalf("first Import: %v", err)
	}

	// A second file: its transformer also numbered everything from 1.
	w := 64.0
	other := &ImportStructure{
		Metadata: Metadata{Filename: "other.csv"},
		Patients: []Patient{{PatientNum: 1, PatientCd: "P101"}},
		Visits:   []Visit{{EncounterNum: 1, PatientNum: 1, StartDate: "2024-02-01"}},
		Observations: []Observation{
			{ObservationNum: 1, EncounterNum: 1, PatientNum: 1, ConceptCd: "WEIGHT", ValtypeCd: ValueNumeric, NvalNum: &w},
		},
	}
	if err := other.finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	res, err := b.Import(context.Background(), other, Options{})
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if res.PatientsInserted != 1 || res.VisitsInserted != 1 || res.ObservationsInserted != 1 {
		t.Fatalf("second file = %+v, want everything inserted", res)
	}

	if len(store.patients) != 3 {
		t.Fatalf("patients stored = %d, want 3", len(store.patients))
	}
	num, ok := store.patients["P101"]
	if !ok {
		t.Fatal("P101 was never persisted")
	}
	if num == store.patients["P001"] || num == store.patients["P002"] {
		t.Fatalf("P101 shares patient_num %d with an earlier file", num)
	}
	enc, ok := store.visits[visitIdentity{num, "2024-02-01", ""}]
	if !ok {
		t.Fatal("the second file's visit is not owned by P101")
	}
	if !store.obs[obsRowKey{obsIdentity{enc, num, "WEIGHT"}, 1}] {
		t.Error("the second file's observation did not follow its visit")
	}
}

func TestBulkImporter_SharedPatientReusedAcrossFiles(t *testing.T) {
	store := newTableStore()
	b := NewBulkImporter(store, quickRetry(), zerolog.Nop())

	if _, err := b.Import(context.Background(), sampleStructure(t), Options{}); err != nil {
		t.Fatalf("first Import: %v", err)
	}
	firstNum := store.patients["P001"]

	// P001 shows up again in a later file with a new visit.
	followUp := &ImportStructure{
		Metadata: Metadata{Filename: "followup.csv"},
		Patients: []Patient{{PatientNum: 1, PatientCd: "P001"}},
		Visits:   []Visit{{EncounterNum: 1, PatientNum: 1, StartDate: "2024-03-01"}},
	}
	if err := followUp.finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	res, err := b.Import(context.Background(), followUp, Options{})
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if res.PatientsInserted != 0 {
		t.Errorf("patients inserted = %d, want 0 for a known patient", res.PatientsInserted)
	}
	if res.VisitsInserted != 1 {
		t.Errorf("visits inserted = %d, want 1", res.VisitsInserted)
	}

	if len(store.patients) != 2 || store.patients["P001"] != firstNum {
		t.Errorf("P001 was duplicated or re-keyed: %+v", store.patients)
	}
	if _, ok := store.visits[visitIdentity{firstNum, "2024-03-01", ""}]; !ok {
		t.Error("the follow-up visit is not attached to the stored P001")
	}
}
