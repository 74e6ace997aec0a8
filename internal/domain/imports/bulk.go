package imports

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/clinport/clinport/internal/platform/storage"
)

// Table names of the persisted contract: one dimension table each for
// patients and visits, one fact table for observations.
const (
	patientTable     = "patient_dimension"
	visitTable       = "visit_dimension"
	observationTable = "observation_fact"
)

// BulkResult reports what one persistence run changed.
type BulkResult struct {
	PatientsInserted     int64 `json:"patientsInserted"`
	VisitsInserted       int64 `json:"visitsInserted"`
	ObservationsInserted int64 `json:"observationsInserted"`
	CommandCount         int   `json:"commandCount"`
}

// BulkImporter persists a canonical ImportStructure through the storage
// collaborator: patients, then visits, then observations, respecting
// foreign-key order, all inside one transaction per file. Transient
// storage failures are retried per the policy; everything else fails
// the import.
type BulkImporter struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewBulkImporter wires the store with the retry policy.
func NewBulkImporter(store storage.Store, policy storage.RetryPolicy, logger zerolog.Logger) *BulkImporter {
	return &BulkImporter{
		store:  storage.WithRetry(store, policy, logger),
		logger: logger,
	}
}

// Import writes the structure. The run-scoped surrogate keys are first
// reconciled against the stored keyspace so two files never collide on
// a primary key and shared patients are not duplicated. The
// cancellation token is honored between record batches, never inside a
// transaction.
func (b *BulkImporter) Import(ctx context.Context, s *ImportStructure, opts Options) (*BulkResult, error) {
	opts = opts.withDefaults()

	s, err := b.reconcile(ctx, s)
	if err != nil {
		return nil, err
	}

	commands, err := b.buildCommands(s, opts)
	if err != nil {
		return nil, err
	}

	res := &BulkResult{CommandCount: len(commands)}
	apply := func(txRes *storage.TxResult) {
		for i, r := range txRes.Results {
			switch {
			case i < len(s.Patients):
				res.PatientsInserted += r.Changes
			case i < len(s.Patients)+len(s.Visits):
				res.VisitsInserted += r.Changes
			default:
				res.ObservationsInserted += r.Changes
			}
		}
	}

	switch opts.TransactionMode {
	case TransactionSingle:
		txRes, err := b.store.ExecuteTransaction(ctx, commands)
		if err != nil {
			return nil, fmt.Errorf("bulk import: %w", err)
		}
		apply(txRes)

	case TransactionBatch:
		for start := 0; start < len(commands); start += opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			end := start + opts.BatchSize
			if end > len(commands) {
				end = len(commands)
			}
			txRes, err := b.store.ExecuteTransaction(ctx, commands[start:end])
			if err != nil {
				return nil, fmt.Errorf("bulk import batch starting at %d: %w", start+1, err)
			}
			// Offset the per-command attribution by the batch start.
			shifted := &storage.TxResult{Results: make([]storage.CommandResult, start)}
			shifted.Results = append(shifted.Results, txRes.Results...)
			apply(shifted)
		}

	case TransactionNone:
		for i, cmd := range commands {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			cmdRes, err := b.store.ExecuteCommand(ctx, cmd.SQL, cmd.Params...)
			if err != nil {
				return nil, fmt.Errorf("bulk import command %d: %w", i+1, err)
			}
			apply(&storage.TxResult{Results: append(make([]storage.CommandResult, i), *cmdRes)})
		}

	default:
		return nil, fmt.Errorf("bulk import: unknown transaction mode %q", opts.TransactionMode)
	}

	b.logger.Info().
		Str("filename", s.Metadata.Filename).
		Int64("patients", res.PatientsInserted).
		Int64("visits", res.VisitsInserted).
		Int64("observations", res.ObservationsInserted).
		Msg("bulk import committed")

	return res, nil
}

// buildCommands renders the insert statements in dependency order.
// Natural identities back the duplicate policy: patient code for
// patients, (patient, start date, location) for visits and
// (patient, visit, concept, ordinal) for observations.
func (b *BulkImporter) buildCommands(s *ImportStructure, opts Options) ([]storage.Command, error) {
	switch opts.DuplicateHandling {
	case DuplicateSkip, DuplicateUpdate, DuplicateError:
	default:
		return nil, fmt.Errorf("bulk import: unknown duplicate policy %q", opts.DuplicateHandling)
	}

	commands := make([]storage.Command, 0, len(s.Patients)+len(s.Visits)+len(s.Observations))

	for _, p := range s.Patients {
		commands = append(commands, storage.Command{
			SQL: fmt.Sprintf(`INSERT INTO %s
  (patient_num, patient_cd, sex_cd, age_in_years, birth_date, vital_status_cd, patient_blob, sourcesystem_cd, upload_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)%s`,
				patientTable, patientConflict(opts.DuplicateHandling)),
			Params: []interface{}{
				p.PatientNum, p.PatientCd, nullStr(p.SexCd), p.AgeInYears, p.BirthDate,
				nullStr(p.VitalStatusCd), blobParam(p.Blob), nullStr(p.SourceSystem), nullStr(p.UploadID),
			},
		})
	}

	for _, v := range s.Visits {
		commands = append(commands, storage.Command{
			SQL: fmt.Sprintf(`INSERT INTO %s
  (encounter_num, patient_num, start_date, end_date, location_cd, inout_cd, visit_blob)
VALUES ($1, $2, $3, $4, $5, $6, $7)%s`,
				visitTable, visitConflict(opts.DuplicateHandling)),
			Params: []interface{}{
				v.EncounterNum, v.PatientNum, nullStr(v.StartDate), v.EndDate,
				nullStr(v.LocationCd), nullStr(v.InOutCd), blobParam(v.Blob),
			},
		})
	}

	// The instance ordinal disambiguates repeats of one concept within
	// a visit; it restarts per file, which is what makes re-importing
	// the same file collide row for row.
	instances := make(map[obsIdentity]int64)
	for _, o := range s.Observations {
		id := obsIdentity{o.EncounterNum, o.PatientNum, o.ConceptCd}
		instances[id]++
		commands = append(commands, storage.Command{
			SQL: fmt.Sprintf(`INSERT INTO %s
  (observation_num, encounter_num, patient_num, concept_cd, category_cd, valtype_cd, nval_num, tval_char, observation_blob, units_cd, instance_num)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)%s`,
				observationTable, observationConflict(opts.DuplicateHandling)),
			Params: []interface{}{
				o.ObservationNum, o.EncounterNum, o.PatientNum, o.ConceptCd,
				nullStr(o.CategoryCd), string(o.ValtypeCd), o.NvalNum, o.TvalChar,
				blobParam(o.Blob), nullStr(o.UnitsCd), instances[id],
			},
		})
	}

	return commands, nil
}

// Conflict suffixes per table. Skip means "insert if absent" keyed by
// whichever key collides; update upserts on the natural identity;
// error keeps the bare insert so the first collision fails the
// transaction.

func patientConflict(policy DuplicateHandling) string {
	switch policy {
	case DuplicateSkip:
		return "\nON CONFLICT DO NOTHING"
	case DuplicateUpdate:
		return `
ON CONFLICT (patient_cd) DO UPDATE SET
  sex_cd = EXCLUDED.sex_cd,
  age_in_years = EXCLUDED.age_in_years,
  birth_date = EXCLUDED.birth_date,
  vital_status_cd = EXCLUDED.vital_status_cd,
  patient_blob = EXCLUDED.patient_blob,
  upload_id = EXCLUDED.upload_id`
	default:
		return ""
	}
}

func visitConflict(policy DuplicateHandling) string {
	switch policy {
	case DuplicateSkip:
		return "\nON CONFLICT DO NOTHING"
	case DuplicateUpdate:
		return `
ON CONFLICT (patient_num, start_date, location_cd) DO UPDATE SET
  end_date = EXCLUDED.end_date,
  inout_cd = EXCLUDED.inout_cd,
  visit_blob = EXCLUDED.visit_blob`
	default:
		return ""
	}
}

func observationConflict(policy DuplicateHandling) string {
	switch policy {
	case DuplicateSkip:
		return "\nON CONFLICT DO NOTHING"
	case DuplicateUpdate:
		return `
ON CONFLICT (encounter_num, patient_num, concept_cd, instance_num) DO UPDATE SET
  category_cd = EXCLUDED.category_cd,
  valtype_cd = EXCLUDED.valtype_cd,
  nval_num = EXCLUDED.nval_num,
  tval_char = EXCLUDED.tval_char,
  observation_blob = EXCLUDED.observation_blob,
  units_cd = EXCLUDED.units_cd`
	default:
		return ""
	}
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func blobParam(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
