package imports

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinport/clinport/internal/domain/terminology"
	"github.com/clinport/clinport/internal/platform/formats"
)

// Service orchestrates one import unit end to end: format detection,
// parsing, structural validation, transformation to the canonical
// structure, and (optionally) persistence through the bulk importer.
//
// The terminology resolver and the bulk importer are both optional; a
// nil resolver disables selection-catalog enrichment and a nil bulk
// importer restricts the service to parse-only use.
type Service struct {
	logger zerolog.Logger
	terms  terminology.Resolver
	bulk   *BulkImporter
}

func NewService(logger zerolog.Logger, terms terminology.Resolver, bulk *BulkImporter) *Service {
	return &Service{logger: logger, terms: terms, bulk: bulk}
}

// FormatInfo describes one supported input format for discovery
// endpoints and CLI help.
type FormatInfo struct {
	Format      formats.Format `json:"format"`
	Description string         `json:"description"`
}

// SupportedFormats lists every format the detector can route.
func SupportedFormats() []FormatInfo {
	return []FormatInfo{
		{Format: formats.FormatCSV, Description: "delimited export, full-export or condensed header variant"},
		{Format: formats.FormatXLSX, Description: "workbook, first sheet read as a delimited export"},
		{Format: formats.FormatJSON, Description: "canonical JSON export (patients/visits/observations)"},
		{Format: formats.FormatHL7, Description: "HL7 FHIR Composition document"},
		{Format: formats.FormatHTML, Description: "HTML page with an embedded clinical document"},
	}
}

// ImportFile runs detection, parsing, validation and transformation on
// one upload. It never returns an error: every failure mode is reported
// inside the Result envelope so callers get a uniform shape.
func (s *Service) ImportFile(ctx context.Context, data []byte, filename string, opts Options) Result {
	opts = opts.withDefaults()

	uploadID := uuid.NewString()
	format := formats.Detect(data, filename)

	res := Result{
		UploadID: uploadID,
		Format:   format,
		Errors:   []Issue{},
		Warnings: []Issue{},
	}

	s.logger.Info().
		Str("upload_id", uploadID).
		Str("filename", filename).
		Str("format", string(format)).
		Int("bytes", len(data)).
		Msg("import started")

	if format == formats.FormatUnknown {
		res.Errors = append(res.Errors, formats.Issuef(formats.CodeUnsupportedFormat,
			"unable to detect a supported format for %q", filename))
		s.logResult(filename, &res)
		return res
	}

	meta := Metadata{Format: string(format), Filename: filename}
	t := NewTransformer(uploadID, opts)

	var (
		structure *ImportStructure
		err       error
	)
	switch format {
	case formats.FormatCSV, formats.FormatXLSX:
		structure, err = s.runTabular(ctx, data, format, meta, t, opts, &res)
	case formats.FormatJSON:
		structure, err = s.runCanonical(ctx, data, meta, t, opts, &res)
	case formats.FormatHL7:
		structure, err = s.runComposition(ctx, data, meta, t, opts, &res)
	case formats.FormatHTML:
		structure, err = s.runSurvey(ctx, data, meta, t, opts, &res)
	}
	if err != nil {
		res.Errors = append(res.Errors, issueFromError(err))
		s.logResult(filename, &res)
		return res
	}
	if structure == nil {
		// a validator rejected the document; issues are already on res
		s.logResult(filename, &res)
		return res
	}

	res.Warnings = append(res.Warnings, t.Warnings()...)
	res.Success = true
	res.Data = structure
	res.Statistics = structure.Statistics
	s.logResult(filename, &res)
	return res
}

// ImportAndStore runs ImportFile and, when the transformation
// succeeded, persists the structure through the bulk importer.
func (s *Service) ImportAndStore(ctx context.Context, data []byte, filename string, opts Options) (Result, *BulkResult, error) {
	res := s.ImportFile(ctx, data, filename, opts)
	if !res.Success {
		return res, nil, nil
	}
	if s.bulk == nil {
		return res, nil, errors.New("imports: no store configured")
	}
	bulk, err := s.bulk.Import(ctx, res.Data, opts)
	if err != nil {
		return res, bulk, fmt.Errorf("imports: persist upload %s: %w", res.UploadID, err)
	}
	return res, bulk, nil
}

func (s *Service) runTabular(ctx context.Context, data []byte, format formats.Format, meta Metadata, t *Transformer, opts Options, res *Result) (*ImportStructure, error) {
	var (
		doc *formats.TabularDocument
		err error
	)
	if format == formats.FormatXLSX {
		doc, err = formats.ParseWorkbook(data)
	} else {
		doc, err = formats.ParseTabular(data)
	}
	if err != nil {
		return nil, err
	}

	if opts.ValidateData {
		v := formats.ValidateTabular(doc)
		res.Errors = append(res.Errors, v.Errors...)
		res.Warnings = append(res.Warnings, v.Warnings...)
		if !v.Valid {
			return nil, nil
		}
	}
	return t.Tabular(ctx, doc, meta)
}

func (s *Service) runCanonical(ctx context.Context, data []byte, meta Metadata, t *Transformer, opts Options, res *Result) (*ImportStructure, error) {
	doc, err := formats.ParseCanonical(data)
	if err != nil {
		return nil, err
	}

	if opts.ValidateData {
		v := formats.ValidateCanonical(doc)
		res.Errors = append(res.Errors, v.Errors...)
		res.Warnings = append(res.Warnings, v.Warnings...)
		if !v.Valid {
			return nil, nil
		}
	}
	return t.Canonical(ctx, doc, meta)
}

func (s *Service) runComposition(ctx context.Context, data []byte, meta Metadata, t *Transformer, opts Options, res *Result) (*ImportStructure, error) {
	doc, err := formats.ParseComposition(data)
	if err != nil {
		return nil, err
	}

	if opts.ValidateData {
		v := formats.ValidateComposition(doc)
		res.Errors = append(res.Errors, v.Errors...)
		res.Warnings = append(res.Warnings, v.Warnings...)
		if !v.Valid {
			return nil, nil
		}
	}
	return t.Composition(ctx, doc, meta)
}

func (s *Service) runSurvey(ctx context.Context, data []byte, meta Metadata, t *Transformer, opts Options, res *Result) (*ImportStructure, error) {
	embedded := formats.ExtractEmbeddedDocument(data)
	if embedded == nil {
		return nil, &formats.ParseError{
			Code:    formats.CodeNoDocumentFound,
			Message: "no clinical document found in HTML content",
		}
	}

	doc, err := formats.ParseSurvey(embedded)
	if err != nil {
		return nil, err
	}

	if opts.ValidateData {
		v := formats.ValidateSurvey(doc)
		res.Errors = append(res.Errors, v.Errors...)
		res.Warnings = append(res.Warnings, v.Warnings...)
		if !v.Valid {
			return nil, nil
		}
	}

	s.enrichQuestionnaire(ctx, &doc.Questionnaire)
	return t.Survey(ctx, doc, meta)
}

// enrichQuestionnaire fills display and path on selection options whose
// values carry a terminology code. Resolution failures leave the option
// untouched; matching then proceeds on the raw code.
func (s *Service) enrichQuestionnaire(ctx context.Context, q *formats.Questionnaire) {
	if s.terms == nil {
		return
	}
	for qi := range q.Questions {
		for oi := range q.Questions[qi].Options {
			opt := &q.Questions[qi].Options[oi]
			if opt.Display != "" || !looksLikeConceptCode(opt.Value) {
				continue
			}
			c, err := s.terms.Resolve(ctx, opt.Value)
			if err != nil {
				if !errors.Is(err, terminology.ErrNotFound) {
					s.logger.Warn().Err(err).Str("code", opt.Value).Msg("terminology lookup failed")
				}
				continue
			}
			opt.Display = c.Display
			opt.Path = c.Path
		}
	}
}

// looksLikeConceptCode reports whether a value has a system-prefixed
// code shape such as "SCTID: 373066001" or "LOINC:8302-2".
func looksLikeConceptCode(v string) bool {
	for i := 0; i < len(v); i++ {
		switch {
		case v[i] == ':':
			return i > 0 && i+1 < len(v)
		case v[i] >= 'A' && v[i] <= 'Z',
			v[i] >= 'a' && v[i] <= 'z',
			v[i] >= '0' && v[i] <= '9':
			// still inside the system prefix
		default:
			return false
		}
	}
	return false
}

func issueFromError(err error) Issue {
	var pe *formats.ParseError
	if errors.As(err, &pe) {
		return Issue{Code: pe.Code, Message: pe.Message}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Issue{Code: "CANCELLED", Message: err.Error()}
	}
	return Issue{Code: formats.CodeInvalidStructure, Message: err.Error()}
}

func (s *Service) logResult(filename string, res *Result) {
	ev := s.logger.Info()
	if !res.Success {
		ev = s.logger.Warn()
	}
	ev.Str("upload_id", res.UploadID).
		Str("filename", filename).
		Str("format", string(res.Format)).
		Bool("success", res.Success).
		Int("errors", len(res.Errors)).
		Int("warnings", len(res.Warnings)).
		Int("patients", res.Statistics.PatientCount).
		Int("visits", res.Statistics.VisitCount).
		Int("observations", res.Statistics.ObservationCount).
		Msg("import finished")
}
