package imports

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinport/clinport/internal/platform/blobstore"
	"github.com/clinport/clinport/internal/platform/events"
	"github.com/clinport/clinport/internal/platform/formats"
)

// Handler exposes the import pipeline over HTTP. The archive and the
// publisher are optional; nil disables the matching side effect.
type Handler struct {
	service   *Service
	archive   blobstore.BlobStore
	publisher events.Publisher
	logger    zerolog.Logger
	maxBytes  int64
}

func NewHandler(service *Service, archive blobstore.BlobStore, publisher events.Publisher, logger zerolog.Logger, maxBytes int64) *Handler {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if maxBytes <= 0 {
		maxBytes = 32 * 1024 * 1024
	}
	return &Handler{
		service:   service,
		archive:   archive,
		publisher: publisher,
		logger:    logger,
		maxBytes:  maxBytes,
	}
}

// RegisterRoutes mounts the import routes on the supplied group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/imports", h.handleImport)
	g.GET("/imports/formats", h.handleFormats)
}

// handleImport accepts either a multipart upload under the "file" field
// or the raw document as the request body. Options arrive as query or
// form values. The response is always the uniform Result envelope; a
// failed import answers 422.
func (h *Handler) handleImport(c echo.Context) error {
	data, filename, err := h.readUpload(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if len(data) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "empty request body"})
	}
	if int64(len(data)) > h.maxBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "upload exceeds size limit"})
	}

	opts := h.optionsFrom(c)
	ctx := c.Request().Context()

	var (
		res  Result
		bulk *BulkResult
	)
	if boolValue(c, "persist", false) {
		res, bulk, err = h.service.ImportAndStore(ctx, data, filename, opts)
		if err != nil {
			h.logger.Error().Err(err).Str("upload_id", res.UploadID).Msg("persist failed")
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":    err.Error(),
				"uploadId": res.UploadID,
			})
		}
	} else {
		res = h.service.ImportFile(ctx, data, filename, opts)
	}

	h.archiveUpload(c, &res, filename, data)
	h.publish(c, filename, &res)

	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	if bulk != nil {
		return c.JSON(status, struct {
			Result
			Bulk *BulkResult `json:"bulk"`
		}{res, bulk})
	}
	return c.JSON(status, res)
}

func (h *Handler) handleFormats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]FormatInfo{"formats": SupportedFormats()})
}

func (h *Handler) readUpload(c echo.Context) ([]byte, string, error) {
	if file, err := c.FormFile("file"); err == nil {
		src, err := file.Open()
		if err != nil {
			return nil, "", err
		}
		defer src.Close()
		data, err := io.ReadAll(io.LimitReader(src, h.maxBytes+1))
		if err != nil {
			return nil, "", err
		}
		return data, file.Filename, nil
	}

	data, err := io.ReadAll(io.LimitReader(c.Request().Body, h.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	filename := c.QueryParam("filename")
	return data, filename, nil
}

// optionsFrom maps query/form values onto import options. Unset values
// keep the defaults.
func (h *Handler) optionsFrom(c echo.Context) Options {
	opts := DefaultOptions()
	opts.ValidateData = boolValue(c, "validate", opts.ValidateData)
	if v := paramValue(c, "duplicates"); v != "" {
		opts.DuplicateHandling = DuplicateHandling(v)
	}
	if v := paramValue(c, "batchSize"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.BatchSize = n
		}
	}
	if v := paramValue(c, "transactionMode"); v != "" {
		opts.TransactionMode = TransactionMode(v)
	}
	opts.SourceSystem = paramValue(c, "source")
	return opts
}

func (h *Handler) archiveUpload(c echo.Context, res *Result, filename string, data []byte) {
	if h.archive == nil || res.Format == formats.FormatUnknown {
		return
	}
	_, err := h.archive.Put(c.Request().Context(), blobstore.Metadata{
		UploadID:    res.UploadID,
		FileName:    filename,
		Format:      string(res.Format),
		ContentType: c.Request().Header.Get(echo.HeaderContentType),
	}, bytes.NewReader(data))
	if err != nil {
		h.logger.Warn().Err(err).Str("upload_id", res.UploadID).Msg("archive upload failed")
	}
}

func (h *Handler) publish(c echo.Context, filename string, res *Result) {
	event := events.ImportCompleted{
		UploadID:         res.UploadID,
		Filename:         filename,
		Format:           string(res.Format),
		Success:          res.Success,
		PatientCount:     res.Statistics.PatientCount,
		VisitCount:       res.Statistics.VisitCount,
		ObservationCount: res.Statistics.ObservationCount,
		ErrorCount:       len(res.Errors),
		WarningCount:     len(res.Warnings),
	}
	if err := h.publisher.PublishImportCompleted(c.Request().Context(), event); err != nil {
		h.logger.Warn().Err(err).Str("upload_id", res.UploadID).Msg("publish import event failed")
	}
}

func paramValue(c echo.Context, name string) string {
	if v := c.QueryParam(name); v != "" {
		return v
	}
	return c.FormValue(name)
}

func boolValue(c echo.Context, name string, def bool) bool {
	v := paramValue(c, name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
