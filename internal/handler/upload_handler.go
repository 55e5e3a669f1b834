package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/airhealthmap/airhealth-api/internal/dto"
	"github.com/airhealthmap/airhealth-api/internal/models"
	"github.com/airhealthmap/airhealth-api/internal/service"
	appErrors "github.com/airhealthmap/airhealth-api/pkg/errors"
	"github.com/airhealthmap/airhealth-api/pkg/response"
)

type uploadWorkflow interface {
	Select(ctx context.Context, req dto.SelectFilesRequest, uploads []service.FileUpload) (*dto.SelectionResult, error)
	Files() []models.StagedFile
	ValidateAll(ctx context.Context) ([]dto.ValidationOutcome, error)
	DuplicatePage(ctx context.Context, token string, page int) (*dto.DuplicatePage, error)
	Confirm(ctx context.Context, token string, actor *models.JWTClaims) (*dto.ConfirmResult, error)
	RemoveFile(ctx context.Context, fileID string) error
	Discard(ctx context.Context)
	ListBatches(ctx context.Context, filter dto.UploadFilter) ([]models.UploadBatch, int, error)
	DeleteBatch(ctx context.Context, id string, actor *models.JWTClaims) error
}

type historyExporter interface {
	UploadHistory(ctx context.Context, filter dto.UploadFilter, format string) (*service.ExportFile, error)
}

// UploadHandler wires HTTP endpoints to the upload workflow and exports.
type UploadHandler struct {
	service uploadWorkflow
	exports historyExporter
}

// NewUploadHandler creates a new handler.
func NewUploadHandler(svc uploadWorkflow, exports historyExporter) *UploadHandler {
	return &UploadHandler{service: svc, exports: exports}
}

// Select godoc
// @Summary Select files for upload
// @Description Accept CSV files into the workflow; each file passes or fails on its own
// @Tags Uploads
// @Accept multipart/form-data
// @Produce json
// @Param domain formData string true "Dataset domain (health or pollution)"
// @Param country formData string false "Country the data covers"
// @Param files formData file true "CSV files"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /uploads/files [post]
func (h *UploadHandler) Select(c *gin.Context) {
	var req dto.SelectFilesRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid upload form"))
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid multipart form"))
		return
	}

	headers := form.File["files"]
	uploads := make([]service.FileUpload, 0, len(headers))
	opened := make([]interface{ Close() error }, 0, len(headers))
	defer func() {
		for _, src := range opened {
			_ = src.Close()
		}
	}()

	for _, header := range headers {
		src, err := header.Open()
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open uploaded file"))
			return
		}
		opened = append(opened, src)
		uploads = append(uploads, service.FileUpload{
			Filename: header.Filename,
			Size:     header.Size,
			Content:  src,
		})
	}

	result, err := h.service.Select(c.Request.Context(), req, uploads)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, result, nil)
}

// Files godoc
// @Summary List staged files
// @Tags Uploads
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /uploads/files [get]
func (h *UploadHandler) Files(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.service.Files(), nil)
}

// Validate godoc
// @Summary Validate staged files
// @Description Validate every pending file against the data service, one at a time
// @Tags Uploads
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /uploads/validate [post]
func (h *UploadHandler) Validate(c *gin.Context) {
	outcomes, err := h.service.ValidateAll(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, outcomes, nil)
}

// Duplicates godoc
// @Summary Page through duplicate rows
// @Description Return one page of duplicate natural keys for a validation token
// @Tags Uploads
// @Produce json
// @Param token query string true "Validation token"
// @Param page query int false "Page number (1-based)"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 410 {object} response.Envelope
// @Router /uploads/duplicates [get]
func (h *UploadHandler) Duplicates(c *gin.Context) {
	token := c.Query("token")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))

	result, err := h.service.DuplicatePage(c.Request.Context(), token, page)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Confirm godoc
// @Summary Confirm a validated upload
// @Description Commit the rows behind a validation token; failures are retryable
// @Tags Uploads
// @Accept json
// @Produce json
// @Param payload body dto.ConfirmRequest true "Validation token"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /uploads/confirm [post]
func (h *UploadHandler) Confirm(c *gin.Context) {
	var req dto.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "token is required"))
		return
	}

	result, err := h.service.Confirm(c.Request.Context(), req.Token, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// RemoveFile godoc
// @Summary Remove one staged file
// @Tags Uploads
// @Produce json
// @Param id path string true "Staged file ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /uploads/files/{id} [delete]
func (h *UploadHandler) RemoveFile(c *gin.Context) {
	if err := h.service.RemoveFile(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Discard godoc
// @Summary Discard the whole workflow
// @Tags Uploads
// @Produce json
// @Success 204 {object} response.Envelope
// @Router /uploads/files [delete]
func (h *UploadHandler) Discard(c *gin.Context) {
	h.service.Discard(c.Request.Context())
	response.NoContent(c)
}

// ListBatches godoc
// @Summary List upload batches
// @Tags Uploads
// @Produce json
// @Param domain query string false "Dataset domain"
// @Param status query string false "Batch status"
// @Param page query int false "Page number"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /uploads [get]
func (h *UploadHandler) ListBatches(c *gin.Context) {
	filter := uploadFilterFromQuery(c)
	batches, total, err := h.service.ListBatches(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, batches, &models.Pagination{
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalCount: total,
	})
}

// DeleteBatch godoc
// @Summary Delete a committed batch
// @Tags Uploads
// @Produce json
// @Param id path string true "Batch ID"
// @Success 204 {object} response.Envelope
// @Router /uploads/{id} [delete]
func (h *UploadHandler) DeleteBatch(c *gin.Context) {
	if err := h.service.DeleteBatch(c.Request.Context(), c.Param("id"), claimsFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Export godoc
// @Summary Export the upload history
// @Description Render the batch history as CSV or PDF
// @Tags Uploads
// @Produce octet-stream
// @Param format query string true "csv or pdf"
// @Param domain query string false "Dataset domain"
// @Param status query string false "Batch status"
// @Success 200 {file} binary
// @Failure 400 {object} response.Envelope
// @Router /uploads/export [get]
func (h *UploadHandler) Export(c *gin.Context) {
	filter := uploadFilterFromQuery(c)
	file, err := h.exports.UploadHistory(c.Request.Context(), filter, c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	c.Data(http.StatusOK, file.ContentType, file.Payload)
}

func uploadFilterFromQuery(c *gin.Context) dto.UploadFilter {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	return dto.UploadFilter{
		Domain:   models.Domain(c.Query("domain")),
		Status:   models.UploadStatus(c.Query("status")),
		Page:     page,
		PageSize: limit,
	}
}
