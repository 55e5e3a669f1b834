package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/airhealthmap/airhealth-api/internal/dto"
	"github.com/airhealthmap/airhealth-api/internal/models"
	appErrors "github.com/airhealthmap/airhealth-api/pkg/errors"
	"github.com/airhealthmap/airhealth-api/pkg/response"
)

type recordManager interface {
	Create(ctx context.Context, req dto.CreateRecordRequest) (models.UploadRecord, error)
	List(ctx context.Context, filter dto.RecordFilter) ([]models.UploadRecord, *models.Pagination, error)
	Update(ctx context.Context, id string, patch dto.UpdateRecordRequest) (models.UploadRecord, error)
}

// RecordHandler wires HTTP endpoints to the record service.
type RecordHandler struct {
	service recordManager
}

// NewRecordHandler creates a new handler.
func NewRecordHandler(svc recordManager) *RecordHandler {
	return &RecordHandler{service: svc}
}

// Create godoc
// @Summary Create one record manually
// @Description Validate and submit a single data record; values arrive as form strings
// @Tags Records
// @Accept json
// @Produce json
// @Param payload body dto.CreateRecordRequest true "Record fields"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /records [post]
func (h *RecordHandler) Create(c *gin.Context) {
	var req dto.CreateRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid record payload"))
		return
	}

	rec, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, rec)
}

// List godoc
// @Summary List records
// @Tags Records
// @Produce json
// @Param domain query string false "Dataset domain"
// @Param country query string false "Country"
// @Param year query int false "Year"
// @Param page query int false "Page number"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /records [get]
func (h *RecordHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	year, _ := strconv.Atoi(c.Query("year"))

	records, pagination, err := h.service.List(c.Request.Context(), dto.RecordFilter{
		Domain:   models.Domain(c.Query("domain")),
		Country:  c.Query("country"),
		Year:     year,
		Page:     page,
		PageSize: limit,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, records, pagination)
}

// Update godoc
// @Summary Update a record
// @Tags Records
// @Accept json
// @Produce json
// @Param id path string true "Record ID"
// @Param payload body dto.UpdateRecordRequest true "Fields to update"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /records/{id} [patch]
func (h *RecordHandler) Update(c *gin.Context) {
	var patch dto.UpdateRecordRequest
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid record payload"))
		return
	}

	rec, err := h.service.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, rec, nil)
}
