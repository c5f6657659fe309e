package handler

import (
	"context"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/campus-arp/arp-api/internal/dto"
	"github.com/campus-arp/arp-api/internal/models"
	"github.com/campus-arp/arp-api/internal/service"
	appErrors "github.com/campus-arp/arp-api/pkg/errors"
	"github.com/campus-arp/arp-api/pkg/response"
)

type recordLifecycle interface {
	Submit(ctx context.Context, req dto.SubmitRecordRequest, upload *service.RecordUpload, actor *models.JWTClaims) (*models.Record, error)
	Resubmit(ctx context.Context, id string, req dto.ResubmitRecordRequest, upload *service.RecordUpload, actor *models.JWTClaims) (*models.Record, error)
	Decide(ctx context.Context, id string, req dto.DecideRecordRequest, actor *models.JWTClaims) (*models.Record, error)
	Withdraw(ctx context.Context, id string, actor *models.JWTClaims) error
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Record, error)
	List(ctx context.Context, query dto.RecordQuery, actor *models.JWTClaims) ([]models.Record, error)
	PendingSummary(ctx context.Context, actor *models.JWTClaims) ([]models.PendingCount, error)
}

// RecordHandler manages activity record HTTP endpoints.
type RecordHandler struct {
	service recordLifecycle
}

// NewRecordHandler constructs the handler.
func NewRecordHandler(service recordLifecycle) *RecordHandler {
	return &RecordHandler{service: service}
}

// Submit godoc
// @Summary Submit an activity record
// @Tags Records
// @Accept multipart/form-data
// @Produce json
// @Param type formData string true "Record type"
// @Param owner_id formData string false "Owner override (staff only)"
// @Param payload formData string true "Type-specific JSON document"
// @Param attachment formData file false "Supporting document"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /records [post]
func (h *RecordHandler) Submit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.SubmitRecordRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid record payload"))
		return
	}

	upload, cleanup, err := uploadFromForm(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if cleanup != nil {
		defer cleanup()
	}

	record, err := h.service.Submit(c.Request.Context(), req, upload, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, record, nil)
}

// Resubmit godoc
// @Summary Edit and resubmit a record
// @Tags Records
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Record ID"
// @Param payload formData string false "Edited fields as JSON"
// @Param attachment formData file false "Replacement document"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /records/{id} [put]
func (h *RecordHandler) Resubmit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.ResubmitRecordRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid record payload"))
		return
	}

	upload, cleanup, err := uploadFromForm(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if cleanup != nil {
		defer cleanup()
	}

	record, err := h.service.Resubmit(c.Request.Context(), c.Param("id"), req, upload, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// Decide godoc
// @Summary Approve or reject a pending record
// @Tags Records
// @Accept json
// @Produce json
// @Param id path string true "Record ID"
// @Param payload body dto.DecideRecordRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /records/{id}/decision [post]
func (h *RecordHandler) Decide(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.DecideRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid decision payload"))
		return
	}
	record, err := h.service.Decide(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// Withdraw godoc
// @Summary Withdraw a record
// @Tags Records
// @Produce json
// @Param id path string true "Record ID"
// @Success 204 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /records/{id} [delete]
func (h *RecordHandler) Withdraw(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Withdraw(c.Request.Context(), c.Param("id"), claims); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Get godoc
// @Summary Fetch a single record
// @Tags Records
// @Produce json
// @Param id path string true "Record ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /records/{id} [get]
func (h *RecordHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	record, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// List godoc
// @Summary List visible records
// @Tags Records
// @Produce json
// @Param status query string false "Status filter (comma separated)"
// @Param type query string false "Record type filter"
// @Param owner_id query string false "Owner filter (staff only)"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} response.Envelope
// @Router /records [get]
func (h *RecordHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query := dto.RecordQuery{
		Type:    models.RecordType(strings.ToLower(strings.TrimSpace(c.Query("type")))),
		OwnerID: strings.TrimSpace(c.Query("owner_id")),
	}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part != "" {
				query.Status = append(query.Status, models.RecordStatus(part))
			}
		}
	}
	if raw := c.Query("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			query.Limit = limit
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			query.Offset = offset
		}
	}

	records, err := h.service.List(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, nil)
}

// PendingSummary godoc
// @Summary Pending record counts per type
// @Tags Records
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /records/pending/summary [get]
func (h *RecordHandler) PendingSummary(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	counts, err := h.service.PendingSummary(c.Request.Context(), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, counts, nil)
}

// uploadFromForm extracts the optional attachment part. A missing file
// is not an error; submissions without documents are legal.
func uploadFromForm(c *gin.Context) (*service.RecordUpload, func(), error) {
	fileHeader, err := c.FormFile("attachment")
	if err != nil {
		if err == http.ErrMissingFile || err == http.ErrNotMultipart {
			return nil, nil, nil
		}
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "malformed attachment upload")
	}
	return openUpload(fileHeader)
}

func openUpload(fileHeader *multipart.FileHeader) (*service.RecordUpload, func(), error) {
	src, err := fileHeader.Open()
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open uploaded file")
	}
	upload := &service.RecordUpload{
		Filename: fileHeader.Filename,
		Size:     fileHeader.Size,
		MimeType: fileHeader.Header.Get("Content-Type"),
		Content:  src,
	}
	cleanup := func() {
		src.Close() //nolint:errcheck
	}
	return upload, cleanup, nil
}
