package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/campus-arp/arp-api/internal/dto"
	"github.com/campus-arp/arp-api/internal/middleware"
	"github.com/campus-arp/arp-api/internal/models"
	"github.com/campus-arp/arp-api/internal/service"
	appErrors "github.com/campus-arp/arp-api/pkg/errors"
)

type lifecycleMock struct {
	record       *models.Record
	records      []models.Record
	counts       []models.PendingCount
	err          error
	lastSubmit   dto.SubmitRecordRequest
	lastResubmit dto.ResubmitRecordRequest
	lastUpload   *service.RecordUpload
	lastDecide   dto.DecideRecordRequest
	withdrawn    string
}

func (m *lifecycleMock) Submit(ctx context.Context, req dto.SubmitRecordRequest, upload *service.RecordUpload, actor *models.JWTClaims) (*models.Record, error) {
	m.lastSubmit = req
	m.lastUpload = upload
	return m.record, m.err
}

func (m *lifecycleMock) Resubmit(ctx context.Context, id string, req dto.ResubmitRecordRequest, upload *service.RecordUpload, actor *models.JWTClaims) (*models.Record, error) {
	m.lastResubmit = req
	m.lastUpload = upload
	return m.record, m.err
}

func (m *lifecycleMock) Decide(ctx context.Context, id string, req dto.DecideRecordRequest, actor *models.JWTClaims) (*models.Record, error) {
	m.lastDecide = req
	return m.record, m.err
}

func (m *lifecycleMock) Withdraw(ctx context.Context, id string, actor *models.JWTClaims) error {
	m.withdrawn = id
	return m.err
}

func (m *lifecycleMock) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Record, error) {
	return m.record, m.err
}

func (m *lifecycleMock) List(ctx context.Context, query dto.RecordQuery, actor *models.JWTClaims) ([]models.Record, error) {
	return m.records, m.err
}

func (m *lifecycleMock) PendingSummary(ctx context.Context, actor *models.JWTClaims) ([]models.PendingCount, error) {
	return m.counts, m.err
}

// newRecordRouter mounts the handler on the same routes the server
// uses, with claims injected ahead of it when a caller is present.
func newRecordRouter(handler *RecordHandler, claims *models.JWTClaims) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if claims != nil {
			c.Set(middleware.ContextUserKey, claims)
		}
	})
	r.POST("/records", handler.Submit)
	r.GET("/records", handler.List)
	r.GET("/records/pending/summary", handler.PendingSummary)
	r.GET("/records/:id", handler.Get)
	r.PUT("/records/:id", handler.Resubmit)
	r.DELETE("/records/:id", handler.Withdraw)
	r.POST("/records/:id/decision", handler.Decide)
	return r
}

func performRequest(r *gin.Engine, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func multipartBody(t *testing.T, fields map[string]string, fileField, fileName string, fileContent []byte) ([]byte, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	if fileField != "" {
		part, err := writer.CreateFormFile(fileField, fileName)
		require.NoError(t, err)
		_, err = part.Write(fileContent)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf.Bytes(), writer.FormDataContentType()
}

func studentClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}
}

func TestRecordHandlerSubmitMultipart(t *testing.T) {
	mock := &lifecycleMock{record: &models.Record{ID: "rec-1", Status: models.RecordStatusPending}}
	router := newRecordRouter(NewRecordHandler(mock), studentClaims())

	payload := `{"code":"CS301","title":"Distributed Systems","credit":4}`
	body, contentType := multipartBody(t, map[string]string{
		"type":    "course",
		"payload": payload,
	}, "attachment", "proof.pdf", []byte("%PDF-1.4 data"))

	w := performRequest(router, http.MethodPost, "/records", body, contentType)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "course", mock.lastSubmit.Type)
	require.JSONEq(t, payload, string(mock.lastSubmit.Payload))
	require.NotNil(t, mock.lastUpload)
	require.Equal(t, "proof.pdf", mock.lastUpload.Filename)
}

func TestRecordHandlerSubmitWithoutAttachment(t *testing.T) {
	mock := &lifecycleMock{record: &models.Record{ID: "rec-1", Status: models.RecordStatusPending}}
	router := newRecordRouter(NewRecordHandler(mock), studentClaims())

	body, contentType := multipartBody(t, map[string]string{
		"type":    "achievement",
		"payload": `{"title":"Best Paper Award"}`,
	}, "", "", nil)

	w := performRequest(router, http.MethodPost, "/records", body, contentType)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Nil(t, mock.lastUpload)
}

func TestRecordHandlerSubmitRequiresAuth(t *testing.T) {
	router := newRecordRouter(NewRecordHandler(&lifecycleMock{}), nil)

	body, contentType := multipartBody(t, map[string]string{"type": "course"}, "", "", nil)
	w := performRequest(router, http.MethodPost, "/records", body, contentType)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRecordHandlerResubmitBindsPayload(t *testing.T) {
	mock := &lifecycleMock{record: &models.Record{ID: "rec-1", Status: models.RecordStatusPending}}
	router := newRecordRouter(NewRecordHandler(mock), studentClaims())

	edits := `{"credit":5}`
	body, contentType := multipartBody(t, map[string]string{"payload": edits}, "", "", nil)

	w := performRequest(router, http.MethodPut, "/records/rec-1", body, contentType)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, edits, string(mock.lastResubmit.Payload))
}

func TestRecordHandlerDecide(t *testing.T) {
	approver := "tutor-1"
	mock := &lifecycleMock{record: &models.Record{ID: "rec-1", Status: models.RecordStatusApproved, ApproverID: &approver}}
	router := newRecordRouter(NewRecordHandler(mock), &models.JWTClaims{UserID: "tutor-1", Role: models.RoleTutor})

	payload, _ := json.Marshal(dto.DecideRecordRequest{Outcome: models.OutcomeApprove, Comments: "ok"})
	w := performRequest(router, http.MethodPost, "/records/rec-1/decision", payload, "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, models.OutcomeApprove, mock.lastDecide.Outcome)
}

func TestRecordHandlerDecideConflict(t *testing.T) {
	mock := &lifecycleMock{err: appErrors.Clone(appErrors.ErrInvalidState, "record has already been decided")}
	router := newRecordRouter(NewRecordHandler(mock), &models.JWTClaims{UserID: "tutor-1", Role: models.RoleTutor})

	payload, _ := json.Marshal(dto.DecideRecordRequest{Outcome: models.OutcomeReject})
	w := performRequest(router, http.MethodPost, "/records/rec-1/decision", payload, "application/json")
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestRecordHandlerWithdraw(t *testing.T) {
	mock := &lifecycleMock{}
	router := newRecordRouter(NewRecordHandler(mock), studentClaims())

	w := performRequest(router, http.MethodDelete, "/records/rec-1", nil, "")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "rec-1", mock.withdrawn)
}

func TestRecordHandlerListParsesFilters(t *testing.T) {
	mock := &lifecycleMock{records: []models.Record{{ID: "rec-1"}}}
	router := newRecordRouter(NewRecordHandler(mock), studentClaims())

	w := performRequest(router, http.MethodGet, "/records?status=pending,approved&type=course&limit=10", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data []models.Record `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 1)
}

func TestRecordHandlerPendingSummary(t *testing.T) {
	mock := &lifecycleMock{counts: []models.PendingCount{{Type: models.RecordTypeCourse, Count: 3}}}
	router := newRecordRouter(NewRecordHandler(mock), &models.JWTClaims{UserID: "tutor-1", Role: models.RoleTutor})

	w := performRequest(router, http.MethodGet, "/records/pending/summary", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data []models.PendingCount `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 1)
	require.Equal(t, 3, envelope.Data[0].Count)
}
