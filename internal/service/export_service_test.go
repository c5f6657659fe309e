package service

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campus-arp/arp-api/internal/dto"
	"github.com/campus-arp/arp-api/internal/models"
	appErrors "github.com/campus-arp/arp-api/pkg/errors"
	"github.com/campus-arp/arp-api/pkg/storage"
)

func newExportFixture(t *testing.T) (*ExportService, *recordRepoStub, *auditStub) {
	t.Helper()
	repo := newRecordRepoStub()
	audit := &auditStub{}
	tutorID := "tutor-1"
	students := &studentStub{students: map[string]*models.Student{
		"student-1": {
			ID:         "student-1",
			RollNumber: "2023CS042",
			FullName:   "Asha Rao",
			Email:      "asha@example.edu",
			Department: "CSE",
			TutorID:    &tutorID,
			Active:     true,
		},
	}}
	fileStore, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	svc := NewExportService(repo, students, audit, fileStore, signer,
		NewRecordTypeRegistry(nil), ExportConfig{ResultTTL: time.Hour}, nil, nil, nil)
	return svc, repo, audit
}

func seedApproved(repo *recordRepoStub, id string) {
	approver := "tutor-1"
	decidedAt := time.Now().UTC()
	repo.records[id] = &models.Record{
		ID:         id,
		Type:       models.RecordTypeCertificate,
		OwnerID:    "student-1",
		Payload:    []byte(`{"title":"Go Bootcamp","issuer":"Gopher Academy","issued_on":"2026-02-01"}`),
		Status:     models.RecordStatusApproved,
		ApproverID: &approver,
		ApprovedAt: &decidedAt,
	}
}

func TestExportGenerateCSV(t *testing.T) {
	svc, repo, audit := newExportFixture(t)
	seedApproved(repo, "rec-1")

	result, err := svc.Generate(context.Background(), dto.CreateExportRequest{
		Type:   "certificate",
		Format: "csv",
	}, claimsFor(models.RoleStaff, "staff-1"))
	require.NoError(t, err)
	require.Equal(t, 1, result.RowCount)
	require.Equal(t, "csv", result.Format)
	require.NotEmpty(t, result.DownloadToken)
	require.True(t, result.ExpiresAt.After(time.Now()))

	require.Len(t, audit.logs, 1)
	require.Equal(t, models.AuditActionExportGenerate, audit.logs[0].Action)

	file, name, err := svc.Download(result.DownloadToken)
	require.NoError(t, err)
	defer file.Close() //nolint:errcheck
	require.Equal(t, result.FileName, name)

	content, err := io.ReadAll(file)
	require.NoError(t, err)
	require.Contains(t, string(content), "2023CS042")
	require.Contains(t, string(content), "Go Bootcamp")
}

func TestExportGeneratePDF(t *testing.T) {
	svc, repo, _ := newExportFixture(t)
	seedApproved(repo, "rec-1")

	result, err := svc.Generate(context.Background(), dto.CreateExportRequest{
		Format: "pdf",
	}, claimsFor(models.RoleAdmin, "admin-1"))
	require.NoError(t, err)
	require.Equal(t, "pdf", result.Format)

	file, _, err := svc.Download(result.DownloadToken)
	require.NoError(t, err)
	defer file.Close() //nolint:errcheck
	header := make([]byte, 4)
	_, err = io.ReadFull(file, header)
	require.NoError(t, err)
	require.Equal(t, "%PDF", string(header))
}

func TestExportGenerateIsStaffOnly(t *testing.T) {
	svc, _, _ := newExportFixture(t)

	_, err := svc.Generate(context.Background(), dto.CreateExportRequest{Format: "csv"},
		claimsFor(models.RoleTutor, "tutor-1"))
	require.Error(t, err)
	require.Equal(t, "FORBIDDEN", appErrors.FromError(err).Code)

	_, err = svc.Generate(context.Background(), dto.CreateExportRequest{Format: "csv"},
		claimsFor(models.RoleStudent, "student-1"))
	require.Error(t, err)
	require.Equal(t, "FORBIDDEN", appErrors.FromError(err).Code)
}

func TestExportGenerateRejectsUnknownFormat(t *testing.T) {
	svc, _, _ := newExportFixture(t)

	_, err := svc.Generate(context.Background(), dto.CreateExportRequest{Format: "xlsx"},
		claimsFor(models.RoleAdmin, "admin-1"))
	require.Error(t, err)
	require.Equal(t, "VALIDATION_ERROR", appErrors.FromError(err).Code)
}

func TestExportDownloadRejectsTamperedToken(t *testing.T) {
	svc, repo, _ := newExportFixture(t)
	seedApproved(repo, "rec-1")

	result, err := svc.Generate(context.Background(), dto.CreateExportRequest{Format: "csv"},
		claimsFor(models.RoleAdmin, "admin-1"))
	require.NoError(t, err)

	_, _, err = svc.Download(result.DownloadToken + "x")
	require.Error(t, err)
	require.Equal(t, "UNAUTHORIZED", appErrors.FromError(err).Code)
}
