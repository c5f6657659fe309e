package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campus-arp/arp-api/internal/dto"
	"github.com/campus-arp/arp-api/internal/models"
	appErrors "github.com/campus-arp/arp-api/pkg/errors"
	"github.com/campus-arp/arp-api/pkg/export"
	"github.com/campus-arp/arp-api/pkg/storage"
)

const exportPageSize = 200

type exportFileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	ResultTTL time.Duration
}

// ExportService renders approved records into downloadable CSV/PDF
// report files with signed, expiring download tokens.
type ExportService struct {
	records  recordStore
	students studentDirectory
	audit    auditTrail
	storage  exportFileStorage
	csv      csvRenderer
	pdf      pdfRenderer
	signer   *storage.SignedURLSigner
	registry *RecordTypeRegistry
	logger   *zap.Logger
	cfg      ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(
	records recordStore,
	students studentDirectory,
	audit auditTrail,
	fileStore exportFileStorage,
	signer *storage.SignedURLSigner,
	registry *RecordTypeRegistry,
	cfg ExportConfig,
	logger *zap.Logger,
	csv csvRenderer,
	pdf pdfRenderer,
) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		records:  records,
		students: students,
		audit:    audit,
		storage:  fileStore,
		csv:      csv,
		pdf:      pdf,
		signer:   signer,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
	}
}

// Generate builds a report over approved records and stores the rendered
// file. Only admins and staff may generate reports.
func (s *ExportService) Generate(ctx context.Context, req dto.CreateExportRequest, actor *models.JWTClaims) (*dto.ExportResult, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleAdmin && actor.Role != models.RoleStaff {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "report generation is staff-only")
	}

	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format != "csv" && format != "pdf" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}

	var recordType models.RecordType
	title := "Approved Activity Records"
	if req.Type != "" {
		descriptor, err := s.registry.Resolve(req.Type)
		if err != nil {
			return nil, err
		}
		recordType = descriptor.Type
		title = fmt.Sprintf("Approved %s Records", descriptor.Label)
	}

	records, err := s.collectApproved(ctx, recordType, req.OwnerID)
	if err != nil {
		return nil, err
	}
	dataset := s.buildDataset(ctx, records)

	var payload []byte
	switch format {
	case "csv":
		payload, err = s.csv.Render(dataset)
	case "pdf":
		payload, err = s.pdf.Render(dataset, title)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, "INTERNAL_ERROR", 500, "failed to render report")
	}

	exportID := uuid.NewString()
	filename := buildExportFilename(recordType, format)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, "STORAGE_ERROR", 500, "failed to store report file")
	}

	token, expiresAt, err := s.signer.Generate(exportID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, "INTERNAL_ERROR", 500, "failed to sign download token")
	}

	s.writeAudit(ctx, actor.UserID, exportID, relPath, format, len(dataset.Rows))
	return &dto.ExportResult{
		ID:            exportID,
		FileName:      relPath,
		Format:        format,
		RowCount:      len(dataset.Rows),
		DownloadToken: token,
		ExpiresAt:     expiresAt,
	}, nil
}

// Download resolves a signed token to the stored file. Expired or
// tampered tokens are rejected.
func (s *ExportService) Download(token string) (*os.File, string, error) {
	_, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, "", appErrors.Clone(appErrors.ErrUnauthorized, "download link is invalid or expired")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "report file no longer exists")
	}
	return file, relPath, nil
}

// Cleanup removes report files older than ttl (defaults to the
// configured ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) collectApproved(ctx context.Context, recordType models.RecordType, ownerID string) ([]models.Record, error) {
	var all []models.Record
	for offset := 0; ; offset += exportPageSize {
		batch, err := s.records.List(ctx, models.RecordFilter{
			Status:  []models.RecordStatus{models.RecordStatusApproved},
			Type:    recordType,
			OwnerID: ownerID,
			Limit:   exportPageSize,
			Offset:  offset,
		})
		if err != nil {
			return nil, appErrors.Wrap(err, "INTERNAL_ERROR", 500, "failed to load approved records")
		}
		all = append(all, batch...)
		if len(batch) < exportPageSize {
			return all, nil
		}
	}
}

func (s *ExportService) buildDataset(ctx context.Context, records []models.Record) export.Dataset {
	students := make(map[string]*models.Student)
	rows := make([]map[string]string, 0, len(records))
	for _, record := range records {
		student, ok := students[record.OwnerID]
		if !ok {
			fetched, err := s.students.FindByID(ctx, record.OwnerID)
			if err != nil {
				s.logger.Warn("export row without student details",
					zap.String("record_id", record.ID), zap.Error(err))
			}
			student = fetched
			students[record.OwnerID] = student
		}

		row := map[string]string{
			"Record ID":   record.ID,
			"Type":        string(record.Type),
			"Status":      string(record.Status),
			"Approved At": formatExportTime(record.ApprovedAt),
			"Details":     summarizePayload(record.Payload),
		}
		if student != nil {
			row["Roll Number"] = student.RollNumber
			row["Student"] = student.FullName
			row["Department"] = student.Department
		}
		rows = append(rows, row)
	}
	return export.Dataset{
		Headers: []string{"Record ID", "Type", "Roll Number", "Student", "Department", "Status", "Approved At", "Details"},
		Rows:    rows,
	}
}

func (s *ExportService) writeAudit(ctx context.Context, userID, exportID, relPath, format string, rowCount int) {
	if s.audit == nil {
		return
	}
	meta, _ := json.Marshal(map[string]interface{}{"file": relPath, "format": format, "rows": rowCount})
	entry := &models.AuditLog{
		UserID:     &userID,
		Action:     models.AuditActionExportGenerate,
		Resource:   "export",
		ResourceID: &exportID,
		NewValues:  meta,
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to write export audit log", zap.Error(err))
	}
}

func buildExportFilename(recordType models.RecordType, format string) string {
	scope := "all"
	if recordType != "" {
		scope = string(recordType)
	}
	timestamp := time.Now().UTC().Format("20060102_150405")
	return fmt.Sprintf("records_%s_%s.%s", scope, timestamp, format)
}

// summarizePayload renders the type-specific document as a stable
// key=value list so mixed-type reports stay tabular.
func summarizePayload(payload []byte) string {
	fields := map[string]interface{}{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return string(payload)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, "; ")
}

func formatExportTime(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return ts.UTC().Format("2006-01-02 15:04")
}
