package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campus-arp/arp-api/internal/dto"
	"github.com/campus-arp/arp-api/internal/models"
	"github.com/campus-arp/arp-api/internal/repository"
	appErrors "github.com/campus-arp/arp-api/pkg/errors"
)

const pendingSummaryPattern = "records:pending:*"

type recordStore interface {
	Create(ctx context.Context, record *models.Record) error
	GetByID(ctx context.Context, id string) (*models.Record, error)
	List(ctx context.Context, filter models.RecordFilter) ([]models.Record, error)
	CountPendingByType(ctx context.Context, tutorID string) ([]models.PendingCount, error)
	Resubmit(ctx context.Context, params repository.ResubmitRecordParams) error
	UpdateDecision(ctx context.Context, params repository.DecideRecordParams) error
	Delete(ctx context.Context, id string, pendingOnly bool) error
}

type studentDirectory interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type userDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type attachmentStore interface {
	SaveStream(filename string, r io.Reader) (string, error)
	Delete(filename string) error
}

type transitionNotifier interface {
	Dispatch(n Notification)
}

type auditTrail interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// RecordUpload is an attachment accompanying a submission or edit.
type RecordUpload struct {
	Filename string
	Size     int64
	MimeType string
	Content  io.Reader
}

// LifecycleServiceConfig tunes attachment limits and the withdraw policy.
type LifecycleServiceConfig struct {
	WithdrawPendingOnly bool
	MaxAttachmentBytes  int64
	AllowedMIMEs        []string
	CacheTTL            time.Duration
}

// LifecycleService owns the submission/review state machine shared by
// every record type. Attachment writes happen before the row mutation
// they accompany, so a storage failure never leaves a row pointing at a
// missing file.
type LifecycleService struct {
	records  recordStore
	students studentDirectory
	users    userDirectory
	storage  attachmentStore
	notifier transitionNotifier
	audit    auditTrail
	cache    *CacheService
	registry *RecordTypeRegistry
	logger   *zap.Logger
	cfg      LifecycleServiceConfig
}

// NewLifecycleService constructs the lifecycle service.
func NewLifecycleService(
	records recordStore,
	students studentDirectory,
	users userDirectory,
	storage attachmentStore,
	notifier transitionNotifier,
	audit auditTrail,
	cache *CacheService,
	registry *RecordTypeRegistry,
	logger *zap.Logger,
	cfg LifecycleServiceConfig,
) *LifecycleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LifecycleService{
		records:  records,
		students: students,
		users:    users,
		storage:  storage,
		notifier: notifier,
		audit:    audit,
		cache:    cache,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
	}
}

// Submit validates and creates a new PENDING record. Students always
// submit for themselves; admins and staff may submit on a student's
// behalf via OwnerID. The owner must be an active student with a
// resolvable tutor, otherwise nothing is written.
func (s *LifecycleService) Submit(ctx context.Context, req dto.SubmitRecordRequest, upload *RecordUpload, actor *models.JWTClaims) (*models.Record, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}

	ownerID := actor.UserID
	if req.OwnerID != "" && req.OwnerID != actor.UserID {
		if actor.Role != models.RoleAdmin && actor.Role != models.RoleStaff {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "only staff may submit on behalf of a student")
		}
		ownerID = req.OwnerID
	}

	descriptor, err := s.registry.Resolve(req.Type)
	if err != nil {
		return nil, err
	}
	if err := s.registry.ValidatePayload(descriptor, req.Payload); err != nil {
		return nil, err
	}

	student, tutor, err := s.resolveOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var attachmentRef *string
	if upload != nil {
		ref, err := s.storeAttachment(descriptor.Type, ownerID, upload)
		if err != nil {
			return nil, err
		}
		attachmentRef = &ref
	}

	record := &models.Record{
		Type:          descriptor.Type,
		OwnerID:       ownerID,
		Payload:       append([]byte(nil), req.Payload...),
		AttachmentRef: attachmentRef,
		Status:        models.RecordStatusPending,
		CreatedBy:     actor.UserID,
		UpdatedBy:     actor.UserID,
	}
	if err := s.records.Create(ctx, record); err != nil {
		if attachmentRef != nil {
			if delErr := s.storage.Delete(*attachmentRef); delErr != nil {
				s.logger.Warn("failed to clean up attachment after create failure",
					zap.String("ref", *attachmentRef), zap.Error(delErr))
			}
		}
		return nil, appErrors.Wrap(err, "INTERNAL_ERROR", 500, "failed to create record")
	}

	s.invalidatePendingSummaries(ctx)
	s.writeAudit(ctx, actor.UserID, models.AuditActionRecordSubmit, record.ID, nil, record.Payload)
	s.notifier.Dispatch(Notification{
		Kind:           NotifyRecordSubmitted,
		RecipientName:  tutor.FullName,
		RecipientEmail: tutor.Email,
		Fields:         notificationFields(descriptor, student, record, ""),
	})
	return record, nil
}

// Resubmit merges owner edits over the stored payload, revalidates, and
// returns the record to PENDING with the prior decision cleared. Only
// the owner or an admin may edit; the record may be in any state.
func (s *LifecycleService) Resubmit(ctx context.Context, id string, req dto.ResubmitRecordRequest, upload *RecordUpload, actor *models.JWTClaims) (*models.Record, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	record, err := s.getRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.OwnerID != actor.UserID && actor.Role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the record owner may edit it")
	}

	descriptor, err := s.registry.Resolve(string(record.Type))
	if err != nil {
		return nil, err
	}
	merged, err := mergePayload(record.Payload, req.Payload)
	if err != nil {
		return nil, err
	}
	if err := s.registry.ValidatePayload(descriptor, merged); err != nil {
		return nil, err
	}

	var newRef *string
	if upload != nil {
		ref, err := s.storeAttachment(record.Type, record.OwnerID, upload)
		if err != nil {
			return nil, err
		}
		newRef = &ref
	}

	now := time.Now().UTC()
	err = s.records.Resubmit(ctx, repository.ResubmitRecordParams{
		ID:            record.ID,
		Payload:       merged,
		AttachmentRef: newRef,
		UpdatedBy:     actor.UserID,
		UpdatedAt:     now,
	})
	if err != nil {
		if newRef != nil {
			if delErr := s.storage.Delete(*newRef); delErr != nil {
				s.logger.Warn("failed to clean up attachment after resubmit failure",
					zap.String("ref", *newRef), zap.Error(delErr))
			}
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, "INTERNAL_ERROR", 500, "failed to resubmit record")
	}

	// The new attachment is durable; the superseded file is best-effort.
	if newRef != nil && record.AttachmentRef != nil {
		if delErr := s.storage.Delete(*record.AttachmentRef); delErr != nil {
			s.logger.Warn("failed to release superseded attachment",
				zap.String("ref", *record.AttachmentRef), zap.Error(delErr))
		}
	}

	oldPayload := record.Payload
	record.Payload = merged
	if newRef != nil {
		record.AttachmentRef = newRef
	}
	record.Status = models.RecordStatusPending
	record.ApproverID = nil
	record.ApprovedAt = nil
	record.Comments = nil
	record.UpdatedBy = actor.UserID
	record.UpdatedAt = now

	s.invalidatePendingSummaries(ctx)
	s.writeAudit(ctx, actor.UserID, models.AuditActionRecordResubmit, record.ID, oldPayload, merged)
	if student, tutor, resErr := s.resolveOwner(ctx, record.OwnerID); resErr == nil {
		s.notifier.Dispatch(Notification{
			Kind:           NotifyRecordResubmitted,
			RecipientName:  tutor.FullName,
			RecipientEmail: tutor.Email,
			Fields:         notificationFields(descriptor, student, record, ""),
		})
	} else {
		s.logger.Warn("skipping resubmit notification", zap.String("record_id", record.ID), zap.Error(resErr))
	}
	return record, nil
}

// Decide applies a reviewer verdict to a PENDING record. The approver
// must be the owner's assigned tutor or an admin. A record that has
// already been decided is rejected with a conflict; the conditional
// update guarantees at most one decision wins under concurrency.
func (s *LifecycleService) Decide(ctx context.Context, id string, req dto.DecideRecordRequest, actor *models.JWTClaims) (*models.Record, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	record, err := s.getRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	var status models.RecordStatus
	switch req.Outcome {
	case models.OutcomeApprove:
		status = models.RecordStatusApproved
	case models.OutcomeReject:
		status = models.RecordStatusRejected
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "outcome must be APPROVE or REJECT")
	}

	student, err := s.findStudent(ctx, record.OwnerID)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin {
		if actor.Role != models.RoleTutor || student.TutorID == nil || *student.TutorID != actor.UserID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "only the assigned tutor may review this record")
		}
	}

	if record.Status != models.RecordStatusPending {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "record has already been decided")
	}

	var comments *string
	if trimmed := strings.TrimSpace(req.Comments); trimmed != "" {
		comments = &trimmed
	}
	decidedAt := time.Now().UTC()
	err = s.records.UpdateDecision(ctx, repository.DecideRecordParams{
		ID:         record.ID,
		Status:     status,
		ApproverID: actor.UserID,
		ApprovedAt: decidedAt,
		Comments:   comments,
		UpdatedBy:  actor.UserID,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "record has already been decided")
		}
		return nil, appErrors.Wrap(err, "INTERNAL_ERROR", 500, "failed to record decision")
	}

	approverID := actor.UserID
	record.Status = status
	record.ApproverID = &approverID
	record.ApprovedAt = &decidedAt
	record.Comments = comments
	record.UpdatedBy = actor.UserID
	record.UpdatedAt = decidedAt

	kind := NotifyRecordApproved
	if status == models.RecordStatusRejected {
		kind = NotifyRecordRejected
	}
	descriptor, _ := s.registry.Resolve(string(record.Type))

	s.invalidatePendingSummaries(ctx)
	decision, _ := json.Marshal(map[string]interface{}{"status": status, "comments": req.Comments})
	s.writeAudit(ctx, actor.UserID, models.AuditActionRecordDecide, record.ID, nil, decision)
	s.notifier.Dispatch(Notification{
		Kind:           kind,
		RecipientName:  student.FullName,
		RecipientEmail: student.Email,
		Fields:         notificationFields(descriptor, student, record, req.Comments),
	})
	return record, nil
}

// Withdraw removes a record and releases its attachment. Only the owner
// or an admin may withdraw. When the pending-only policy is active a
// decided record cannot be withdrawn, and the conditional delete closes
// the race with a concurrent decision.
func (s *LifecycleService) Withdraw(ctx context.Context, id string, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	record, err := s.getRecord(ctx, id)
	if err != nil {
		return err
	}
	if record.OwnerID != actor.UserID && actor.Role != models.RoleAdmin {
		return appErrors.Clone(appErrors.ErrForbidden, "only the record owner may withdraw it")
	}
	if s.cfg.WithdrawPendingOnly && record.Status != models.RecordStatusPending {
		return appErrors.Clone(appErrors.ErrInvalidState, "only pending records can be withdrawn")
	}

	if err := s.records.Delete(ctx, record.ID, s.cfg.WithdrawPendingOnly); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if s.cfg.WithdrawPendingOnly {
				return appErrors.Clone(appErrors.ErrInvalidState, "record is no longer pending")
			}
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, "INTERNAL_ERROR", 500, "failed to withdraw record")
	}

	if record.AttachmentRef != nil {
		if delErr := s.storage.Delete(*record.AttachmentRef); delErr != nil {
			s.logger.Warn("failed to release attachment on withdraw",
				zap.String("ref", *record.AttachmentRef), zap.Error(delErr))
		}
	}

	s.invalidatePendingSummaries(ctx)
	s.writeAudit(ctx, actor.UserID, models.AuditActionRecordWithdraw, record.ID, record.Payload, nil)
	descriptor, _ := s.registry.Resolve(string(record.Type))
	if student, tutor, resErr := s.resolveOwner(ctx, record.OwnerID); resErr == nil {
		s.notifier.Dispatch(Notification{
			Kind:           NotifyRecordWithdrawn,
			RecipientName:  tutor.FullName,
			RecipientEmail: tutor.Email,
			Fields:         notificationFields(descriptor, student, record, ""),
		})
	} else {
		s.logger.Warn("skipping withdraw notification", zap.String("record_id", record.ID), zap.Error(resErr))
	}
	return nil
}

// Get returns a single record, visibility-checked for the actor.
func (s *LifecycleService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Record, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	record, err := s.getRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case models.RoleAdmin, models.RoleStaff:
		return record, nil
	case models.RoleStudent:
		if record.OwnerID != actor.UserID {
			return nil, appErrors.ErrNotFound
		}
		return record, nil
	case models.RoleTutor:
		student, err := s.findStudent(ctx, record.OwnerID)
		if err != nil {
			return nil, err
		}
		if student.TutorID == nil || *student.TutorID != actor.UserID {
			return nil, appErrors.ErrNotFound
		}
		return record, nil
	default:
		return nil, appErrors.ErrForbidden
	}
}

// List returns records visible to the actor. Students see their own
// submissions, tutors see their assigned students' submissions, and
// admins and staff see everything the query asks for.
func (s *LifecycleService) List(ctx context.Context, query dto.RecordQuery, actor *models.JWTClaims) ([]models.Record, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	filter := models.RecordFilter{
		Status:  query.Status,
		Type:    query.Type,
		OwnerID: query.OwnerID,
		Limit:   query.Limit,
		Offset:  query.Offset,
	}
	switch actor.Role {
	case models.RoleStudent:
		filter.OwnerID = actor.UserID
	case models.RoleTutor:
		filter.TutorID = actor.UserID
	}
	records, err := s.records.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, "INTERNAL_ERROR", 500, "failed to list records")
	}
	return records, nil
}

// PendingSummary tallies pending records per type for the actor's review
// scope. Tutors get their assigned students; admins and staff get the
// whole institution. The result is cached and invalidated on every
// lifecycle transition.
func (s *LifecycleService) PendingSummary(ctx context.Context, actor *models.JWTClaims) ([]models.PendingCount, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	var tutorID string
	switch actor.Role {
	case models.RoleTutor:
		tutorID = actor.UserID
	case models.RoleAdmin, models.RoleStaff:
	default:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "pending summaries are reviewer-only")
	}

	scope := tutorID
	if scope == "" {
		scope = "all"
	}
	key := fmt.Sprintf("records:pending:%s", scope)

	var counts []models.PendingCount
	if hit, err := s.cache.Get(ctx, key, &counts); err == nil && hit {
		return counts, nil
	}
	counts, err := s.records.CountPendingByType(ctx, tutorID)
	if err != nil {
		return nil, appErrors.Wrap(err, "INTERNAL_ERROR", 500, "failed to count pending records")
	}
	if err := s.cache.Set(ctx, key, counts, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("failed to cache pending summary", zap.String("key", key), zap.Error(err))
	}
	return counts, nil
}

func (s *LifecycleService) getRecord(ctx context.Context, id string) (*models.Record, error) {
	record, err := s.records.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, "INTERNAL_ERROR", 500, "failed to load record")
	}
	return record, nil
}

func (s *LifecycleService) findStudent(ctx context.Context, id string) (*models.Student, error) {
	student, err := s.students.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, "INTERNAL_ERROR", 500, "failed to load student")
	}
	return student, nil
}

// resolveOwner loads the owning student and the tutor responsible for
// review. Both must exist before any submission is accepted.
func (s *LifecycleService) resolveOwner(ctx context.Context, ownerID string) (*models.Student, *models.User, error) {
	student, err := s.findStudent(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	if !student.Active {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "student account is inactive")
	}
	if student.TutorID == nil || *student.TutorID == "" {
		return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "student has no assigned tutor")
	}
	tutor, err := s.users.FindByID(ctx, *student.TutorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "assigned tutor not found")
		}
		return nil, nil, appErrors.Wrap(err, "INTERNAL_ERROR", 500, "failed to load tutor")
	}
	return student, tutor, nil
}

func (s *LifecycleService) storeAttachment(recordType models.RecordType, ownerID string, upload *RecordUpload) (string, error) {
	if upload.Size <= 0 {
		return "", appErrors.Clone(appErrors.ErrValidation, "attachment is empty")
	}
	if s.cfg.MaxAttachmentBytes > 0 && upload.Size > s.cfg.MaxAttachmentBytes {
		return "", appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("attachment exceeds the %d byte limit", s.cfg.MaxAttachmentBytes))
	}
	if len(s.cfg.AllowedMIMEs) > 0 && !mimeAllowed(upload.MimeType, s.cfg.AllowedMIMEs) {
		return "", appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("attachment type %q is not accepted", upload.MimeType))
	}

	ext := strings.ToLower(filepath.Ext(upload.Filename))
	name := fmt.Sprintf("%s/%s/%s%s", recordType, ownerID, uuid.NewString(), ext)
	ref, err := s.storage.SaveStream(name, upload.Content)
	if err != nil {
		return "", appErrors.Wrap(err, "STORAGE_ERROR", 500, "failed to store attachment")
	}
	return ref, nil
}

func (s *LifecycleService) invalidatePendingSummaries(ctx context.Context) {
	if err := s.cache.Invalidate(ctx, pendingSummaryPattern); err != nil {
		s.logger.Warn("failed to invalidate pending summaries", zap.Error(err))
	}
}

func (s *LifecycleService) writeAudit(ctx context.Context, userID, action, recordID string, oldValues, newValues []byte) {
	if s.audit == nil {
		return
	}
	entry := &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "activity_record",
		ResourceID: &recordID,
		OldValues:  oldValues,
		NewValues:  newValues,
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

func mimeAllowed(mime string, allowed []string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), mime) {
			return true
		}
	}
	return false
}

// mergePayload overlays top-level edit fields onto the stored document.
// Absent fields keep their previous value; a null removes the field.
func mergePayload(existing, edits []byte) ([]byte, error) {
	if len(edits) == 0 {
		return append([]byte(nil), existing...), nil
	}
	base := map[string]interface{}{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &base); err != nil {
			return nil, appErrors.Wrap(err, "INTERNAL_ERROR", 500, "stored payload is unreadable")
		}
	}
	overlay := map[string]interface{}{}
	if err := json.Unmarshal(edits, &overlay); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "payload must be a JSON object")
	}
	for k, v := range overlay {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, appErrors.Wrap(err, "INTERNAL_ERROR", 500, "failed to merge payload")
	}
	return merged, nil
}

func notificationFields(descriptor *RecordTypeDescriptor, student *models.Student, record *models.Record, comments string) map[string]string {
	label := "activity"
	if descriptor != nil {
		label = descriptor.Label
	}
	fields := map[string]string{
		"record_label": label,
		"record_id":    record.ID,
	}
	if student != nil {
		fields["student_name"] = student.FullName
	}
	if comments != "" {
		fields["comments"] = comments
	}
	return fields
}
