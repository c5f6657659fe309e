package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campus-arp/arp-api/internal/dto"
	"github.com/campus-arp/arp-api/internal/models"
	"github.com/campus-arp/arp-api/internal/repository"
	appErrors "github.com/campus-arp/arp-api/pkg/errors"
)

type recordRepoStub struct {
	records    map[string]*models.Record
	filter     models.RecordFilter
	createErr  error
	nextID     int
	pendingFor string
}

func newRecordRepoStub() *recordRepoStub {
	return &recordRepoStub{records: make(map[string]*models.Record)}
}

func (r *recordRepoStub) Create(ctx context.Context, record *models.Record) error {
	if r.createErr != nil {
		return r.createErr
	}
	if record.ID == "" {
		r.nextID++
		record.ID = "rec-" + string(rune('0'+r.nextID))
	}
	if record.Status == "" {
		record.Status = models.RecordStatusPending
	}
	stored := *record
	r.records[record.ID] = &stored
	return nil
}

func (r *recordRepoStub) GetByID(ctx context.Context, id string) (*models.Record, error) {
	if rec, ok := r.records[id]; ok {
		copy := *rec
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (r *recordRepoStub) List(ctx context.Context, filter models.RecordFilter) ([]models.Record, error) {
	r.filter = filter
	result := make([]models.Record, 0, len(r.records))
	for _, rec := range r.records {
		result = append(result, *rec)
	}
	return result, nil
}

func (r *recordRepoStub) CountPendingByType(ctx context.Context, tutorID string) ([]models.PendingCount, error) {
	r.pendingFor = tutorID
	counts := map[models.RecordType]int{}
	for _, rec := range r.records {
		if rec.Status == models.RecordStatusPending {
			counts[rec.Type]++
		}
	}
	result := make([]models.PendingCount, 0, len(counts))
	for typ, n := range counts {
		result = append(result, models.PendingCount{Type: typ, Count: n})
	}
	return result, nil
}

func (r *recordRepoStub) Resubmit(ctx context.Context, params repository.ResubmitRecordParams) error {
	rec, ok := r.records[params.ID]
	if !ok {
		return sql.ErrNoRows
	}
	rec.Payload = params.Payload
	if params.AttachmentRef != nil {
		rec.AttachmentRef = params.AttachmentRef
	}
	rec.Status = models.RecordStatusPending
	rec.ApproverID = nil
	rec.ApprovedAt = nil
	rec.Comments = nil
	rec.UpdatedBy = params.UpdatedBy
	rec.UpdatedAt = params.UpdatedAt
	return nil
}

func (r *recordRepoStub) UpdateDecision(ctx context.Context, params repository.DecideRecordParams) error {
	rec, ok := r.records[params.ID]
	if !ok || rec.Status != models.RecordStatusPending {
		return sql.ErrNoRows
	}
	approver := params.ApproverID
	decidedAt := params.ApprovedAt
	rec.Status = params.Status
	rec.ApproverID = &approver
	rec.ApprovedAt = &decidedAt
	rec.Comments = params.Comments
	rec.UpdatedBy = params.UpdatedBy
	rec.UpdatedAt = decidedAt
	return nil
}

func (r *recordRepoStub) Delete(ctx context.Context, id string, pendingOnly bool) error {
	rec, ok := r.records[id]
	if !ok {
		return sql.ErrNoRows
	}
	if pendingOnly && rec.Status != models.RecordStatusPending {
		return sql.ErrNoRows
	}
	delete(r.records, id)
	return nil
}

type studentStub struct {
	students map[string]*models.Student
}

func (s *studentStub) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if st, ok := s.students[id]; ok {
		copy := *st
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

type userStub struct {
	users map[string]*models.User
}

func (u *userStub) FindByID(ctx context.Context, id string) (*models.User, error) {
	if usr, ok := u.users[id]; ok {
		copy := *usr
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

type storageStub struct {
	saved   []string
	deleted []string
	saveErr error
}

func (s *storageStub) SaveStream(filename string, r io.Reader) (string, error) {
	if s.saveErr != nil {
		return "", s.saveErr
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	s.saved = append(s.saved, filename)
	return filename, nil
}

func (s *storageStub) Delete(filename string) error {
	s.deleted = append(s.deleted, filename)
	return nil
}

type notifierStub struct {
	sent []Notification
}

func (n *notifierStub) Dispatch(notification Notification) {
	n.sent = append(n.sent, notification)
}

type auditStub struct {
	logs []*models.AuditLog
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type lifecycleFixture struct {
	repo     *recordRepoStub
	students *studentStub
	users    *userStub
	storage  *storageStub
	notifier *notifierStub
	audit    *auditStub
	svc      *LifecycleService
}

func newLifecycleFixture(t *testing.T, cfg LifecycleServiceConfig) *lifecycleFixture {
	t.Helper()
	tutorID := "tutor-1"
	f := &lifecycleFixture{
		repo: newRecordRepoStub(),
		students: &studentStub{students: map[string]*models.Student{
			"student-1": {
				ID:       "student-1",
				FullName: "Asha Rao",
				Email:    "asha@example.edu",
				TutorID:  &tutorID,
				Active:   true,
			},
			"student-2": {
				ID:       "student-2",
				FullName: "Vikram Shah",
				Email:    "vikram@example.edu",
				Active:   true,
			},
		}},
		users: &userStub{users: map[string]*models.User{
			"tutor-1": {ID: "tutor-1", FullName: "Prof. Iyer", Email: "iyer@example.edu", Role: models.RoleTutor, Active: true},
		}},
		storage:  &storageStub{},
		notifier: &notifierStub{},
		audit:    &auditStub{},
	}
	f.svc = NewLifecycleService(f.repo, f.students, f.users, f.storage, f.notifier, f.audit, nil,
		NewRecordTypeRegistry(nil), nil, cfg)
	return f
}

func claimsFor(role models.UserRole, userID string) *models.JWTClaims {
	return &models.JWTClaims{UserID: userID, Role: role}
}

func TestLifecycleSubmitCreatesPendingRecord(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{WithdrawPendingOnly: true})

	record, err := f.svc.Submit(context.Background(), dto.SubmitRecordRequest{
		Type:    "course",
		Payload: []byte(`{"code":"CS301","title":"Distributed Systems","credit":4}`),
	}, nil, claimsFor(models.RoleStudent, "student-1"))
	require.NoError(t, err)
	require.Equal(t, models.RecordStatusPending, record.Status)
	require.Equal(t, "student-1", record.OwnerID)
	require.Nil(t, record.ApproverID)
	require.Nil(t, record.ApprovedAt)

	require.Len(t, f.audit.logs, 1)
	require.Equal(t, models.AuditActionRecordSubmit, f.audit.logs[0].Action)

	require.Len(t, f.notifier.sent, 1)
	require.Equal(t, NotifyRecordSubmitted, f.notifier.sent[0].Kind)
	require.Equal(t, "iyer@example.edu", f.notifier.sent[0].RecipientEmail)
	require.Equal(t, "Asha Rao", f.notifier.sent[0].Fields["student_name"])
}

func TestLifecycleSubmitRejectsUnassignedStudent(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{})

	_, err := f.svc.Submit(context.Background(), dto.SubmitRecordRequest{
		Type:    "course",
		Payload: []byte(`{"code":"CS301","title":"Distributed Systems","credit":4}`),
	}, nil, claimsFor(models.RoleStudent, "student-2"))
	require.Error(t, err)
	require.Equal(t, "NOT_FOUND", appErrors.FromError(err).Code)
	require.Empty(t, f.repo.records)
	require.Empty(t, f.notifier.sent)
	require.Empty(t, f.audit.logs)
}

func TestLifecycleSubmitRejectsInvalidPayload(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{})

	_, err := f.svc.Submit(context.Background(), dto.SubmitRecordRequest{
		Type:    "internship",
		Payload: []byte(`{"company":"Acme"}`),
	}, nil, claimsFor(models.RoleStudent, "student-1"))
	require.Error(t, err)
	require.Equal(t, "VALIDATION_ERROR", appErrors.FromError(err).Code)
	require.Empty(t, f.repo.records)
}

func TestLifecycleSubmitOnBehalfRequiresStaff(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{})

	_, err := f.svc.Submit(context.Background(), dto.SubmitRecordRequest{
		Type:    "course",
		OwnerID: "student-1",
		Payload: []byte(`{"code":"CS301","title":"Distributed Systems","credit":4}`),
	}, nil, claimsFor(models.RoleStudent, "student-2"))
	require.Error(t, err)
	require.Equal(t, "FORBIDDEN", appErrors.FromError(err).Code)

	record, err := f.svc.Submit(context.Background(), dto.SubmitRecordRequest{
		Type:    "course",
		OwnerID: "student-1",
		Payload: []byte(`{"code":"CS301","title":"Distributed Systems","credit":4}`),
	}, nil, claimsFor(models.RoleAdmin, "admin-1"))
	require.NoError(t, err)
	require.Equal(t, "student-1", record.OwnerID)
	require.Equal(t, "admin-1", record.CreatedBy)
}

func TestLifecycleSubmitStorageFailureWritesNothing(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{MaxAttachmentBytes: 1 << 20})
	f.storage.saveErr = errors.New("disk full")

	upload := &RecordUpload{
		Filename: "certificate.pdf",
		Size:     512,
		MimeType: "application/pdf",
		Content:  bytes.NewReader(bytes.Repeat([]byte("x"), 512)),
	}
	_, err := f.svc.Submit(context.Background(), dto.SubmitRecordRequest{
		Type:    "certificate",
		Payload: []byte(`{"title":"Go Bootcamp","issuer":"Gopher Academy","issued_on":"2026-02-01"}`),
	}, upload, claimsFor(models.RoleStudent, "student-1"))
	require.Error(t, err)
	require.Equal(t, "STORAGE_ERROR", appErrors.FromError(err).Code)
	require.Empty(t, f.repo.records)
	require.Empty(t, f.notifier.sent)
}

func TestLifecycleSubmitCleansUpAttachmentOnCreateFailure(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{MaxAttachmentBytes: 1 << 20})
	f.repo.createErr = errors.New("connection reset")

	upload := &RecordUpload{
		Filename: "certificate.pdf",
		Size:     512,
		MimeType: "application/pdf",
		Content:  bytes.NewReader(bytes.Repeat([]byte("x"), 512)),
	}
	_, err := f.svc.Submit(context.Background(), dto.SubmitRecordRequest{
		Type:    "certificate",
		Payload: []byte(`{"title":"Go Bootcamp","issuer":"Gopher Academy","issued_on":"2026-02-01"}`),
	}, upload, claimsFor(models.RoleStudent, "student-1"))
	require.Error(t, err)
	require.Len(t, f.storage.saved, 1)
	require.Equal(t, f.storage.saved, f.storage.deleted)
}

func TestLifecycleSubmitRejectsOversizeAttachment(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{MaxAttachmentBytes: 100})

	upload := &RecordUpload{
		Filename: "scan.pdf",
		Size:     101,
		MimeType: "application/pdf",
		Content:  bytes.NewReader(bytes.Repeat([]byte("x"), 101)),
	}
	_, err := f.svc.Submit(context.Background(), dto.SubmitRecordRequest{
		Type:    "certificate",
		Payload: []byte(`{"title":"Go Bootcamp","issuer":"Gopher Academy","issued_on":"2026-02-01"}`),
	}, upload, claimsFor(models.RoleStudent, "student-1"))
	require.Error(t, err)
	require.Equal(t, "VALIDATION_ERROR", appErrors.FromError(err).Code)
	require.Empty(t, f.storage.saved)
}

func seedPending(f *lifecycleFixture, id string) *models.Record {
	record := &models.Record{
		ID:      id,
		Type:    models.RecordTypeCourse,
		OwnerID: "student-1",
		Payload: []byte(`{"code":"CS301","title":"Distributed Systems","credit":4}`),
		Status:  models.RecordStatusPending,
	}
	f.repo.records[id] = record
	return record
}

func TestLifecycleDecideApprove(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{})
	seedPending(f, "rec-1")

	record, err := f.svc.Decide(context.Background(), "rec-1", dto.DecideRecordRequest{
		Outcome:  models.OutcomeApprove,
		Comments: "verified with provider",
	}, claimsFor(models.RoleTutor, "tutor-1"))
	require.NoError(t, err)
	require.Equal(t, models.RecordStatusApproved, record.Status)
	require.NotNil(t, record.ApproverID)
	require.Equal(t, "tutor-1", *record.ApproverID)
	require.NotNil(t, record.ApprovedAt)

	require.Len(t, f.notifier.sent, 1)
	require.Equal(t, NotifyRecordApproved, f.notifier.sent[0].Kind)
	require.Equal(t, "asha@example.edu", f.notifier.sent[0].RecipientEmail)
}

func TestLifecycleDecideRejectCarriesComments(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{})
	seedPending(f, "rec-1")

	record, err := f.svc.Decide(context.Background(), "rec-1", dto.DecideRecordRequest{
		Outcome:  models.OutcomeReject,
		Comments: "certificate is illegible",
	}, claimsFor(models.RoleTutor, "tutor-1"))
	require.NoError(t, err)
	require.Equal(t, models.RecordStatusRejected, record.Status)
	require.NotNil(t, record.Comments)
	require.Equal(t, "certificate is illegible", *record.Comments)
	require.Equal(t, "certificate is illegible", f.notifier.sent[0].Fields["comments"])
}

func TestLifecycleDecideRequiresAssignedTutor(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{})
	seedPending(f, "rec-1")

	_, err := f.svc.Decide(context.Background(), "rec-1", dto.DecideRecordRequest{
		Outcome: models.OutcomeApprove,
	}, claimsFor(models.RoleTutor, "tutor-9"))
	require.Error(t, err)
	require.Equal(t, "FORBIDDEN", appErrors.FromError(err).Code)
	require.Equal(t, models.RecordStatusPending, f.repo.records["rec-1"].Status)
}

func TestLifecycleDecideConflictsOnDecidedRecord(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{})
	record := seedPending(f, "rec-1")
	approver := "tutor-1"
	decidedAt := time.Now().UTC()
	record.Status = models.RecordStatusApproved
	record.ApproverID = &approver
	record.ApprovedAt = &decidedAt

	_, err := f.svc.Decide(context.Background(), "rec-1", dto.DecideRecordRequest{
		Outcome: models.OutcomeReject,
	}, claimsFor(models.RoleTutor, "tutor-1"))
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.Equal(t, "INVALID_STATE", appErr.Code)
	require.Equal(t, 409, appErr.Status)
	require.Equal(t, models.RecordStatusApproved, f.repo.records["rec-1"].Status)
}

func TestLifecycleResubmitClearsDecision(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{})
	record := seedPending(f, "rec-1")
	approver := "tutor-1"
	decidedAt := time.Now().UTC()
	comments := "wrong credit count"
	record.Status = models.RecordStatusRejected
	record.ApproverID = &approver
	record.ApprovedAt = &decidedAt
	record.Comments = &comments

	updated, err := f.svc.Resubmit(context.Background(), "rec-1", dto.ResubmitRecordRequest{
		Payload: []byte(`{"credit":5}`),
	}, nil, claimsFor(models.RoleStudent, "student-1"))
	require.NoError(t, err)
	require.Equal(t, models.RecordStatusPending, updated.Status)
	require.Nil(t, updated.ApproverID)
	require.Nil(t, updated.ApprovedAt)
	require.Nil(t, updated.Comments)
	require.Contains(t, string(updated.Payload), `"credit":5`)
	require.Contains(t, string(updated.Payload), `"code":"CS301"`)

	require.Len(t, f.notifier.sent, 1)
	require.Equal(t, NotifyRecordResubmitted, f.notifier.sent[0].Kind)
}

func TestLifecycleResubmitReplacesAttachment(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{MaxAttachmentBytes: 1 << 20})
	record := seedPending(f, "rec-1")
	oldRef := "course/student-1/old.pdf"
	record.AttachmentRef = &oldRef

	upload := &RecordUpload{
		Filename: "revised.pdf",
		Size:     256,
		MimeType: "application/pdf",
		Content:  bytes.NewReader(bytes.Repeat([]byte("y"), 256)),
	}
	updated, err := f.svc.Resubmit(context.Background(), "rec-1", dto.ResubmitRecordRequest{}, upload,
		claimsFor(models.RoleStudent, "student-1"))
	require.NoError(t, err)
	require.NotNil(t, updated.AttachmentRef)
	require.NotEqual(t, oldRef, *updated.AttachmentRef)
	require.Contains(t, f.storage.deleted, oldRef)
}

func TestLifecycleResubmitStorageFailureKeepsOldAttachment(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{MaxAttachmentBytes: 1 << 20})
	record := seedPending(f, "rec-1")
	oldRef := "course/student-1/old.pdf"
	record.AttachmentRef = &oldRef
	f.storage.saveErr = errors.New("disk full")

	upload := &RecordUpload{
		Filename: "revised.pdf",
		Size:     256,
		MimeType: "application/pdf",
		Content:  bytes.NewReader(bytes.Repeat([]byte("y"), 256)),
	}
	_, err := f.svc.Resubmit(context.Background(), "rec-1", dto.ResubmitRecordRequest{}, upload,
		claimsFor(models.RoleStudent, "student-1"))
	require.Error(t, err)
	require.Equal(t, "STORAGE_ERROR", appErrors.FromError(err).Code)
	require.Empty(t, f.storage.deleted)
	require.Equal(t, oldRef, *f.repo.records["rec-1"].AttachmentRef)
}

func TestLifecycleResubmitOwnerOnly(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{})
	seedPending(f, "rec-1")

	_, err := f.svc.Resubmit(context.Background(), "rec-1", dto.ResubmitRecordRequest{
		Payload: []byte(`{"credit":5}`),
	}, nil, claimsFor(models.RoleTutor, "tutor-1"))
	require.Error(t, err)
	require.Equal(t, "FORBIDDEN", appErrors.FromError(err).Code)
}

func TestLifecycleWithdrawReleasesAttachment(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{WithdrawPendingOnly: true})
	record := seedPending(f, "rec-1")
	ref := "course/student-1/proof.pdf"
	record.AttachmentRef = &ref

	err := f.svc.Withdraw(context.Background(), "rec-1", claimsFor(models.RoleStudent, "student-1"))
	require.NoError(t, err)
	require.NotContains(t, f.repo.records, "rec-1")
	require.Contains(t, f.storage.deleted, ref)
	require.Len(t, f.notifier.sent, 1)
	require.Equal(t, NotifyRecordWithdrawn, f.notifier.sent[0].Kind)
}

func TestLifecycleWithdrawRejectsDecidedRecord(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{WithdrawPendingOnly: true})
	record := seedPending(f, "rec-1")
	record.Status = models.RecordStatusApproved

	err := f.svc.Withdraw(context.Background(), "rec-1", claimsFor(models.RoleStudent, "student-1"))
	require.Error(t, err)
	require.Equal(t, "INVALID_STATE", appErrors.FromError(err).Code)
	require.Contains(t, f.repo.records, "rec-1")
	require.Empty(t, f.storage.deleted)
}

func TestLifecycleWithdrawAnyStateWhenPolicyRelaxed(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{WithdrawPendingOnly: false})
	record := seedPending(f, "rec-1")
	record.Status = models.RecordStatusApproved

	err := f.svc.Withdraw(context.Background(), "rec-1", claimsFor(models.RoleStudent, "student-1"))
	require.NoError(t, err)
	require.NotContains(t, f.repo.records, "rec-1")
}

func TestLifecycleListScopesByRole(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{})

	_, err := f.svc.List(context.Background(), dto.RecordQuery{OwnerID: "someone-else"},
		claimsFor(models.RoleStudent, "student-1"))
	require.NoError(t, err)
	require.Equal(t, "student-1", f.repo.filter.OwnerID)

	_, err = f.svc.List(context.Background(), dto.RecordQuery{},
		claimsFor(models.RoleTutor, "tutor-1"))
	require.NoError(t, err)
	require.Equal(t, "tutor-1", f.repo.filter.TutorID)
}

func TestLifecycleGetVisibility(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{})
	seedPending(f, "rec-1")

	_, err := f.svc.Get(context.Background(), "rec-1", claimsFor(models.RoleStudent, "student-2"))
	require.Error(t, err)
	require.Equal(t, "NOT_FOUND", appErrors.FromError(err).Code)

	record, err := f.svc.Get(context.Background(), "rec-1", claimsFor(models.RoleTutor, "tutor-1"))
	require.NoError(t, err)
	require.Equal(t, "rec-1", record.ID)

	_, err = f.svc.Get(context.Background(), "rec-1", claimsFor(models.RoleTutor, "tutor-9"))
	require.Error(t, err)
	require.Equal(t, "NOT_FOUND", appErrors.FromError(err).Code)
}

func TestLifecyclePendingSummaryScopes(t *testing.T) {
	f := newLifecycleFixture(t, LifecycleServiceConfig{})
	seedPending(f, "rec-1")

	counts, err := f.svc.PendingSummary(context.Background(), claimsFor(models.RoleTutor, "tutor-1"))
	require.NoError(t, err)
	require.Equal(t, "tutor-1", f.repo.pendingFor)
	require.Len(t, counts, 1)
	require.Equal(t, models.RecordTypeCourse, counts[0].Type)
	require.Equal(t, 1, counts[0].Count)

	_, err = f.svc.PendingSummary(context.Background(), claimsFor(models.RoleAdmin, "admin-1"))
	require.NoError(t, err)
	require.Equal(t, "", f.repo.pendingFor)

	_, err = f.svc.PendingSummary(context.Background(), claimsFor(models.RoleStudent, "student-1"))
	require.Error(t, err)
	require.Equal(t, "FORBIDDEN", appErrors.FromError(err).Code)
}
