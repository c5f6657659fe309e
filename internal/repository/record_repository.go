package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/campus-arp/arp-api/internal/models"
)

const recordColumns = `id, type, owner_id, payload, attachment_ref, status, approver_id, approved_at, comments,
       created_by, updated_by, created_at, updated_at`

// RecordRepository persists activity records and their lifecycle state.
type RecordRepository struct {
	db *sqlx.DB
}

// NewRecordRepository constructs the repository.
func NewRecordRepository(db *sqlx.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Create inserts a new record row.
func (r *RecordRepository) Create(ctx context.Context, record *models.Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = models.RecordStatusPending
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	const query = `INSERT INTO activity_records
	(id, type, owner_id, payload, attachment_ref, status, approver_id, approved_at, comments, created_by, updated_by, created_at, updated_at)
	VALUES (:id, :type, :owner_id, :payload, :attachment_ref, :status, :approver_id, :approved_at, :comments, :created_by, :updated_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

// GetByID fetches a record by identifier.
func (r *RecordRepository) GetByID(ctx context.Context, id string) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM activity_records WHERE id = $1`
	var record models.Record
	if err := r.db.GetContext(ctx, &record, query, id); err != nil {
		return nil, err
	}
	return &record, nil
}

// List returns records matching the filter (latest first). The TutorID
// filter scopes results to students assigned to that tutor.
func (r *RecordRepository) List(ctx context.Context, filter models.RecordFilter) ([]models.Record, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 5)
	builder.WriteString(`SELECT ` + recordColumns + ` FROM activity_records`)

	conditions := make([]string, 0, 4)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.TutorID != "" {
		args = append(args, filter.TutorID)
		conditions = append(conditions, fmt.Sprintf("owner_id IN (SELECT id FROM students WHERE tutor_id = $%d)", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY created_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var records []models.Record
	if err := r.db.SelectContext(ctx, &records, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

// CountPendingByType tallies pending records per type, optionally scoped
// to one tutor's assigned students.
func (r *RecordRepository) CountPendingByType(ctx context.Context, tutorID string) ([]models.PendingCount, error) {
	query := `SELECT type, COUNT(*) AS count FROM activity_records WHERE status = 'PENDING'`
	args := []interface{}{}
	if tutorID != "" {
		args = append(args, tutorID)
		query += ` AND owner_id IN (SELECT id FROM students WHERE tutor_id = $1)`
	}
	query += ` GROUP BY type ORDER BY type`

	var counts []models.PendingCount
	if err := r.db.SelectContext(ctx, &counts, query, args...); err != nil {
		return nil, fmt.Errorf("count pending records: %w", err)
	}
	return counts, nil
}

// ResubmitRecordParams groups the columns touched by an owner edit.
type ResubmitRecordParams struct {
	ID            string
	Payload       []byte
	AttachmentRef *string
	UpdatedBy     string
	UpdatedAt     time.Time
}

// Resubmit replaces the payload and resets the review state. The reset
// is unconditional: an edit always returns the record to PENDING and
// clears the prior decision.
func (r *RecordRepository) Resubmit(ctx context.Context, params ResubmitRecordParams) error {
	setParts := []string{
		"payload = :payload",
		"status = 'PENDING'",
		"approver_id = NULL",
		"approved_at = NULL",
		"comments = NULL",
		"updated_by = :updated_by",
		"updated_at = :updated_at",
	}
	if params.AttachmentRef != nil {
		setParts = append(setParts, "attachment_ref = :attachment_ref")
	}
	query := fmt.Sprintf("UPDATE activity_records SET %s WHERE id = :id", strings.Join(setParts, ", "))
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":             params.ID,
		"payload":        params.Payload,
		"attachment_ref": params.AttachmentRef,
		"updated_by":     params.UpdatedBy,
		"updated_at":     params.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("resubmit record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check resubmit rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DecideRecordParams groups the columns written by a reviewer decision.
type DecideRecordParams struct {
	ID         string
	Status     models.RecordStatus
	ApproverID string
	ApprovedAt time.Time
	Comments   *string
	UpdatedBy  string
}

// UpdateDecision persists a review outcome. The update is conditional on
// the record still being PENDING so racing deciders cannot both win;
// zero affected rows reports sql.ErrNoRows.
func (r *RecordRepository) UpdateDecision(ctx context.Context, params DecideRecordParams) error {
	query := fmt.Sprintf(`UPDATE activity_records
	SET status = :status, approver_id = :approver_id, approved_at = :approved_at, comments = :comments,
	    updated_by = :updated_by, updated_at = :approved_at
	WHERE id = :id AND status = '%s'`, models.RecordStatusPending)
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":          params.ID,
		"status":      params.Status,
		"approver_id": params.ApproverID,
		"approved_at": params.ApprovedAt,
		"comments":    params.Comments,
		"updated_by":  params.UpdatedBy,
	})
	if err != nil {
		return fmt.Errorf("update record decision: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check decision rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes a record. With pendingOnly the delete is conditional on
// the record still being PENDING; zero affected rows reports
// sql.ErrNoRows either way.
func (r *RecordRepository) Delete(ctx context.Context, id string, pendingOnly bool) error {
	query := `DELETE FROM activity_records WHERE id = $1`
	if pendingOnly {
		query += ` AND status = 'PENDING'`
	}
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check delete rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
