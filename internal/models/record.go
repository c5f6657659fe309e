package models

import "time"

// RecordType identifies the kind of activity a record documents.
type RecordType string

const (
	RecordTypeCourse         RecordType = "course"
	RecordTypeInternship     RecordType = "internship"
	RecordTypeHackathon      RecordType = "hackathon"
	RecordTypeCertificate    RecordType = "certificate"
	RecordTypeMarksheet      RecordType = "marksheet"
	RecordTypeAchievement    RecordType = "achievement"
	RecordTypeScholarship    RecordType = "scholarship"
	RecordTypePlacementDrive RecordType = "placement_drive"
)

// RecordStatus captures the review state of a submitted record. A single
// enum keeps the pending/decided encoding unambiguous.
type RecordStatus string

const (
	RecordStatusPending  RecordStatus = "PENDING"
	RecordStatusApproved RecordStatus = "APPROVED"
	RecordStatusRejected RecordStatus = "REJECTED"
)

// Record is one student-submitted activity item subject to tutor review.
// Payload holds the type-specific fields as JSON; the lifecycle never
// inspects it beyond validation at submission time.
//
// Invariant: Status == PENDING exactly when ApproverID and ApprovedAt
// are both unset.
type Record struct {
	ID            string       `db:"id" json:"id"`
	Type          RecordType   `db:"type" json:"type"`
	OwnerID       string       `db:"owner_id" json:"owner_id"`
	Payload       []byte       `db:"payload" json:"payload"`
	AttachmentRef *string      `db:"attachment_ref" json:"attachment_ref,omitempty"`
	Status        RecordStatus `db:"status" json:"status"`
	ApproverID    *string      `db:"approver_id" json:"approver_id,omitempty"`
	ApprovedAt    *time.Time   `db:"approved_at" json:"approved_at,omitempty"`
	Comments      *string      `db:"comments" json:"comments,omitempty"`
	CreatedBy     string       `db:"created_by" json:"created_by"`
	UpdatedBy     string       `db:"updated_by" json:"updated_by"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// RecordFilter constrains listing queries.
type RecordFilter struct {
	Status  []RecordStatus
	Type    RecordType
	OwnerID string
	TutorID string
	Limit   int
	Offset  int
}

// PendingCount is the per-type tally backing tutor dashboards.
type PendingCount struct {
	Type  RecordType `db:"type" json:"type"`
	Count int        `db:"count" json:"count"`
}

// DecisionOutcome enumerates the reviewer verdicts.
type DecisionOutcome string

const (
	OutcomeApprove DecisionOutcome = "APPROVE"
	OutcomeReject  DecisionOutcome = "REJECT"
)
